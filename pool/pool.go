// Package pool implements the Connection Pool: a fixed-size array of
// identically-configured facades, scheduled round-robin.
package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/creachadair/taskgroup"
)

// Connector is the subset of the Client Facade a Pool needs: something it
// can connect concurrently. Defined here rather than depending on the root
// package, so pool stays a leaf package the facade builds on top of.
type Connector interface {
	Connect(ctx context.Context) error
}

// Pool is a fixed-size, round-robin scheduled set of facades of type T.
type Pool[T Connector] struct {
	clients []T

	mu  sync.Mutex
	idx int
}

// New constructs a Pool over an already-built, identically-configured slice
// of facades. The slice must be non-empty.
func New[T Connector](clients []T) *Pool[T] {
	return &Pool[T]{clients: clients}
}

// Connect opens every facade concurrently and requires all of them to
// succeed; if any fails, Connect returns the first error observed (in
// client-index order), leaving the pool otherwise unusable — callers should
// treat a Connect failure as fatal to the whole pool rather than retry
// individual clients.
func (p *Pool[T]) Connect(ctx context.Context) error {
	if len(p.clients) == 0 {
		return fmt.Errorf("pool: no clients configured")
	}
	errs := make([]error, len(p.clients))
	g := taskgroup.New(nil)
	for i, c := range p.clients {
		i, c := i, c
		g.Go(func() error {
			errs[i] = c.Connect(ctx)
			return nil
		})
	}
	g.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// GetScheduledClient returns the next client in round-robin order. Every
// submitted operation should use exactly one scheduled client, and any
// stream opened against it stays bound to that client for its lifetime.
func (p *Pool[T]) GetScheduledClient() T {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.clients[p.idx]
	p.idx = (p.idx + 1) % len(p.clients)
	return c
}

// Len reports the pool's fixed size.
func (p *Pool[T]) Len() int { return len(p.clients) }
