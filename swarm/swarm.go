// Package swarm implements fan-out broadcast/multicast over a named set of
// logical routers, each represented by its own facade.
package swarm

import (
	"context"
	"sync"

	"github.com/creachadair/taskgroup"
)

// Client is the subset of the Client Facade a Swarm drives: a single
// command dispatch entry point. Defined locally so swarm does not import
// the root package.
type Client interface {
	Do(ctx context.Context, cmd string, params map[string]string) ([]map[string]string, error)
}

// Outcome is one node's result from a broadcast or multicast. A failure on
// one node never aborts the others, so callers always get one Outcome per
// targeted node regardless of individual successes or failures.
type Outcome struct {
	NodeID  string
	Success bool
	Data    []map[string]string
	Err     error
}

// Swarm is a map of named facades dispatched over concurrently.
type Swarm[T Client] struct {
	mu    sync.RWMutex
	nodes map[string]T
}

// New constructs an empty Swarm.
func New[T Client]() *Swarm[T] {
	return &Swarm[T]{nodes: make(map[string]T)}
}

// Add registers a node under id, replacing any existing node with that id.
func (s *Swarm[T]) Add(id string, c T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[id] = c
}

// Remove deregisters a node.
func (s *Swarm[T]) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
}

// Len reports the number of registered nodes.
func (s *Swarm[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Broadcast dispatches cmd/params to every registered node concurrently,
// never returning an error itself — each node's outcome is reported
// individually.
func (s *Swarm[T]) Broadcast(ctx context.Context, cmd string, params map[string]string) []Outcome {
	s.mu.RLock()
	ids := make([]string, 0, len(s.nodes))
	clients := make(map[string]T, len(s.nodes))
	for id, c := range s.nodes {
		ids = append(ids, id)
		clients[id] = c
	}
	s.mu.RUnlock()

	return dispatch(ctx, ids, clients, cmd, params)
}

// Multicast dispatches cmd/params to the given subset of registered node
// ids concurrently. An id with no registered node yields a failed outcome
// rather than being silently skipped.
func (s *Swarm[T]) Multicast(ctx context.Context, ids []string, cmd string, params map[string]string) []Outcome {
	s.mu.RLock()
	clients := make(map[string]T, len(ids))
	for _, id := range ids {
		if c, ok := s.nodes[id]; ok {
			clients[id] = c
		}
	}
	s.mu.RUnlock()

	return dispatch(ctx, ids, clients, cmd, params)
}

func dispatch[T Client](ctx context.Context, ids []string, clients map[string]T, cmd string, params map[string]string) []Outcome {
	outcomes := make([]Outcome, len(ids))
	g := taskgroup.New(nil)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			c, ok := clients[id]
			if !ok {
				outcomes[i] = Outcome{NodeID: id, Success: false, Err: unknownNodeError{id}}
				return nil
			}
			data, err := c.Do(ctx, cmd, params)
			outcomes[i] = Outcome{NodeID: id, Success: err == nil, Data: data, Err: err}
			return nil
		})
	}
	g.Wait()
	return outcomes
}

type unknownNodeError struct{ id string }

func (e unknownNodeError) Error() string { return "swarm: unknown node " + e.id }
