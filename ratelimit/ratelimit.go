// Package ratelimit implements the latency-adaptive token bucket that forms
// the primary backpressure mechanism of the client: round-trip latency
// observed on completed operations governs the refill rate, so a router
// under CPU pressure throttles callers before it falls over.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const tickInterval = 100 * time.Millisecond

// Defaults per the protocol's stability-envelope parameters.
const (
	DefaultMinRate         = 2.0
	DefaultWarnLatency     = 200 * time.Millisecond
	DefaultCriticalLatency = 500 * time.Millisecond
	DefaultHistorySize     = 10
)

// Config parameterizes a Limiter.
type Config struct {
	NominalRate     float64       // tokens/s at full health
	Burst           int           // max-tokens
	MinRate         float64       // floor for current-rate under sustained distress
	WarnLatency     time.Duration
	CriticalLatency time.Duration
	HistorySize     int // size of the rolling feedback window whose mean governs current-rate (from the 5th sample on)
}

func (c Config) withDefaults() Config {
	if c.MinRate == 0 {
		c.MinRate = DefaultMinRate
	}
	if c.WarnLatency == 0 {
		c.WarnLatency = DefaultWarnLatency
	}
	if c.CriticalLatency == 0 {
		c.CriticalLatency = DefaultCriticalLatency
	}
	if c.HistorySize == 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

// Limiter is an adaptive token bucket. The zero value is not usable; call
// New.
type Limiter struct {
	cfg Config

	mu          sync.Mutex
	tokens      float64
	currentRate float64
	history     []time.Duration
	waiters     []chan struct{} // FIFO

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs and starts a Limiter. Call Stop to halt its background
// refill tick.
func New(cfg Config) *Limiter {
	cfg = cfg.withDefaults()
	l := &Limiter{
		cfg:         cfg,
		tokens:      float64(cfg.Burst),
		currentRate: cfg.NominalRate,
		stop:        make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Stop halts the background refill goroutine. It is safe to call more than
// once.
func (l *Limiter) Stop() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
	l.wg.Wait()
}

func (l *Limiter) run() {
	defer l.wg.Done()
	t := time.NewTicker(tickInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.refill()
		case <-l.stop:
			return
		}
	}
}

// refill adds currentRate/10 tokens (clamped to Burst), then drains waiters
// FIFO while at least one token is available.
func (l *Limiter) refill() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tokens += l.currentRate / 10
	if max := float64(l.cfg.Burst); l.tokens > max {
		l.tokens = max
	}
	for len(l.waiters) > 0 && l.tokens >= 1 {
		w := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.tokens--
		close(w)
	}
}

// Acquire blocks until a token is available or ctx ends. It decrements a
// token and returns immediately if one is on hand; otherwise it enqueues a
// FIFO waiter that the next refill tick will release.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.tokens >= 1 {
		l.tokens--
		l.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		l.removeWaiter(ch)
		return ctx.Err()
	}
}

func (l *Limiter) removeWaiter(ch chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, w := range l.waiters {
		if w == ch {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}

// SubmitFeedback appends an observed round-trip latency to the rolling
// window. Once the window holds at least 5 samples, the mean governs the
// current refill rate per the three-tier policy: force a floor rate and
// drain all tokens under critical latency, halve the nominal rate under
// warn latency, or additively recover toward nominal otherwise.
func (l *Limiter) SubmitFeedback(rtt time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.history = append(l.history, rtt)
	if len(l.history) > l.cfg.HistorySize {
		l.history = l.history[1:]
	}
	if len(l.history) < 5 {
		return
	}

	var sum time.Duration
	for _, d := range l.history {
		sum += d
	}
	mean := sum / time.Duration(len(l.history))

	switch {
	case mean > l.cfg.CriticalLatency:
		l.currentRate = l.cfg.MinRate
		l.tokens = 0
	case mean > l.cfg.WarnLatency:
		l.currentRate = max(l.cfg.MinRate, l.cfg.NominalRate/2)
	default:
		l.currentRate = min(l.cfg.NominalRate, l.currentRate+5)
	}
}

// CurrentRate reports the limiter's present refill rate, for diagnostics.
func (l *Limiter) CurrentRate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentRate
}
