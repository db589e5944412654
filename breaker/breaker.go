// Package breaker implements the CLOSED/OPEN/HALF_OPEN circuit breaker that
// surrounds both the connect handshake and every individual command.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Defaults per the protocol specification.
const (
	DefaultThreshold    = 5
	DefaultResetTimeout = 10 * time.Second
)

// OpenError is returned by Execute when the breaker short-circuits the call
// without attempting it.
type OpenError struct {
	TimeLeft time.Duration
}

func (e *OpenError) Error() string { return "circuit open" }

// Breaker is a circuit breaker guarding a single failure domain (e.g. one
// connection's handshake and commands).
type Breaker struct {
	threshold    int
	resetTimeout time.Duration

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
}

// New constructs a Breaker. A threshold or resetTimeout of zero selects the
// protocol defaults (5 consecutive failures, 10s reset).
func New(threshold int, resetTimeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if resetTimeout <= 0 {
		resetTimeout = DefaultResetTimeout
	}
	return &Breaker{threshold: threshold, resetTimeout: resetTimeout}
}

// State reports the breaker's current state, lazily transitioning from OPEN
// to HALF_OPEN if the reset timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == Open && time.Since(b.lastFailure) > b.resetTimeout {
		b.state = HalfOpen
	}
	return b.state
}

// Execute runs thunk if the breaker permits it, and records the outcome.
// When OPEN and not yet eligible for a probe, Execute short-circuits with an
// *OpenError carrying the remaining time before a probe would be allowed.
func (b *Breaker) Execute(thunk func() error) error {
	b.mu.Lock()
	state := b.stateLocked()
	if state == Open {
		timeLeft := b.resetTimeout - time.Since(b.lastFailure)
		b.mu.Unlock()
		return &OpenError{TimeLeft: timeLeft}
	}
	b.mu.Unlock()

	err := thunk()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		b.lastFailure = time.Now()
		if b.stateLocked() == HalfOpen {
			b.state = Open
		} else if b.failures >= b.threshold {
			b.state = Open
		}
		return err
	}

	// Success: HALF_OPEN -> CLOSED, and the failure count resets.
	b.state = Closed
	b.failures = 0
	return nil
}
