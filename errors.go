package rosclient

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConfigError reports an invalid or unsafe client configuration, such as a
// hardcoded credential supplied without AllowInsecure, or a missing host.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config: " + e.Reason }

// TransportError wraps a failure from the underlying socket or HTTP
// transport: I/O errors, TLS handshake failures, DNS failures, or premature
// connection close.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed wire message: a bad length prefix, an
// oversized word, or an unsolicited reply that cannot be associated with any
// pending operation.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Reason }

// AuthError reports a rejected login or a malformed challenge.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "auth: " + e.Reason }

// RouterError reports a terminal failure reported by the router itself: a
// socket !trap or a non-2xx REST response. Status is the REST HTTP status
// code, or 0 for a socket trap.
type RouterError struct {
	Message string
	Status  int
	Detail  string
	Command string
	Raw     []byte
	At      time.Time
}

func (e *RouterError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("router: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("router: trap: %s", e.Message)
}

// NotFound reports whether e represents a 404 response.
func (e *RouterError) NotFound() bool { return e.Status == 404 }

// IsAuthError reports whether e represents a 401 response.
func (e *RouterError) IsAuthError() bool { return e.Status == 401 }

// Permission reports whether e represents a 403 response.
func (e *RouterError) Permission() bool { return e.Status == 403 }

// RateLimit reports whether e represents a 429 response.
func (e *RouterError) RateLimit() bool { return e.Status == 429 }

// Retryable reports whether the failure is advisory-retryable: 429, 502,
// 503, or 504. This classifier is advisory only — the core never retries on
// its own.
func (e *RouterError) Retryable() bool {
	switch e.Status {
	case 429, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Duplicate reports whether e represents a RouterOS "already exists"
// conflict, surfaced by the REST transport as HTTP 400 with a recognizable
// detail message.
func (e *RouterError) Duplicate() bool {
	if e.Status != 400 {
		return false
	}
	d := strings.ToLower(e.Detail)
	return strings.Contains(d, "already exists") || strings.Contains(d, "already have")
}

// CircuitOpenError is returned when the circuit breaker rejects an operation
// without attempting it.
type CircuitOpenError struct {
	TimeLeft time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open, retry in %s", e.TimeLeft)
}

// TimeoutError reports that a connect or per-operation deadline elapsed.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("timeout: %s", e.Op) }

// IdempotencyLostError is returned when a duplicate-create was detected but
// the REST recovery query found no matching element.
type IdempotencyLostError struct {
	Path string
	Key  string
	Val  string
}

func (e *IdempotencyLostError) Error() string {
	return fmt.Sprintf("idempotency lost: %s?%s=%s returned nothing", e.Path, e.Key, e.Val)
}

// ConnectionLostError is reported to every pending operation abandoned by an
// unexpected connection drop.
type ConnectionLostError struct {
	Tag string
}

func (e *ConnectionLostError) Error() string { return fmt.Sprintf("connection lost (tag %s)", e.Tag) }

// ErrQueuedOffline is the sentinel Write returns, with nil rows, when a
// persistent write rejected by an open circuit breaker has been accepted
// into the offline queue instead of failing. Match it with errors.Is.
var ErrQueuedOffline = errors.New("queued offline")
