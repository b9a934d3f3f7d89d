// Package circuitbreaker provides per-dependency circuit breakers for
// protecting callers against unavailable downstream dependencies. Breakers
// are created lazily per dependency key through a Registry and share one
// interface across strategies.
package circuitbreaker

import "time"

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; limited calls allowed to test recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is the common interface for all circuit breaker strategies.
type Breaker interface {
	// Allow reports whether a call may proceed. Returns false when the
	// circuit is open. In half-open state a true result claims a probe
	// slot; the caller must settle the slot exactly once, via
	// RecordSuccess, RecordFailure, or CancelProbe.
	Allow() bool

	// RecordSuccess records a successful attempt with its latency.
	RecordSuccess(latency time.Duration)

	// RecordFailure records a failed attempt with its latency.
	RecordFailure(latency time.Duration)

	// CancelProbe returns a claimed half-open probe slot without recording
	// an outcome, for attempts that never reached the dependency.
	CancelProbe()

	// State returns the current circuit breaker state.
	State() State

	// RetryAfter estimates the remaining cooldown while open, zero otherwise.
	RetryAfter() time.Duration

	// Reset forces the breaker back to closed state.
	Reset()

	// Trip forces the breaker open, starting a fresh cooldown.
	Trip()
}
