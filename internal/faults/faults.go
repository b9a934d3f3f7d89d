// Package faults defines the typed errors the resilience pipeline returns to
// callers. Each fault carries the dependency key it occurred on and a stable
// machine-readable code — callers can program against the codes and the retry
// hints without string-matching error text.
package faults

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Fault codes. These form a public contract; do not rename or remove
// existing codes.
const (
	CodeRateLimited       = "rate_limit_exceeded"
	CodeCircuitOpen       = "circuit_open"
	CodeRetryExhausted    = "retry_exhausted"
	CodeTimeout           = "timeout_exceeded"
	CodeBulkheadRejected  = "bulkhead_rejected"
	CodeDependencyUnknown = "dependency_unknown"
)

// ErrCacheUnavailable marks a shared-cache-tier failure. It never reaches
// pipeline callers — the cache layer degrades to direct computation — and
// exists only for logs and internal wrapping.
var ErrCacheUnavailable = errors.New("cache tier unavailable")

// RateLimited reports that a token bucket denied the call. RetryAfter is the
// time until enough tokens will have refilled.
type RateLimited struct {
	Key        string
	Tier       string
	RetryAfter time.Duration
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (tier %s), retry after %s", e.Key, e.Tier, e.RetryAfter)
}

// Code returns the stable fault code.
func (e *RateLimited) Code() string { return CodeRateLimited }

// CircuitOpen reports that the dependency's breaker denied the call.
// RetryAfter estimates the remaining cooldown; zero means a probe slot may
// open at any moment.
type CircuitOpen struct {
	Key        string
	RetryAfter time.Duration
}

func (e *CircuitOpen) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %s", e.Key, e.RetryAfter)
}

func (e *CircuitOpen) Code() string { return CodeCircuitOpen }

// RetryExhausted reports that every permitted attempt failed. Err is the last
// underlying failure and is never discarded.
type RetryExhausted struct {
	Key      string
	Attempts int
	Err      error
}

func (e *RetryExhausted) Error() string {
	return fmt.Sprintf("retries exhausted for %s after %d attempts: %v", e.Key, e.Attempts, e.Err)
}

func (e *RetryExhausted) Code() string { return CodeRetryExhausted }

func (e *RetryExhausted) Unwrap() error { return e.Err }

// Timeout reports that an attempt (or the pre-attempt deadline check)
// exceeded its budget.
type Timeout struct {
	Key     string
	Budget  time.Duration
	Elapsed time.Duration
}

func (e *Timeout) Error() string {
	return fmt.Sprintf("timeout on %s after %s (budget %s)", e.Key, e.Elapsed, e.Budget)
}

func (e *Timeout) Code() string { return CodeTimeout }

// BulkheadRejected reports that the dependency's concurrency limit was
// reached and the admission policy does not wait.
type BulkheadRejected struct {
	Key   string
	Limit int
}

func (e *BulkheadRejected) Error() string {
	return fmt.Sprintf("bulkhead full for %s (limit %d)", e.Key, e.Limit)
}

func (e *BulkheadRejected) Code() string { return CodeBulkheadRejected }

// DependencyUnknown reports a call against a key with no configuration, on a
// shield configured to fail closed for unknown keys.
type DependencyUnknown struct {
	Key string
}

func (e *DependencyUnknown) Error() string {
	return fmt.Sprintf("unknown dependency %q", e.Key)
}

func (e *DependencyUnknown) Code() string { return CodeDependencyUnknown }

// coder is implemented by all fault types.
type coder interface{ Code() string }

// Code extracts the stable fault code from err, or "" when err carries none.
func Code(err error) string {
	var c coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return ""
}

// RetryAfter extracts the retry hint from a RateLimited or CircuitOpen fault,
// or zero when err carries none.
func RetryAfter(err error) time.Duration {
	var rl *RateLimited
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	var co *CircuitOpen
	if errors.As(err, &co) {
		return co.RetryAfter
	}
	return 0
}

// transienter is implemented by errors that classify themselves, such as an
// upstream response error that knows whether its status class is worth
// re-attempting.
type transienter interface{ Transient() bool }

// IsTransient reports whether err represents a transient dependency failure
// that an idempotent call may retry. Caller cancellation and admission
// faults (rate limit, circuit open, bulkhead) are terminal. Attempt
// timeouts are transient. Anything else is consulted through a
// Transient() bool method when it implements one; unknown errors are
// terminal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var to *Timeout
	if errors.As(err, &to) {
		return true
	}
	var t transienter
	if errors.As(err, &t) {
		return t.Transient()
	}
	return false
}
