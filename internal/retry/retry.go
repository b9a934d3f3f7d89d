// Package retry re-invokes failed operations under a bounded policy with
// exponential backoff and jitter. The executor owns only the loop and the
// sleeps; admission checks and attempt deadlines are composed into the
// attempt function by the caller, so every re-attempt passes through the
// full admission path again.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dskow/shield-core/internal/config"
	"github.com/dskow/shield-core/internal/faults"
	"github.com/dskow/shield-core/internal/metrics"
)

// Call classes. The class decides whether a failed attempt may be
// re-invoked at all.
const (
	ClassIdempotentRead  = "idempotent_read"
	ClassIdempotentWrite = "idempotent_write"
	ClassNonIdempotent   = "non_idempotent"
)

// ValidClasses enumerates the accepted call classes.
var ValidClasses = map[string]bool{
	ClassIdempotentRead:  true,
	ClassIdempotentWrite: true,
	ClassNonIdempotent:   true,
}

// Policy is the immutable retry configuration for one execution.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64

	// Retryable classifies a failed attempt. A false verdict returns the
	// error to the caller immediately without consuming further attempts.
	Retryable func(error) bool
}

// PolicyFor derives the effective policy from config for a call class.
// Non-idempotent calls never retry. Idempotent writes retry only when the
// call carries an idempotency key; without one a duplicate send could
// apply the write twice.
func PolicyFor(cfg config.RetryConfig, class string, idempotencyKey string) Policy {
	p := Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Jitter:      cfg.Jitter,
		Retryable:   faults.IsTransient,
	}
	switch class {
	case ClassNonIdempotent:
		p.MaxAttempts = 1
	case ClassIdempotentWrite:
		if idempotencyKey == "" {
			p.MaxAttempts = 1
		}
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return p
}

// Attempt runs one guarded attempt. The attempt number starts at 1.
type Attempt func(ctx context.Context, attempt int) ([]byte, error)

// Executor runs retry loops. It is stateless apart from its logger and is
// shared across dependencies.
type Executor struct {
	logger *slog.Logger
}

func NewExecutor(logger *slog.Logger) *Executor {
	return &Executor{logger: logger}
}

// Execute invokes attempt until it succeeds, fails terminally, or the
// policy is exhausted. The delay before attempt n+1 is
// min(base_delay * 2^(n-1), max_delay) scaled by a random factor in
// [1-jitter, 1+jitter]. Sleeps are cut short when ctx ends; the last
// underlying failure is always attached to the returned RetryExhausted.
func (e *Executor) Execute(ctx context.Context, dependency, class string, policy Policy, attempt Attempt) ([]byte, error) {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     policy.BaseDelay,
		RandomizationFactor: policy.Jitter,
		Multiplier:          2,
		MaxInterval:         policy.MaxDelay,
	}
	bo.Reset()

	for n := 1; ; n++ {
		if n > 1 {
			metrics.RetriesTotal.WithLabelValues(dependency, class).Inc()
		}

		data, err := attempt(ctx, n)
		if err == nil {
			return data, nil
		}

		if !policy.Retryable(err) {
			return nil, err
		}
		if n >= policy.MaxAttempts {
			return nil, &faults.RetryExhausted{Key: dependency, Attempts: n, Err: err}
		}

		delay := bo.NextBackOff()
		e.logger.Debug("retrying call",
			"dependency", dependency,
			"class", class,
			"attempt", n,
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			// The caller's budget ran out mid-backoff. Surface what the
			// dependency last did instead of a bare context error.
			return nil, &faults.RetryExhausted{Key: dependency, Attempts: n, Err: err}
		}
	}
}
