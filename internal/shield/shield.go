// Package shield composes the resilience mechanisms into one pipeline around
// every protected dependency call. The stage order is fixed:
//
//	cache → rate limit → circuit breaker → bulkhead → timeout → attempt
//
// A cache hit short-circuits everything after it. The rate limiter runs once
// per logical call; the breaker consult, bulkhead admission, and timeout
// guard wrap each attempt inside the retry loop, so a re-attempt passes
// through the full admission path again.
package shield

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/shield-core/internal/bulkhead"
	"github.com/dskow/shield-core/internal/cache"
	"github.com/dskow/shield-core/internal/circuitbreaker"
	"github.com/dskow/shield-core/internal/config"
	"github.com/dskow/shield-core/internal/faults"
	"github.com/dskow/shield-core/internal/metrics"
	"github.com/dskow/shield-core/internal/ratelimit"
	"github.com/dskow/shield-core/internal/retry"
	"github.com/dskow/shield-core/internal/timeout"
)

// Operation is the underlying dependency call the pipeline protects.
type Operation func(ctx context.Context) ([]byte, error)

// Call identifies one logical protected call.
type Call struct {
	// Dependency is the key scoping all per-dependency state.
	Dependency string

	// CacheKey enables cache participation when non-empty. Only calls the
	// caller knows to be safely cacheable (idempotent reads) should set it.
	CacheKey string

	// Class selects the retry policy: retry.ClassIdempotentRead,
	// ClassIdempotentWrite, or ClassNonIdempotent.
	Class string

	// Tier and Caller key the rate limiter bucket.
	Tier   string
	Caller string

	// IdempotencyKey permits retrying an idempotent write.
	IdempotencyKey string
}

// Shield owns the per-dependency stage state and exposes the one call
// contract the rest of the service uses.
type Shield struct {
	mu  sync.RWMutex
	cfg *config.Config

	breakers  *circuitbreaker.Registry
	bulkheads *bulkhead.Registry
	limiter   *ratelimit.Limiter
	cache     *cache.Service
	retrier   *retry.Executor
	logger    *slog.Logger
}

// New wires a Shield from its stage registries. cacheSvc may be nil to
// disable caching entirely.
func New(cfg *config.Config, breakers *circuitbreaker.Registry, bulkheads *bulkhead.Registry, limiter *ratelimit.Limiter, cacheSvc *cache.Service, logger *slog.Logger) *Shield {
	return &Shield{
		cfg:       cfg,
		breakers:  breakers,
		bulkheads: bulkheads,
		limiter:   limiter,
		cache:     cacheSvc,
		retrier:   retry.NewExecutor(logger),
		logger:    logger,
	}
}

// UpdateConfig swaps in a reloaded configuration. Breakers whose settings
// changed are rebuilt; state for removed dependencies is dropped. Bulkhead
// capacities of already-created keys cannot change live and log a
// restart-required warning.
func (s *Shield) UpdateConfig(cfg *config.Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	for key, dep := range cfg.Dependencies {
		s.breakers.Update(key, dep.Circuit)
		if prev := old.Dependency(key); prev != nil && prev.Bulkhead != dep.Bulkhead {
			s.logger.Warn("bulkhead settings changed; restart required for live keys", "dependency", key)
		}
	}
	for key := range old.Dependencies {
		if _, ok := cfg.Dependencies[key]; !ok {
			s.breakers.Remove(key)
			s.bulkheads.Remove(key)
		}
	}
}

// Config returns the active configuration snapshot.
func (s *Shield) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Protect runs op for call under the full pipeline and records the final
// outcome. Typed faults carry retry hints; cache-tier failures never
// surface.
func (s *Shield) Protect(ctx context.Context, call Call, op Operation) ([]byte, error) {
	cfg := s.Config()

	dep := cfg.Dependency(call.Dependency)
	if dep == nil {
		if !cfg.Defaults.FailOpen() {
			metrics.RequestsTotal.WithLabelValues(call.Dependency, "unknown_dependency").Inc()
			return nil, &faults.DependencyUnknown{Key: call.Dependency}
		}
		// Fail-open default: treat the key as a new dependency running
		// on the defaults block.
		d := cfg.Defaults
		dep = &d
	}

	data, hit, err := s.cache.GetOrCompute(ctx, call.Dependency, call.CacheKey, dep.Cache, func(ctx context.Context) ([]byte, error) {
		return s.execute(ctx, call, dep, op)
	})
	if hit {
		metrics.RequestsTotal.WithLabelValues(call.Dependency, "cache_hit").Inc()
		return data, nil
	}
	metrics.RequestsTotal.WithLabelValues(call.Dependency, outcomeFor(err)).Inc()
	return data, err
}

// execute is the pipeline past the cache: rate limit once, then the retry
// loop with breaker, bulkhead, and timeout around each attempt.
func (s *Shield) execute(ctx context.Context, call Call, dep *config.DependencyConfig, op Operation) ([]byte, error) {
	if limits, ok := dep.RateLimit[call.Tier]; ok {
		if err := s.limiter.Allow(call.Dependency, call.Tier, call.Caller, limits); err != nil {
			return nil, err
		}
	}

	breaker := s.breakers.For(call.Dependency, dep.Circuit)
	bh := s.bulkheads.For(call.Dependency, dep.Bulkhead)
	policy := retry.PolicyFor(dep.Retry, call.Class, call.IdempotencyKey)
	failOpen := dep.FailOpen()

	attempt := func(ctx context.Context, n int) ([]byte, error) {
		return s.attempt(ctx, call.Dependency, dep, breaker, bh, failOpen, op)
	}

	return s.retrier.Execute(ctx, call.Dependency, call.Class, policy, attempt)
}

// attempt runs one admission-guarded invocation of op and reports its
// outcome to the breaker.
func (s *Shield) attempt(ctx context.Context, key string, dep *config.DependencyConfig, breaker circuitbreaker.Breaker, bh *bulkhead.Bulkhead, failOpen bool, op Operation) ([]byte, error) {
	admitted := breaker.Allow()
	if !admitted {
		if !failOpen {
			return nil, &faults.CircuitOpen{Key: key, RetryAfter: breaker.RetryAfter()}
		}
		s.logger.Debug("circuit open ignored under fail-open", "dependency", key)
	}

	release, err := bh.Acquire(ctx)
	if err != nil {
		var rejected *faults.BulkheadRejected
		if failOpen && errors.As(err, &rejected) {
			s.logger.Debug("bulkhead rejection ignored under fail-open", "dependency", key)
			release = func() {}
		} else {
			if admitted {
				// Return the claimed probe slot; an admission rejection
				// says nothing about the dependency's health.
				breaker.CancelProbe()
			}
			return nil, err
		}
	}
	defer release()

	start := time.Now()
	data, opErr := timeout.Run(ctx, key, dep.Timeout, op)
	latency := time.Since(start)

	result := "success"
	if opErr != nil && faults.IsTransient(opErr) {
		result = "failure"
	}
	canceled := errors.Is(opErr, context.Canceled) || errors.Is(opErr, context.DeadlineExceeded)

	// Every admitted attempt settles its breaker claim exactly once. A
	// denied-but-proceeding fail-open attempt holds no probe slot, so its
	// outcome must not feed the half-open accounting. A caller cancellation
	// settles neutrally: the dependency was never measured. Terminal errors
	// such as a 4xx mean the dependency answered and reset the failure run
	// rather than extend it.
	if admitted {
		switch {
		case canceled:
			breaker.CancelProbe()
		case result == "failure":
			breaker.RecordFailure(latency)
		default:
			breaker.RecordSuccess(latency)
		}
	}

	metrics.AttemptsTotal.WithLabelValues(key, result).Inc()
	metrics.AttemptDuration.WithLabelValues(key, result).Observe(latency.Seconds())

	return data, opErr
}

// outcomeFor maps a final pipeline error to its metrics label.
func outcomeFor(err error) string {
	if err == nil {
		return "ok"
	}
	switch faults.Code(err) {
	case faults.CodeRateLimited:
		return "rate_limited"
	case faults.CodeCircuitOpen:
		return "circuit_open"
	case faults.CodeBulkheadRejected:
		return "bulkhead_rejected"
	case faults.CodeTimeout:
		return "timeout"
	case faults.CodeRetryExhausted:
		return "retry_exhausted"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "upstream_error"
}
