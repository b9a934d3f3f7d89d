// Package bulkhead caps concurrent in-flight calls per dependency so one
// slow downstream cannot absorb every worker goroutine in the process.
package bulkhead

import (
	"context"
	"sync"
	"time"

	"github.com/dskow/shield-core/internal/config"
	"github.com/dskow/shield-core/internal/faults"
	"github.com/dskow/shield-core/internal/metrics"
)

// Bulkhead is a concurrency limiter for a single dependency. Slots are
// acquired before the call and released when it completes, whatever the
// outcome.
type Bulkhead struct {
	dependency string
	sem        chan struct{}
	limit      int
	policy     string
	maxWait    time.Duration
}

// New creates a bulkhead with capacity cfg.Limit. The capacity is fixed for
// the lifetime of the bulkhead; config reloads that change it take effect
// only for dependencies seen for the first time afterwards.
func New(dependency string, cfg config.BulkheadConfig) *Bulkhead {
	return &Bulkhead{
		dependency: dependency,
		sem:        make(chan struct{}, cfg.Limit),
		limit:      cfg.Limit,
		policy:     cfg.Policy,
		maxWait:    cfg.MaxWait,
	}
}

// Acquire claims a concurrency slot. On success it returns a release
// function that must be called exactly once when the call completes;
// calling it more than once is safe. Under the reject policy a full
// bulkhead fails immediately; under the wait policy the caller blocks up
// to max_wait or until ctx is done.
func (b *Bulkhead) Acquire(ctx context.Context) (func(), error) {
	select {
	case b.sem <- struct{}{}:
		metrics.BulkheadInFlight.WithLabelValues(b.dependency).Set(float64(len(b.sem)))
		return b.release(), nil
	default:
	}

	if b.policy != config.PolicyWait {
		metrics.BulkheadRejections.WithLabelValues(b.dependency).Inc()
		return nil, &faults.BulkheadRejected{Key: b.dependency, Limit: b.limit}
	}

	// Wait policy: block for a slot, bounded by max_wait and the caller's
	// context. max_wait of zero waits until the context is done.
	var expired <-chan time.Time
	if b.maxWait > 0 {
		timer := time.NewTimer(b.maxWait)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case b.sem <- struct{}{}:
		metrics.BulkheadInFlight.WithLabelValues(b.dependency).Set(float64(len(b.sem)))
		return b.release(), nil
	case <-expired:
		metrics.BulkheadRejections.WithLabelValues(b.dependency).Inc()
		return nil, &faults.BulkheadRejected{Key: b.dependency, Limit: b.limit}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release returns a func that frees the held slot. sync.Once guards against
// double release corrupting the semaphore.
func (b *Bulkhead) release() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-b.sem
			metrics.BulkheadInFlight.WithLabelValues(b.dependency).Set(float64(len(b.sem)))
		})
	}
}

// InFlight returns the number of slots currently held.
func (b *Bulkhead) InFlight() int {
	return len(b.sem)
}

// Limit returns the bulkhead capacity.
func (b *Bulkhead) Limit() int {
	return b.limit
}

// Policy returns the configured overflow policy.
func (b *Bulkhead) Policy() string {
	return b.policy
}
