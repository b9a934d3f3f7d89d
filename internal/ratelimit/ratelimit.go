// Package ratelimit provides per-caller token bucket admission keyed by
// dependency and identity tier. Buckets refill continuously at the
// configured rate and are evicted after a period of inactivity.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/shield-core/internal/config"
	"github.com/dskow/shield-core/internal/faults"
	"github.com/dskow/shield-core/internal/metrics"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// bucketKey avoids fmt.Sprintf allocation in the hot path. The composite
// key encodes the limits so config changes produce fresh buckets instead
// of mutating live ones.
type bucketKey struct {
	dependency string
	tier       string
	caller     string
	limit      rate.Limit
	burst      int
}

// Limiter tracks per-caller token buckets and performs periodic cleanup of
// stale entries.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[bucketKey]*bucket
	logger  *slog.Logger
	stopCh  chan struct{}
	now     func() time.Time
}

// New creates a Limiter. It starts a background goroutine that evicts
// buckets idle for more than three minutes.
func New(logger *slog.Logger) *Limiter {
	l := &Limiter{
		buckets: make(map[bucketKey]*bucket),
		logger:  logger,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stopCh)
}

// Allow consumes one token from the bucket for (dependency, tier, caller).
// When the bucket is empty it returns a RateLimited fault carrying the time
// until the next token becomes available; no token is consumed on denial.
func (l *Limiter) Allow(dependency, tier, caller string, limits config.TierLimit) error {
	lim := l.getLimiter(dependency, tier, caller, limits)

	now := l.now()
	res := lim.ReserveN(now, 1)
	if !res.OK() {
		// Unsatisfiable reservation (capacity zero). Config validation
		// rejects that, but never let it panic here.
		metrics.RateLimited.WithLabelValues(dependency, tier).Inc()
		return &faults.RateLimited{Key: dependency, Tier: tier, RetryAfter: refillInterval(limits)}
	}

	if delay := res.DelayFrom(now); delay > 0 {
		// Cancel at the reservation time so the bucket is left exactly
		// as found.
		res.CancelAt(now)
		l.logger.Warn("rate limit exceeded",
			"dependency", dependency,
			"tier", tier,
			"caller", caller,
			"retry_after", delay,
		)
		metrics.RateLimited.WithLabelValues(dependency, tier).Inc()
		return &faults.RateLimited{Key: dependency, Tier: tier, RetryAfter: delay}
	}

	return nil
}

// refillInterval returns the time one token takes to accrue.
func refillInterval(limits config.TierLimit) time.Duration {
	if limits.RefillRate <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / limits.RefillRate)
}

// getLimiter returns or creates the token bucket for the given key.
// Uses RWMutex: read-lock for existing buckets (the common path),
// write-lock only for new insertions. rate.Limiter is internally
// goroutine-safe so reservations do not need to happen under our lock.
func (l *Limiter) getLimiter(dependency, tier, caller string, limits config.TierLimit) *rate.Limiter {
	key := bucketKey{
		dependency: dependency,
		tier:       tier,
		caller:     caller,
		limit:      rate.Limit(limits.RefillRate),
		burst:      limits.Capacity,
	}

	// Fast path: read-lock for existing buckets.
	l.mu.RLock()
	if b, exists := l.buckets[key]; exists {
		// Avoid time.Now() on every hit. The cleanup threshold is three
		// minutes; refreshing once per minute is enough to prevent
		// eviction of active buckets.
		if time.Since(b.lastSeen) > 1*time.Minute {
			l.mu.RUnlock()
			l.mu.Lock()
			b.lastSeen = time.Now()
			l.mu.Unlock()
		} else {
			l.mu.RUnlock()
		}
		return b.limiter
	}
	l.mu.RUnlock()

	// Slow path: write lock to insert a new bucket.
	l.mu.Lock()
	defer l.mu.Unlock()

	// Re-check after acquiring the write lock.
	if b, exists := l.buckets[key]; exists {
		b.lastSeen = time.Now()
		return b.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(limits.RefillRate), limits.Capacity)
	l.buckets[key] = &bucket{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

// Invalidate clears all buckets so changed limits apply on the next call.
// Existing callers start with full buckets again, which is acceptable for
// the rare reload.
func (l *Limiter) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[bucketKey]*bucket)
}

// Stats describes the live buckets for one dependency.
type Stats struct {
	Buckets int            `json:"buckets"`
	ByTier  map[string]int `json:"by_tier"`
}

// Snapshot returns per-dependency bucket statistics for the admin surface.
func (l *Limiter) Snapshot() map[string]Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]Stats)
	for key := range l.buckets {
		s := out[key.dependency]
		if s.ByTier == nil {
			s.ByTier = make(map[string]int)
		}
		s.Buckets++
		s.ByTier[key.tier]++
		out[key.dependency] = s
	}
	return out
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			for key, b := range l.buckets {
				if time.Since(b.lastSeen) > 3*time.Minute {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}
