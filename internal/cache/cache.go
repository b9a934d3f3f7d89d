// Package cache provides the two-tier lookaside cache consulted before the
// resilience pipeline runs. L1 is an in-process ristretto cache per
// dependency; L2 is an optional shared NATS JetStream KeyValue bucket.
// Misses are coalesced with singleflight so concurrent callers racing on the
// same key trigger at most one computation per process. Every L2 failure is
// absorbed: the service degrades to computing directly and skips the write.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"github.com/dskow/shield-core/internal/config"
	"github.com/dskow/shield-core/internal/metrics"
)

// Compute produces the value for a cache miss.
type Compute func(ctx context.Context) ([]byte, error)

// Service is the cache front end. A nil *Service is valid and computes
// directly, so callers do not need to branch on whether caching is wired.
type Service struct {
	mu     sync.RWMutex
	l1s    map[string]*ristretto.Cache[string, []byte]
	l2     Store
	flight singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Service. l2 may be nil when no shared tier is configured.
func New(l2 Store, logger *slog.Logger) *Service {
	return &Service{
		l1s:    make(map[string]*ristretto.Cache[string, []byte]),
		l2:     l2,
		logger: logger,
		now:    time.Now,
	}
}

// GetOrCompute returns the cached value for key, looking up L1 then L2
// (backfilling L1 on an L2 hit), and otherwise invokes compute under a
// single-flight lock and stores the successful result into both tiers.
// The second return reports whether the value came from a cache tier.
// Returned slices are shared across callers and must not be mutated.
func (s *Service) GetOrCompute(ctx context.Context, dependency, key string, cfg config.CacheConfig, compute Compute) ([]byte, bool, error) {
	if s == nil || !cfg.IsEnabled() || key == "" {
		data, err := compute(ctx)
		return data, false, err
	}

	l1 := s.l1For(dependency, cfg)

	if val, ok := l1.Get(key); ok {
		metrics.CacheRequests.WithLabelValues(dependency, "l1", "hit").Inc()
		return val, true, nil
	}
	metrics.CacheRequests.WithLabelValues(dependency, "l1", "miss").Inc()

	if val, ok := s.l2Get(ctx, dependency, key); ok {
		l1.SetWithTTL(key, val, 1, cfg.L1TTL)
		return val, true, nil
	}

	// Miss on both tiers. One caller per key computes; the rest wait for
	// its result. The flight key is scoped by dependency so identical
	// cache keys against different dependencies do not collide.
	type flightResult struct {
		data []byte
		hit  bool
	}
	v, err, _ := s.flight.Do(dependency+"\x00"+key, func() (any, error) {
		// A waiter queued behind a finished computation re-checks L1
		// instead of computing again.
		if val, ok := l1.Get(key); ok {
			return flightResult{data: val, hit: true}, nil
		}

		data, err := compute(ctx)
		if err != nil {
			return nil, err
		}

		l1.SetWithTTL(key, data, 1, cfg.L1TTL)
		s.l2Put(ctx, dependency, key, data, cfg.L2TTL)
		return flightResult{data: data}, nil
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(flightResult)
	return res.data, res.hit, nil
}

// l2Get reads the shared tier, treating every error as a miss.
func (s *Service) l2Get(ctx context.Context, dependency, key string) ([]byte, bool) {
	if s.l2 == nil {
		return nil, false
	}
	val, ok, err := s.l2.Get(ctx, l2Key(dependency, key), s.now())
	if err != nil {
		metrics.CacheErrors.WithLabelValues("l2").Inc()
		s.logger.Warn("shared cache read failed, treating as miss", "dependency", dependency, "error", err)
		return nil, false
	}
	result := "miss"
	if ok {
		result = "hit"
	}
	metrics.CacheRequests.WithLabelValues(dependency, "l2", result).Inc()
	return val, ok
}

// l2Put writes the shared tier, absorbing every error.
func (s *Service) l2Put(ctx context.Context, dependency, key string, value []byte, ttl time.Duration) {
	if s.l2 == nil {
		return
	}
	if err := s.l2.Put(ctx, l2Key(dependency, key), value, s.now().Add(ttl)); err != nil {
		metrics.CacheErrors.WithLabelValues("l2").Inc()
		s.logger.Warn("shared cache write skipped", "dependency", dependency, "error", err)
	}
}

// l1For returns the L1 cache for a dependency, creating it on first use.
// Entries cost 1 each so MaxCost bounds the entry count directly.
func (s *Service) l1For(dependency string, cfg config.CacheConfig) *ristretto.Cache[string, []byte] {
	s.mu.RLock()
	c, ok := s.l1s[dependency]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.l1s[dependency]; ok {
		return c
	}

	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: cfg.L1MaxEntries * 10,
		MaxCost:     cfg.L1MaxEntries,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		// Only possible with invalid sizing, which config validation
		// rejects. Fall back to a minimal cache rather than panicking.
		s.logger.Error("failed to create L1 cache, using minimal sizing", "dependency", dependency, "error", err)
		c, _ = ristretto.NewCache(&ristretto.Config[string, []byte]{
			NumCounters: 640,
			MaxCost:     64,
			BufferItems: 64,
		})
	}
	s.l1s[dependency] = c
	return c
}

// Purge removes key from both tiers for a dependency. An empty key clears
// the dependency's entire L1 tier; the shared tier has no efficient
// scan-by-prefix, so a full purge only affects this process's L1.
func (s *Service) Purge(ctx context.Context, dependency, key string) {
	if s == nil {
		return
	}
	s.mu.RLock()
	l1, ok := s.l1s[dependency]
	s.mu.RUnlock()

	if key == "" {
		if ok {
			l1.Clear()
		}
		return
	}
	if ok {
		l1.Del(key)
	}
	if s.l2 != nil {
		if err := s.l2.Delete(ctx, l2Key(dependency, key)); err != nil {
			metrics.CacheErrors.WithLabelValues("l2").Inc()
			s.logger.Warn("shared cache purge failed", "dependency", dependency, "error", err)
		}
	}
}

// PingL2 checks the shared tier's connectivity. It returns nil when no
// shared tier is configured.
func (s *Service) PingL2(ctx context.Context) error {
	if s == nil || s.l2 == nil {
		return nil
	}
	return s.l2.Ping(ctx)
}

// Wait blocks until the dependency's buffered L1 writes have been applied.
// Ristretto applies Set calls asynchronously; tests use this to make hits
// deterministic.
func (s *Service) Wait(dependency string) {
	s.mu.RLock()
	c, ok := s.l1s[dependency]
	s.mu.RUnlock()
	if ok {
		c.Wait()
	}
}

// Stats describes one dependency's L1 tier for the admin surface.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

// Snapshot returns per-dependency L1 statistics.
func (s *Service) Snapshot() map[string]Stats {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Stats, len(s.l1s))
	for dep, c := range s.l1s {
		m := c.Metrics
		out[dep] = Stats{Hits: m.Hits(), Misses: m.Misses()}
	}
	return out
}

// Close releases every L1 cache. The shared tier's connection is owned by
// the caller that created it.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.l1s {
		c.Close()
	}
	s.l1s = make(map[string]*ristretto.Cache[string, []byte])
}
