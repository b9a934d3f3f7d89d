package ratelimit

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dskow/shield-core/internal/config"
	"github.com/dskow/shield-core/internal/faults"
	"github.com/dskow/shield-core/internal/metrics"
)

func init() {
	// Register metrics once for all tests in this package.
	metrics.Init()
}

// testClock steps the limiter's notion of time without sleeping.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter() (*Limiter, *testClock) {
	l := New(slog.Default())
	clk := newTestClock()
	l.now = clk.Now
	return l, clk
}

func TestAllow_UpToCapacity(t *testing.T) {
	l, _ := newTestLimiter()
	defer l.Stop()

	limits := config.TierLimit{Capacity: 5, RefillRate: 10}
	for i := 0; i < 5; i++ {
		if err := l.Allow("llm-primary", "authenticated", "user-1", limits); err != nil {
			t.Errorf("call %d: expected allowed, got %v", i, err)
		}
	}
}

func TestAllow_DeniesWhenEmpty(t *testing.T) {
	l, _ := newTestLimiter()
	defer l.Stop()

	limits := config.TierLimit{Capacity: 2, RefillRate: 1}
	for i := 0; i < 2; i++ {
		if err := l.Allow("llm-primary", "anonymous", "10.0.0.1", limits); err != nil {
			t.Fatalf("call %d: expected allowed, got %v", i, err)
		}
	}

	err := l.Allow("llm-primary", "anonymous", "10.0.0.1", limits)
	var limited *faults.RateLimited
	if !errors.As(err, &limited) {
		t.Fatalf("expected RateLimited fault, got %v", err)
	}
	if limited.Tier != "anonymous" {
		t.Errorf("expected tier anonymous in fault, got %q", limited.Tier)
	}
	// One token accrues per second; the hint must point at that boundary.
	if limited.RetryAfter < 900*time.Millisecond || limited.RetryAfter > 1100*time.Millisecond {
		t.Errorf("expected retry_after near 1s, got %v", limited.RetryAfter)
	}
}

func TestAllow_DenialDoesNotConsume(t *testing.T) {
	l, clk := newTestLimiter()
	defer l.Stop()

	limits := config.TierLimit{Capacity: 1, RefillRate: 1}
	if err := l.Allow("llm-primary", "anonymous", "10.0.0.1", limits); err != nil {
		t.Fatalf("expected first call allowed, got %v", err)
	}
	if err := l.Allow("llm-primary", "anonymous", "10.0.0.1", limits); err == nil {
		t.Fatal("expected denial on empty bucket")
	}

	// Exactly one refill interval later, one token is available. If the
	// denied call had consumed it, this would still be denied.
	clk.Advance(1100 * time.Millisecond)
	if err := l.Allow("llm-primary", "anonymous", "10.0.0.1", limits); err != nil {
		t.Fatalf("expected allowed after refill, got %v", err)
	}
}

func TestAllow_RefillRestoresTokens(t *testing.T) {
	l, clk := newTestLimiter()
	defer l.Stop()

	limits := config.TierLimit{Capacity: 10, RefillRate: 10}
	for i := 0; i < 10; i++ {
		if err := l.Allow("llm-primary", "authenticated", "user-1", limits); err != nil {
			t.Fatalf("call %d: expected allowed, got %v", i, err)
		}
	}
	if err := l.Allow("llm-primary", "authenticated", "user-1", limits); err == nil {
		t.Fatal("expected denial with empty bucket")
	}

	// Half a second at 10 tokens/s accrues 5 tokens, no more.
	clk.Advance(500 * time.Millisecond)
	for i := 0; i < 5; i++ {
		if err := l.Allow("llm-primary", "authenticated", "user-1", limits); err != nil {
			t.Fatalf("refilled call %d: expected allowed, got %v", i, err)
		}
	}
	if err := l.Allow("llm-primary", "authenticated", "user-1", limits); err == nil {
		t.Fatal("expected denial after refilled tokens spent")
	}
}

func TestAllow_PerCallerIsolation(t *testing.T) {
	l, _ := newTestLimiter()
	defer l.Stop()

	limits := config.TierLimit{Capacity: 1, RefillRate: 1}
	if err := l.Allow("llm-primary", "anonymous", "10.0.0.1", limits); err != nil {
		t.Fatalf("caller 1: expected allowed, got %v", err)
	}
	if err := l.Allow("llm-primary", "anonymous", "10.0.0.1", limits); err == nil {
		t.Fatal("caller 1: expected denial")
	}

	// A different caller has its own bucket.
	if err := l.Allow("llm-primary", "anonymous", "10.0.0.2", limits); err != nil {
		t.Fatalf("caller 2: expected allowed, got %v", err)
	}
}

func TestAllow_PerDependencyIsolation(t *testing.T) {
	l, _ := newTestLimiter()
	defer l.Stop()

	limits := config.TierLimit{Capacity: 1, RefillRate: 1}
	if err := l.Allow("llm-primary", "anonymous", "10.0.0.1", limits); err != nil {
		t.Fatalf("expected allowed, got %v", err)
	}
	if err := l.Allow("vector-db", "anonymous", "10.0.0.1", limits); err != nil {
		t.Fatalf("expected separate bucket per dependency, got %v", err)
	}
}

func TestAllow_PerTierIsolation(t *testing.T) {
	l, _ := newTestLimiter()
	defer l.Stop()

	anon := config.TierLimit{Capacity: 1, RefillRate: 1}
	elev := config.TierLimit{Capacity: 100, RefillRate: 100}

	if err := l.Allow("llm-primary", "anonymous", "box-1", anon); err != nil {
		t.Fatalf("expected allowed, got %v", err)
	}
	if err := l.Allow("llm-primary", "anonymous", "box-1", anon); err == nil {
		t.Fatal("expected anonymous tier exhausted")
	}
	// The same caller at a higher tier draws from a different bucket.
	if err := l.Allow("llm-primary", "elevated", "box-1", elev); err != nil {
		t.Fatalf("expected elevated tier allowed, got %v", err)
	}
}

func TestAllow_ZeroCapacityNeverPanics(t *testing.T) {
	l, _ := newTestLimiter()
	defer l.Stop()

	err := l.Allow("llm-primary", "anonymous", "10.0.0.1", config.TierLimit{Capacity: 0, RefillRate: 1})
	var limited *faults.RateLimited
	if !errors.As(err, &limited) {
		t.Fatalf("expected RateLimited fault for zero capacity, got %v", err)
	}
	if limited.RetryAfter <= 0 {
		t.Errorf("expected positive retry_after hint, got %v", limited.RetryAfter)
	}
}

func TestInvalidate_AppliesNewLimits(t *testing.T) {
	l, _ := newTestLimiter()
	defer l.Stop()

	old := config.TierLimit{Capacity: 1, RefillRate: 1}
	if err := l.Allow("llm-primary", "anonymous", "10.0.0.1", old); err != nil {
		t.Fatalf("expected allowed, got %v", err)
	}

	l.Invalidate()

	// After a reload the caller starts with a fresh bucket at the new
	// capacity.
	bigger := config.TierLimit{Capacity: 3, RefillRate: 1}
	for i := 0; i < 3; i++ {
		if err := l.Allow("llm-primary", "anonymous", "10.0.0.1", bigger); err != nil {
			t.Fatalf("call %d under new limits: expected allowed, got %v", i, err)
		}
	}
}

func TestSnapshot_CountsBuckets(t *testing.T) {
	l, _ := newTestLimiter()
	defer l.Stop()

	limits := config.TierLimit{Capacity: 5, RefillRate: 5}
	l.Allow("llm-primary", "anonymous", "10.0.0.1", limits)
	l.Allow("llm-primary", "anonymous", "10.0.0.2", limits)
	l.Allow("llm-primary", "authenticated", "user-1", limits)
	l.Allow("vector-db", "anonymous", "10.0.0.1", limits)

	snap := l.Snapshot()
	if got := snap["llm-primary"].Buckets; got != 3 {
		t.Errorf("llm-primary: expected 3 buckets, got %d", got)
	}
	if got := snap["llm-primary"].ByTier["anonymous"]; got != 2 {
		t.Errorf("llm-primary anonymous: expected 2 buckets, got %d", got)
	}
	if got := snap["vector-db"].Buckets; got != 1 {
		t.Errorf("vector-db: expected 1 bucket, got %d", got)
	}
}

func TestAllow_ConcurrentAccess(t *testing.T) {
	l, _ := newTestLimiter()
	defer l.Stop()

	limits := config.TierLimit{Capacity: 1000, RefillRate: 1000}
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Allow("llm-primary", "authenticated", "user-1", limits)
		}()
	}
	wg.Wait()
	// No panic or race condition = pass.
}
