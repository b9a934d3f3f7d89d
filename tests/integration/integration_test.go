//go:build integration

package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var resp struct {
		ErrorCode string `json:"error_code"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("body not JSON: %v (%q)", err, body)
	}
	return resp.ErrorCode
}

func TestCircuitTripsAndRecovers(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer upstream.Close()

	s := newStack(t, stackYAML(upstream.URL, `
    timeout: 1s
    circuit: {fail_threshold: 2, success_threshold: 1, cooldown: 200ms, half_open_probes: 1}
    retry: {max_attempts: 1}
`))

	// Two failures trip the circuit.
	for i := 0; i < 2; i++ {
		if rec := s.get("/llm/x", nil); rec.Code != http.StatusInternalServerError {
			t.Fatalf("warmup %d: status = %d", i, rec.Code)
		}
	}

	// The next call fast-fails without touching the upstream.
	before := hits.Load()
	rec := s.get("/llm/x", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("open circuit: status = %d, want 503", rec.Code)
	}
	if got := errorCode(t, rec.Body.Bytes()); got != "circuit_open" {
		t.Fatalf("error_code = %q", got)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After on circuit_open")
	}
	if hits.Load() != before {
		t.Error("open circuit still reached upstream")
	}

	// After cooldown a probe goes through; success closes the circuit.
	failing.Store(false)
	time.Sleep(250 * time.Millisecond)

	if rec := s.get("/llm/x", nil); rec.Code != http.StatusOK {
		t.Fatalf("probe: status = %d, want 200", rec.Code)
	}
	if rec := s.get("/llm/x", nil); rec.Code != http.StatusOK {
		t.Fatalf("after close: status = %d, want 200", rec.Code)
	}
}

func TestRateLimitPerTier(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	s := newStack(t, stackYAML(upstream.URL, `
    timeout: 1s
    retry: {max_attempts: 1}
    rate_limit:
      anonymous: {capacity: 2, refill_rate: 0.1}
      authenticated: {capacity: 50, refill_rate: 10}
`))

	// Anonymous callers share the small bucket.
	for i := 0; i < 2; i++ {
		if rec := s.get("/llm/x", nil); rec.Code != http.StatusOK {
			t.Fatalf("anonymous %d: status = %d", i, rec.Code)
		}
	}
	rec := s.get("/llm/x", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("anonymous over limit: status = %d, want 429", rec.Code)
	}
	if got := errorCode(t, rec.Body.Bytes()); got != "rate_limit_exceeded" {
		t.Errorf("error_code = %q", got)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After on 429")
	}

	// An authenticated caller has its own, larger bucket.
	token := mintToken(t, "user-1", "authenticated", time.Hour)
	for i := 0; i < 5; i++ {
		if rec := s.get("/llm/x", authHeader(token)); rec.Code != http.StatusOK {
			t.Fatalf("authenticated %d: status = %d", i, rec.Code)
		}
	}
}

func TestExpiredTokenDegradesToAnonymous(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	s := newStack(t, stackYAML(upstream.URL, `
    timeout: 1s
    retry: {max_attempts: 1}
`))

	// Shaping never rejects on identity; a bad token just loses its tier.
	token := mintToken(t, "user-1", "elevated", -time.Hour)
	if rec := s.get("/llm/x", authHeader(token)); rec.Code != http.StatusOK {
		t.Fatalf("expired token: status = %d, want 200", rec.Code)
	}
}

func TestBulkheadRejectsOverflow(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte("slow"))
	}))
	defer upstream.Close()

	s := newStack(t, stackYAML(upstream.URL, `
    timeout: 5s
    retry: {max_attempts: 1}
    bulkhead: {limit: 1, policy: reject}
`))

	var wg sync.WaitGroup
	codes := make(chan int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes <- s.get("/llm/x", nil).Code
		}()
	}

	// Let both requests reach admission, then release the slow one.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	close(codes)

	var ok, rejected int
	for code := range codes {
		switch code {
		case http.StatusOK:
			ok++
		case http.StatusServiceUnavailable:
			rejected++
		default:
			t.Errorf("unexpected status %d", code)
		}
	}
	if ok != 1 || rejected != 1 {
		t.Errorf("ok = %d, rejected = %d; want 1 and 1", ok, rejected)
	}
}

func TestRetryRelaysFinalResponse(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("still broken"))
	}))
	defer upstream.Close()

	s := newStack(t, stackYAML(upstream.URL, `
    timeout: 1s
    retry: {max_attempts: 3, base_delay: 1ms, max_delay: 5ms, jitter: 0.1}
`))

	rec := s.get("/llm/x", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want the upstream's 502", rec.Code)
	}
	if rec.Body.String() != "still broken" {
		t.Errorf("body = %q, want upstream body", rec.Body.String())
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("upstream hits = %d, want 3", got)
	}
}

func TestTimeoutReturns504(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()

	s := newStack(t, stackYAML(upstream.URL, `
    timeout: 50ms
    retry: {max_attempts: 1}
`))

	start := time.Now()
	rec := s.get("/llm/x", nil)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout response took %v", elapsed)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	if got := errorCode(t, rec.Body.Bytes()); got != "timeout_exceeded" {
		t.Errorf("error_code = %q", got)
	}
}

func TestConcurrentGetsCoalesce(t *testing.T) {
	var hits atomic.Int32
	started := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-started
		w.Write([]byte("shared"))
	}))
	defer upstream.Close()

	s := newStack(t, stackYAML(upstream.URL, `
    timeout: 5s
    retry: {max_attempts: 1}
    cache: {enabled: true, l1_ttl: 1m, l2_ttl: 5m, l1_max_entries: 64}
`))

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rec := s.get("/llm/models", nil); rec.Code != http.StatusOK {
				t.Errorf("status = %d", rec.Code)
			}
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(started)
	wg.Wait()

	if got := hits.Load(); got != 1 {
		t.Errorf("upstream hits = %d, want 1 (coalesced)", got)
	}
}

func TestFailOpenDependencyProceedsWhenTripped(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	s := newStack(t, stackYAML(upstream.URL, `
    timeout: 1s
    fail_mode: open
    circuit: {fail_threshold: 1, success_threshold: 1, cooldown: 1h}
    retry: {max_attempts: 1}
`))

	// Prime the breaker, then trip it by hand.
	if rec := s.get("/llm/x", nil); rec.Code != http.StatusOK {
		t.Fatalf("prime: status = %d", rec.Code)
	}
	if !s.breakers.Trip("llm-primary") {
		t.Fatal("trip failed")
	}

	// fail_mode open observes the open circuit but proceeds anyway.
	if rec := s.get("/llm/x", nil); rec.Code != http.StatusOK {
		t.Errorf("fail-open with tripped circuit: status = %d, want 200", rec.Code)
	}
}

func TestUnknownDependency404(t *testing.T) {
	s := newStack(t, stackYAML("http://127.0.0.1:1", `
    timeout: 1s
`))

	rec := s.get("/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if got := errorCode(t, rec.Body.Bytes()); got != "route_not_found" {
		t.Errorf("error_code = %q", got)
	}
}
