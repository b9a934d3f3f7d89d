package config

import "testing"

func FuzzLoadFromBytes(f *testing.F) {
	// Seed corpus: valid configs
	f.Add([]byte(`
dependencies:
  llm-primary:
    upstream: "http://localhost:3001"
    route_prefix: "/llm"
`))
	f.Add([]byte(`
listen: ":9090"
identity:
  jwt_secret: "secret"
defaults:
  timeout: 3s
  circuit:
    fail_threshold: 7
dependencies:
  llm-primary:
    upstream: "https://backend:3000"
    route_prefix: "/llm"
    strip_prefix: true
    fail_mode: open
    retry:
      max_attempts: 4
      jitter: 0.3
`))

	// Edge cases
	f.Add([]byte(``))
	f.Add([]byte(`dependencies: {}`))
	f.Add([]byte(`defaults: { timeout: -1s }`))
	f.Add([]byte(`dependencies: { x: null }`))
	f.Add([]byte(`
dependencies:
  x:
    upstream: "http://h"
    route_prefix: "/"
    rate_limit:
      anonymous: { capacity: -5, refill_rate: 0 }
`))

	f.Fuzz(func(t *testing.T, data []byte) {
		// LoadFromBytes must never panic regardless of input.
		cfg, err := LoadFromBytes(data)
		if err != nil {
			return
		}
		// If parsing succeeded, verify invariants that validation should enforce.
		for key, dep := range cfg.Dependencies {
			if dep.Timeout <= 0 {
				t.Errorf("non-positive timeout escaped validation on %s: %v", key, dep.Timeout)
			}
			if dep.Retry.MaxAttempts < 1 {
				t.Errorf("non-positive max_attempts escaped validation on %s: %d", key, dep.Retry.MaxAttempts)
			}
			if dep.Retry.Jitter < 0 || dep.Retry.Jitter >= 1 {
				t.Errorf("out-of-range jitter escaped validation on %s: %f", key, dep.Retry.Jitter)
			}
			if dep.Bulkhead.Limit < 1 {
				t.Errorf("non-positive bulkhead limit escaped validation on %s: %d", key, dep.Bulkhead.Limit)
			}
			for tier, lim := range dep.RateLimit {
				if lim.Capacity < 1 || lim.RefillRate <= 0 {
					t.Errorf("invalid tier limit escaped validation on %s.%s: %+v", key, tier, lim)
				}
			}
		}
	})
}
