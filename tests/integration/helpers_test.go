//go:build integration

package integration

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/shield-core/internal/bulkhead"
	"github.com/dskow/shield-core/internal/cache"
	"github.com/dskow/shield-core/internal/circuitbreaker"
	"github.com/dskow/shield-core/internal/config"
	"github.com/dskow/shield-core/internal/egress"
	"github.com/dskow/shield-core/internal/identity"
	"github.com/dskow/shield-core/internal/middleware"
	"github.com/dskow/shield-core/internal/ratelimit"
	"github.com/dskow/shield-core/internal/shield"
)

const jwtSecret = "integration-test-secret-key-32chars!!"

// stack is a fully assembled in-process sidecar: the egress handler behind
// the same middleware chain the binary uses.
type stack struct {
	handler  http.Handler
	shield   *shield.Shield
	egress   *egress.Handler
	breakers *circuitbreaker.Registry
	cache    *cache.Service
}

func newStack(t *testing.T, yaml string) *stack {
	t.Helper()

	cfg, err := config.LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	breakers := circuitbreaker.NewRegistry(logger)
	bulkheads := bulkhead.NewRegistry()
	limiter := ratelimit.New(logger)
	t.Cleanup(limiter.Stop)
	cacheSvc := cache.New(nil, logger)
	t.Cleanup(cacheSvc.Close)

	sh := shield.New(cfg, breakers, bulkheads, limiter, cacheSvc, logger)
	eg, err := egress.NewHandler(cfg, sh, logger)
	if err != nil {
		t.Fatalf("building egress handler: %v", err)
	}

	var handler http.Handler = eg
	handler = identity.Middleware(cfg.Identity, logger)(handler)
	handler = middleware.Deadline(cfg.Server.IngressTimeout)(handler)
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	return &stack{handler: handler, shield: sh, egress: eg, breakers: breakers, cache: cacheSvc}
}

// get runs one request through the stack and returns the recorder.
func (s *stack) get(path string, headers map[string]string) *httptest.ResponseRecorder {
	return s.do(http.MethodGet, path, headers)
}

func (s *stack) do(method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "192.0.2.10:4242"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func mintToken(t *testing.T, sub, tier string, expiry time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  sub,
		"tier": tier,
		"exp":  time.Now().Add(expiry).Unix(),
	})
	s, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

func authHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func stackYAML(upstream string, extra string) string {
	return fmt.Sprintf(`
identity:
  jwt_secret: %q
dependencies:
  llm-primary:
    upstream: %q
    route_prefix: /llm
    strip_prefix: true
%s`, jwtSecret, upstream, extra)
}
