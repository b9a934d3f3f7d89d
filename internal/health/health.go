// Package health provides the liveness and readiness probes served on the
// ops listener.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dskow/shield-core/internal/cache"
	"github.com/dskow/shield-core/internal/circuitbreaker"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const readinessCacheTTL = 5 * time.Second

// Handler provides the /healthz and /readyz endpoints.
type Handler struct {
	breakers *circuitbreaker.Registry
	cacheSvc *cache.Service
	l2       bool
	logger   *slog.Logger

	// Cached readiness result so polling probes do not ping the shared
	// cache on every scrape. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates the probe handler. l2Enabled controls whether readiness probes
// the shared cache tier.
func New(breakers *circuitbreaker.Registry, cacheSvc *cache.Service, l2Enabled bool, logger *slog.Logger) *Handler {
	return &Handler{breakers: breakers, cacheSvc: cacheSvc, l2: l2Enabled, logger: logger}
}

// RegisterRoutes adds the probe routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.liveness)
	mux.HandleFunc("/readyz", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

// readiness reports whether the sidecar can serve. Open circuits are
// reported for visibility but do not flip readiness; a dependency being
// down is exactly the condition the sidecar exists to absorb. An
// unreachable shared cache tier does flip it, since that is sidecar-side
// infrastructure.
func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < readinessCacheTTL {
		body, status := h.cachedResult, h.cachedStatus
		h.cacheMu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
		return
	}
	h.cacheMu.RUnlock()

	httpStatus := http.StatusOK
	statusStr := "ready"

	l2Status := "disabled"
	if h.l2 {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.cacheSvc.PingL2(ctx)
		cancel()
		if err != nil {
			h.logger.Warn("shared cache tier unreachable", "error", err)
			l2Status = "unreachable"
			httpStatus = http.StatusServiceUnavailable
			statusStr = "not ready"
		} else {
			l2Status = "ok"
		}
	}

	circuits := make(map[string]string)
	for dep, state := range h.breakers.Snapshot() {
		circuits[dep] = state.String()
	}

	body, _ := json.Marshal(map[string]any{
		"status":   statusStr,
		"l2_cache": l2Status,
		"circuits": circuits,
	})
	body = append(body, '\n')

	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body)
}
