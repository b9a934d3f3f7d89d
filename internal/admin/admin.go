// Package admin provides the operator API for runtime inspection and manual
// intervention: circuit state, limiter and bulkhead occupancy, cache purges,
// and the redacted effective config. Access is guarded by a bearer token and
// an IP allowlist.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/dskow/shield-core/internal/bulkhead"
	"github.com/dskow/shield-core/internal/cache"
	"github.com/dskow/shield-core/internal/circuitbreaker"
	"github.com/dskow/shield-core/internal/config"
	"github.com/dskow/shield-core/internal/egress"
	"github.com/dskow/shield-core/internal/ratelimit"
)

// ConfigProvider exposes the current effective configuration.
type ConfigProvider interface {
	Current() *config.Config
}

// Handler serves the admin endpoints.
type Handler struct {
	cfg         ConfigProvider
	breakers    *circuitbreaker.Registry
	bulkheads   *bulkhead.Registry
	limiter     *ratelimit.Limiter
	cacheSvc    *cache.Service
	routes      func() []egress.Route
	token       string
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// New builds the admin handler. Allowlist CIDRs are pre-validated by config
// loading; routes supplies the current egress route table.
func New(
	cfg ConfigProvider,
	breakers *circuitbreaker.Registry,
	bulkheads *bulkhead.Registry,
	limiter *ratelimit.Limiter,
	cacheSvc *cache.Service,
	routes func() []egress.Route,
	adminCfg config.AdminConfig,
	logger *slog.Logger,
) *Handler {
	nets := make([]*net.IPNet, 0, len(adminCfg.IPAllowlist))
	for _, cidr := range adminCfg.IPAllowlist {
		if _, ipNet, err := net.ParseCIDR(cidr); err == nil {
			nets = append(nets, ipNet)
		}
	}
	return &Handler{
		cfg:         cfg,
		breakers:    breakers,
		bulkheads:   bulkheads,
		limiter:     limiter,
		cacheSvc:    cacheSvc,
		routes:      routes,
		token:       adminCfg.Token,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes mounts the admin endpoints on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/circuits", h.guard(http.MethodGet, h.circuitsHandler))
	mux.HandleFunc("/admin/circuits/", h.guard(http.MethodPost, h.circuitActionHandler))
	mux.HandleFunc("/admin/ratelimit", h.guard(http.MethodGet, h.ratelimitHandler))
	mux.HandleFunc("/admin/bulkheads", h.guard(http.MethodGet, h.bulkheadsHandler))
	mux.HandleFunc("/admin/cache", h.guard(http.MethodGet, h.cacheHandler))
	mux.HandleFunc("/admin/cache/purge", h.guard(http.MethodPost, h.cachePurgeHandler))
	mux.HandleFunc("/admin/config", h.guard(http.MethodGet, h.configHandler))
	mux.HandleFunc("/admin/routes", h.guard(http.MethodGet, h.routesHandler))
}

// guard enforces the method, the IP allowlist, and the bearer token.
func (h *Handler) guard(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method Not Allowed"})
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.ipAllowed(ip) {
			h.logger.Warn("admin access denied", "reason", "ip", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "Forbidden"})
			return
		}

		if h.token != "" && !h.tokenMatches(r.Header.Get("Authorization")) {
			h.logger.Warn("admin access denied", "reason", "token", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}

		next(w, r)
	}
}

func (h *Handler) tokenMatches(header string) bool {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return false
	}
	presented := strings.TrimSpace(header[len(prefix):])
	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.token)) == 1
}

func (h *Handler) ipAllowed(ipStr string) bool {
	// An empty allowlist admits everyone; the token is then the only guard.
	if len(h.allowedNets) == 0 {
		return true
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func (h *Handler) circuitsHandler(w http.ResponseWriter, r *http.Request) {
	states := h.breakers.Snapshot()
	out := make(map[string]string, len(states))
	for dep, state := range states {
		out[dep] = state.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{"circuits": out})
}

// circuitActionHandler handles POST /admin/circuits/{dependency}/reset and
// POST /admin/circuits/{dependency}/trip.
func (h *Handler) circuitActionHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/circuits/")
	dep, action, ok := strings.Cut(rest, "/")
	if !ok || dep == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not Found"})
		return
	}

	var done bool
	switch action {
	case "reset":
		done = h.breakers.Reset(dep)
	case "trip":
		done = h.breakers.Trip(dep)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not Found"})
		return
	}

	if !done {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown dependency", "dependency": dep})
		return
	}
	h.logger.Info("circuit "+action, "dependency", dep, "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]string{"dependency": dep, "action": action})
}

func (h *Handler) ratelimitHandler(w http.ResponseWriter, r *http.Request) {
	entries := h.limiter.Snapshot()

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	page, pageSize := pagination(r)
	total := len(keys)
	start := min(page*pageSize, total)
	end := min(start+pageSize, total)

	pageEntries := make(map[string]ratelimit.Stats, end-start)
	for _, k := range keys[start:end] {
		pageEntries[k] = entries[k]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"buckets": pageEntries,
		"total":   total,
		"page":    page,
	})
}

func (h *Handler) bulkheadsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"bulkheads": h.bulkheads.Snapshot()})
}

func (h *Handler) cacheHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tiers": h.cacheSvc.Snapshot()})
}

// cachePurgeHandler drops one cached entry, or a dependency's whole local
// tier when key is omitted.
func (h *Handler) cachePurgeHandler(w http.ResponseWriter, r *http.Request) {
	dep := r.URL.Query().Get("dependency")
	if dep == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "dependency query parameter required"})
		return
	}
	key := r.URL.Query().Get("key")

	h.cacheSvc.Purge(r.Context(), dep, key)
	h.logger.Info("cache purge", "dependency", dep, "key", key, "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]string{"dependency": dep, "key": key})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.cfg.Current()

	redacted := *cfg
	if redacted.Identity.JWTSecret != "" {
		redacted.Identity.JWTSecret = "***"
	}
	if redacted.Admin.Token != "" {
		redacted.Admin.Token = "***"
	}

	writeJSON(w, http.StatusOK, redacted)
}

type routeEntry struct {
	Dependency string `json:"dependency"`
	Prefix     string `json:"prefix"`
	Strip      bool   `json:"strip_prefix"`
	Upstream   string `json:"upstream"`
}

func (h *Handler) routesHandler(w http.ResponseWriter, r *http.Request) {
	routes := h.routes()
	out := make([]routeEntry, len(routes))
	for i, route := range routes {
		out[i] = routeEntry{
			Dependency: route.Dependency,
			Prefix:     route.Prefix,
			Strip:      route.Strip,
			Upstream:   route.Upstream.String(),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": out})
}

func pagination(r *http.Request) (page, pageSize int) {
	pageSize = 100
	if ps, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil && ps > 0 && ps <= 1000 {
		pageSize = ps
	}
	if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p >= 0 {
		page = p
	}
	return page, pageSize
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
