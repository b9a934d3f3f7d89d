package egress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/dskow/shield-core/internal/apierror"
	"github.com/dskow/shield-core/internal/config"
	"github.com/dskow/shield-core/internal/identity"
	"github.com/dskow/shield-core/internal/retry"
	"github.com/dskow/shield-core/internal/shield"
)

// Handler is the main ingress surface: it resolves each request to a
// dependency route and runs the upstream exchange through the protection
// pipeline.
type Handler struct {
	mu        sync.RWMutex
	table     *Table
	forwarder *Forwarder

	shield *shield.Shield
	logger *slog.Logger
}

// NewHandler builds the route table and per-dependency clients from cfg.
func NewHandler(cfg *config.Config, sh *shield.Shield, logger *slog.Logger) (*Handler, error) {
	table, err := NewTable(cfg.Dependencies)
	if err != nil {
		return nil, err
	}
	fwd, err := NewForwarder(cfg.Dependencies, logger)
	if err != nil {
		return nil, err
	}
	return &Handler{table: table, forwarder: fwd, shield: sh, logger: logger}, nil
}

// UpdateConfig swaps in routes and clients for a reloaded config. On error
// the previous table and clients stay in place.
func (h *Handler) UpdateConfig(cfg *config.Config) error {
	table, err := NewTable(cfg.Dependencies)
	if err != nil {
		return err
	}
	fwd, err := NewForwarder(cfg.Dependencies, h.logger)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.table = table
	h.forwarder = fwd
	h.mu.Unlock()
	return nil
}

// Routes returns the current route table in match order.
func (h *Handler) Routes() []Route {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.table.Routes()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	table, fwd := h.table, h.forwarder
	h.mu.RUnlock()

	route, ok := table.Match(r.URL.Path)
	if !ok {
		apierror.WriteRouteNotFound(w)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		// The body limit middleware surfaces oversized bodies here.
		apierror.WriteBodyTooLarge(w)
		return
	}
	r.Body.Close()

	who := identity.FromContext(r.Context())
	idempotencyKey := r.Header.Get("Idempotency-Key")

	call := shield.Call{
		Dependency:     route.Dependency,
		Class:          classForRequest(r.Method, idempotencyKey),
		Tier:           who.Tier,
		Caller:         who.Caller,
		IdempotencyKey: idempotencyKey,
	}
	if r.Method == http.MethodGet {
		call.CacheKey = r.URL.Path
		if r.URL.RawQuery != "" {
			call.CacheKey += "?" + r.URL.RawQuery
		}
	}

	data, err := h.shield.Protect(r.Context(), call, func(ctx context.Context) ([]byte, error) {
		return fwd.Do(ctx, route, r, body)
	})
	if err != nil {
		// When the final attempt reached the upstream, relay its response
		// rather than masking it with a synthetic error.
		var ue *UpstreamError
		if errors.As(err, &ue) {
			h.replay(w, ue.Envelope)
			return
		}
		apierror.WriteFault(w, r, err)
		return
	}

	h.replay(w, data)
}

func (h *Handler) replay(w http.ResponseWriter, data []byte) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		h.logger.Error("malformed response envelope", "error", err)
		apierror.WriteInternalError(w)
		return
	}
	env.WriteTo(w)
}

// classForRequest derives the retry class from the HTTP method. POST and
// PATCH become retryable only when the caller supplies an Idempotency-Key.
func classForRequest(method, idempotencyKey string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return retry.ClassIdempotentRead
	case http.MethodPut, http.MethodDelete:
		return retry.ClassIdempotentWrite
	default:
		if idempotencyKey != "" {
			return retry.ClassIdempotentWrite
		}
		return retry.ClassNonIdempotent
	}
}
