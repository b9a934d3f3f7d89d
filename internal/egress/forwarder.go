package egress

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/dskow/shield-core/internal/config"
	"github.com/dskow/shield-core/internal/tlsutil"
)

// Upstream responses are buffered so they can be cached and replayed after
// retries. Bodies above this cap are truncated.
const maxResponseBytes = 8 << 20

// Envelope is the serialized upstream response carried through the pipeline
// and the cache: just enough to replay the response to the client.
type Envelope struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// DecodeEnvelope parses a serialized envelope, as returned by Forwarder.Do
// or read back from the cache.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding response envelope: %w", err)
	}
	return env, nil
}

// WriteTo replays the envelope to the client.
func (env Envelope) WriteTo(w http.ResponseWriter) {
	if env.ContentType != "" {
		w.Header().Set("Content-Type", env.ContentType)
	}
	w.WriteHeader(env.Status)
	w.Write(env.Body) //nolint:errcheck
}

// UpstreamError reports an upstream response with a 4xx or 5xx status. The
// envelope is kept so the final attempt's response can be relayed verbatim.
type UpstreamError struct {
	Dependency string
	Status     int
	Envelope   []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.Dependency, e.Status)
}

// Transient reports whether the status indicates a retryable condition.
// 429 and all 5xx are retryable; other 4xx are the caller's fault.
func (e *UpstreamError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// TransportError reports a failure to reach the upstream at all.
type TransportError struct {
	Dependency string
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream %s unreachable: %v", e.Dependency, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transient is always true: connection failures are worth retrying.
// Cancellation wrapped inside takes precedence during classification.
func (e *TransportError) Transient() bool { return true }

// Forwarder performs the actual upstream HTTP exchange for each dependency,
// with a dedicated client per dependency so private-CA trust stays scoped.
type Forwarder struct {
	clients map[string]*http.Client
	logger  *slog.Logger
}

// NewForwarder builds per-dependency clients. Dependencies with an
// upstream_ca_file get a transport trusting that CA in addition to the
// system roots.
func NewForwarder(deps map[string]*config.DependencyConfig, logger *slog.Logger) (*Forwarder, error) {
	clients := make(map[string]*http.Client, len(deps))
	for key, dep := range deps {
		transport := &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
		}
		if dep.UpstreamCAFile != "" {
			pool, err := tlsutil.LoadCAPool(dep.UpstreamCAFile)
			if err != nil {
				return nil, fmt.Errorf("dependency %q: %w", key, err)
			}
			transport.TLSClientConfig = &tls.Config{RootCAs: pool}
		}
		// No client timeout: the pipeline's timeout stage bounds each
		// attempt via context.
		clients[key] = &http.Client{Transport: transport}
	}
	return &Forwarder{clients: clients, logger: logger}, nil
}

// Do forwards one buffered request to the route's upstream and returns the
// serialized response envelope. Responses with status >= 400 come back as an
// UpstreamError carrying the envelope; unreachable upstreams come back as a
// TransportError.
func (f *Forwarder) Do(ctx context.Context, route Route, r *http.Request, body []byte) ([]byte, error) {
	target := *route.Upstream
	target.Path = joinPath(route.Upstream.Path, route.UpstreamPath(r.URL.Path))
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Dependency: route.Dependency, Err: err}
	}

	copyForwardHeaders(req.Header, r.Header)
	if host, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
		appendForwardedFor(req.Header, host)
	}

	client, ok := f.clients[route.Dependency]
	if !ok {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransportError{Dependency: route.Dependency, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Dependency: route.Dependency, Err: err}
	}

	env := Envelope{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding response envelope: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &UpstreamError{Dependency: route.Dependency, Status: resp.StatusCode, Envelope: data}
	}
	return data, nil
}

// hopByHopHeaders are connection-scoped and never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyForwardHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	// The forwarded body is buffered, so the original length no longer
	// applies.
	dst.Del("Content-Length")
}

func appendForwardedFor(h http.Header, addr string) {
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		h.Set("X-Forwarded-For", prior+", "+addr)
		return
	}
	h.Set("X-Forwarded-For", addr)
}

func joinPath(base, rest string) string {
	if base == "" || base == "/" {
		return rest
	}
	if base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + rest
}
