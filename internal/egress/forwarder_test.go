package egress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/dskow/shield-core/internal/config"
	"github.com/dskow/shield-core/internal/faults"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func forwarderFor(t *testing.T, upstream string) (*Forwarder, Route) {
	t.Helper()
	deps := map[string]*config.DependencyConfig{
		"llm-primary": {Upstream: upstream, RoutePrefix: "/llm", StripPrefix: true},
	}
	fwd, err := NewForwarder(deps, discardLogger())
	if err != nil {
		t.Fatalf("NewForwarder: %v", err)
	}
	u, _ := url.Parse(upstream)
	return fwd, Route{Dependency: "llm-primary", Prefix: "/llm", Strip: true, Upstream: u}
}

func TestForwarderSuccessEnvelope(t *testing.T) {
	var gotPath, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	fwd, route := forwarderFor(t, upstream.URL)
	req := httptest.NewRequest(http.MethodPost, "/llm/v1/complete?model=a", strings.NewReader("payload"))

	data, err := fwd.Do(context.Background(), route, req, []byte("payload"))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if gotPath != "/v1/complete" {
		t.Errorf("upstream path = %q, want /v1/complete", gotPath)
	}
	if gotQuery != "model=a" {
		t.Errorf("upstream query = %q, want model=a", gotQuery)
	}

	env, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if env.Status != http.StatusCreated {
		t.Errorf("Status = %d, want 201", env.Status)
	}
	if env.ContentType != "application/json" {
		t.Errorf("ContentType = %q", env.ContentType)
	}
	if string(env.Body) != `{"ok":true}` {
		t.Errorf("Body = %q", env.Body)
	}
}

func TestForwarderErrorStatuses(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusTooManyRequests, true},
		{http.StatusNotFound, false},
		{http.StatusUnprocessableEntity, false},
	}
	for _, tt := range tests {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte("upstream says no"))
		}))

		fwd, route := forwarderFor(t, upstream.URL)
		req := httptest.NewRequest(http.MethodGet, "/llm/x", nil)

		_, err := fwd.Do(context.Background(), route, req, nil)
		upstream.Close()

		var ue *UpstreamError
		if !errors.As(err, &ue) {
			t.Fatalf("status %d: expected UpstreamError, got %v", tt.status, err)
		}
		if ue.Status != tt.status {
			t.Errorf("UpstreamError.Status = %d, want %d", ue.Status, tt.status)
		}
		if faults.IsTransient(ue) != tt.transient {
			t.Errorf("status %d: IsTransient = %v, want %v", tt.status, !tt.transient, tt.transient)
		}
		env, err := DecodeEnvelope(ue.Envelope)
		if err != nil {
			t.Fatalf("DecodeEnvelope: %v", err)
		}
		if string(env.Body) != "upstream says no" {
			t.Errorf("envelope body = %q", env.Body)
		}
	}
}

func TestForwarderUnreachableUpstream(t *testing.T) {
	fwd, route := forwarderFor(t, "http://127.0.0.1:1")
	req := httptest.NewRequest(http.MethodGet, "/llm/x", nil)

	_, err := fwd.Do(context.Background(), route, req, nil)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !faults.IsTransient(err) {
		t.Error("transport failures should classify as transient")
	}
}

func TestForwarderCancellationNotTransient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fwd, route := forwarderFor(t, "http://127.0.0.1:1")
	req := httptest.NewRequest(http.MethodGet, "/llm/x", nil)

	_, err := fwd.Do(ctx, route, req, nil)
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if faults.IsTransient(err) {
		t.Error("cancellation must not classify as transient")
	}
}

func TestForwarderHeaderHandling(t *testing.T) {
	var got http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	fwd, route := forwarderFor(t, upstream.URL)
	req := httptest.NewRequest(http.MethodGet, "/llm/x", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("X-Forwarded-For", "192.0.2.9")

	if _, err := fwd.Do(context.Background(), route, req, nil); err != nil {
		t.Fatalf("Do: %v", err)
	}

	if got.Get("Authorization") != "Bearer tok" {
		t.Error("expected Authorization to be forwarded")
	}
	if got.Get("Connection") != "" {
		t.Error("hop-by-hop Connection header should be stripped")
	}
	if xff := got.Get("X-Forwarded-For"); xff != "192.0.2.9, 10.1.2.3" {
		t.Errorf("X-Forwarded-For = %q, want chained value", xff)
	}
}

func TestJoinPath(t *testing.T) {
	tests := []struct {
		base, rest, want string
	}{
		{"", "/v1", "/v1"},
		{"/", "/v1", "/v1"},
		{"/base", "/v1", "/base/v1"},
		{"/base/", "/v1", "/base/v1"},
	}
	for _, tt := range tests {
		if got := joinPath(tt.base, tt.rest); got != tt.want {
			t.Errorf("joinPath(%q, %q) = %q, want %q", tt.base, tt.rest, got, tt.want)
		}
	}
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	if _, err := DecodeEnvelope([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed envelope")
	}
}
