package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDeadlineFires(t *testing.T) {
	handler := Deadline(20 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))

	rec := httptest.NewRecorder()
	start := time.Now()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("deadline response took %v", elapsed)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if resp["error_code"] != "request_cancelled" {
		t.Errorf("error_code = %v", resp["error_code"])
	}
}

func TestDeadlineHandlerCompletesInTime(t *testing.T) {
	handler := Deadline(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
}

func TestDeadlineNoOverwriteAfterFirstByte(t *testing.T) {
	started := make(chan struct{})
	handler := Deadline(50 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("partial"))
		close(started)
		<-r.Context().Done()
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	<-started

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want the handler's 200 preserved", rec.Code)
	}
	if got := rec.Body.String(); got != "partial" {
		t.Errorf("body = %q, want only the handler's bytes", got)
	}
}

// Races the handler's first write against the deadline firing. Exactly one
// side may own the response; run with -race to verify the claim is safe.
func TestDeadlineWriteClaimRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		handler := Deadline(time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(time.Millisecond)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("late"))
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

		switch rec.Code {
		case http.StatusOK:
			if got := rec.Body.String(); got != "late" {
				t.Fatalf("handler won but body = %q", got)
			}
		case http.StatusGatewayTimeout:
			if got := rec.Body.String(); strings.Contains(got, "late") {
				t.Fatalf("timeout won but handler bytes leaked: %q", got)
			}
		default:
			t.Fatalf("status = %d, want 200 or 504", rec.Code)
		}
	}
}

func TestDeadlineDisabled(t *testing.T) {
	handler := Deadline(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); ok {
			t.Error("expected no deadline when disabled")
		}
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
}
