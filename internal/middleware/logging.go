// Package middleware provides the HTTP middleware chain for the sidecar
// listener: panic recovery, request IDs, access logging, body limits, and the
// global deadline.
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dskow/shield-core/internal/metrics"
)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// Logging returns middleware that emits one structured access log line per
// request and records ingress metrics. routeFor maps a request path to the
// dependency key it will resolve to; pass nil to label everything
// "unmatched".
func Logging(logger *slog.Logger, routeFor func(string) string) func(http.Handler) http.Handler {
	if routeFor == nil {
		routeFor = func(string) string { return "unmatched" }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			metrics.ActiveConnections.Inc()
			defer metrics.ActiveConnections.Dec()

			recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(recorder, r)

			elapsed := time.Since(start)
			route := routeFor(r.URL.Path)

			metrics.HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(recorder.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(elapsed.Seconds())

			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"dependency", route,
				"status", recorder.statusCode,
				"latency_ms", elapsed.Milliseconds(),
				"client_ip", r.RemoteAddr,
				"request_id", GetRequestID(r.Context()),
			)
		})
	}
}
