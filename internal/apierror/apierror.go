// Package apierror renders shaping faults and ingress errors as consistent
// JSON bodies with stable machine-readable codes. Callers program against
// the codes and the Retry-After hints, never against message text.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/dskow/shield-core/internal/faults"
)

// Ingress error codes. Together with the fault codes from internal/faults
// these form a public contract; do not rename or remove existing codes.
const (
	CodeRouteNotFound    = "route_not_found"
	CodeRequestCancelled = "request_cancelled"
	CodeBodyTooLarge     = "body_too_large"
	CodeInternalError    = "internal_error"
	CodeUpstreamError    = "upstream_unavailable"
)

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error      string `json:"error"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	Dependency string `json:"dependency,omitempty"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// Pre-serialized bodies for the hot-path errors that carry no per-request
// fields. Avoids json.Encoder allocation on every rejection.
var (
	preRouteNotFound = mustMarshal(http.StatusNotFound, CodeRouteNotFound, "no dependency route matches this path")
	preInternalError = mustMarshal(http.StatusInternalServerError, CodeInternalError, "an unexpected error occurred")
	preBodyTooLarge  = mustMarshal(http.StatusRequestEntityTooLarge, CodeBodyTooLarge, "request body exceeds maximum allowed size")
)

func mustMarshal(status int, code, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: code,
		Message:   message,
	})
	return append(b, '\n')
}

// WriteRouteNotFound writes the 404 response for unmatched paths.
func WriteRouteNotFound(w http.ResponseWriter) {
	writePre(w, http.StatusNotFound, preRouteNotFound)
}

// WriteInternalError writes the 500 response for recovered panics and other
// unexpected failures.
func WriteInternalError(w http.ResponseWriter) {
	writePre(w, http.StatusInternalServerError, preInternalError)
}

// WriteBodyTooLarge writes the 413 response for oversized request bodies.
func WriteBodyTooLarge(w http.ResponseWriter) {
	writePre(w, http.StatusRequestEntityTooLarge, preBodyTooLarge)
}

func writePre(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body) //nolint:errcheck
}

// WriteFault maps a pipeline error to its HTTP rendering: status, stable
// code, Retry-After header when the fault carries a hint, and the request id
// when the request is available. Unrecognized errors render as a 502.
func WriteFault(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, dependency := classify(err)

	retryAfter := 0
	if hint := faults.RetryAfter(err); hint > 0 {
		retryAfter = ceilSeconds(hint)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-Id")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{ //nolint:errcheck
		Error:      http.StatusText(status),
		ErrorCode:  code,
		Message:    message,
		Dependency: dependency,
		RetryAfter: retryAfter,
		RequestID:  requestID,
	})
}

func classify(err error) (status int, code, message, dependency string) {
	var rateLimited *faults.RateLimited
	if errors.As(err, &rateLimited) {
		return http.StatusTooManyRequests, faults.CodeRateLimited,
			"rate limit exceeded, retry later", rateLimited.Key
	}

	var circuitOpen *faults.CircuitOpen
	if errors.As(err, &circuitOpen) {
		return http.StatusServiceUnavailable, faults.CodeCircuitOpen,
			"dependency temporarily unavailable", circuitOpen.Key
	}

	var bulkhead *faults.BulkheadRejected
	if errors.As(err, &bulkhead) {
		return http.StatusServiceUnavailable, faults.CodeBulkheadRejected,
			"dependency at concurrency limit, retry later", bulkhead.Key
	}

	var timeout *faults.Timeout
	if errors.As(err, &timeout) {
		return http.StatusGatewayTimeout, faults.CodeTimeout,
			"dependency did not respond in time", timeout.Key
	}

	var exhausted *faults.RetryExhausted
	if errors.As(err, &exhausted) {
		return http.StatusBadGateway, faults.CodeRetryExhausted,
			"dependency unavailable after retries", exhausted.Key
	}

	var unknown *faults.DependencyUnknown
	if errors.As(err, &unknown) {
		return http.StatusNotFound, faults.CodeDependencyUnknown,
			"no such dependency is configured", unknown.Key
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, CodeRequestCancelled,
			"request cancelled before completion", ""
	}

	return http.StatusBadGateway, CodeUpstreamError, "upstream call failed", ""
}

// ceilSeconds rounds a retry hint up to whole seconds, minimum 1, so the
// Retry-After header never tells a client to retry immediately into the same
// rejection.
func ceilSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}
