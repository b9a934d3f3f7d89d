package middleware

import (
	"net/http"

	"github.com/dskow/shield-core/internal/apierror"
)

// BodyLimit returns middleware that caps request body size at maxBytes.
// Declared-oversize requests are rejected up front; chunked bodies are capped
// by http.MaxBytesReader, which surfaces as a read error inside the handler.
// Pass 0 to disable.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if maxBytes <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				apierror.WriteBodyTooLarge(w)
				return
			}
			if r.Body != nil && r.ContentLength != 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
