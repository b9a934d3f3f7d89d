package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/dskow/shield-core/internal/apierror"
)

// Recovery returns middleware that recovers from handler panics, logs the
// stack trace, and returns a 500 JSON response.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						"error", err,
						"stack", string(debug.Stack()),
						"method", r.Method,
						"path", r.URL.Path,
						"request_id", GetRequestID(r.Context()),
					)
					apierror.WriteInternalError(w)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
