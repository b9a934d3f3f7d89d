package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dskow/shield-core/internal/apierror"
)

// Deadline returns middleware that bounds the whole request, independent of
// the per-attempt budget applied deeper in the pipeline. When the deadline
// fires first the client gets a 504, unless the handler already started
// writing. Pass 0 to disable.
func Deadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			dw := &deadlineWriter{ResponseWriter: w}

			go func() {
				next.ServeHTTP(dw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
			case <-ctx.Done():
				// Write the 504 only if the handler has not produced any
				// bytes; a response mid-stream cannot be taken back.
				dw.claimTimeout(func() {
					apierror.WriteFault(w, r, ctx.Err())
				})
				<-done
			}
		})
	}
}

// deadlineWriter serializes the handler goroutine against the timeout path.
// Whoever writes first owns the response: once the timeout claim lands,
// later handler writes are swallowed; once the handler has produced bytes,
// the claim is refused.
type deadlineWriter struct {
	http.ResponseWriter

	mu       sync.Mutex
	wrote    bool
	timedOut bool
}

// claimTimeout runs write while holding the lock, unless the handler has
// already produced response bytes.
func (dw *deadlineWriter) claimTimeout(write func()) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.wrote {
		return
	}
	dw.timedOut = true
	write()
}

func (dw *deadlineWriter) WriteHeader(code int) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.timedOut {
		return
	}
	dw.wrote = true
	dw.ResponseWriter.WriteHeader(code)
}

func (dw *deadlineWriter) Write(b []byte) (int, error) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.timedOut {
		return len(b), nil
	}
	dw.wrote = true
	return dw.ResponseWriter.Write(b)
}
