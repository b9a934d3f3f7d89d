// Package timeout bounds the wall-clock time of a single attempt against a
// dependency. The effective deadline is the earlier of the caller's context
// deadline and the per-attempt budget, so a caller that is about to give up
// never waits for a full budget it no longer has.
package timeout

import (
	"context"
	"errors"
	"time"

	"github.com/dskow/shield-core/internal/faults"
	"github.com/dskow/shield-core/internal/metrics"
)

type result struct {
	data []byte
	err  error
}

// Run executes op under the attempt budget. When the budget fires first the
// attempt is abandoned: Run returns a Timeout fault immediately while op
// keeps running in the background with a canceled context, its result
// discarded. Caller cancellation is passed through untouched so it is never
// mistaken for a dependency timeout.
func Run(ctx context.Context, dependency string, budget time.Duration, op func(context.Context) ([]byte, error)) ([]byte, error) {
	// A caller that already gave up gets its own error back without the
	// attempt being started.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	attemptCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	resCh := make(chan result, 1)
	go func() {
		data, err := op(attemptCtx)
		resCh <- result{data: data, err: err}
	}()

	select {
	case res := <-resCh:
		// The op may have observed the attempt deadline itself and
		// returned a wrapped deadline error. Normalize that to a Timeout
		// fault, but only when the caller's own context is still live.
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, timeoutFault(dependency, budget, start)
		}
		return res.data, res.err
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			// The caller's context fired, not the attempt budget.
			return nil, err
		}
		return nil, timeoutFault(dependency, budget, start)
	}
}

func timeoutFault(dependency string, budget time.Duration, start time.Time) error {
	metrics.TimeoutsTotal.WithLabelValues(dependency).Inc()
	return &faults.Timeout{Key: dependency, Budget: budget, Elapsed: time.Since(start)}
}
