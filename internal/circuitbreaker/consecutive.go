package circuitbreaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/shield-core/internal/metrics"
)

// Consecutive is the default breaker strategy: it opens after a run of
// consecutive failures, cools down, then admits a bounded number of
// concurrent probes before closing again.
//
// Transitions:
//   - Closed: each failure increments the run; any success resets it. At
//     failThreshold the breaker opens and stamps openedAt.
//   - Open: calls are denied until cooldown has elapsed, then the breaker
//     moves to half-open and the arriving caller becomes the first probe.
//   - HalfOpen: at most probeCap probes are in flight at once. Each probe
//     success counts toward successThreshold; reaching it closes the
//     breaker. Any probe failure reopens it and restarts the cooldown.
type Consecutive struct {
	mu sync.Mutex

	state      State
	dependency string
	logger     *slog.Logger
	now        func() time.Time

	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	probesInFlight       int

	failThreshold    int
	successThreshold int
	cooldown         time.Duration
	probeCap         int
}

// NewConsecutive creates a consecutive-failure circuit breaker for the given
// dependency.
func NewConsecutive(dependency string, failThreshold, successThreshold int, cooldown time.Duration, probeCap int, logger *slog.Logger) *Consecutive {
	return &Consecutive{
		state:            StateClosed,
		dependency:       dependency,
		logger:           logger,
		now:              time.Now,
		failThreshold:    failThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
		probeCap:         probeCap,
	}
}

func (b *Consecutive) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.transitionTo(StateHalfOpen)
			b.probesInFlight = 1
			return true
		}
		return false
	case StateHalfOpen:
		if b.probesInFlight < b.probeCap {
			b.probesInFlight++
			return true
		}
		return false
	default:
		return true
	}
}

func (b *Consecutive) RecordSuccess(_ time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.successThreshold {
			b.transitionTo(StateClosed)
		}
	case StateOpen:
		// Late result from an attempt admitted before the breaker opened.
	}
}

// CancelProbe releases a claimed probe slot without counting toward either
// threshold. Bulkhead rejections and caller cancellations settle this way:
// the dependency was never exercised, so its health is unknown.
func (b *Consecutive) CancelProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.probesInFlight > 0 {
		b.probesInFlight--
	}
}

func (b *Consecutive) RecordFailure(_ time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.failThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		b.transitionTo(StateOpen)
	case StateOpen:
		// Late failure; already open.
	}
}

func (b *Consecutive) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RetryAfter returns the remaining cooldown while open, zero otherwise.
// A zero result on an open breaker means a probe slot may open at any moment.
func (b *Consecutive) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	remaining := b.cooldown - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (b *Consecutive) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
}

func (b *Consecutive) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		b.openedAt = b.now()
		return
	}
	b.transitionTo(StateOpen)
}

// transitionTo changes the breaker state, emitting metrics and logging.
// Must be called with b.mu held.
func (b *Consecutive) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	metrics.CircuitTransitions.WithLabelValues(b.dependency, newState.String()).Inc()
	metrics.CircuitState.WithLabelValues(b.dependency).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"dependency", b.dependency,
		"from", from.String(),
		"to", newState.String(),
	)

	switch newState {
	case StateClosed:
		b.consecutiveFailures = 0
		b.consecutiveSuccesses = 0
		b.probesInFlight = 0
	case StateOpen:
		b.openedAt = b.now()
		b.consecutiveSuccesses = 0
		b.probesInFlight = 0
	case StateHalfOpen:
		b.consecutiveSuccesses = 0
	}
}
