package circuitbreaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/shield-core/internal/metrics"
)

// outcome records a single attempt result in the sliding window.
type outcome struct {
	failed bool
}

// FailureRate implements a sliding-window failure-rate circuit breaker.
// It opens when the failure ratio over the most recent windowSize outcomes
// reaches failureRatio. Unlike Consecutive it tolerates interleaved
// successes, which suits dependencies with noisy but mostly-healthy traffic.
type FailureRate struct {
	mu sync.Mutex

	state      State
	dependency string
	logger     *slog.Logger
	now        func() time.Time

	// Sliding window implemented as a ring buffer.
	window   []outcome
	head     int // next write position
	count    int // number of outcomes recorded (up to windowSize)
	failures int // number of failures in the current window

	windowSize       int
	failureRatio     float64
	successThreshold int
	cooldown         time.Duration
	probeCap         int

	halfOpenSuccess int
	probesInFlight  int
	openedAt        time.Time
}

// NewFailureRate creates a failure-rate circuit breaker for the given
// dependency. probeCap bounds concurrent half-open probes; successThreshold
// probe successes close the breaker.
func NewFailureRate(dependency string, windowSize int, failureRatio float64, successThreshold int, cooldown time.Duration, probeCap int, logger *slog.Logger) *FailureRate {
	return &FailureRate{
		state:            StateClosed,
		dependency:       dependency,
		logger:           logger,
		now:              time.Now,
		window:           make([]outcome, windowSize),
		windowSize:       windowSize,
		failureRatio:     failureRatio,
		successThreshold: successThreshold,
		cooldown:         cooldown,
		probeCap:         probeCap,
	}
}

func (b *FailureRate) Allow() bool {
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

func (b *FailureRate) RecordSuccess(_ time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.recordOutcome(false)
	case StateHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.successThreshold {
			b.transitionTo(StateClosed)
		}
	}
}

// CancelProbe releases a claimed probe slot without counting toward either
// the window or the half-open success run.
func (b *FailureRate) CancelProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.probesInFlight > 0 {
		b.probesInFlight--
	}
}

func (b *FailureRate) RecordFailure(_ time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.recordOutcome(true)
		if b.count >= b.windowSize && b.currentRatio() >= b.failureRatio {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		b.transitionTo(StateOpen)
	}
}

func (b *FailureRate) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RetryAfter returns the remaining cooldown while open, zero otherwise.
func (b *FailureRate) RetryAfter() time.Duration {
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

func (b *FailureRate) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
}

func (b *FailureRate) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		b.openedAt = b.now()
		return
	}
	b.transitionTo(StateOpen)
}

// SetFailureRatio dynamically updates the trip ratio. Used by the adaptive
// breaker to tighten or relax the threshold at runtime.
func (b *FailureRate) SetFailureRatio(ratio float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureRatio = ratio
}

// recordOutcome writes a result into the ring buffer and maintains the
// running failure count. Must be called with b.mu held.
func (b *FailureRate) recordOutcome(failed bool) {
	// If the window is full, evict the oldest entry.
	if b.count == b.windowSize {
		if b.window[b.head].failed {
			b.failures--
		}
	} else {
		b.count++
	}

	b.window[b.head] = outcome{failed: failed}
	if failed {
		b.failures++
	}
	b.head = (b.head + 1) % b.windowSize
}

// currentRatio returns the current failure ratio. Must be called with b.mu held.
func (b *FailureRate) currentRatio() float64 {
	if b.count == 0 {
		return 0
	}
	return float64(b.failures) / float64(b.count)
}

// transitionTo changes the breaker state, emitting metrics and logging.
// Must be called with b.mu held.
func (b *FailureRate) transitionTo(newState State) {
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
		// Reset window and half-open counters.
		b.head = 0
		b.count = 0
		b.failures = 0
		b.halfOpenSuccess = 0
		b.probesInFlight = 0
	case StateOpen:
		b.openedAt = b.now()
		b.halfOpenSuccess = 0
		b.probesInFlight = 0
	case StateHalfOpen:
		b.halfOpenSuccess = 0
	}
}
