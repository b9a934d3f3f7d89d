package circuitbreaker

import (
	"sync"
	"time"
)

// Adaptive dynamically adjusts the failure ratio of an inner FailureRate
// breaker based on an exponentially weighted moving average (EWMA) of
// observed latencies. When latency rises above latencyCeiling the ratio is
// tightened so the breaker trips sooner under degraded conditions.
type Adaptive struct {
	mu    sync.Mutex
	inner *FailureRate

	ewmaLatency    float64       // EWMA of latency in nanoseconds
	alpha          float64       // smoothing factor (0 < alpha <= 1)
	baseRatio      float64       // normal (relaxed) failure ratio
	minRatio       float64       // tightest (most aggressive) ratio
	latencyCeiling time.Duration // latency above which the ratio tightens
}

// NewAdaptive wraps a FailureRate breaker and adjusts its trip ratio
// dynamically. alpha controls EWMA responsiveness (higher = more reactive).
func NewAdaptive(inner *FailureRate, baseRatio, minRatio float64, latencyCeiling time.Duration, alpha float64) *Adaptive {
	return &Adaptive{
		inner:          inner,
		alpha:          alpha,
		baseRatio:      baseRatio,
		minRatio:       minRatio,
		latencyCeiling: latencyCeiling,
	}
}

func (a *Adaptive) Allow() bool {
	return a.inner.Allow()
}

func (a *Adaptive) RecordSuccess(latency time.Duration) {
	a.inner.RecordSuccess(latency)
	a.updateRatio(latency)
}

// CancelProbe releases a probe slot without feeding the latency EWMA; an
// attempt that never ran carries no latency signal.
func (a *Adaptive) CancelProbe() {
	a.inner.CancelProbe()
}

func (a *Adaptive) RecordFailure(latency time.Duration) {
	a.inner.RecordFailure(latency)
	a.updateRatio(latency)
}

func (a *Adaptive) State() State {
	return a.inner.State()
}

func (a *Adaptive) RetryAfter() time.Duration {
	return a.inner.RetryAfter()
}

func (a *Adaptive) Reset() {
	a.inner.Reset()
	a.mu.Lock()
	a.ewmaLatency = 0
	a.inner.SetFailureRatio(a.baseRatio)
	a.mu.Unlock()
}

func (a *Adaptive) Trip() {
	a.inner.Trip()
}

// updateRatio recalculates the EWMA latency and adjusts the inner breaker's
// trip ratio accordingly.
func (a *Adaptive) updateRatio(latency time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ns := float64(latency.Nanoseconds())
	if a.ewmaLatency == 0 {
		a.ewmaLatency = ns
	} else {
		a.ewmaLatency = a.alpha*ns + (1-a.alpha)*a.ewmaLatency
	}

	ceiling := float64(a.latencyCeiling.Nanoseconds())
	if a.ewmaLatency <= ceiling {
		// Latency normal, use the base ratio.
		a.inner.SetFailureRatio(a.baseRatio)
		return
	}

	// Linearly interpolate: as EWMA goes from ceiling to 2*ceiling, the
	// ratio goes from baseRatio down to minRatio.
	ratio := (a.ewmaLatency - ceiling) / ceiling
	if ratio > 1 {
		ratio = 1
	}
	a.inner.SetFailureRatio(a.baseRatio - ratio*(a.baseRatio-a.minRatio))
}
