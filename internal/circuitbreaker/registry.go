package circuitbreaker

import (
	"log/slog"
	"sync"

	"github.com/dskow/shield-core/internal/config"
)

// adaptiveAlpha is the EWMA smoothing factor used by the adaptive strategy.
const adaptiveAlpha = 0.3

type entry struct {
	breaker Breaker
	cfg     config.CircuitConfig
}

// Registry holds one breaker per dependency, created lazily on first use.
// Breakers are rebuilt when their configuration changes on reload; rebuilding
// resets breaker state, so a half-open dependency starts closed again.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// For returns the breaker for the given dependency, creating it from cfg if
// it does not exist yet.
func (r *Registry) For(dependency string, cfg config.CircuitConfig) Breaker {
	r.mu.RLock()
	e, ok := r.entries[dependency]
	r.mu.RUnlock()
	if ok {
		return e.breaker
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check: another goroutine may have created it between the locks.
	if e, ok := r.entries[dependency]; ok {
		return e.breaker
	}

	b := r.build(dependency, cfg)
	r.entries[dependency] = &entry{breaker: b, cfg: cfg}
	return b
}

// Update rebuilds the breaker for a dependency if its configuration changed.
// A rebuilt breaker starts closed.
func (r *Registry) Update(dependency string, cfg config.CircuitConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[dependency]
	if !ok || e.cfg == cfg {
		return
	}

	r.logger.Info("rebuilding circuit breaker after config change", "dependency", dependency, "strategy", cfg.Strategy)
	r.entries[dependency] = &entry{breaker: r.build(dependency, cfg), cfg: cfg}
}

// Remove drops the breaker for a dependency that no longer exists in config.
func (r *Registry) Remove(dependency string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, dependency)
}

// Get returns the breaker for a dependency if one has been created.
func (r *Registry) Get(dependency string) (Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[dependency]
	if !ok {
		return nil, false
	}
	return e.breaker, true
}

// Snapshot returns the current state of every breaker in the registry.
func (r *Registry) Snapshot() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]State, len(r.entries))
	for dep, e := range r.entries {
		states[dep] = e.breaker.State()
	}
	return states
}

// Reset forces the breaker for a dependency back to closed. It reports
// whether a breaker existed.
func (r *Registry) Reset(dependency string) bool {
	b, ok := r.Get(dependency)
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Trip forces the breaker for a dependency open. It reports whether a
// breaker existed.
func (r *Registry) Trip(dependency string) bool {
	b, ok := r.Get(dependency)
	if !ok {
		return false
	}
	b.Trip()
	return true
}

// build constructs a breaker for the configured strategy. Unrecognized
// strategies fall back to consecutive; config validation rejects them before
// they reach this point.
func (r *Registry) build(dependency string, cfg config.CircuitConfig) Breaker {
	switch cfg.Strategy {
	case config.StrategyFailureRate:
		return NewFailureRate(dependency, cfg.WindowSize, cfg.FailureRatio, cfg.SuccessThreshold, cfg.Cooldown, cfg.HalfOpenProbes, r.logger)
	case config.StrategyAdaptive:
		inner := NewFailureRate(dependency, cfg.WindowSize, cfg.FailureRatio, cfg.SuccessThreshold, cfg.Cooldown, cfg.HalfOpenProbes, r.logger)
		return NewAdaptive(inner, cfg.FailureRatio, cfg.MinRatio, cfg.LatencyCeiling, adaptiveAlpha)
	default:
		return NewConsecutive(dependency, cfg.FailThreshold, cfg.SuccessThreshold, cfg.Cooldown, cfg.HalfOpenProbes, r.logger)
	}
}
