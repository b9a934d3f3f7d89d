package bulkhead

import (
	"sync"

	"github.com/dskow/shield-core/internal/config"
)

// Registry holds one bulkhead per dependency, created lazily on first use.
type Registry struct {
	mu        sync.RWMutex
	bulkheads map[string]*Bulkhead
}

func NewRegistry() *Registry {
	return &Registry{bulkheads: make(map[string]*Bulkhead)}
}

// For returns the bulkhead for the given dependency, creating it from cfg if
// it does not exist yet. The capacity of an existing bulkhead never changes.
func (r *Registry) For(dependency string, cfg config.BulkheadConfig) *Bulkhead {
	r.mu.RLock()
	b, ok := r.bulkheads[dependency]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.bulkheads[dependency]; ok {
		return b
	}

	b = New(dependency, cfg)
	r.bulkheads[dependency] = b
	return b
}

// Remove drops the bulkhead for a dependency that no longer exists in
// config. In-flight holders keep their leases; the semaphore is simply
// unreferenced once they release.
func (r *Registry) Remove(dependency string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bulkheads, dependency)
}

// Stats describes one bulkhead for operational introspection.
type Stats struct {
	Limit    int    `json:"limit"`
	InFlight int    `json:"in_flight"`
	Policy   string `json:"policy"`
}

// Snapshot returns per-dependency bulkhead statistics.
func (r *Registry) Snapshot() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Stats, len(r.bulkheads))
	for dep, b := range r.bulkheads {
		out[dep] = Stats{Limit: b.Limit(), InFlight: b.InFlight(), Policy: b.Policy()}
	}
	return out
}
