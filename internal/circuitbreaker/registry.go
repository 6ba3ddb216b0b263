package circuitbreaker

import (
	"sync"
	"time"
)

// Registry holds one Breaker per provider, created lazily on first use.
// All breakers share the registry's config.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// Get returns the provider's breaker without creating one. Nil means the
// provider has never been dispatched to.
func (r *Registry) Get(providerID string) *Breaker {
	r.mu.RLock()
	b := r.breakers[providerID]
	r.mu.RUnlock()
	return b
}

// GetOrCreate returns the provider's breaker, creating a closed one on
// first sight. The read lock covers the common path; the write lock
// re-checks so concurrent first calls agree on one instance.
func (r *Registry) GetOrCreate(providerID string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[providerID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[providerID]; ok {
		return b
	}
	b = NewBreaker(r.config)
	r.breakers[providerID] = b
	return b
}

// EvictStale drops breakers idle since before cutoff and returns how many
// went. Stale keys are gathered under the read lock first so request
// traffic is not blocked while the map is scanned; each candidate is
// re-checked under the write lock in case it was touched in between.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.RLock()
	var stale []string
	for id, b := range r.breakers {
		if b.LastUsed().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for _, id := range stale {
		if b, ok := r.breakers[id]; ok && b.LastUsed().Before(cutoff) {
			delete(r.breakers, id)
			evicted++
		}
	}
	return evicted
}
