// Package router resolves model aliases to ordered provider candidates,
// filtering by capability, circuit state, and prior failures within a
// request.
package router

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/maypok86/otter/v2"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

// MaxFailoverAttempts bounds how many candidates one request may try.
const MaxFailoverAttempts = 3

// routeCacheTTL is how long resolved candidates stay cached before
// re-reading from the store. Short enough to pick up mapping changes
// quickly, long enough to keep the hot path off the database.
const routeCacheTTL = 10 * time.Second

// Store is the routing configuration surface.
type Store interface {
	GetMappingsByAlias(ctx context.Context, alias string) ([]*conduit.ModelMapping, error)
	GetProvider(ctx context.Context, providerID string) (*conduit.ProviderConfig, error)
	GetKeysForProvider(ctx context.Context, providerID string) ([]*conduit.ProviderKey, error)
}

// Breaker reports whether a provider's circuit admits traffic.
type Breaker interface {
	Allow(providerID string) bool
}

// Candidate is one routable (mapping, provider, key) triple.
type Candidate struct {
	Mapping  *conduit.ModelMapping
	Provider *conduit.ProviderConfig
	Key      *conduit.ProviderKey
}

// Router resolves aliases to failover-ordered candidates. Resolution is
// cached; circuit state and per-request exclusions are applied per call so
// a tripped breaker takes effect immediately.
type Router struct {
	store   Store
	breaker Breaker
	cache   *otter.Cache[string, []Candidate]
}

func New(store Store, breaker Breaker) *Router {
	cache := otter.Must(&otter.Options[string, []Candidate]{
		MaximumSize:      256,
		ExpiryCalculator: otter.ExpiryWriting[string, []Candidate](routeCacheTTL),
	})
	return &Router{store: store, breaker: breaker, cache: cache}
}

// Resolve returns candidates for an alias that satisfy the required
// capabilities, ordered by mapping priority (descending, ties by mapping
// ID). Candidates whose provider circuit is open or whose mapping ID is in
// exclude are skipped. An unknown alias is ErrModelNotFound; a known alias
// with nothing routable is ErrNoProviderAvailable.
func (r *Router) Resolve(ctx context.Context, alias string, required conduit.Capability, exclude map[string]bool) ([]Candidate, error) {
	all, err := r.candidates(ctx, alias)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(all))
	for _, c := range all {
		if exclude[c.Mapping.ID] {
			continue
		}
		if !c.Mapping.Capabilities.Satisfies(required) {
			continue
		}
		if r.breaker != nil && !r.breaker.Allow(c.Provider.ID) {
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("model %q: %w", alias, conduit.ErrNoProviderAvailable)
	}
	return out, nil
}

// Invalidate drops an alias from the route cache. Called after mapping or
// provider key changes.
func (r *Router) Invalidate(alias string) {
	r.cache.Invalidate(alias)
}

// candidates loads and caches the full ordered candidate list for an alias.
func (r *Router) candidates(ctx context.Context, alias string) ([]Candidate, error) {
	if cached, ok := r.cache.GetIfPresent(alias); ok {
		return cached, nil
	}

	mappings, err := r.store.GetMappingsByAlias(ctx, alias)
	if err != nil {
		if errors.Is(err, conduit.ErrNotFound) {
			return nil, fmt.Errorf("model %q: %w", alias, conduit.ErrModelNotFound)
		}
		return nil, fmt.Errorf("resolve model %q: %w", alias, err)
	}

	enabled := mappings[:0:0]
	for _, m := range mappings {
		if m.Enabled {
			enabled = append(enabled, m)
		}
	}
	if len(enabled) == 0 {
		return nil, fmt.Errorf("model %q: %w", alias, conduit.ErrModelNotFound)
	}

	// Higher priority first; ties break on mapping ID for a stable order.
	slices.SortStableFunc(enabled, func(a, b *conduit.ModelMapping) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})

	var out []Candidate
	for _, m := range enabled {
		provider, err := r.store.GetProvider(ctx, m.ProviderID)
		if err != nil {
			if errors.Is(err, conduit.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("load provider %q: %w", m.ProviderID, err)
		}
		if !provider.Enabled {
			continue
		}

		keys, err := r.store.GetKeysForProvider(ctx, m.ProviderID)
		if err != nil {
			return nil, fmt.Errorf("load keys for provider %q: %w", m.ProviderID, err)
		}
		key := pickKey(keys)
		if key == nil {
			continue
		}
		out = append(out, Candidate{Mapping: m, Provider: provider, Key: key})
	}

	r.cache.Set(alias, out)
	return out, nil
}

// pickKey returns the primary enabled key, or the first enabled key when
// no primary exists.
func pickKey(keys []*conduit.ProviderKey) *conduit.ProviderKey {
	var fallback *conduit.ProviderKey
	for _, k := range keys {
		if !k.Enabled {
			continue
		}
		if k.Primary {
			return k
		}
		if fallback == nil {
			fallback = k
		}
	}
	return fallback
}
