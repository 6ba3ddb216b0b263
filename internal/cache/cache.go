// Package cache implements the two-tier cache manager: a policy-driven
// in-process tier plus an optional Redis distributed tier with pub/sub
// invalidation and per-instance statistics.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Well-known region names.
const (
	RegionDefault           = "Default"
	RegionModelCapabilities = "ModelCapabilities"
	RegionProviderResponses = "ProviderResponses"
)

// Eviction policies for the memory tier.
const (
	EvictLRU  = "lru"
	EvictLFU  = "lfu"
	EvictFIFO = "fifo"
	EvictNone = "none"
)

// RegionConfig is the policy attached to a cache region.
type RegionConfig struct {
	Name           string
	DefaultTTL     time.Duration
	MaxTTL         time.Duration // 0 = no clamp
	UseMemory      bool
	UseDistributed bool
	MaxEntries     int    // 0 = unbounded
	Eviction       string // lru (default), lfu, fifo, none
	Priority       int
	DetailedStats  bool
}

// normalize fills policy defaults.
func (c RegionConfig) normalize() RegionConfig {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.MaxTTL > 0 && c.DefaultTTL > c.MaxTTL {
		c.DefaultTTL = c.MaxTTL
	}
	if c.Eviction == "" {
		c.Eviction = EvictLRU
	}
	if !c.UseMemory && !c.UseDistributed {
		c.UseMemory = true
	}
	return c
}

// clampTTL applies the region default and max to a requested TTL.
func (c RegionConfig) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = c.DefaultTTL
	}
	if c.MaxTTL > 0 && ttl > c.MaxTTL {
		ttl = c.MaxTTL
	}
	return ttl
}

// region pairs a config with its memory store. The pointer is swapped
// atomically by UpdateRegionConfig; in-flight entries keep their absolute
// expiries.
type region struct {
	cfg RegionConfig
	mem *memoryStore
}

// Manager is the two-tier cache addressable by (region, key).
// A nil or unhealthy distributed tier degrades to memory-only; no request
// fails because of a cache outage.
type Manager struct {
	mu      sync.RWMutex
	regions map[string]*region
	dist    *RedisTier // nil = memory-only deployment
	stats   *Collector
	group   singleflight.Group
}

// NewManager creates a Manager with the given region configs. dist may be
// nil for memory-only deployments.
func NewManager(dist *RedisTier, stats *Collector, configs ...RegionConfig) *Manager {
	m := &Manager{
		regions: make(map[string]*region),
		dist:    dist,
		stats:   stats,
	}
	for _, cfg := range configs {
		m.UpdateRegionConfig(cfg)
	}
	if _, ok := m.regions[RegionDefault]; !ok {
		m.UpdateRegionConfig(RegionConfig{Name: RegionDefault})
	}
	if dist != nil {
		dist.OnInvalidate(m.dropLocal)
	}
	return m
}

// UpdateRegionConfig atomically installs or replaces a region's policy.
// Existing entries keep their expiries; the memory store is re-bounded to
// the new policy on the next write.
func (m *Manager) UpdateRegionConfig(cfg RegionConfig) {
	cfg = cfg.normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.regions[cfg.Name]; ok {
		r.mem.Reconfigure(cfg.MaxEntries, cfg.Eviction)
		m.regions[cfg.Name] = &region{cfg: cfg, mem: r.mem}
		return
	}
	m.regions[cfg.Name] = &region{cfg: cfg, mem: newMemoryStore(cfg.MaxEntries, cfg.Eviction)}
}

// lookupRegion returns the region, falling back to Default for unknown names.
func (m *Manager) lookupRegion(name string) *region {
	m.mu.RLock()
	r, ok := m.regions[name]
	if !ok {
		r = m.regions[RegionDefault]
	}
	m.mu.RUnlock()
	return r
}

// Get retrieves a value by (region, key). Memory is consulted first; on a
// miss the distributed tier is consulted if the region allows it, and a
// distributed hit is promoted into memory with its remaining TTL.
func (m *Manager) Get(ctx context.Context, regionName, key string) ([]byte, bool) {
	start := time.Now()
	if val, ok := m.lookup(ctx, regionName, key); ok {
		m.stats.RecordHit(regionName, time.Since(start))
		return val, true
	}
	m.stats.RecordMiss(regionName, time.Since(start))
	return nil, false
}

// lookup consults both tiers without touching statistics, so callers that
// coalesce (GetOrLoad) control how the outcome is counted.
func (m *Manager) lookup(ctx context.Context, regionName, key string) ([]byte, bool) {
	r := m.lookupRegion(regionName)

	if r.cfg.UseMemory {
		if val, ok := r.mem.Get(key); ok {
			return val, true
		}
	}

	if r.cfg.UseDistributed && m.dist != nil {
		if val, expiresAt, ok := m.dist.Get(ctx, regionName, key); ok {
			if r.cfg.UseMemory {
				r.mem.Set(key, val, expiresAt)
			}
			return val, true
		}
	}

	return nil, false
}

// Set writes a value to the tiers selected by the region policy. ttl <= 0
// uses the region default; all TTLs are clamped by the region max. The
// stored expiry is absolute so peers with skewed clocks validate entries
// against their own clock.
func (m *Manager) Set(ctx context.Context, regionName, key string, val []byte, ttl time.Duration) {
	r := m.lookupRegion(regionName)
	ttl = r.cfg.clampTTL(ttl)
	expiresAt := time.Now().Add(ttl)

	if r.cfg.UseMemory {
		r.mem.Set(key, val, expiresAt)
	}
	if r.cfg.UseDistributed && m.dist != nil {
		m.dist.Set(ctx, regionName, key, val, expiresAt)
	}
	m.stats.RecordWrite(regionName, len(val))
}

// Invalidate removes the entry locally and publishes an invalidation event
// on the distributed channel. Delivery is at-least-once; duplicate
// invalidations are idempotent.
func (m *Manager) Invalidate(ctx context.Context, regionName, key string) {
	r := m.lookupRegion(regionName)
	r.mem.Delete(key)
	if m.dist != nil {
		m.dist.Invalidate(ctx, regionName, key)
	}
}

// dropLocal removes a memory entry in response to a peer invalidation.
func (m *Manager) dropLocal(regionName, key string) {
	r := m.lookupRegion(regionName)
	r.mem.Delete(key)
}

// GetOrLoad returns the cached value or runs loader exactly once per key
// across concurrent callers. Late waiters observe the loaded value or the
// loader's error. The loaded value is stored with the region default TTL.
//
// A flight counts as one miss, charged to the caller that runs the loader;
// every coalesced waiter served by that flight counts as a hit.
func (m *Manager) GetOrLoad(ctx context.Context, regionName, key string, loader func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	start := time.Now()
	if val, ok := m.lookup(ctx, regionName, key); ok {
		m.stats.RecordHit(regionName, time.Since(start))
		return val, nil
	}

	// counted stays false for waiters: singleflight only runs the leader's
	// closure, so a caller whose closure never executed joined a flight.
	var counted bool
	v, err, _ := m.group.Do(regionName+"\x00"+key, func() (any, error) {
		counted = true
		// Re-check under the flight: a concurrent loader may have
		// populated the entry between the miss and the Do call.
		if val, ok := m.lookup(ctx, regionName, key); ok {
			m.stats.RecordHit(regionName, time.Since(start))
			return val, nil
		}
		m.stats.RecordMiss(regionName, time.Since(start))
		val, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		m.Set(ctx, regionName, key, val, 0)
		return val, nil
	})
	if err != nil {
		return nil, err
	}
	if !counted {
		m.stats.RecordHit(regionName, time.Since(start))
	}
	b, ok := v.([]byte)
	if !ok {
		// Inconsistent entry type: treat as a miss and reload.
		return nil, errors.New("cache: inconsistent entry type")
	}
	return b, nil
}

// Degraded reports whether the distributed tier is configured but
// currently unreachable.
func (m *Manager) Degraded() bool {
	return m.dist != nil && !m.dist.Healthy()
}

// Purge clears a region's memory tier. Distributed entries expire by TTL.
func (m *Manager) Purge(regionName string) {
	m.lookupRegion(regionName).mem.Purge()
}

// Close stops the invalidation subscriber.
func (m *Manager) Close() {
	if m.dist != nil {
		if err := m.dist.Close(); err != nil {
			slog.Warn("cache: close distributed tier", "error", err)
		}
	}
}
