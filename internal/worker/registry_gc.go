package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/knnlabs/Conduit-sub015/internal/circuitbreaker"
	"github.com/knnlabs/Conduit-sub015/internal/ratelimit"
)

const (
	registryGCInterval = 10 * time.Minute
	registryIdleAge    = time.Hour
)

// RegistryGC evicts per-key rate limiters and per-provider circuit
// breakers that have sat idle, bounding memory on churny key sets.
type RegistryGC struct {
	limits   *ratelimit.Registry
	breakers *circuitbreaker.Registry
}

// NewRegistryGC creates a RegistryGC. Either registry may be nil.
func NewRegistryGC(limits *ratelimit.Registry, breakers *circuitbreaker.Registry) *RegistryGC {
	return &RegistryGC{limits: limits, breakers: breakers}
}

// Name returns the worker identifier.
func (w *RegistryGC) Name() string { return "registry_gc" }

// Run evicts idle entries until ctx is cancelled.
func (w *RegistryGC) Run(ctx context.Context) error {
	ticker := time.NewTicker(registryGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-registryIdleAge)
			var limiters, breakers int
			if w.limits != nil {
				limiters = w.limits.EvictStale(cutoff)
			}
			if w.breakers != nil {
				breakers = w.breakers.EvictStale(cutoff)
			}
			if limiters > 0 || breakers > 0 {
				slog.Debug("evicted idle registry entries",
					"limiters", limiters, "breakers", breakers)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
