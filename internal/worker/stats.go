package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/knnlabs/Conduit-sub015/internal/cache"
)

const (
	statsFlushEvery     = 30 * time.Second
	statsAggregateEvery = time.Minute
)

// StatsPublisher flushes the local cache statistics to the distributed tier
// and periodically recomputes the cross-instance aggregate. Every instance
// runs both loops; aggregation is an idempotent read-sum-write, so
// concurrent passes converge on the same result.
type StatsPublisher struct {
	collector *cache.Collector
}

// NewStatsPublisher creates a StatsPublisher for the given collector.
func NewStatsPublisher(collector *cache.Collector) *StatsPublisher {
	return &StatsPublisher{collector: collector}
}

// Name returns the worker identifier.
func (w *StatsPublisher) Name() string { return "stats_publisher" }

// Run flushes and aggregates on their cadences until ctx is cancelled. A
// final flush runs on shutdown so the last window of counters is not lost.
func (w *StatsPublisher) Run(ctx context.Context) error {
	flush := time.NewTicker(statsFlushEvery)
	defer flush.Stop()
	aggregate := time.NewTicker(statsAggregateEvery)
	defer aggregate.Stop()

	for {
		select {
		case <-flush.C:
			if err := w.collector.Flush(ctx); err != nil {
				slog.LogAttrs(ctx, slog.LevelWarn, "stats flush failed",
					slog.String("error", err.Error()),
				)
			}

		case <-aggregate.C:
			if _, _, err := w.collector.AggregateAll(ctx); err != nil {
				slog.LogAttrs(ctx, slog.LevelWarn, "stats aggregation failed",
					slog.String("error", err.Error()),
				)
			}

		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := w.collector.Flush(flushCtx); err != nil {
				slog.LogAttrs(flushCtx, slog.LevelWarn, "final stats flush failed",
					slog.String("error", err.Error()),
				)
			}
			return nil
		}
	}
}
