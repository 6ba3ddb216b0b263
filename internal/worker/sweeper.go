package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/knnlabs/Conduit-sub015/internal/telemetry"
	"github.com/knnlabs/Conduit-sub015/internal/vkey"
)

const sweepInterval = time.Minute

// ReservationSweeper periodically releases budget reservations left open by
// crashed or abandoned requests so held funds return to the group balance.
type ReservationSweeper struct {
	budget  *vkey.BudgetManager
	metrics *telemetry.Metrics
}

// NewReservationSweeper creates a ReservationSweeper. metrics may be nil.
func NewReservationSweeper(budget *vkey.BudgetManager, metrics *telemetry.Metrics) *ReservationSweeper {
	return &ReservationSweeper{budget: budget, metrics: metrics}
}

// Name returns the worker identifier.
func (w *ReservationSweeper) Name() string { return "reservation_sweeper" }

// Run sweeps stale reservations until ctx is cancelled.
func (w *ReservationSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := w.budget.SweepStale(); n > 0 {
				if w.metrics != nil {
					w.metrics.ReservationsSwept.Add(float64(n))
				}
				slog.Info("swept stale budget reservations", "count", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
