package vkey

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StaleReservationAge is how long a reservation may stay open before the
// sweeper releases it. A request that outlives this is presumed crashed.
const StaleReservationAge = 5 * time.Minute

// GroupStore is the persistence surface for budget accounting. Debit must
// atomically decrement the balance and increment lifetime spend.
type GroupStore interface {
	GetGroup(ctx context.Context, groupID string) (*conduit.VirtualKeyGroup, error)
	Debit(ctx context.Context, groupID string, amount decimal.Decimal) error
}

type reservation struct {
	id        string
	groupID   string
	amount    decimal.Decimal
	createdAt time.Time
}

// BudgetManager serializes balance mutations per group through a striped
// lock and tracks open reservations in memory. A reservation holds funds
// against concurrent requests; the commit debits the actual cost, which
// may exceed the estimate (the final debit is never rejected).
type BudgetManager struct {
	store  GroupStore
	logger *slog.Logger

	mu           sync.Mutex
	reservations map[string]*reservation
	heldByGroup  map[string]decimal.Decimal
	groupLocks   map[string]*sync.Mutex
}

func NewBudgetManager(store GroupStore, logger *slog.Logger) *BudgetManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &BudgetManager{
		store:        store,
		logger:       logger,
		reservations: make(map[string]*reservation),
		heldByGroup:  make(map[string]decimal.Decimal),
		groupLocks:   make(map[string]*sync.Mutex),
	}
}

func (b *BudgetManager) groupLock(groupID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.groupLocks[groupID]
	if !ok {
		l = &sync.Mutex{}
		b.groupLocks[groupID] = l
	}
	return l
}

// Reserve holds estimate against the group's available balance and returns
// a reservation ID. Available = balance - open reservations; a request
// that cannot cover its estimate fails with ErrInsufficientBalance before
// any provider call.
func (b *BudgetManager) Reserve(ctx context.Context, groupID string, estimate decimal.Decimal) (string, error) {
	if estimate.IsNegative() {
		return "", fmt.Errorf("negative estimate: %w", conduit.ErrInvalidRequest)
	}

	l := b.groupLock(groupID)
	l.Lock()
	defer l.Unlock()

	group, err := b.store.GetGroup(ctx, groupID)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	held := b.heldByGroup[groupID]
	b.mu.Unlock()

	if group.Balance.Sub(held).LessThan(estimate) {
		return "", conduit.ErrInsufficientBalance
	}

	res := &reservation{
		id:        uuid.NewString(),
		groupID:   groupID,
		amount:    estimate,
		createdAt: time.Now(),
	}
	b.mu.Lock()
	b.reservations[res.id] = res
	b.heldByGroup[groupID] = held.Add(estimate)
	b.mu.Unlock()
	return res.id, nil
}

// Commit closes the reservation and debits the actual cost. The actual may
// exceed the reserved estimate; the debit still applies in full so billing
// matches what the provider charged.
func (b *BudgetManager) Commit(ctx context.Context, reservationID string, actual decimal.Decimal) error {
	res := b.take(reservationID)
	if res == nil {
		return fmt.Errorf("reservation %s: %w", reservationID, conduit.ErrNotFound)
	}
	if actual.IsZero() {
		return nil
	}

	l := b.groupLock(res.groupID)
	l.Lock()
	defer l.Unlock()
	return b.store.Debit(ctx, res.groupID, actual)
}

// Release closes the reservation without a debit. Used on provider failure
// and on client cancellation before any tokens arrived. Idempotent.
func (b *BudgetManager) Release(reservationID string) {
	b.take(reservationID)
}

// take removes a reservation and returns it, or nil if already closed.
func (b *BudgetManager) take(reservationID string) *reservation {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, ok := b.reservations[reservationID]
	if !ok {
		return nil
	}
	delete(b.reservations, reservationID)
	held := b.heldByGroup[res.groupID].Sub(res.amount)
	if held.IsPositive() {
		b.heldByGroup[res.groupID] = held
	} else {
		delete(b.heldByGroup, res.groupID)
	}
	return res
}

// Held returns the total amount currently reserved for a group.
func (b *BudgetManager) Held(groupID string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.heldByGroup[groupID]
}

// SweepStale releases reservations older than StaleReservationAge and
// returns how many were released. Run periodically by a worker.
func (b *BudgetManager) SweepStale() int {
	cutoff := time.Now().Add(-StaleReservationAge)

	b.mu.Lock()
	var stale []*reservation
	for _, res := range b.reservations {
		if res.createdAt.Before(cutoff) {
			stale = append(stale, res)
		}
	}
	b.mu.Unlock()

	for _, res := range stale {
		b.Release(res.id)
		b.logger.Warn("released stale budget reservation",
			slog.String("reservation_id", res.id),
			slog.String("group_id", res.groupID),
			slog.String("amount", res.amount.String()))
	}
	return len(stale)
}
