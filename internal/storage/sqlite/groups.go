package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

// CreateGroup inserts a new billing group.
func (s *Store) CreateGroup(ctx context.Context, g *conduit.VirtualKeyGroup) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO vkey_groups (id, name, balance, lifetime_credits, lifetime_spent, external_group_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, g.Balance.String(), g.LifetimeCredits.String(), g.LifetimeSpent.String(),
		nullStr(g.ExternalGroupID), g.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetGroup retrieves a billing group by ID.
func (s *Store) GetGroup(ctx context.Context, id string) (*conduit.VirtualKeyGroup, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, balance, lifetime_credits, lifetime_spent, external_group_id, created_at
		 FROM vkey_groups WHERE id = ?`, id,
	)
	return scanGroup(row)
}

// AddCredits atomically adds to balance and lifetime credits. Decimal
// arithmetic runs in Go against the row read under the single-writer
// connection, so concurrent mutations serialize at the pool.
func (s *Store) AddCredits(ctx context.Context, groupID string, amount decimal.Decimal) error {
	return s.adjustBalance(ctx, groupID, amount, false)
}

// Debit atomically subtracts from balance and adds to lifetime spent. The
// balance may go negative; admission control is the budget manager's job,
// settlement always lands.
func (s *Store) Debit(ctx context.Context, groupID string, amount decimal.Decimal) error {
	return s.adjustBalance(ctx, groupID, amount, true)
}

func (s *Store) adjustBalance(ctx context.Context, groupID string, amount decimal.Decimal, debit bool) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var balance, credits, spent string
	err = tx.QueryRowContext(ctx,
		`SELECT balance, lifetime_credits, lifetime_spent FROM vkey_groups WHERE id = ?`, groupID,
	).Scan(&balance, &credits, &spent)
	if err != nil {
		return notFoundErr(err)
	}

	bal, err := parseDecimal(balance)
	if err != nil {
		return err
	}
	if debit {
		sp, err := parseDecimal(spent)
		if err != nil {
			return err
		}
		bal = bal.Sub(amount)
		spent = sp.Add(amount).String()
	} else {
		cr, err := parseDecimal(credits)
		if err != nil {
			return err
		}
		bal = bal.Add(amount)
		credits = cr.Add(amount).String()
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE vkey_groups SET balance=?, lifetime_credits=?, lifetime_spent=? WHERE id=?`,
		bal.String(), credits, spent, groupID,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func scanGroup(s scanner) (*conduit.VirtualKeyGroup, error) {
	var g conduit.VirtualKeyGroup
	var balance, credits, spent string
	var externalID, createdAt sql.NullString

	err := s.Scan(&g.ID, &g.Name, &balance, &credits, &spent, &externalID, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	if g.Balance, err = parseDecimal(balance); err != nil {
		return nil, err
	}
	if g.LifetimeCredits, err = parseDecimal(credits); err != nil {
		return nil, err
	}
	if g.LifetimeSpent, err = parseDecimal(spent); err != nil {
		return nil, err
	}
	g.ExternalGroupID = externalID.String
	if t := parseTime(createdAt); t != nil {
		g.CreatedAt = *t
	}
	return &g, nil
}
