package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

// InsertUsage batch-inserts usage records in one multi-row statement,
// avoiding N round-trips for large flushes.
func (s *Store) InsertUsage(ctx context.Context, records []conduit.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	const cols = 19
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.VirtualKeyID, r.GroupID, string(r.Operation), r.ModelAlias, nullStr(r.ProviderID),
			r.PromptTokens, r.CompletionTokens, r.TotalTokens,
			r.AudioSeconds, r.CharacterCount, r.ImageCount,
			r.Cost.String(), boolToInt(r.UsageEstimated), boolToInt(r.Cached),
			r.LatencyMs, r.StatusCode, nullStr(r.RequestID),
			r.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO usage_records
		(id, virtual_key_id, group_id, operation, model_alias, provider_id,
		 prompt_tokens, completion_tokens, total_tokens,
		 audio_seconds, character_count, image_count,
		 cost, usage_estimated, cached, latency_ms, status_code, request_id, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

const usageCols = `id, virtual_key_id, group_id, operation, model_alias, provider_id,
	prompt_tokens, completion_tokens, total_tokens,
	audio_seconds, character_count, image_count,
	cost, usage_estimated, cached, latency_ms, status_code, request_id, created_at`

// QueryUsage returns usage records matching the filter, newest first.
func (s *Store) QueryUsage(ctx context.Context, f conduit.UsageFilter) ([]*conduit.UsageRecord, error) {
	where, args := usageWhere(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx,
		`SELECT `+usageCols+` FROM usage_records`+where+
			` ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*conduit.UsageRecord
	for rows.Next() {
		r, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountUsage returns the number of usage records matching the filter.
func (s *Store) CountUsage(ctx context.Context, f conduit.UsageFilter) (int, error) {
	where, args := usageWhere(f)
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_records`+where, args...,
	).Scan(&n)
	return n, err
}

func usageWhere(f conduit.UsageFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.VirtualKeyID != "" {
		clauses = append(clauses, "virtual_key_id = ?")
		args = append(args, f.VirtualKeyID)
	}
	if f.GroupID != "" {
		clauses = append(clauses, "group_id = ?")
		args = append(args, f.GroupID)
	}
	if f.ModelAlias != "" {
		clauses = append(clauses, "model_alias = ?")
		args = append(args, f.ModelAlias)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanUsage(s scanner) (*conduit.UsageRecord, error) {
	var r conduit.UsageRecord
	var op string
	var providerID, requestID sql.NullString
	var cost, createdAt string
	var estimated, cached int

	err := s.Scan(
		&r.ID, &r.VirtualKeyID, &r.GroupID, &op, &r.ModelAlias, &providerID,
		&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
		&r.AudioSeconds, &r.CharacterCount, &r.ImageCount,
		&cost, &estimated, &cached, &r.LatencyMs, &r.StatusCode, &requestID, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	r.Operation = conduit.OperationType(op)
	r.ProviderID = providerID.String
	r.RequestID = requestID.String
	r.UsageEstimated = estimated != 0
	r.Cached = cached != 0
	if r.Cost, err = parseDecimal(cost); err != nil {
		return nil, err
	}
	if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
		r.CreatedAt = t
	}
	return &r, nil
}
