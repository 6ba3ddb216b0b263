package sqlite

import (
	"context"
	"database/sql"
	"time"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

const virtualKeyCols = `id, key_hash, key_prefix, name, group_id, allowed_models,
	expires_at, rpm_limit, rpd_limit, disabled, metadata, created_at`

// CreateKey inserts a new virtual key.
func (s *Store) CreateKey(ctx context.Context, key *conduit.VirtualKey) error {
	models, err := marshalJSON(key.AllowedModels)
	if err != nil {
		return err
	}
	meta, err := marshalJSON(key.Metadata)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO virtual_keys (id, key_hash, key_prefix, name, group_id, allowed_models,
		 expires_at, rpm_limit, rpd_limit, disabled, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.KeyHash, key.KeyPrefix, key.Name, key.GroupID, models,
		timeToStr(key.ExpiresAt), key.RPMLimit, key.RPDLimit,
		boolToInt(key.Disabled), meta, key.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetKeyByHash retrieves a virtual key by its SHA-256 hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*conduit.VirtualKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+virtualKeyCols+` FROM virtual_keys WHERE key_hash = ?`, hash,
	)
	return scanVirtualKey(row)
}

// GetVirtualKey retrieves a virtual key by ID.
func (s *Store) GetVirtualKey(ctx context.Context, id string) (*conduit.VirtualKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+virtualKeyCols+` FROM virtual_keys WHERE id = ?`, id,
	)
	return scanVirtualKey(row)
}

// ListVirtualKeys returns virtual keys ordered by creation time.
func (s *Store) ListVirtualKeys(ctx context.Context, offset, limit int) ([]*conduit.VirtualKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+virtualKeyCols+` FROM virtual_keys
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*conduit.VirtualKey
	for rows.Next() {
		k, err := scanVirtualKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateVirtualKey updates the mutable fields of an existing key. The hash,
// group binding, and creation time never change after issuance.
func (s *Store) UpdateVirtualKey(ctx context.Context, key *conduit.VirtualKey) error {
	models, err := marshalJSON(key.AllowedModels)
	if err != nil {
		return err
	}
	meta, err := marshalJSON(key.Metadata)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE virtual_keys SET name=?, allowed_models=?, expires_at=?,
		 rpm_limit=?, rpd_limit=?, disabled=?, metadata=? WHERE id=?`,
		key.Name, models, timeToStr(key.ExpiresAt),
		key.RPMLimit, key.RPDLimit, boolToInt(key.Disabled), meta, key.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "virtual key")
}

// DeleteKey removes a virtual key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM virtual_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "virtual key")
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE virtual_keys SET last_used_at=? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

func scanVirtualKey(s scanner) (*conduit.VirtualKey, error) {
	var k conduit.VirtualKey
	var modelsJSON, metaJSON sql.NullString
	var expiresAt, createdAt sql.NullString
	var rpm, rpd sql.NullInt64
	var disabled int

	err := s.Scan(
		&k.ID, &k.KeyHash, &k.KeyPrefix, &k.Name, &k.GroupID, &modelsJSON,
		&expiresAt, &rpm, &rpd, &disabled, &metaJSON, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Disabled = disabled != 0
	if rpm.Valid {
		k.RPMLimit = &rpm.Int64
	}
	if rpd.Valid {
		k.RPDLimit = &rpd.Int64
	}
	models, err := unmarshalStringSlice(modelsJSON)
	if err != nil {
		return nil, err
	}
	k.AllowedModels = models
	meta, err := unmarshalStringMap(metaJSON)
	if err != nil {
		return nil, err
	}
	k.Metadata = meta
	k.ExpiresAt = parseTime(expiresAt)
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}
