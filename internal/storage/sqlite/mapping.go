package sqlite

import (
	"context"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

const mappingCols = `id, alias, provider_id, provider_model_id, capabilities, priority, enabled`

// CreateMapping inserts a new model mapping.
func (s *Store) CreateMapping(ctx context.Context, m *conduit.ModelMapping) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO model_mappings (id, alias, provider_id, provider_model_id, capabilities, priority, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Alias, m.ProviderID, m.ProviderModelID, int64(m.Capabilities), m.Priority, boolToInt(m.Enabled),
	)
	return err
}

// GetMapping retrieves a mapping by ID.
func (s *Store) GetMapping(ctx context.Context, id string) (*conduit.ModelMapping, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+mappingCols+` FROM model_mappings WHERE id=?`, id,
	)
	return scanMapping(row)
}

// GetMappingsByAlias returns enabled mappings for an alias, highest
// priority first. This is the router's hot read.
func (s *Store) GetMappingsByAlias(ctx context.Context, alias string) ([]*conduit.ModelMapping, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+mappingCols+` FROM model_mappings
		 WHERE alias = ? AND enabled = 1 ORDER BY priority DESC, id`, alias,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMappings(rows)
}

// ListMappings returns all mappings.
func (s *Store) ListMappings(ctx context.Context) ([]*conduit.ModelMapping, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+mappingCols+` FROM model_mappings ORDER BY alias, priority DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMappings(rows)
}

// ListModelAliases returns the distinct enabled aliases, the public model
// list surface.
func (s *Store) ListModelAliases(ctx context.Context) ([]string, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT DISTINCT alias FROM model_mappings WHERE enabled = 1 ORDER BY alias`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aliases []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

// UpdateMapping updates an existing mapping.
func (s *Store) UpdateMapping(ctx context.Context, m *conduit.ModelMapping) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE model_mappings SET alias=?, provider_id=?, provider_model_id=?,
		 capabilities=?, priority=?, enabled=? WHERE id=?`,
		m.Alias, m.ProviderID, m.ProviderModelID, int64(m.Capabilities), m.Priority,
		boolToInt(m.Enabled), m.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "model mapping")
}

// DeleteMapping removes a mapping.
func (s *Store) DeleteMapping(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM model_mappings WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "model mapping")
}

func scanMapping(s scanner) (*conduit.ModelMapping, error) {
	var m conduit.ModelMapping
	var caps int64
	var enabled int

	err := s.Scan(&m.ID, &m.Alias, &m.ProviderID, &m.ProviderModelID, &caps, &m.Priority, &enabled)
	if err != nil {
		return nil, notFoundErr(err)
	}
	m.Capabilities = conduit.Capability(caps)
	m.Enabled = enabled != 0
	return &m, nil
}

func collectMappings(rows interface {
	scanner
	Next() bool
	Err() error
}) ([]*conduit.ModelMapping, error) {
	var mappings []*conduit.ModelMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}
