package sqlite

import (
	"context"
	"database/sql"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

// CreateProvider inserts a new provider configuration.
func (s *Store) CreateProvider(ctx context.Context, p *conduit.ProviderConfig) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO providers (id, name, type, base_url, enabled) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Type, nullStr(p.BaseURL), boolToInt(p.Enabled),
	)
	return err
}

// GetProvider retrieves a provider by ID.
func (s *Store) GetProvider(ctx context.Context, id string) (*conduit.ProviderConfig, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, type, base_url, enabled FROM providers WHERE id=?`, id,
	)
	return scanProvider(row)
}

// ListProviders returns all provider configurations.
func (s *Store) ListProviders(ctx context.Context) ([]*conduit.ProviderConfig, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, type, base_url, enabled FROM providers ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []*conduit.ProviderConfig
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// UpdateProvider updates a provider configuration.
func (s *Store) UpdateProvider(ctx context.Context, p *conduit.ProviderConfig) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE providers SET name=?, type=?, base_url=?, enabled=? WHERE id=?`,
		p.Name, p.Type, nullStr(p.BaseURL), boolToInt(p.Enabled), p.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

// DeleteProvider removes a provider configuration. Keys and mappings
// cascade through foreign keys.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM providers WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

func scanProvider(s scanner) (*conduit.ProviderConfig, error) {
	var p conduit.ProviderConfig
	var baseURL sql.NullString
	var enabled int

	err := s.Scan(&p.ID, &p.Name, &p.Type, &baseURL, &enabled)
	if err != nil {
		return nil, notFoundErr(err)
	}
	p.BaseURL = baseURL.String
	p.Enabled = enabled != 0
	return &p, nil
}

// --- Provider keys ---

// CreateProviderKey inserts a credential for a provider.
func (s *Store) CreateProviderKey(ctx context.Context, k *conduit.ProviderKey) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO provider_keys (id, provider_id, api_key, base_url, organization, is_primary, enabled, account_group)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.ProviderID, k.APIKey, nullStr(k.BaseURL), nullStr(k.Organization),
		boolToInt(k.Primary), boolToInt(k.Enabled), nullStr(k.AccountGroup),
	)
	return err
}

// GetKeysForProvider returns the enabled credentials for a provider,
// primary first so routing prefers it.
func (s *Store) GetKeysForProvider(ctx context.Context, providerID string) ([]*conduit.ProviderKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, provider_id, api_key, base_url, organization, is_primary, enabled, account_group
		 FROM provider_keys WHERE provider_id = ? AND enabled = 1
		 ORDER BY is_primary DESC, id`, providerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*conduit.ProviderKey
	for rows.Next() {
		var k conduit.ProviderKey
		var baseURL, org, accountGroup sql.NullString
		var primary, enabled int
		err := rows.Scan(&k.ID, &k.ProviderID, &k.APIKey, &baseURL, &org, &primary, &enabled, &accountGroup)
		if err != nil {
			return nil, err
		}
		k.BaseURL = baseURL.String
		k.Organization = org.String
		k.AccountGroup = accountGroup.String
		k.Primary = primary != 0
		k.Enabled = enabled != 0
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// DeleteProviderKey removes a credential.
func (s *Store) DeleteProviderKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM provider_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider key")
}
