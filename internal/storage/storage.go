// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	"github.com/shopspring/decimal"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

// VirtualKeyStore manages virtual key persistence.
type VirtualKeyStore interface {
	CreateKey(ctx context.Context, key *conduit.VirtualKey) error
	GetKeyByHash(ctx context.Context, hash string) (*conduit.VirtualKey, error)
	GetVirtualKey(ctx context.Context, id string) (*conduit.VirtualKey, error)
	ListVirtualKeys(ctx context.Context, offset, limit int) ([]*conduit.VirtualKey, error)
	UpdateVirtualKey(ctx context.Context, key *conduit.VirtualKey) error
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
}

// GroupStore manages billing group persistence. Debit and AddCredits
// maintain the balance = credits - spent invariant.
type GroupStore interface {
	CreateGroup(ctx context.Context, g *conduit.VirtualKeyGroup) error
	GetGroup(ctx context.Context, id string) (*conduit.VirtualKeyGroup, error)
	AddCredits(ctx context.Context, groupID string, amount decimal.Decimal) error
	Debit(ctx context.Context, groupID string, amount decimal.Decimal) error
}

// ProviderStore manages provider configuration and credential persistence.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *conduit.ProviderConfig) error
	GetProvider(ctx context.Context, id string) (*conduit.ProviderConfig, error)
	ListProviders(ctx context.Context) ([]*conduit.ProviderConfig, error)
	UpdateProvider(ctx context.Context, p *conduit.ProviderConfig) error
	DeleteProvider(ctx context.Context, id string) error
	CreateProviderKey(ctx context.Context, k *conduit.ProviderKey) error
	GetKeysForProvider(ctx context.Context, providerID string) ([]*conduit.ProviderKey, error)
	DeleteProviderKey(ctx context.Context, id string) error
}

// MappingStore manages model mapping persistence.
type MappingStore interface {
	CreateMapping(ctx context.Context, m *conduit.ModelMapping) error
	GetMapping(ctx context.Context, id string) (*conduit.ModelMapping, error)
	GetMappingsByAlias(ctx context.Context, alias string) ([]*conduit.ModelMapping, error)
	ListMappings(ctx context.Context) ([]*conduit.ModelMapping, error)
	ListModelAliases(ctx context.Context) ([]string, error)
	UpdateMapping(ctx context.Context, m *conduit.ModelMapping) error
	DeleteMapping(ctx context.Context, id string) error
}

// CostStore manages pricing rule persistence.
type CostStore interface {
	CreateCost(ctx context.Context, c *conduit.ModelCost) error
	GetCostForMapping(ctx context.Context, mappingID string) (*conduit.ModelCost, error)
	ListCosts(ctx context.Context) ([]*conduit.ModelCost, error)
	DeleteCost(ctx context.Context, id string) error
}

// UsageStore manages usage record persistence.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []conduit.UsageRecord) error
	QueryUsage(ctx context.Context, f conduit.UsageFilter) ([]*conduit.UsageRecord, error)
	CountUsage(ctx context.Context, f conduit.UsageFilter) (int, error)
}

// ModelInfoStore manages model metadata and per-provider defaults.
type ModelInfoStore interface {
	GetModelInfo(ctx context.Context, alias string) (*conduit.ModelInfo, error)
	UpsertModelInfo(ctx context.Context, info *conduit.ModelInfo) error
	GetDefaultModel(ctx context.Context, providerType, kind string) (string, error)
	SetDefaultModel(ctx context.Context, providerType, kind, alias string) error
}

// Store combines all storage interfaces.
type Store interface {
	VirtualKeyStore
	GroupStore
	ProviderStore
	MappingStore
	CostStore
	UsageStore
	ModelInfoStore
	Close() error
}
