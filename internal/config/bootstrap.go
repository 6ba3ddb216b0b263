package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
	"github.com/knnlabs/Conduit-sub015/internal/storage"
)

// Bootstrap seeds the database from the config file. It is idempotent:
// entities that already exist are left untouched, so restarts never
// duplicate or reset anything.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	if err := seedGroups(ctx, cfg, store); err != nil {
		return err
	}
	if err := seedProviders(ctx, cfg, store); err != nil {
		return err
	}
	mappingIDs, err := seedMappings(ctx, cfg, store)
	if err != nil {
		return err
	}
	if err := seedCosts(ctx, cfg, store, mappingIDs); err != nil {
		return err
	}
	if err := seedKeys(ctx, cfg, store); err != nil {
		return err
	}
	return seedModels(ctx, cfg, store)
}

func seedGroups(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, g := range cfg.Groups {
		id := g.ID
		if id == "" {
			id = g.Name
		}
		if id == "" {
			return errors.New("group entry needs an id or name")
		}
		if existing, _ := store.GetGroup(ctx, id); existing != nil {
			continue
		}
		group := &conduit.VirtualKeyGroup{
			ID:              id,
			Name:            g.Name,
			ExternalGroupID: g.ExternalGroupID,
			CreatedAt:       time.Now().UTC(),
		}
		if err := store.CreateGroup(ctx, group); err != nil {
			return fmt.Errorf("group %q: %w", id, err)
		}
		if g.Credits != "" {
			amount, err := decimal.NewFromString(g.Credits)
			if err != nil {
				return fmt.Errorf("group %q credits: %w", id, err)
			}
			if amount.IsPositive() {
				if err := store.AddCredits(ctx, id, amount); err != nil {
					return fmt.Errorf("group %q credits: %w", id, err)
				}
			}
		}
		slog.Info("bootstrapped group", "id", id)
	}
	return nil
}

func seedProviders(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, p := range cfg.Providers {
		id := p.ResolvedID()
		if existing, _ := store.GetProvider(ctx, id); existing != nil {
			continue
		}
		pc := &conduit.ProviderConfig{
			ID:      id,
			Name:    p.Name,
			Type:    p.ResolvedType(),
			BaseURL: p.BaseURL,
			Enabled: p.IsEnabled(),
		}
		if err := store.CreateProvider(ctx, pc); err != nil {
			return fmt.Errorf("provider %q: %w", id, err)
		}
		for i, k := range p.Keys {
			pk := &conduit.ProviderKey{
				ID:           uuid.Must(uuid.NewV7()).String(),
				ProviderID:   id,
				APIKey:       k.APIKey,
				BaseURL:      k.BaseURL,
				Organization: k.Organization,
				AccountGroup: k.AccountGroup,
				Primary:      i == 0,
				Enabled:      true,
			}
			if k.Primary != nil {
				pk.Primary = *k.Primary
			}
			if err := store.CreateProviderKey(ctx, pk); err != nil {
				return fmt.Errorf("provider %q key: %w", id, err)
			}
		}
		slog.Info("bootstrapped provider", "id", id, "type", pc.Type)
	}
	return nil
}

// seedMappings returns the alias to mapping ID index for cost binding,
// covering both freshly created and pre-existing mappings.
func seedMappings(ctx context.Context, cfg *Config, store storage.Store) (map[string]string, error) {
	// Index existing mappings up front; GetMappingsByAlias hides disabled
	// rows and would re-create them on every restart.
	existing, err := store.ListMappings(ctx)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	ids := make(map[string]string)
	byTarget := make(map[string]bool)
	for _, e := range existing {
		if _, ok := ids[e.Alias]; !ok {
			ids[e.Alias] = e.ID
		}
		byTarget[e.Alias+"\x00"+e.ProviderID+"\x00"+e.ProviderModelID] = true
	}

	for _, m := range cfg.Mappings {
		if byTarget[m.Alias+"\x00"+m.Provider+"\x00"+m.Model] {
			continue
		}

		caps, err := ParseCapabilities(m.Capabilities)
		if err != nil {
			return nil, fmt.Errorf("mapping %q: %w", m.Alias, err)
		}
		mapping := &conduit.ModelMapping{
			ID:              uuid.Must(uuid.NewV7()).String(),
			Alias:           m.Alias,
			ProviderID:      m.Provider,
			ProviderModelID: m.Model,
			Capabilities:    caps,
			Priority:        m.Priority,
			Enabled:         m.IsEnabled(),
		}
		if err := store.CreateMapping(ctx, mapping); err != nil {
			return nil, fmt.Errorf("mapping %q: %w", m.Alias, err)
		}
		if _, ok := ids[m.Alias]; !ok {
			ids[m.Alias] = mapping.ID
		}
		slog.Info("bootstrapped mapping", "alias", m.Alias, "provider", m.Provider)
	}
	return ids, nil
}

func seedCosts(ctx context.Context, cfg *Config, store storage.Store, mappingIDs map[string]string) error {
	for _, c := range cfg.Costs {
		mappingID, ok := mappingIDs[c.Alias]
		if !ok {
			mappings, err := store.GetMappingsByAlias(ctx, c.Alias)
			if err != nil || len(mappings) == 0 {
				return fmt.Errorf("cost for %q: no mapping with that alias", c.Alias)
			}
			mappingID = mappings[0].ID
		}
		if existing, _ := store.GetCostForMapping(ctx, mappingID); existing != nil {
			continue
		}

		cost := &conduit.ModelCost{
			ID:           uuid.Must(uuid.NewV7()).String(),
			Name:         c.Name,
			MappingID:    mappingID,
			PricingModel: c.PricingModel,
			Priority:     c.Priority,
		}
		if cost.PricingModel == "" {
			cost.PricingModel = conduit.PricingStandard
		}
		var err error
		if cost.InputPerMillion, err = parseRate(c.InputPerMillion); err != nil {
			return fmt.Errorf("cost for %q: %w", c.Alias, err)
		}
		if cost.OutputPerMillion, err = parseRate(c.OutputPerMillion); err != nil {
			return fmt.Errorf("cost for %q: %w", c.Alias, err)
		}
		if cost.PerSecond, err = parseRate(c.PerSecond); err != nil {
			return fmt.Errorf("cost for %q: %w", c.Alias, err)
		}
		if cost.PerCharacter, err = parseRate(c.PerCharacter); err != nil {
			return fmt.Errorf("cost for %q: %w", c.Alias, err)
		}
		if cost.PerImage, err = parseRate(c.PerImage); err != nil {
			return fmt.Errorf("cost for %q: %w", c.Alias, err)
		}
		if err := store.CreateCost(ctx, cost); err != nil {
			return fmt.Errorf("cost for %q: %w", c.Alias, err)
		}
		slog.Info("bootstrapped cost", "alias", c.Alias)
	}
	return nil
}

func parseRate(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

func seedKeys(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, k := range cfg.Keys {
		if k.Key == "" {
			continue // unexpanded ${VAR} placeholders end up empty in CI
		}
		if k.Group == "" {
			return fmt.Errorf("key %q: group is required", k.Name)
		}
		hash := conduit.HashKey(k.Key)
		if existing, _ := store.GetKeyByHash(ctx, hash); existing != nil {
			continue
		}

		prefix := k.Key
		if len(prefix) > 10 {
			prefix = prefix[:10]
		}
		key := &conduit.VirtualKey{
			ID:            uuid.Must(uuid.NewV7()).String(),
			KeyHash:       hash,
			KeyPrefix:     prefix,
			Name:          k.Name,
			GroupID:       k.Group,
			AllowedModels: k.AllowedModels,
			RPMLimit:      k.RPMLimit,
			RPDLimit:      k.RPDLimit,
			CreatedAt:     time.Now().UTC(),
		}
		if err := store.CreateKey(ctx, key); err != nil {
			return fmt.Errorf("key %q: %w", k.Name, err)
		}
		slog.Info("bootstrapped virtual key", "name", k.Name, "prefix", prefix)
	}
	return nil
}

func seedModels(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, m := range cfg.Models {
		info := &conduit.ModelInfo{
			Alias:              m.Alias,
			ContextWindow:      m.ContextWindow,
			MaxOutputTokens:    m.MaxOutputTokens,
			SupportsChat:       m.Chat,
			SupportsVision:     m.Vision,
			SupportsTools:      m.Tools,
			SupportsStreaming:  m.Streaming,
			SupportsTranscribe: m.Transcribe,
			SupportsTTS:        m.TTS,
			SupportsRealtime:   m.Realtime,
			Formats:            m.Formats,
			Languages:          m.Languages,
		}
		if err := store.UpsertModelInfo(ctx, info); err != nil {
			return fmt.Errorf("model %q: %w", m.Alias, err)
		}
	}
	for _, d := range cfg.Defaults {
		if err := store.SetDefaultModel(ctx, d.ProviderType, d.Kind, d.Alias); err != nil {
			return fmt.Errorf("default %s/%s: %w", d.ProviderType, d.Kind, err)
		}
	}
	return nil
}
