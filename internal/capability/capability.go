// Package capability answers model feature questions (vision, tools,
// transcription, realtime) from persisted model metadata, cached through
// the ModelCapabilities region.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
	"github.com/knnlabs/Conduit-sub015/internal/cache"
)

// cacheTTL is how long a resolved ModelInfo stays cached. Admin updates
// invalidate eagerly; the TTL is the backstop.
const cacheTTL = 15 * time.Minute

// Store is the persistence surface the service reads from.
type Store interface {
	GetModelInfo(ctx context.Context, alias string) (*conduit.ModelInfo, error)
	GetDefaultModel(ctx context.Context, providerType, kind string) (string, error)
}

// Service resolves model capabilities with read-through caching. It is the
// single source of truth for feature support; nothing else hard-codes
// model names.
type Service struct {
	store Store
	cache *cache.Manager
}

func NewService(store Store, c *cache.Manager) *Service {
	return &Service{store: store, cache: c}
}

// info loads a model's metadata through the cache. Concurrent lookups for
// the same alias coalesce into one store read.
func (s *Service) info(ctx context.Context, alias string) (*conduit.ModelInfo, error) {
	raw, err := s.cache.GetOrLoad(ctx, cache.RegionModelCapabilities, "info:"+alias,
		func(ctx context.Context) ([]byte, error) {
			mi, err := s.store.GetModelInfo(ctx, alias)
			if errors.Is(err, conduit.ErrNotFound) {
				// A model the store has never heard of has no capabilities.
				return nil, fmt.Errorf("model %q: %w", alias, conduit.ErrUnknownCapability)
			}
			if err != nil {
				return nil, err
			}
			return json.Marshal(mi)
		})
	if err != nil {
		return nil, err
	}
	var mi conduit.ModelInfo
	if err := json.Unmarshal(raw, &mi); err != nil {
		return nil, fmt.Errorf("capability: decode cached info for %q: %w", alias, err)
	}
	return &mi, nil
}

// Invalidate drops a model's cached metadata on all instances. Called by
// the admin surface after a metadata update.
func (s *Service) Invalidate(ctx context.Context, alias string) {
	s.cache.Invalidate(ctx, cache.RegionModelCapabilities, "info:"+alias)
}

func (s *Service) SupportsChat(ctx context.Context, alias string) (bool, error) {
	mi, err := s.info(ctx, alias)
	if err != nil {
		return false, err
	}
	return mi.SupportsChat, nil
}

func (s *Service) SupportsVision(ctx context.Context, alias string) (bool, error) {
	mi, err := s.info(ctx, alias)
	if err != nil {
		return false, err
	}
	return mi.SupportsVision, nil
}

func (s *Service) SupportsTools(ctx context.Context, alias string) (bool, error) {
	mi, err := s.info(ctx, alias)
	if err != nil {
		return false, err
	}
	return mi.SupportsTools, nil
}

func (s *Service) SupportsStreaming(ctx context.Context, alias string) (bool, error) {
	mi, err := s.info(ctx, alias)
	if err != nil {
		return false, err
	}
	return mi.SupportsStreaming, nil
}

func (s *Service) SupportsAudioTranscription(ctx context.Context, alias string) (bool, error) {
	mi, err := s.info(ctx, alias)
	if err != nil {
		return false, err
	}
	return mi.SupportsTranscribe, nil
}

func (s *Service) SupportsTextToSpeech(ctx context.Context, alias string) (bool, error) {
	mi, err := s.info(ctx, alias)
	if err != nil {
		return false, err
	}
	return mi.SupportsTTS, nil
}

func (s *Service) SupportsRealtimeAudio(ctx context.Context, alias string) (bool, error) {
	mi, err := s.info(ctx, alias)
	if err != nil {
		return false, err
	}
	return mi.SupportsRealtime, nil
}

// SupportedFormats returns the audio formats a transcription or speech
// model accepts.
func (s *Service) SupportedFormats(ctx context.Context, alias string) ([]string, error) {
	mi, err := s.info(ctx, alias)
	if err != nil {
		return nil, err
	}
	return mi.Formats, nil
}

// SupportedLanguages returns the languages a model is declared to handle.
func (s *Service) SupportedLanguages(ctx context.Context, alias string) ([]string, error) {
	mi, err := s.info(ctx, alias)
	if err != nil {
		return nil, err
	}
	return mi.Languages, nil
}

// ContextWindow returns the model's context window in tokens, and its
// max output tokens if declared (0 otherwise).
func (s *Service) ContextWindow(ctx context.Context, alias string) (window, maxOutput int, err error) {
	mi, err := s.info(ctx, alias)
	if err != nil {
		return 0, 0, err
	}
	return mi.ContextWindow, mi.MaxOutputTokens, nil
}

// DefaultModel resolves the configured default model for a provider type
// and operation kind (chat, transcription, tts, realtime). There are no
// built-in fallbacks: an unconfigured default is an error the caller
// surfaces.
func (s *Service) DefaultModel(ctx context.Context, providerType, kind string) (string, error) {
	raw, err := s.cache.GetOrLoad(ctx, cache.RegionModelCapabilities, "default:"+providerType+":"+kind,
		func(ctx context.Context) ([]byte, error) {
			model, err := s.store.GetDefaultModel(ctx, providerType, kind)
			if err != nil {
				return nil, err
			}
			return []byte(model), nil
		})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
