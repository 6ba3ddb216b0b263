// Package provider builds and caches upstream adapter instances and holds
// the shared HTTP plumbing they use (transport factory, error
// classification, native passthrough, speech stream simulation).
package provider

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/dnscache"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
	"github.com/knnlabs/Conduit-sub015/internal/cloudauth"
)

// BuildFunc constructs an adapter for one (provider config, key) pair.
// The http.Client already carries the key's auth in its transport chain.
type BuildFunc func(cfg *conduit.ProviderConfig, key *conduit.ProviderKey, client *http.Client) (conduit.Provider, error)

// Registry builds provider adapters on demand and caches them per
// (provider, key) so key rotation yields a fresh instance. It is safe for
// concurrent use.
type Registry struct {
	resolver *dnscache.Resolver
	builders map[string]BuildFunc // provider type tag -> builder

	mu        sync.RWMutex
	instances map[string]conduit.Provider // providerID+"\x00"+keyID
}

// NewRegistry returns a Registry with the given per-type builders.
// resolver may be nil to dial without DNS caching.
func NewRegistry(resolver *dnscache.Resolver, builders map[string]BuildFunc) *Registry {
	return &Registry{
		resolver:  resolver,
		builders:  builders,
		instances: make(map[string]conduit.Provider),
	}
}

// Get returns the adapter for a (provider, key) pair, building it on first
// use. An unknown provider type is a configuration error.
func (r *Registry) Get(cfg *conduit.ProviderConfig, key *conduit.ProviderKey) (conduit.Provider, error) {
	id := cfg.ID + "\x00" + key.ID
	r.mu.RLock()
	p, ok := r.instances[id]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	build, ok := r.builders[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("provider type %q: %w", cfg.Type, conduit.ErrConfiguration)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.instances[id]; ok {
		return p, nil
	}

	p, err := build(cfg, key, r.httpClient(cfg, key))
	if err != nil {
		return nil, fmt.Errorf("build provider %q: %w", cfg.Name, err)
	}
	r.instances[id] = p
	return p, nil
}

// Evict drops cached instances for a provider. Called after key rotation
// or provider reconfiguration.
func (r *Registry) Evict(providerID string) {
	r.mu.Lock()
	for id := range r.instances {
		if len(id) > len(providerID) && id[:len(providerID)] == providerID && id[len(providerID)] == '\x00' {
			delete(r.instances, id)
		}
	}
	r.mu.Unlock()
}

// httpClient assembles the client for one key: pooled transport with DNS
// caching, wrapped in the auth decorator the provider type expects.
func (r *Registry) httpClient(cfg *conduit.ProviderConfig, key *conduit.ProviderKey) *http.Client {
	// Ollama is typically a local HTTP/1.1 server; everything else is
	// remote HTTPS.
	base := NewTransport(r.resolver, cfg.Type != conduit.ProviderOllama)

	var rt http.RoundTripper = base
	if key.APIKey != "" {
		header, prefix := authHeader(cfg.Type)
		rt = &cloudauth.APIKeyTransport{Key: key.APIKey, HeaderName: header, Prefix: prefix, Base: base}
	}
	return &http.Client{Transport: rt}
}

// authHeader returns the credential header shape for a provider type.
func authHeader(providerType string) (header, prefix string) {
	switch providerType {
	case conduit.ProviderAnthropic:
		return "x-api-key", ""
	case conduit.ProviderAzureOpenAI:
		return "api-key", ""
	case conduit.ProviderElevenLabs:
		return "xi-api-key", ""
	case conduit.ProviderUltravox:
		return "X-API-Key", ""
	default:
		return "Authorization", "Bearer "
	}
}
