package main

import (
	"context"
	"net/http"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
	"github.com/knnlabs/Conduit-sub015/internal/cloudauth"
	"github.com/knnlabs/Conduit-sub015/internal/provider"
	"github.com/knnlabs/Conduit-sub015/internal/provider/anthropic"
	"github.com/knnlabs/Conduit-sub015/internal/provider/cohere"
	"github.com/knnlabs/Conduit-sub015/internal/provider/elevenlabs"
	"github.com/knnlabs/Conduit-sub015/internal/provider/huggingface"
	"github.com/knnlabs/Conduit-sub015/internal/provider/ollama"
	"github.com/knnlabs/Conduit-sub015/internal/provider/openai"
	"github.com/knnlabs/Conduit-sub015/internal/provider/replicate"
	"github.com/knnlabs/Conduit-sub015/internal/provider/ultravox"
	"github.com/knnlabs/Conduit-sub015/internal/provider/vertex"
)

// baseURL resolves the effective base URL for a (provider, key) pair;
// a key-scoped URL overrides the provider default.
func baseURL(cfg *conduit.ProviderConfig, key *conduit.ProviderKey) string {
	if key.BaseURL != "" {
		return key.BaseURL
	}
	return cfg.BaseURL
}

// providerBuilders maps every supported provider type tag to its adapter
// constructor. The http.Client handed to a builder already carries the
// key's API-key auth in its transport; Vertex swaps in a GCP OAuth
// transport instead.
func providerBuilders(ctx context.Context) map[string]provider.BuildFunc {
	compatible := func(typeTag string) provider.BuildFunc {
		return func(cfg *conduit.ProviderConfig, key *conduit.ProviderKey, client *http.Client) (conduit.Provider, error) {
			return openai.NewCompatible(cfg.Name, typeTag, baseURL(cfg, key), client), nil
		}
	}

	return map[string]provider.BuildFunc{
		conduit.ProviderOpenAI: func(cfg *conduit.ProviderConfig, key *conduit.ProviderKey, client *http.Client) (conduit.Provider, error) {
			return openai.New(cfg.Name, baseURL(cfg, key), client), nil
		},
		conduit.ProviderAzureOpenAI:      compatible(conduit.ProviderAzureOpenAI),
		conduit.ProviderGroq:             compatible(conduit.ProviderGroq),
		conduit.ProviderCerebras:         compatible(conduit.ProviderCerebras),
		conduit.ProviderSambaNova:        compatible(conduit.ProviderSambaNova),
		conduit.ProviderFireworks:        compatible(conduit.ProviderFireworks),
		conduit.ProviderMiniMax:          compatible(conduit.ProviderMiniMax),
		conduit.ProviderOpenAICompatible: compatible(conduit.ProviderOpenAICompatible),

		conduit.ProviderAnthropic: func(cfg *conduit.ProviderConfig, key *conduit.ProviderKey, client *http.Client) (conduit.Provider, error) {
			return anthropic.New(cfg.Name, baseURL(cfg, key), client), nil
		},
		conduit.ProviderCohere: func(cfg *conduit.ProviderConfig, key *conduit.ProviderKey, client *http.Client) (conduit.Provider, error) {
			return cohere.New(cfg.Name, baseURL(cfg, key), client), nil
		},
		conduit.ProviderOllama: func(cfg *conduit.ProviderConfig, key *conduit.ProviderKey, client *http.Client) (conduit.Provider, error) {
			return ollama.New(cfg.Name, baseURL(cfg, key), client), nil
		},
		conduit.ProviderReplicate: func(cfg *conduit.ProviderConfig, key *conduit.ProviderKey, client *http.Client) (conduit.Provider, error) {
			return replicate.New(cfg.Name, baseURL(cfg, key), client), nil
		},
		conduit.ProviderHuggingFace: func(cfg *conduit.ProviderConfig, key *conduit.ProviderKey, client *http.Client) (conduit.Provider, error) {
			return huggingface.New(cfg.Name, baseURL(cfg, key), client), nil
		},
		conduit.ProviderElevenLabs: func(cfg *conduit.ProviderConfig, key *conduit.ProviderKey, client *http.Client) (conduit.Provider, error) {
			return elevenlabs.New(cfg.Name, baseURL(cfg, key), client), nil
		},
		conduit.ProviderUltravox: func(cfg *conduit.ProviderConfig, key *conduit.ProviderKey, client *http.Client) (conduit.Provider, error) {
			return ultravox.New(cfg.Name, baseURL(cfg, key), client), nil
		},

		conduit.ProviderVertex: func(cfg *conduit.ProviderConfig, key *conduit.ProviderKey, client *http.Client) (conduit.Provider, error) {
			rt, err := cloudauth.NewGCPOAuthTransport(ctx, client.Transport,
				"https://www.googleapis.com/auth/cloud-platform")
			if err != nil {
				return nil, err
			}
			return vertex.New(cfg.Name, baseURL(cfg, key), &http.Client{Transport: rt})
		},
	}
}
