// Package server implements the HTTP transport layer for the Conduit gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
	"github.com/knnlabs/Conduit-sub015/internal/app"
	"github.com/knnlabs/Conduit-sub015/internal/provider"
	"github.com/knnlabs/Conduit-sub015/internal/ratelimit"
	"github.com/knnlabs/Conduit-sub015/internal/router"
	"github.com/knnlabs/Conduit-sub015/internal/telemetry"
)

// Gateway is the operation surface the handlers call into. Implemented by
// *app.Pipeline.
type Gateway interface {
	Chat(ctx context.Context, key *conduit.VirtualKey, req *conduit.ChatRequest) (*conduit.ChatResponse, error)
	ChatStream(ctx context.Context, key *conduit.VirtualKey, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error)
	Embeddings(ctx context.Context, key *conduit.VirtualKey, req *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error)
	GenerateImage(ctx context.Context, key *conduit.VirtualKey, req *conduit.ImageRequest) (*conduit.ImageResponse, error)
	Transcribe(ctx context.Context, key *conduit.VirtualKey, req *conduit.TranscriptionRequest) (*conduit.TranscriptionResponse, error)
	Speech(ctx context.Context, key *conduit.VirtualKey, req *conduit.SpeechRequest) (*conduit.SpeechResponse, error)
	StreamSpeech(ctx context.Context, key *conduit.VirtualKey, req *conduit.SpeechRequest) (<-chan conduit.AudioChunk, error)
	Realtime(ctx context.Context, key *conduit.VirtualKey, cfg *conduit.RealtimeConfig) (conduit.RealtimeSession, error)
}

// ModelLister enumerates the logical model aliases exposed to callers.
type ModelLister interface {
	ListModelAliases(ctx context.Context) ([]string, error)
}

// NativeResolver routes a model alias to provider candidates for native
// passthrough. Implemented by *router.Router.
type NativeResolver interface {
	Resolve(ctx context.Context, alias string, required conduit.Capability, exclude map[string]bool) ([]router.Candidate, error)
}

// HealthReporter feeds the readiness probe.
type HealthReporter interface {
	Status() telemetry.HealthStatus
}

// KeyInvalidator evicts an auth-cache entry after a key mutation.
// Implemented by *vkey.Authenticator.
type KeyInvalidator interface {
	InvalidateByKeyID(keyID string)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           conduit.Authenticator
	Gateway        Gateway
	Keys           *app.KeyManager     // nil = key admin routes not mounted
	Store          AdminStore          // nil = admin routes not mounted
	Models         ModelLister         // nil = /v1/models returns empty list
	Providers      *provider.Registry  // needed for NativeProxy type assertion
	Routes         NativeResolver      // needed for native passthrough routing
	Limits         *ratelimit.Registry // nil = no rate limiting
	Health         HealthReporter      // nil = always ready
	Metrics        *telemetry.Metrics  // nil = no HTTP metrics
	Gatherer       prometheus.Gatherer // nil = /metrics not mounted
	AdminKey       string              // X-API-Key for /admin routes; empty = admin disabled
	KeyInvalidator KeyInvalidator      // nil = no auth-cache invalidation
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(s.activeRequests)
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Client-facing API (auth required) -- universal OpenAI-format
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Post("/v1/embeddings", s.handleEmbeddings)
		r.Post("/v1/images/generations", s.handleImageGeneration)
		r.Post("/v1/audio/transcriptions", s.handleTranscription)
		r.Post("/v1/audio/speech", s.handleSpeech)
		r.Get("/v1/models", s.handleListModels)
		r.Get("/v1/realtime", s.handleRealtime)
	})

	// Native API passthrough routes (per-provider auth normalization)
	s.mountNativeRoutes(r)

	// Admin API (X-API-Key auth)
	if deps.AdminKey != "" && deps.Store != nil {
		s.mountAdminRoutes(r)
	}

	return r
}

type server struct {
	deps Deps
}
