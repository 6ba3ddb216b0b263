package conduit

import (
	"time"

	"github.com/shopspring/decimal"
)

// --- Capability flags ---

// Capability is a bitmask of features a model mapping can serve.
type Capability uint32

const (
	CapChat Capability = 1 << iota
	CapVision
	CapStreaming
	CapFunctionCalling
	CapAudio
)

// Satisfies reports whether the mapping capabilities cover all required bits.
func (c Capability) Satisfies(required Capability) bool { return c&required == required }

// --- Provider configuration ---

// Known provider type tags.
const (
	ProviderOpenAI           = "openai"
	ProviderAzureOpenAI      = "azure-openai"
	ProviderAnthropic        = "anthropic"
	ProviderCohere           = "cohere"
	ProviderGroq             = "groq"
	ProviderCerebras         = "cerebras"
	ProviderSambaNova        = "sambanova"
	ProviderFireworks        = "fireworks"
	ProviderReplicate        = "replicate"
	ProviderHuggingFace      = "huggingface"
	ProviderOllama           = "ollama"
	ProviderVertex           = "vertex"
	ProviderOpenAICompatible = "openai-compatible"
	ProviderMiniMax          = "minimax"
	ProviderUltravox         = "ultravox"
	ProviderElevenLabs       = "elevenlabs"
)

// ProviderConfig represents a configured upstream LLM provider.
// Immutable within a request.
type ProviderConfig struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"` // one of the Provider* tags
	BaseURL string `json:"base_url,omitempty"`
	Enabled bool   `json:"enabled"`
}

// ProviderKey is a credential bound to a provider. Exactly one primary
// enabled key exists per provider; non-primary keys that fail auth are
// skipped, not erased.
type ProviderKey struct {
	ID           string `json:"id"`
	ProviderID   string `json:"provider_id"`
	APIKey       string `json:"-"` // secret, never serialized
	BaseURL      string `json:"base_url,omitempty"` // key-scoped override
	Organization string `json:"organization,omitempty"`
	Primary      bool   `json:"primary"`
	Enabled      bool   `json:"enabled"`
	AccountGroup string `json:"account_group,omitempty"` // rotation tag
}

// --- Model routing ---

// ModelMapping translates a logical model alias to a concrete
// (provider, provider model id) pair. Alias is unique per tenant.
type ModelMapping struct {
	ID              string     `json:"id"`
	Alias           string     `json:"alias"`
	ProviderID      string     `json:"provider_id"`
	ProviderModelID string     `json:"provider_model_id"`
	Capabilities    Capability `json:"capabilities"`
	Priority        int        `json:"priority"` // higher wins
	Enabled         bool       `json:"enabled"`
}

// Pricing models for ModelCost.
const (
	PricingStandard     = "standard"
	PricingTiered       = "tiered"
	PricingPerSecond    = "per-second"
	PricingPerCharacter = "per-character"
	PricingPerImage     = "per-image"
)

// ModelCost is a pricing rule attached to one or more mappings.
// Rates are decimals with at least 6 fractional digits; rounding is
// deferred to the final debit.
type ModelCost struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	MappingID        string          `json:"mapping_id"`
	PricingModel     string          `json:"pricing_model"`
	InputPerMillion  decimal.Decimal `json:"input_cost_per_million"`
	OutputPerMillion decimal.Decimal `json:"output_cost_per_million"`
	PerSecond        decimal.Decimal `json:"cost_per_second,omitempty"`
	PerCharacter     decimal.Decimal `json:"cost_per_character,omitempty"`
	PerImage         decimal.Decimal `json:"cost_per_image,omitempty"`
	Priority         int             `json:"priority"`
}

// --- Virtual keys and groups ---

// VirtualKeyGroup is the billing aggregate. Invariant at rest:
// balance = lifetime credits added - lifetime spent. All debits are
// single-writer-serialized per group.
type VirtualKeyGroup struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Balance         decimal.Decimal `json:"balance"`
	LifetimeCredits decimal.Decimal `json:"lifetime_credits_added"`
	LifetimeSpent   decimal.Decimal `json:"lifetime_spent"`
	ExternalGroupID string          `json:"external_group_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// VirtualKey is an API token issued to a caller. A key outside its group
// is invalid even if the token matches.
type VirtualKey struct {
	ID            string            `json:"id"`
	KeyHash       string            `json:"-"` // SHA-256 hex, never exposed
	KeyPrefix     string            `json:"key_prefix"` // first 10 chars for display
	Name          string            `json:"name"`
	GroupID       string            `json:"group_id"`
	AllowedModels []string          `json:"allowed_models,omitempty"` // glob patterns, empty = allow all
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
	RPMLimit      *int64            `json:"rpm_limit,omitempty"`
	RPDLimit      *int64            `json:"rpd_limit,omitempty"`
	Disabled      bool              `json:"disabled"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// --- Usage ---

// UsageRecord represents a single metered API usage event.
type UsageRecord struct {
	ID               string          `json:"id"`
	VirtualKeyID     string          `json:"virtual_key_id"`
	GroupID          string          `json:"group_id"`
	Operation        OperationType   `json:"operation"`
	ModelAlias       string          `json:"model_alias"`
	ProviderID       string          `json:"provider_id"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	TotalTokens      int             `json:"total_tokens"`
	AudioSeconds     float64         `json:"audio_seconds,omitempty"`
	CharacterCount   int             `json:"character_count,omitempty"`
	ImageCount       int             `json:"image_count,omitempty"`
	Cost             decimal.Decimal `json:"cost"`
	UsageEstimated   bool            `json:"usage_estimated,omitempty"`
	Cached           bool            `json:"cached"`
	LatencyMs        int             `json:"latency_ms"`
	StatusCode       int             `json:"status_code"`
	RequestID        string          `json:"request_id"`
	CreatedAt        time.Time       `json:"created_at"`
}

// UsageFilter selects usage records for admin queries. Zero-valued
// fields do not filter.
type UsageFilter struct {
	VirtualKeyID string
	GroupID      string
	ModelAlias   string
	Since        time.Time
	Until        time.Time
	Offset       int
	Limit        int
}

// --- Model metadata (capability service source) ---

// ModelInfo is the persisted metadata for a logical model.
type ModelInfo struct {
	Alias              string   `json:"alias"`
	ContextWindow      int      `json:"context_window"`
	MaxOutputTokens    int      `json:"max_output_tokens,omitempty"`
	SupportsChat       bool     `json:"supports_chat"`
	SupportsVision     bool     `json:"supports_vision"`
	SupportsTools      bool     `json:"supports_tools"`
	SupportsStreaming  bool     `json:"supports_streaming"`
	SupportsTranscribe bool     `json:"supports_audio_transcription"`
	SupportsTTS        bool     `json:"supports_text_to_speech"`
	SupportsRealtime   bool     `json:"supports_realtime_audio"`
	Formats            []string `json:"formats,omitempty"`
	Languages          []string `json:"languages,omitempty"`
}

// Default-model kinds resolvable per provider.
const (
	DefaultKindChat          = "chat"
	DefaultKindTranscription = "transcription"
	DefaultKindTTS           = "tts"
	DefaultKindRealtime      = "realtime"
)
