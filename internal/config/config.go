// Package config handles YAML configuration loading with environment
// variable expansion, plus first-run database seeding.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Admin     AdminConfig     `yaml:"admin"`
	Cache     CacheConfig     `yaml:"cache"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Providers []ProviderEntry `yaml:"providers"`
	Mappings  []MappingEntry  `yaml:"mappings"`
	Costs     []CostEntry     `yaml:"costs"`
	Groups    []GroupEntry    `yaml:"groups"`
	Keys      []KeyEntry      `yaml:"keys"`
	Models    []ModelEntry    `yaml:"models"`
	Defaults  []DefaultEntry  `yaml:"default_models"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// RedisConfig holds the distributed cache tier settings. An empty URL
// runs the gateway in memory-only degraded mode.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// AdminConfig holds the admin API settings. An empty key disables the
// admin surface entirely.
type AdminConfig struct {
	Key string `yaml:"key"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxSize    int           `yaml:"max_size"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ProviderEntry is a provider definition in the config file.
type ProviderEntry struct {
	ID      string             `yaml:"id"` // defaults to Name
	Name    string             `yaml:"name"`
	Type    string             `yaml:"type"` // one of the conduit.Provider* tags
	BaseURL string             `yaml:"base_url"`
	Enabled *bool              `yaml:"enabled"`
	Keys    []ProviderKeyEntry `yaml:"keys"`
	Region  string             `yaml:"region"`  // GCP region for Vertex AI
	Project string             `yaml:"project"` // GCP project ID for Vertex AI
}

// ProviderKeyEntry is a credential seed for a provider.
type ProviderKeyEntry struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"` // key-scoped override
	Organization string `yaml:"organization"`
	AccountGroup string `yaml:"account_group"`
	Primary      *bool  `yaml:"primary"` // defaults to true for the first key
}

// ResolvedID returns ID if set, otherwise Name.
func (p ProviderEntry) ResolvedID() string {
	if p.ID != "" {
		return p.ID
	}
	return p.Name
}

// ResolvedType returns Type if set, otherwise falls back to Name.
func (p ProviderEntry) ResolvedType() string {
	if p.Type != "" {
		return p.Type
	}
	return p.Name
}

// IsEnabled reports whether the provider is enabled (defaults to true).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ResolvedAuthType returns the credential scheme for the provider:
// "gcp_oauth" for Vertex AI, "api_key" otherwise.
func (p ProviderEntry) ResolvedAuthType() string {
	if p.ResolvedType() == conduit.ProviderVertex {
		return "gcp_oauth"
	}
	return "api_key"
}

// MappingEntry binds a model alias to a concrete provider model.
type MappingEntry struct {
	Alias        string   `yaml:"alias"`
	Provider     string   `yaml:"provider"` // ProviderEntry ID
	Model        string   `yaml:"model"`    // provider-native model ID
	Capabilities []string `yaml:"capabilities"`
	Priority     int      `yaml:"priority"`
	Enabled      *bool    `yaml:"enabled"`
}

// IsEnabled reports whether the mapping is enabled (defaults to true).
func (m MappingEntry) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// ParseCapabilities converts capability names to the bitmask.
func ParseCapabilities(names []string) (conduit.Capability, error) {
	var caps conduit.Capability
	for _, n := range names {
		switch strings.ToLower(n) {
		case "chat":
			caps |= conduit.CapChat
		case "vision":
			caps |= conduit.CapVision
		case "streaming":
			caps |= conduit.CapStreaming
		case "tools", "function_calling":
			caps |= conduit.CapFunctionCalling
		case "audio":
			caps |= conduit.CapAudio
		default:
			return 0, fmt.Errorf("unknown capability %q", n)
		}
	}
	return caps, nil
}

// CostEntry is a pricing rule seed, bound to a mapping by alias.
type CostEntry struct {
	Alias            string `yaml:"alias"`
	Name             string `yaml:"name"`
	PricingModel     string `yaml:"pricing_model"` // defaults to "standard"
	InputPerMillion  string `yaml:"input_per_million"`
	OutputPerMillion string `yaml:"output_per_million"`
	PerSecond        string `yaml:"per_second"`
	PerCharacter     string `yaml:"per_character"`
	PerImage         string `yaml:"per_image"`
	Priority         int    `yaml:"priority"`
}

// GroupEntry is a billing group seed.
type GroupEntry struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	Credits         string `yaml:"credits"` // initial credit, decimal string
	ExternalGroupID string `yaml:"external_group_id"`
}

// KeyEntry is a virtual key seed in the config file. The plaintext is
// hashed on bootstrap and never persisted.
type KeyEntry struct {
	Name          string   `yaml:"name"`
	Key           string   `yaml:"key"` // plaintext, usually ${VAR}-expanded
	Group         string   `yaml:"group"`
	AllowedModels []string `yaml:"allowed_models"`
	RPMLimit      *int64   `yaml:"rpm_limit"`
	RPDLimit      *int64   `yaml:"rpd_limit"`
}

// ModelEntry seeds the model metadata table.
type ModelEntry struct {
	Alias           string   `yaml:"alias"`
	ContextWindow   int      `yaml:"context_window"`
	MaxOutputTokens int      `yaml:"max_output_tokens"`
	Chat            bool     `yaml:"chat"`
	Vision          bool     `yaml:"vision"`
	Tools           bool     `yaml:"tools"`
	Streaming       bool     `yaml:"streaming"`
	Transcribe      bool     `yaml:"transcribe"`
	TTS             bool     `yaml:"tts"`
	Realtime        bool     `yaml:"realtime"`
	Formats         []string `yaml:"formats"`
	Languages       []string `yaml:"languages"`
}

// DefaultEntry seeds the per-provider default model table.
type DefaultEntry struct {
	ProviderType string `yaml:"provider_type"`
	Kind         string `yaml:"kind"` // chat, transcription, tts, realtime
	Alias        string `yaml:"alias"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// applyEnv overlays the well-known environment variables on top of the
// file values. Environment wins when both are set.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("CONDUIT_API_TO_API_BACKEND_AUTH_KEY"); v != "" {
		cfg.Admin.Key = v
	}
}

// Load reads and parses a YAML config file, expanding environment
// variables and applying environment overrides. An empty path yields the
// defaults plus environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		applyEnv(cfg)
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(cfg)
	return cfg, nil
}

// Default returns the stock configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "conduit.db",
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxSize:    10_000,
			DefaultTTL: 5 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
	}
	return cfg
}
