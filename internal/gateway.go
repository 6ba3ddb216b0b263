// Package conduit defines domain types and interfaces for the Conduit LLM
// gateway. This package has no project imports -- it is the dependency root.
package conduit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"
)

// --- Provider ---

// Provider is the interface that all upstream LLM provider adapters implement.
// Optional capabilities (image generation, audio, realtime) are expressed as
// separate interfaces checked via type assertion.
type Provider interface {
	// Name returns the provider instance identifier.
	Name() string
	// Type returns the dialect tag (e.g. "openai", "anthropic", "cohere").
	Type() string
	// ChatCompletion sends a non-streaming chat completion request.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// ChatCompletionStream sends a streaming chat completion request.
	// Chunks are canonical OpenAI-shaped deltas regardless of the upstream framing.
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	// Embeddings generates embeddings for input text.
	Embeddings(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
	// ListModels returns the list of available model IDs.
	ListModels(ctx context.Context) ([]string, error)
	// VerifyAuthentication probes the upstream with a lightweight request.
	// It returns a typed result and never an error.
	VerifyAuthentication(ctx context.Context) *AuthProbeResult
	// Capabilities reports the parameter and feature support for a model.
	Capabilities(modelID string) ProviderCapabilities
}

// ImageGenerator is implemented by providers that can generate images.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResponse, error)
}

// Transcriber is implemented by providers that can transcribe audio.
type Transcriber interface {
	Transcribe(ctx context.Context, req *TranscriptionRequest) (*TranscriptionResponse, error)
}

// SpeechSynthesizer is implemented by providers that can synthesize speech.
type SpeechSynthesizer interface {
	Speech(ctx context.Context, req *SpeechRequest) (*SpeechResponse, error)
}

// SpeechStreamer is implemented by providers that can stream synthesized
// speech. Providers without native streaming simulate it by chunking a
// complete response (see provider.SimulateSpeechStream).
type SpeechStreamer interface {
	StreamSpeech(ctx context.Context, req *SpeechRequest) (<-chan AudioChunk, error)
}

// RealtimeProvider is implemented by providers that support duplex audio
// conversations over a single connection.
type RealtimeProvider interface {
	CreateRealtimeSession(ctx context.Context, cfg *RealtimeConfig) (RealtimeSession, error)
}

// --- Canonical chat types (OpenAI wire shape) ---

// ChatRequest represents an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                int             `json:"n,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	User             string          `json:"user,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`
}

// RequiredCapabilities derives the capability bits a mapping must satisfy
// to serve this request.
func (r *ChatRequest) RequiredCapabilities() Capability {
	caps := CapChat
	if r.Stream {
		caps |= CapStreaming
	}
	if len(r.Tools) > 0 {
		caps |= CapFunctionCalling
	}
	for i := range r.Messages {
		if r.Messages[i].HasImageContent() {
			caps |= CapVision
			break
		}
	}
	return caps
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// HasImageContent reports whether the message content carries an image part.
// Image parts only appear in array-form content ("type":"image_url").
func (m *Message) HasImageContent() bool {
	if len(m.Content) == 0 || m.Content[0] != '[' {
		return false
	}
	var parts []struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(m.Content, &parts) != nil {
		return false
	}
	for _, p := range parts {
		if p.Type == "image_url" {
			return true
		}
	}
	return false
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics. Estimated is set when the
// upstream omitted usage and the counts were backfilled by token estimation.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"-"`
}

// StreamChunk represents a single chunk in a streaming response.
// Data is a canonical OpenAI chat.completion.chunk JSON payload.
type StreamChunk struct {
	Data  []byte
	Usage *Usage // non-nil on the final usage-bearing chunk
	Done  bool
	Err   error
}

// EmbeddingRequest represents an OpenAI-compatible embedding request.
type EmbeddingRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
	User           string          `json:"user,omitempty"`
}

// EmbeddingResponse represents an OpenAI-compatible embedding response.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   json.RawMessage `json:"data"`
	Model  string          `json:"model"`
	Usage  *Usage          `json:"usage,omitempty"`
}

// --- Image generation ---

// ImageRequest represents an image generation request.
type ImageRequest struct {
	Model          string `json:"model,omitempty"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	Quality        string `json:"quality,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"` // "url" or "b64_json"
	User           string `json:"user,omitempty"`
}

// ImageResponse represents an image generation response.
type ImageResponse struct {
	Created int64        `json:"created"`
	Data    []ImageDatum `json:"data"`
}

// ImageDatum is a single generated image, as a URL or base64 payload.
type ImageDatum struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// --- Audio ---

// TranscriptionRequest represents an audio transcription request.
// Exactly one of AudioData or AudioURL must be set.
type TranscriptionRequest struct {
	Model                string
	AudioData            []byte
	Filename             string // hint for container format detection
	AudioURL             string
	Language             string
	Prompt               string
	Temperature          *float64
	ResponseFormat       string // json, verbose_json, text, srt, vtt
	TimestampGranularity string // none, segment, word
}

// TranscriptionResponse represents a normalized transcription result.
type TranscriptionResponse struct {
	Text         string          `json:"text"`
	Language     string          `json:"language,omitempty"`
	Duration     float64         `json:"duration,omitempty"` // seconds
	Segments     json.RawMessage `json:"segments,omitempty"`
	Words        json.RawMessage `json:"words,omitempty"`
	Alternatives json.RawMessage `json:"alternatives,omitempty"`
	Usage        AudioUsage      `json:"-"`
}

// AudioUsage carries the billable quantities of an audio operation.
type AudioUsage struct {
	AudioSeconds   float64
	CharacterCount int
	Estimated      bool // duration estimated from byte length
}

// MaxSpeechInputChars is the hard limit on text-to-speech input length.
const MaxSpeechInputChars = 10_000

// SpeechRequest represents a text-to-speech request.
type SpeechRequest struct {
	Model          string   `json:"model,omitempty"`
	Input          string   `json:"input"`
	Voice          string   `json:"voice"`
	ResponseFormat string   `json:"response_format,omitempty"` // mp3, wav, flac, ogg, aac, opus, pcm, ulaw, alaw
	Speed          *float64 `json:"speed,omitempty"`           // [0.25, 4.0]
	Pitch          *float64 `json:"pitch,omitempty"`
	Volume         *float64 `json:"volume,omitempty"` // [0, 2.0]
	SSML           bool     `json:"-"`
	SampleRate     int      `json:"-"`
}

// SpeechResponse is a complete synthesized audio payload.
type SpeechResponse struct {
	Audio       []byte
	ContentType string
	Usage       AudioUsage
}

// AudioChunk is a single chunk of a streamed speech response.
type AudioChunk struct {
	Data        []byte
	ChunkIndex  int
	IsFinal     bool
	TextSegment string
	Timestamp   float64 // seconds from stream start
}

// --- Realtime duplex audio ---

// RealtimeSessionState tracks the lifecycle of a duplex session.
type RealtimeSessionState int

const (
	RealtimeConnecting RealtimeSessionState = iota
	RealtimeConnected
	RealtimeActive
	RealtimeDisconnected
	RealtimeReconnecting
	RealtimeClosed
	RealtimeError
)

// String returns a human-readable state name.
func (s RealtimeSessionState) String() string {
	switch s {
	case RealtimeConnecting:
		return "connecting"
	case RealtimeConnected:
		return "connected"
	case RealtimeActive:
		return "active"
	case RealtimeDisconnected:
		return "disconnected"
	case RealtimeReconnecting:
		return "reconnecting"
	case RealtimeClosed:
		return "closed"
	case RealtimeError:
		return "error"
	default:
		return "unknown"
	}
}

// Turn detection policies for realtime sessions.
const (
	TurnDetectionServerVAD  = "server_vad"
	TurnDetectionManual     = "manual"
	TurnDetectionPushToTalk = "push_to_talk"
)

// TurnDetection configures how speaker turns are delimited.
type TurnDetection struct {
	Mode               string  `json:"mode"`
	SilenceThresholdMs int     `json:"silence_threshold_ms,omitempty"`
	PrefixPaddingMs    int     `json:"prefix_padding_ms,omitempty"`
	EnergyThreshold    float64 `json:"energy_threshold,omitempty"`
}

// RealtimeConfig is the session configuration negotiated at creation.
type RealtimeConfig struct {
	Model         string          `json:"model"`
	Voice         string          `json:"voice,omitempty"`
	Instructions  string          `json:"instructions,omitempty"`
	InputFormat   string          `json:"input_audio_format,omitempty"`
	OutputFormat  string          `json:"output_audio_format,omitempty"`
	TurnDetection *TurnDetection  `json:"turn_detection,omitempty"`
	Tools         json.RawMessage `json:"tools,omitempty"`
}

// Canonical realtime frame types (client -> provider).
const (
	FrameAudioAppend = "input_audio_buffer.append"
	FrameAudioCommit = "input_audio_buffer.commit"
	FrameCancel      = "response.cancel"
)

// RealtimeFrame is a canonical inbound frame.
type RealtimeFrame struct {
	Type     string `json:"type"`
	AudioB64 string `json:"audio,omitempty"` // base64 PCM for append frames
}

// Canonical realtime event types (provider -> client).
const (
	EventTranscriptDelta = "transcription.delta"
	EventTranscriptDone  = "transcription.done"
	EventAudioDelta      = "audio.delta"
	EventToolCall        = "tool_call"
	EventTurnStarted     = "turn.started"
	EventTurnDone        = "turn.done"
	EventInterrupted     = "turn.interrupted"
	EventError           = "error"
)

// RealtimeEvent is a canonical outbound event.
type RealtimeEvent struct {
	Type       string          `json:"type"`
	Transcript string          `json:"transcript,omitempty"`
	AudioB64   string          `json:"audio,omitempty"`
	ToolCall   json.RawMessage `json:"tool_call,omitempty"`
	Message    string          `json:"message,omitempty"` // error detail
}

// RealtimeStats accumulates per-session statistics.
type RealtimeStats struct {
	InputAudioSeconds  float64
	OutputAudioSeconds float64
	TurnCount          int
	Interruptions      int
	FunctionCalls      int
	InputTokens        int
	OutputTokens       int
	ErrorCount         int
	AverageLatencyMs   float64
}

// RealtimeSession is one duplex conversation. Send and Recv may be consumed
// independently; cancelling one direction does not cancel the other.
// Close releases the underlying transport on every exit path.
type RealtimeSession interface {
	ID() string
	State() RealtimeSessionState
	Send(ctx context.Context, frame *RealtimeFrame) error
	Recv(ctx context.Context) (*RealtimeEvent, error)
	Update(ctx context.Context, cfg *RealtimeConfig) error
	Stats() RealtimeStats
	Close(ctx context.Context) error
}

// --- Provider capability reporting ---

// ChatParameters reports which request knobs a provider honors.
type ChatParameters struct {
	Temperature      bool `json:"temperature"`
	MaxTokens        bool `json:"max_tokens"`
	TopP             bool `json:"top_p"`
	TopK             bool `json:"top_k"`
	Stop             bool `json:"stop"`
	PresencePenalty  bool `json:"presence_penalty"`
	FrequencyPenalty bool `json:"frequency_penalty"`
	LogitBias        bool `json:"logit_bias"`
	N                bool `json:"n"`
	User             bool `json:"user"`
	Seed             bool `json:"seed"`
	ResponseFormat   bool `json:"response_format"`
	Tools            bool `json:"tools"`
	MaxStopSequences int  `json:"max_stop_sequences,omitempty"`
	MaxToolCount     int  `json:"max_tool_count,omitempty"`
}

// ProviderCapabilities reports feature support for a provider/model pair.
type ProviderCapabilities struct {
	Chat            ChatParameters `json:"chat_parameters"`
	Streaming       bool           `json:"streaming"`
	Embeddings      bool           `json:"embeddings"`
	Vision          bool           `json:"vision"`
	ImageGeneration bool           `json:"image_generation"`
	FunctionCalling bool           `json:"function_calling"`
	Transcription   bool           `json:"audio_transcription"`
	TextToSpeech    bool           `json:"text_to_speech"`
	Realtime        bool           `json:"realtime_audio"`
}

// AuthProbeResult is the typed outcome of VerifyAuthentication.
type AuthProbeResult struct {
	OK             bool   `json:"ok"`
	Message        string `json:"message,omitempty"`
	ResponseTimeMs int64  `json:"response_time_ms"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Key field is set later by the authenticate middleware via mutation of
// the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Key       *VirtualKey
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// VirtualKeyFromContext extracts the authenticated virtual key from context.
func VirtualKeyFromContext(ctx context.Context) *VirtualKey {
	if m := metaFromContext(ctx); m != nil {
		return m.Key
	}
	return nil
}

// ContextWithVirtualKey stores the key in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new
// metadata if none exists (e.g., in tests).
func ContextWithVirtualKey(ctx context.Context, key *VirtualKey) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Key = key
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Key: key})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Native passthrough ---

// NativeProxy is an optional interface that providers can implement to support
// raw HTTP passthrough. The gateway authenticates and routes the request, then
// delegates the raw HTTP exchange to the provider. Checked via type assertion.
type NativeProxy interface {
	ProxyRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, path string) error
}

// --- Shared constants and helpers ---

// VirtualKeyPrefix is the prefix for all Conduit virtual keys.
const VirtualKeyPrefix = "condt_"

// HashKey returns the hex-encoded SHA-256 hash of a raw virtual key token.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// --- Authenticator interface ---

// Authenticator validates request credentials and returns the caller's
// virtual key.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*VirtualKey, error)
}

// --- Operation types and deadlines ---

// OperationType identifies the kind of inbound operation; it selects the
// default upstream deadline and labels metrics and traces.
type OperationType string

const (
	OpChat           OperationType = "chat"
	OpCompletion     OperationType = "completion"
	OpEmbeddings     OperationType = "embeddings"
	OpImageGen       OperationType = "image_generation"
	OpVideoGen       OperationType = "video_generation"
	OpTranscription  OperationType = "audio_transcription"
	OpSpeech         OperationType = "text_to_speech"
	OpRealtime       OperationType = "realtime"
	OpHealthCheck    OperationType = "health_check"
	OpModelDiscovery OperationType = "model_discovery"
)

// Deadline returns the default upstream deadline for the operation.
// Overridable per provider via config.
func (o OperationType) Deadline() time.Duration {
	switch o {
	case OpChat, OpCompletion:
		return 60 * time.Second
	case OpImageGen:
		return 120 * time.Second
	case OpVideoGen:
		return 300 * time.Second
	case OpHealthCheck:
		return 5 * time.Second
	case OpModelDiscovery:
		return 10 * time.Second
	case OpTranscription, OpSpeech:
		return 120 * time.Second
	default:
		return 60 * time.Second
	}
}

// Trace statuses.
const (
	TraceOk        = "ok"
	TraceError     = "error"
	TraceCancelled = "cancelled"
)

// RequestTrace summarizes one completed request for search and audit.
type RequestTrace struct {
	Start      time.Time         `json:"start"`
	DurationMs int64             `json:"duration_ms"`
	Operation  OperationType     `json:"operation_type"`
	Provider   string            `json:"provider"`
	VirtualKey string            `json:"virtual_key"`
	Status     string            `json:"status"` // ok, error, cancelled
	ErrorKind  string            `json:"error_kind,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}
