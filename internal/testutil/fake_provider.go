package testutil

import (
	"context"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

// FakeProvider is a configurable conduit.Provider for testing.
type FakeProvider struct {
	ProviderName string
	ProviderType string
	ChatFn       func(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error)
	StreamFn     func(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error)
	EmbedFn      func(ctx context.Context, req *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error)
	ModelsFn     func(ctx context.Context) ([]string, error)
}

// Name returns the configured provider name.
func (f *FakeProvider) Name() string { return f.ProviderName }

// Type returns the configured type tag, defaulting to openai-compatible.
func (f *FakeProvider) Type() string {
	if f.ProviderType != "" {
		return f.ProviderType
	}
	return conduit.ProviderOpenAICompatible
}

// ChatCompletion delegates to ChatFn or returns a default response.
func (f *FakeProvider) ChatCompletion(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	if f.ChatFn != nil {
		return f.ChatFn(ctx, req)
	}
	return &conduit.ChatResponse{
		ID:      "chatcmpl-fake",
		Object:  "chat.completion",
		Created: 1700000000,
		Model:   req.Model,
		Choices: []conduit.Choice{{
			Index:        0,
			Message:      conduit.Message{Role: "assistant", Content: []byte(`"hello"`)},
			FinishReason: "stop",
		}},
		Usage: &conduit.Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6},
	}, nil
}

// ChatCompletionStream delegates to StreamFn or returns an error.
func (f *FakeProvider) ChatCompletionStream(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	if f.StreamFn != nil {
		return f.StreamFn(ctx, req)
	}
	return nil, conduit.ErrProviderComm
}

// Embeddings delegates to EmbedFn or returns an error.
func (f *FakeProvider) Embeddings(ctx context.Context, req *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
	if f.EmbedFn != nil {
		return f.EmbedFn(ctx, req)
	}
	return nil, conduit.ErrProviderComm
}

// ListModels delegates to ModelsFn or returns a default list.
func (f *FakeProvider) ListModels(ctx context.Context) ([]string, error) {
	if f.ModelsFn != nil {
		return f.ModelsFn(ctx)
	}
	return []string{"fake-model"}, nil
}

// VerifyAuthentication always reports success.
func (f *FakeProvider) VerifyAuthentication(context.Context) *conduit.AuthProbeResult {
	return &conduit.AuthProbeResult{OK: true}
}

// Capabilities reports full chat support.
func (f *FakeProvider) Capabilities(string) conduit.ProviderCapabilities {
	return conduit.ProviderCapabilities{
		Chat:      conduit.ChatParameters{Temperature: true, MaxTokens: true, Stop: true, Tools: true},
		Streaming: true,
	}
}

// FakeStreamChan returns a channel pre-loaded with the given chunks, followed
// by a Done sentinel. The channel is closed after all chunks are sent.
func FakeStreamChan(chunks ...conduit.StreamChunk) <-chan conduit.StreamChunk {
	ch := make(chan conduit.StreamChunk, len(chunks)+1)
	for _, c := range chunks {
		ch <- c
	}
	ch <- conduit.StreamChunk{Done: true}
	close(ch)
	return ch
}
