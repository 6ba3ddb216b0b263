package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
	"github.com/knnlabs/Conduit-sub015/internal/testutil"
)

// fakeGateway implements Gateway with per-operation function fields.
// Unset operations return ErrNotImplemented.
type fakeGateway struct {
	ChatFn         func(ctx context.Context, key *conduit.VirtualKey, req *conduit.ChatRequest) (*conduit.ChatResponse, error)
	ChatStreamFn   func(ctx context.Context, key *conduit.VirtualKey, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error)
	EmbeddingsFn   func(ctx context.Context, key *conduit.VirtualKey, req *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error)
	ImageFn        func(ctx context.Context, key *conduit.VirtualKey, req *conduit.ImageRequest) (*conduit.ImageResponse, error)
	TranscribeFn   func(ctx context.Context, key *conduit.VirtualKey, req *conduit.TranscriptionRequest) (*conduit.TranscriptionResponse, error)
	SpeechFn       func(ctx context.Context, key *conduit.VirtualKey, req *conduit.SpeechRequest) (*conduit.SpeechResponse, error)
	StreamSpeechFn func(ctx context.Context, key *conduit.VirtualKey, req *conduit.SpeechRequest) (<-chan conduit.AudioChunk, error)
	RealtimeFn     func(ctx context.Context, key *conduit.VirtualKey, cfg *conduit.RealtimeConfig) (conduit.RealtimeSession, error)
}

func (g *fakeGateway) Chat(ctx context.Context, key *conduit.VirtualKey, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	if g.ChatFn != nil {
		return g.ChatFn(ctx, key, req)
	}
	return nil, conduit.ErrNotImplemented
}

func (g *fakeGateway) ChatStream(ctx context.Context, key *conduit.VirtualKey, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	if g.ChatStreamFn != nil {
		return g.ChatStreamFn(ctx, key, req)
	}
	return nil, conduit.ErrNotImplemented
}

func (g *fakeGateway) Embeddings(ctx context.Context, key *conduit.VirtualKey, req *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
	if g.EmbeddingsFn != nil {
		return g.EmbeddingsFn(ctx, key, req)
	}
	return nil, conduit.ErrNotImplemented
}

func (g *fakeGateway) GenerateImage(ctx context.Context, key *conduit.VirtualKey, req *conduit.ImageRequest) (*conduit.ImageResponse, error) {
	if g.ImageFn != nil {
		return g.ImageFn(ctx, key, req)
	}
	return nil, conduit.ErrNotImplemented
}

func (g *fakeGateway) Transcribe(ctx context.Context, key *conduit.VirtualKey, req *conduit.TranscriptionRequest) (*conduit.TranscriptionResponse, error) {
	if g.TranscribeFn != nil {
		return g.TranscribeFn(ctx, key, req)
	}
	return nil, conduit.ErrNotImplemented
}

func (g *fakeGateway) Speech(ctx context.Context, key *conduit.VirtualKey, req *conduit.SpeechRequest) (*conduit.SpeechResponse, error) {
	if g.SpeechFn != nil {
		return g.SpeechFn(ctx, key, req)
	}
	return nil, conduit.ErrNotImplemented
}

func (g *fakeGateway) StreamSpeech(ctx context.Context, key *conduit.VirtualKey, req *conduit.SpeechRequest) (<-chan conduit.AudioChunk, error) {
	if g.StreamSpeechFn != nil {
		return g.StreamSpeechFn(ctx, key, req)
	}
	return nil, conduit.ErrNotImplemented
}

func (g *fakeGateway) Realtime(ctx context.Context, key *conduit.VirtualKey, cfg *conduit.RealtimeConfig) (conduit.RealtimeSession, error) {
	if g.RealtimeFn != nil {
		return g.RealtimeFn(ctx, key, cfg)
	}
	return nil, conduit.ErrNotImplemented
}

// fakeModelLister returns a fixed alias list.
type fakeModelLister struct {
	aliases []string
}

func (f *fakeModelLister) ListModelAliases(context.Context) ([]string, error) {
	return f.aliases, nil
}

// newTestHandler builds a handler with FakeAuth and the given gateway,
// applying any overrides to Deps before construction.
func newTestHandler(g Gateway, override func(*Deps)) http.Handler {
	deps := Deps{
		Auth:    &testutil.FakeAuth{},
		Gateway: g,
	}
	if override != nil {
		override(&deps)
	}
	return New(deps)
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer condt_test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// decodeErrorBody unpacks the error envelope for assertions.
func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) apiErrorBody {
	t.Helper()
	var env apiError
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error envelope: %v (body %q)", err, rec.Body.String())
	}
	return env.Error
}

func TestChatCompletion(t *testing.T) {
	t.Parallel()
	var gotModel string
	g := &fakeGateway{
		ChatFn: func(_ context.Context, key *conduit.VirtualKey, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
			if key == nil {
				t.Error("expected virtual key in pipeline call")
			}
			gotModel = req.Model
			return &conduit.ChatResponse{
				ID:     "chatcmpl-1",
				Object: "chat.completion",
				Model:  req.Model,
				Choices: []conduit.Choice{{
					Message:      conduit.Message{Role: "assistant", Content: []byte(`"hi"`)},
					FinishReason: "stop",
				}},
			}, nil
		},
	}
	h := newTestHandler(g, nil)

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", rec.Code, rec.Body.String())
	}
	if gotModel != "gpt-4o" {
		t.Errorf("pipeline saw model %q, want gpt-4o", gotModel)
	}
	var resp conduit.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "chatcmpl-1" {
		t.Errorf("ID = %q, want chatcmpl-1", resp.ID)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id header")
	}
}

func TestChatCompletionInvalidJSON(t *testing.T) {
	t.Parallel()
	h := newTestHandler(&fakeGateway{}, nil)

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions", `{"model":`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body := decodeErrorBody(t, rec); body.Code != "invalid_request" {
		t.Errorf("code = %q, want invalid_request", body.Code)
	}
}

func TestChatCompletionMissingModel(t *testing.T) {
	t.Parallel()
	h := newTestHandler(&fakeGateway{}, nil)

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"messages":[{"role":"user","content":"hello"}]}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestChatCompletionModelNotAllowed(t *testing.T) {
	t.Parallel()
	g := &fakeGateway{
		ChatFn: func(context.Context, *conduit.VirtualKey, *conduit.ChatRequest) (*conduit.ChatResponse, error) {
			return nil, conduit.ErrModelNotAllowed
		},
	}
	h := newTestHandler(g, nil)

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if body := decodeErrorBody(t, rec); body.Code != "authorization_required" {
		t.Errorf("code = %q, want authorization_required", body.Code)
	}
}

func TestChatCompletionUnauthenticated(t *testing.T) {
	t.Parallel()
	h := newTestHandler(&fakeGateway{}, func(d *Deps) {
		d.Auth = testutil.RejectAuth{}
	})

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if body := decodeErrorBody(t, rec); body.Code != "unauthorized" {
		t.Errorf("code = %q, want unauthorized", body.Code)
	}
}

func TestChatCompletionStream(t *testing.T) {
	t.Parallel()
	g := &fakeGateway{
		ChatStreamFn: func(context.Context, *conduit.VirtualKey, *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
			return testutil.FakeStreamChan(
				conduit.StreamChunk{Data: []byte(`{"id":"c1","choices":[{"delta":{"content":"he"}}]}`)},
				conduit.StreamChunk{Data: []byte(`{"id":"c1","choices":[{"delta":{"content":"llo"}}]}`)},
			), nil
		},
	}
	h := newTestHandler(g, nil)

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}],"stream":true}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `data: {"id":"c1","choices":[{"delta":{"content":"he"}}]}`) {
		t.Errorf("missing first chunk in %q", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("stream does not end with [DONE]: %q", body)
	}
}

func TestChatCompletionStreamMidStreamError(t *testing.T) {
	t.Parallel()
	g := &fakeGateway{
		ChatStreamFn: func(context.Context, *conduit.VirtualKey, *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
			ch := make(chan conduit.StreamChunk, 2)
			ch <- conduit.StreamChunk{Data: []byte(`{"id":"c1"}`)}
			ch <- conduit.StreamChunk{Err: conduit.ErrProviderUnavailable}
			close(ch)
			return ch, nil
		},
	}
	h := newTestHandler(g, nil)

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}],"stream":true}`)

	// Status line was already written before the failure surfaced.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"code":"service_unavailable"`) {
		t.Errorf("missing error frame in %q", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("stream does not end with [DONE]: %q", body)
	}
}

func TestChatCompletionStreamSetupError(t *testing.T) {
	t.Parallel()
	g := &fakeGateway{
		ChatStreamFn: func(context.Context, *conduit.VirtualKey, *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
			return nil, conduit.ErrModelNotFound
		},
	}
	h := newTestHandler(g, nil)

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model":"nope","messages":[{"role":"user","content":"hello"}],"stream":true}`)

	// Errors before the stream opens still get a proper status code.
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if body := decodeErrorBody(t, rec); body.Code != "model_not_found" {
		t.Errorf("code = %q, want model_not_found", body.Code)
	}
}

func TestEmbeddings(t *testing.T) {
	t.Parallel()
	g := &fakeGateway{
		EmbeddingsFn: func(_ context.Context, _ *conduit.VirtualKey, req *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
			return &conduit.EmbeddingResponse{
				Object: "list",
				Data:   []byte(`[{"object":"embedding","index":0,"embedding":[0.1,0.2]}]`),
				Model:  req.Model,
			}, nil
		},
	}
	h := newTestHandler(g, nil)

	rec := doJSON(t, h, http.MethodPost, "/v1/embeddings",
		`{"model":"embed-1","input":"hello"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", rec.Code, rec.Body.String())
	}
	var resp conduit.EmbeddingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Model != "embed-1" {
		t.Errorf("model = %q, want embed-1", resp.Model)
	}
}

func TestEmbeddingsMissingInput(t *testing.T) {
	t.Parallel()
	h := newTestHandler(&fakeGateway{}, nil)

	rec := doJSON(t, h, http.MethodPost, "/v1/embeddings", `{"model":"embed-1"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()
	h := newTestHandler(&fakeGateway{}, func(d *Deps) {
		d.Models = &fakeModelLister{aliases: []string{"gpt-4o", "claude-3"}}
	})

	rec := doJSON(t, h, http.MethodGet, "/v1/models", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp modelListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Object != "list" || len(resp.Data) != 2 {
		t.Fatalf("got %+v, want list of 2", resp)
	}
	if resp.Data[0].ID != "gpt-4o" || resp.Data[0].Object != "model" {
		t.Errorf("entry = %+v", resp.Data[0])
	}
}

func TestListModelsNoLister(t *testing.T) {
	t.Parallel()
	h := newTestHandler(&fakeGateway{}, nil)

	rec := doJSON(t, h, http.MethodGet, "/v1/models", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp modelListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Data) != 0 {
		t.Errorf("expected empty model list, got %d entries", len(resp.Data))
	}
}
