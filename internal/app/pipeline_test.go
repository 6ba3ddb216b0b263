package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
	"github.com/knnlabs/Conduit-sub015/internal/cache"
	"github.com/knnlabs/Conduit-sub015/internal/capability"
	"github.com/knnlabs/Conduit-sub015/internal/circuitbreaker"
	"github.com/knnlabs/Conduit-sub015/internal/provider"
	"github.com/knnlabs/Conduit-sub015/internal/router"
	"github.com/knnlabs/Conduit-sub015/internal/telemetry"
	"github.com/knnlabs/Conduit-sub015/internal/vkey"
)

// --- test doubles ---

type fakeProvider struct {
	name     string
	chatFn   func(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error)
	streamFn func(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error)
	calls    atomic.Int32
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Type() string { return conduit.ProviderOpenAICompatible }

func (f *fakeProvider) ChatCompletion(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	f.calls.Add(1)
	if f.chatFn == nil {
		return nil, conduit.ErrNotImplemented
	}
	return f.chatFn(ctx, req)
}

func (f *fakeProvider) ChatCompletionStream(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	f.calls.Add(1)
	if f.streamFn == nil {
		return nil, conduit.ErrNotImplemented
	}
	return f.streamFn(ctx, req)
}

func (f *fakeProvider) Embeddings(ctx context.Context, req *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
	return &conduit.EmbeddingResponse{Object: "list", Model: req.Model}, nil
}

func (f *fakeProvider) ListModels(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakeProvider) VerifyAuthentication(ctx context.Context) *conduit.AuthProbeResult {
	return &conduit.AuthProbeResult{OK: true}
}

func (f *fakeProvider) Capabilities(modelID string) conduit.ProviderCapabilities {
	return conduit.ProviderCapabilities{}
}

type fakeStore struct {
	mappings  []*conduit.ModelMapping
	providers map[string]*conduit.ProviderConfig
}

func (s *fakeStore) GetMappingsByAlias(ctx context.Context, alias string) ([]*conduit.ModelMapping, error) {
	var out []*conduit.ModelMapping
	for _, m := range s.mappings {
		if m.Alias == alias {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return nil, conduit.ErrNotFound
	}
	return out, nil
}

func (s *fakeStore) GetProvider(ctx context.Context, providerID string) (*conduit.ProviderConfig, error) {
	p, ok := s.providers[providerID]
	if !ok {
		return nil, conduit.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) GetKeysForProvider(ctx context.Context, providerID string) ([]*conduit.ProviderKey, error) {
	return []*conduit.ProviderKey{{
		ID: providerID + "-key", ProviderID: providerID,
		APIKey: "sk-test", Primary: true, Enabled: true,
	}}, nil
}

type fakeGroups struct {
	mu      sync.Mutex
	balance decimal.Decimal
	debits  []decimal.Decimal
}

func (g *fakeGroups) GetGroup(ctx context.Context, groupID string) (*conduit.VirtualKeyGroup, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &conduit.VirtualKeyGroup{ID: groupID, Balance: g.balance}, nil
}

func (g *fakeGroups) Debit(ctx context.Context, groupID string, amount decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.debits = append(g.debits, amount)
	g.balance = g.balance.Sub(amount)
	return nil
}

type fakeCosts struct {
	rule *conduit.ModelCost
}

func (c *fakeCosts) GetCostForMapping(ctx context.Context, mappingID string) (*conduit.ModelCost, error) {
	if c.rule == nil {
		return nil, conduit.ErrNotFound
	}
	return c.rule, nil
}

type captureSink struct {
	mu   sync.Mutex
	recs []*conduit.UsageRecord
}

func (s *captureSink) Enqueue(rec *conduit.UsageRecord) {
	s.mu.Lock()
	s.recs = append(s.recs, rec)
	s.mu.Unlock()
}

func (s *captureSink) records() []*conduit.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*conduit.UsageRecord(nil), s.recs...)
}

const testAlias = "gpt-test"

func standardRule() *conduit.ModelCost {
	return &conduit.ModelCost{
		ID:               "cost-1",
		PricingModel:     conduit.PricingStandard,
		InputPerMillion:  decimal.NewFromInt(1),
		OutputPerMillion: decimal.NewFromInt(2),
	}
}

func newTestPipeline(t *testing.T, provs []*fakeProvider, balance string, rule *conduit.ModelCost) (*Pipeline, *fakeGroups, *captureSink) {
	t.Helper()

	store := &fakeStore{providers: make(map[string]*conduit.ProviderConfig)}
	byName := make(map[string]*fakeProvider)
	for i, fp := range provs {
		store.providers[fp.name] = &conduit.ProviderConfig{
			ID: fp.name, Name: fp.name,
			Type: conduit.ProviderOpenAICompatible, Enabled: true,
		}
		store.mappings = append(store.mappings, &conduit.ModelMapping{
			ID: "map-" + fp.name, Alias: testAlias,
			ProviderID: fp.name, ProviderModelID: "real-model",
			Capabilities: conduit.CapChat | conduit.CapStreaming | conduit.CapVision |
				conduit.CapFunctionCalling | conduit.CapAudio,
			Priority: 100 - i, Enabled: true,
		})
		byName[fp.name] = fp
	}

	builders := map[string]provider.BuildFunc{
		conduit.ProviderOpenAICompatible: func(cfg *conduit.ProviderConfig, key *conduit.ProviderKey, client *http.Client) (conduit.Provider, error) {
			return byName[cfg.Name], nil
		},
	}

	bal, err := decimal.NewFromString(balance)
	if err != nil {
		t.Fatal(err)
	}
	groups := &fakeGroups{balance: bal}
	sink := &captureSink{}

	p := New(Deps{
		Router:    router.New(store, nil),
		Providers: provider.NewRegistry(nil, builders),
		Budget:    vkey.NewBudgetManager(groups, nil),
		Costs:     &fakeCosts{rule: rule},
		Breakers:  circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		Usage:     sink,
		Metrics:   telemetry.NewMetrics(prometheus.NewRegistry()),
	})
	return p, groups, sink
}

// fakeModelInfoStore backs a capability service with a single declared
// context window for every alias.
type fakeModelInfoStore struct {
	window int
}

func (f *fakeModelInfoStore) GetModelInfo(ctx context.Context, alias string) (*conduit.ModelInfo, error) {
	return &conduit.ModelInfo{Alias: alias, ContextWindow: f.window, SupportsChat: true}, nil
}

func (f *fakeModelInfoStore) GetDefaultModel(ctx context.Context, providerType, kind string) (string, error) {
	return "", conduit.ErrNotFound
}

func capsWithWindow(window int) *capability.Service {
	m := cache.NewManager(nil, cache.NewCollector("test", nil),
		cache.RegionConfig{Name: cache.RegionModelCapabilities, DefaultTTL: time.Minute, UseMemory: true})
	return capability.NewService(&fakeModelInfoStore{window: window}, m)
}

func testKey() *conduit.VirtualKey {
	return &conduit.VirtualKey{ID: "vk-1", GroupID: "grp-1"}
}

func chatReq(maxTokens int) *conduit.ChatRequest {
	req := &conduit.ChatRequest{
		Model:    testAlias,
		Messages: []conduit.Message{{Role: "user", Content: []byte(`"hello"`)}},
	}
	if maxTokens > 0 {
		req.MaxTokens = &maxTokens
	}
	return req
}

// --- tests ---

func TestChatBillsProviderUsage(t *testing.T) {
	t.Parallel()
	fp := &fakeProvider{name: "openai-a", chatFn: func(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
		if req.Model != "real-model" {
			t.Errorf("upstream model = %s, want real-model", req.Model)
		}
		return &conduit.ChatResponse{
			ID: "chatcmpl-1", Model: "real-model",
			Choices: []conduit.Choice{{Message: conduit.Message{Role: "assistant", Content: []byte(`"hi"`)}, FinishReason: "stop"}},
			Usage:   &conduit.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		}, nil
	}}
	p, groups, sink := newTestPipeline(t, []*fakeProvider{fp}, "100", standardRule())

	resp, err := p.Chat(context.Background(), testKey(), chatReq(128))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Model != testAlias {
		t.Errorf("response model = %s, want alias", resp.Model)
	}

	recs := sink.records()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	// 10/1M * $1 + 20/1M * $2 = $0.00005
	want := decimal.RequireFromString("0.00005")
	if !recs[0].Cost.Equal(want) {
		t.Errorf("cost = %s, want %s", recs[0].Cost, want)
	}
	if recs[0].UsageEstimated {
		t.Error("provider-reported usage should not be flagged estimated")
	}
	if len(groups.debits) != 1 || !groups.debits[0].Equal(want) {
		t.Errorf("debits = %v, want one of %s", groups.debits, want)
	}
	if !p.budget.Held("grp-1").IsZero() {
		t.Error("reservation not closed")
	}
}

func TestChatFailsOverToNextCandidate(t *testing.T) {
	t.Parallel()
	down := &fakeProvider{name: "openai-a", chatFn: func(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
		return nil, &conduit.ProviderError{Provider: "openai-a", Kind: conduit.ErrProviderUnavailable, StatusCode: 503}
	}}
	up := &fakeProvider{name: "openai-b", chatFn: func(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
		return &conduit.ChatResponse{
			ID: "chatcmpl-2", Model: "real-model",
			Usage: &conduit.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
		}, nil
	}}
	p, _, sink := newTestPipeline(t, []*fakeProvider{down, up}, "100", standardRule())

	resp, err := p.Chat(context.Background(), testKey(), chatReq(128))
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != "chatcmpl-2" {
		t.Errorf("response from %s, want second candidate", resp.ID)
	}
	if down.calls.Load() != 1 || up.calls.Load() != 1 {
		t.Errorf("calls = %d/%d, want 1/1", down.calls.Load(), up.calls.Load())
	}
	if len(sink.records()) != 1 {
		t.Errorf("records = %d, want 1", len(sink.records()))
	}
	if !p.budget.Held("grp-1").IsZero() {
		t.Error("failed attempt's reservation not released")
	}
}

func TestChatDoesNotRetryCallerFaults(t *testing.T) {
	t.Parallel()
	bad := &fakeProvider{name: "openai-a", chatFn: func(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
		return nil, &conduit.ProviderError{Provider: "openai-a", Kind: conduit.ErrInvalidRequest, StatusCode: 400}
	}}
	next := &fakeProvider{name: "openai-b"}
	p, _, _ := newTestPipeline(t, []*fakeProvider{bad, next}, "100", standardRule())

	_, err := p.Chat(context.Background(), testKey(), chatReq(128))
	if !errors.Is(err, conduit.ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
	if next.calls.Load() != 0 {
		t.Error("caller fault must not fail over")
	}
}

func TestChatInsufficientBalance(t *testing.T) {
	t.Parallel()
	fp := &fakeProvider{name: "openai-a"}
	p, _, sink := newTestPipeline(t, []*fakeProvider{fp}, "0.000001", standardRule())

	// 1M max_tokens at $2/M reserves $2, far over the balance.
	_, err := p.Chat(context.Background(), testKey(), chatReq(1_000_000))
	if !errors.Is(err, conduit.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if fp.calls.Load() != 0 {
		t.Error("provider called despite failed reservation")
	}
	if len(sink.records()) != 0 {
		t.Error("no usage should be recorded")
	}
}

func TestChatModelNotAllowed(t *testing.T) {
	t.Parallel()
	fp := &fakeProvider{name: "openai-a"}
	p, _, _ := newTestPipeline(t, []*fakeProvider{fp}, "100", standardRule())

	key := testKey()
	key.AllowedModels = []string{"claude-*"}
	_, err := p.Chat(context.Background(), key, chatReq(128))
	if !errors.Is(err, conduit.ErrModelNotAllowed) {
		t.Fatalf("err = %v, want ErrModelNotAllowed", err)
	}
}

func TestChatUnknownModel(t *testing.T) {
	t.Parallel()
	fp := &fakeProvider{name: "openai-a"}
	p, _, _ := newTestPipeline(t, []*fakeProvider{fp}, "100", standardRule())

	req := chatReq(128)
	req.Model = "no-such-model"
	_, err := p.Chat(context.Background(), testKey(), req)
	if !errors.Is(err, conduit.ErrModelNotFound) {
		t.Fatalf("err = %v, want ErrModelNotFound", err)
	}
}

func TestChatRejectsMaxTokensOverContextWindow(t *testing.T) {
	t.Parallel()
	fp := &fakeProvider{name: "openai-a"}
	p, _, sink := newTestPipeline(t, []*fakeProvider{fp}, "100", standardRule())
	p.caps = capsWithWindow(8192)

	_, err := p.Chat(context.Background(), testKey(), chatReq(10_000))
	var re *conduit.RequestError
	if !errors.As(err, &re) || re.Code != conduit.CodeInvalidParameter || re.Param != "max_tokens" {
		t.Fatalf("err = %v, want invalid_parameter on max_tokens", err)
	}
	if !errors.Is(err, conduit.ErrInvalidRequest) {
		t.Errorf("err = %v, want ErrInvalidRequest sentinel", err)
	}
	if fp.calls.Load() != 0 {
		t.Error("provider called despite rejected max_tokens")
	}
	if len(sink.records()) != 0 {
		t.Error("no usage should be recorded")
	}

	// Streaming takes the same gate.
	req := chatReq(10_000)
	req.Stream = true
	if _, err := p.ChatStream(context.Background(), testKey(), req); !errors.As(err, &re) {
		t.Fatalf("stream err = %v, want invalid_parameter on max_tokens", err)
	}

	// A max_tokens inside the window passes validation and reaches the
	// provider.
	_, err = p.Chat(context.Background(), testKey(), chatReq(4096))
	if errors.As(err, &re) {
		t.Fatalf("in-window max_tokens rejected: %v", err)
	}
	if fp.calls.Load() != 1 {
		t.Errorf("provider calls = %d, want 1", fp.calls.Load())
	}
}

func TestChatBackfillsMissingUsage(t *testing.T) {
	t.Parallel()
	fp := &fakeProvider{name: "openai-a", chatFn: func(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
		return &conduit.ChatResponse{
			ID: "chatcmpl-3", Model: "real-model",
			Choices: []conduit.Choice{{Message: conduit.Message{Role: "assistant", Content: []byte(`"a longer answer here"`)}, FinishReason: "stop"}},
		}, nil
	}}
	p, _, sink := newTestPipeline(t, []*fakeProvider{fp}, "100", standardRule())

	resp, err := p.Chat(context.Background(), testKey(), chatReq(128))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Usage == nil || !resp.Usage.Estimated {
		t.Fatal("usage should be backfilled and flagged estimated")
	}
	recs := sink.records()
	if len(recs) != 1 || !recs[0].UsageEstimated {
		t.Error("record should carry the estimated flag")
	}
	if recs[0].CompletionTokens == 0 {
		t.Error("completion tokens should be estimated from response text")
	}
}

func TestChatUnpricedModelBillsZero(t *testing.T) {
	t.Parallel()
	fp := &fakeProvider{name: "openai-a", chatFn: func(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
		return &conduit.ChatResponse{
			ID: "chatcmpl-4", Model: "real-model",
			Usage: &conduit.Usage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20},
		}, nil
	}}
	p, groups, sink := newTestPipeline(t, []*fakeProvider{fp}, "100", nil)

	if _, err := p.Chat(context.Background(), testKey(), chatReq(128)); err != nil {
		t.Fatal(err)
	}
	recs := sink.records()
	if len(recs) != 1 || !recs[0].Cost.IsZero() {
		t.Errorf("unpriced model must bill zero, got %v", recs)
	}
	if len(groups.debits) != 0 {
		t.Errorf("debits = %v, want none", groups.debits)
	}
}

func TestChatStreamSettlesOnCompletion(t *testing.T) {
	t.Parallel()
	fp := &fakeProvider{name: "openai-a", streamFn: func(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
		ch := make(chan conduit.StreamChunk, 4)
		ch <- conduit.StreamChunk{Data: []byte(`{"choices":[{"delta":{"content":"Hel"}}]}`)}
		ch <- conduit.StreamChunk{Data: []byte(`{"choices":[{"delta":{"content":"lo"}}]}`)}
		ch <- conduit.StreamChunk{
			Data:  []byte(`{"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":7,"total_tokens":12}}`),
			Usage: &conduit.Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12},
		}
		ch <- conduit.StreamChunk{Done: true}
		close(ch)
		return ch, nil
	}}
	p, groups, sink := newTestPipeline(t, []*fakeProvider{fp}, "100", standardRule())

	req := chatReq(128)
	req.Stream = true
	out, err := p.ChatStream(context.Background(), testKey(), req)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for range out {
		n++
	}
	if n != 4 {
		t.Errorf("chunks = %d, want 4", n)
	}

	recs := sink.records()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].TotalTokens != 12 || recs[0].UsageEstimated {
		t.Errorf("record = %+v, want provider-reported 12 tokens", recs[0])
	}
	// 5/1M * $1 + 7/1M * $2 = $0.000019
	want := decimal.RequireFromString("0.000019")
	if len(groups.debits) != 1 || !groups.debits[0].Equal(want) {
		t.Errorf("debits = %v, want %s", groups.debits, want)
	}
	if !p.budget.Held("grp-1").IsZero() {
		t.Error("reservation not closed after stream")
	}
}

func TestChatStreamCancelledBeforeUsageBillsZero(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	fp := &fakeProvider{name: "openai-a", streamFn: func(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
		ch := make(chan conduit.StreamChunk)
		go func() {
			defer close(ch)
			ch <- conduit.StreamChunk{Data: []byte(`{"choices":[{"delta":{"content":"Hel"}}]}`)}
			<-release
		}()
		return ch, nil
	}}
	p, groups, sink := newTestPipeline(t, []*fakeProvider{fp}, "100", standardRule())

	ctx, cancel := context.WithCancel(context.Background())
	req := chatReq(128)
	req.Stream = true
	out, err := p.ChatStream(ctx, testKey(), req)
	if err != nil {
		t.Fatal(err)
	}

	<-out
	cancel()
	for range out {
	}
	close(release)

	recs := sink.records()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if !recs[0].Cost.IsZero() || recs[0].TotalTokens != 0 {
		t.Errorf("cancelled stream without usage must bill zero, got %+v", recs[0])
	}
	if recs[0].StatusCode != 499 {
		t.Errorf("status = %d, want 499", recs[0].StatusCode)
	}
	if len(groups.debits) != 0 {
		t.Errorf("debits = %v, want none", groups.debits)
	}
	if !p.budget.Held("grp-1").IsZero() {
		t.Error("reservation not released on cancel")
	}
}

func TestSpeechRejectsOversizedInput(t *testing.T) {
	t.Parallel()
	fp := &fakeProvider{name: "tts-a"}
	p, _, _ := newTestPipeline(t, []*fakeProvider{fp}, "100", nil)

	long := make([]byte, conduit.MaxSpeechInputChars+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := p.Speech(context.Background(), testKey(), &conduit.SpeechRequest{
		Model: testAlias, Input: string(long), Voice: "nova",
	})
	if !errors.Is(err, conduit.ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestTranscribeRequiresExactlyOneInput(t *testing.T) {
	t.Parallel()
	fp := &fakeProvider{name: "openai-a"}
	p, _, sink := newTestPipeline(t, []*fakeProvider{fp}, "100", nil)
	ctx := context.Background()

	var re *conduit.RequestError
	_, err := p.Transcribe(ctx, testKey(), &conduit.TranscriptionRequest{
		Model:     testAlias,
		AudioData: []byte("clip-bytes"),
		AudioURL:  "https://example.com/clip.mp3",
	})
	if !errors.As(err, &re) || re.Code != conduit.CodeInvalidOperation {
		t.Fatalf("both inputs: err = %v, want invalid_operation", err)
	}

	_, err = p.Transcribe(ctx, testKey(), &conduit.TranscriptionRequest{Model: testAlias})
	if !errors.As(err, &re) || re.Code != conduit.CodeMissingParameter {
		t.Fatalf("no input: err = %v, want missing_parameter", err)
	}
	if !errors.Is(err, conduit.ErrInvalidRequest) {
		t.Errorf("err = %v, want ErrInvalidRequest sentinel", err)
	}
	if len(sink.records()) != 0 {
		t.Error("no usage should be recorded")
	}
}

func TestGenerateImageRequiresCapableProvider(t *testing.T) {
	t.Parallel()
	fp := &fakeProvider{name: "openai-a"} // no ImageGenerator
	p, _, _ := newTestPipeline(t, []*fakeProvider{fp}, "100", nil)

	_, err := p.GenerateImage(context.Background(), testKey(), &conduit.ImageRequest{
		Model: testAlias, Prompt: "a lighthouse",
	})
	if !errors.Is(err, conduit.ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
}
