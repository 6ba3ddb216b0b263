// Package ollama implements the conduit.Provider and conduit.NativeProxy
// adapters for local Ollama instances, speaking the native /api dialect.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
	"github.com/knnlabs/Conduit-sub015/internal/provider"
	"github.com/knnlabs/Conduit-sub015/internal/provider/sseutil"
)

const defaultBaseURL = "http://localhost:11434"

var (
	_ conduit.Provider    = (*Client)(nil)
	_ conduit.NativeProxy = (*Client)(nil)
)

// Client calls the native Ollama API. Local instances normally run
// without credentials; when a key is configured it travels in the
// http.Client's transport chain.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
}

// New creates an Ollama client. An empty baseURL uses the local default.
func New(name, baseURL string, client *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{name: name, baseURL: strings.TrimRight(baseURL, "/"), http: client}
}

// Name returns the instance identifier.
func (c *Client) Name() string { return c.name }

// Type returns the provider type tag.
func (c *Client) Type() string { return conduit.ProviderOllama }

func (c *Client) post(ctx context.Context, path string, in any) (*http.Response, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, provider.ClassifyTransport(c.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ClassifyResponse(c.name, resp)
	}
	return resp, nil
}

// ChatCompletion sends a non-streaming request to /api/chat.
func (c *Client) ChatCompletion(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	outReq := translateRequest(req)
	outReq.Stream = false

	resp, err := c.post(ctx, "/api/chat", outReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ollama: read response: %w", err)
	}
	c.logPerf(data)
	return translateResponse(data), nil
}

// ChatCompletionStream sends a streaming request to /api/chat. Ollama
// frames the stream as newline-delimited JSON with a done terminator.
func (c *Client) ChatCompletionStream(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	outReq := translateRequest(req)
	outReq.Stream = true

	resp, err := c.post(ctx, "/api/chat", outReq)
	if err != nil {
		return nil, err
	}

	id := "chatcmpl-" + uuid.NewString()
	model := req.Model
	first := true
	translate := func(line []byte) (conduit.StreamChunk, bool) {
		r := gjson.ParseBytes(line)
		if r.Get("done").Bool() {
			c.logPerf(line)
			usage := usageFrom(r)
			chunk := sseutil.BuildFinishChunk(id, model, mapDoneReason(r.Get("done_reason").String()))
			return conduit.StreamChunk{Data: chunk, Usage: usage}, true
		}
		delta := map[string]any{"content": r.Get("message.content").String()}
		if first {
			delta["role"] = "assistant"
			first = false
		}
		return conduit.StreamChunk{Data: sseutil.BuildDeltaChunk(id, model, delta, "")}, false
	}

	ch := make(chan conduit.StreamChunk, 8)
	go sseutil.ReadNDJSONStream(ctx, c.name, resp, ch, translate)
	return ch, nil
}

// logPerf reports the generation timing Ollama attaches to terminal
// responses, converted from nanoseconds to seconds.
func (c *Client) logPerf(data []byte) {
	r := gjson.ParseBytes(data)
	total := r.Get("total_duration").Int()
	if total == 0 {
		return
	}
	evalSecs := durationSeconds(r.Get("eval_duration").Int())
	attrs := []any{
		slog.String("provider", c.name),
		slog.String("model", r.Get("model").String()),
		slog.Float64("total_seconds", durationSeconds(total)),
		slog.Float64("prompt_eval_seconds", durationSeconds(r.Get("prompt_eval_duration").Int())),
		slog.Float64("eval_seconds", evalSecs),
	}
	if tokens := r.Get("eval_count").Int(); tokens > 0 && evalSecs > 0 {
		attrs = append(attrs, slog.Float64("tokens_per_second", float64(tokens)/evalSecs))
	}
	slog.Debug("ollama generation", attrs...)
}

// Embeddings calls /api/embed, which takes a string or array input and
// returns bare float vectors.
func (c *Client) Embeddings(ctx context.Context, req *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
	resp, err := c.post(ctx, "/api/embed", map[string]any{
		"model": req.Model,
		"input": req.Input,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ollama: read response: %w", err)
	}

	type datum struct {
		Object    string          `json:"object"`
		Index     int             `json:"index"`
		Embedding json.RawMessage `json:"embedding"`
	}
	var data []datum
	gjson.GetBytes(body, "embeddings").ForEach(func(_, vec gjson.Result) bool {
		data = append(data, datum{Object: "embedding", Index: len(data), Embedding: json.RawMessage(vec.Raw)})
		return true
	})
	encoded, _ := json.Marshal(data)

	out := &conduit.EmbeddingResponse{Object: "list", Data: encoded, Model: req.Model}
	if in := int(gjson.GetBytes(body, "prompt_eval_count").Int()); in > 0 {
		out.Usage = &conduit.Usage{PromptTokens: in, TotalTokens: in}
	}
	return out, nil
}

// ListModels returns the locally available models from /api/tags.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, provider.ClassifyTransport(c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ClassifyResponse(c.name, resp)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("ollama: read response: %w", err)
	}
	var ids []string
	gjson.GetBytes(body, "models.#.name").ForEach(func(_, v gjson.Result) bool {
		ids = append(ids, v.String())
		return true
	})
	return ids, nil
}

// VerifyAuthentication probes /api/tags; for a local instance this is a
// reachability check.
func (c *Client) VerifyAuthentication(ctx context.Context) *conduit.AuthProbeResult {
	start := time.Now()
	_, err := c.ListModels(ctx)

	res := &conduit.AuthProbeResult{
		OK:             err == nil,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		res.Message = err.Error()
	}
	return res
}

// Capabilities reports parameter and feature support. Model-level
// capability differences (vision, tools) are resolved by the capability
// service; the adapter reports the dialect's ceiling.
func (c *Client) Capabilities(modelID string) conduit.ProviderCapabilities {
	return conduit.ProviderCapabilities{
		Chat: conduit.ChatParameters{
			Temperature: true,
			MaxTokens:   true,
			TopP:        true,
			TopK:        true,
			Stop:        true,
			Seed:        true,
			Tools:       true,
		},
		Streaming:       true,
		Embeddings:      true,
		Vision:          true,
		FunctionCalling: true,
	}
}

// ProxyRequest forwards a raw HTTP request to the native Ollama API.
func (c *Client) ProxyRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, path string) error {
	return provider.ForwardRequest(ctx, c.http, c.baseURL+"/api", nil, w, r, path)
}
