// Package cohere implements the conduit.Provider adapter for the Cohere
// chat and embed APIs.
package cohere

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
	"github.com/knnlabs/Conduit-sub015/internal/provider"
	"github.com/knnlabs/Conduit-sub015/internal/provider/sseutil"
)

const defaultBaseURL = "https://api.cohere.com/v1"

var _ conduit.Provider = (*Client)(nil)

// Client calls the Cohere API. The bearer credential travels in the
// http.Client's transport chain.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
}

// New creates a Cohere client. An empty baseURL uses the public endpoint.
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
func (c *Client) Type() string { return conduit.ProviderCohere }

func (c *Client) post(ctx context.Context, path string, in any) (*http.Response, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("cohere: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cohere: create request: %w", err)
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

// ChatCompletion sends a non-streaming chat request to /chat.
func (c *Client) ChatCompletion(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	outReq := translateRequest(req)
	outReq.Stream = false

	resp, err := c.post(ctx, "/chat", outReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cohere: read response: %w", err)
	}
	out, err := translateResponse(data)
	if err != nil {
		return nil, err
	}
	out.Model = req.Model
	return out, nil
}

// ChatCompletionStream sends a streaming chat request. Cohere frames the
// stream as newline-delimited event_type objects.
func (c *Client) ChatCompletionStream(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	outReq := translateRequest(req)
	outReq.Stream = true

	resp, err := c.post(ctx, "/chat", outReq)
	if err != nil {
		return nil, err
	}

	tr := &streamTranslator{model: req.Model}
	ch := make(chan conduit.StreamChunk, 8)
	go sseutil.ReadNDJSONStream(ctx, c.name, resp, ch, tr.translate)
	return ch, nil
}

// Embeddings calls /embed. Cohere takes a texts array and returns bare
// float vectors; both directions are reshaped to the OpenAI layout.
func (c *Client) Embeddings(ctx context.Context, req *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
	texts, err := embeddingInputs(req.Input)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, "/embed", map[string]any{
		"model":      req.Model,
		"texts":      texts,
		"input_type": "search_document",
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cohere: read response: %w", err)
	}

	type datum struct {
		Object    string          `json:"object"`
		Index     int             `json:"index"`
		Embedding json.RawMessage `json:"embedding"`
	}
	var data []datum
	gjson.GetBytes(body, "embeddings").ForEach(func(i, vec gjson.Result) bool {
		data = append(data, datum{Object: "embedding", Index: len(data), Embedding: json.RawMessage(vec.Raw)})
		return true
	})
	encoded, _ := json.Marshal(data)

	out := &conduit.EmbeddingResponse{Object: "list", Data: encoded, Model: req.Model}
	if bu := gjson.GetBytes(body, "meta.billed_units"); bu.Exists() {
		in := int(bu.Get("input_tokens").Int())
		out.Usage = &conduit.Usage{PromptTokens: in, TotalTokens: in}
	}
	return out, nil
}

// embeddingInputs normalizes the OpenAI input field (string or array of
// strings) to a texts slice.
func embeddingInputs(input json.RawMessage) ([]string, error) {
	r := gjson.ParseBytes(input)
	if r.Type == gjson.String {
		return []string{r.String()}, nil
	}
	if !r.IsArray() {
		return nil, fmt.Errorf("embedding input must be a string or array of strings: %w", conduit.ErrInvalidRequest)
	}
	var texts []string
	r.ForEach(func(_, v gjson.Result) bool {
		texts = append(texts, v.String())
		return true
	})
	return texts, nil
}

// ListModels returns the model names advertised by GET /models.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("cohere: create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, provider.ClassifyTransport(c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ClassifyResponse(c.name, resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cohere: read response: %w", err)
	}
	var ids []string
	gjson.GetBytes(body, "models.#.name").ForEach(func(_, v gjson.Result) bool {
		ids = append(ids, v.String())
		return true
	})
	return ids, nil
}

// VerifyAuthentication probes GET /models and reports the outcome
// without failing.
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

// Capabilities reports parameter and feature support.
func (c *Client) Capabilities(modelID string) conduit.ProviderCapabilities {
	return conduit.ProviderCapabilities{
		Chat: conduit.ChatParameters{
			Temperature: true,
			MaxTokens:   true,
			TopP:        true,
			TopK:        true,
			Stop:        true,
			Tools:       true,
		},
		Streaming:       true,
		Embeddings:      true,
		FunctionCalling: true,
	}
}
