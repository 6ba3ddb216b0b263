// Package anthropic implements the conduit.Provider adapter for the
// Anthropic Messages API, translating between the canonical OpenAI
// dialect and Anthropic's request and event shapes.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
	"github.com/knnlabs/Conduit-sub015/internal/provider"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"
)

var (
	_ conduit.Provider    = (*Client)(nil)
	_ conduit.NativeProxy = (*Client)(nil)
)

// Client calls the Anthropic Messages API directly. The x-api-key
// credential travels in the http.Client's transport chain.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
}

// New creates an Anthropic client. An empty baseURL uses the public
// endpoint.
func New(name, baseURL string, client *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
	}
}

// Name returns the instance identifier.
func (c *Client) Name() string { return c.name }

// Type returns the provider type tag.
func (c *Client) Type() string { return conduit.ProviderAnthropic }

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	req.Header.Set("anthropic-version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// ChatCompletion sends a non-streaming chat request to /messages and
// translates the response back to the canonical shape.
func (c *Client) ChatCompletion(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	outReq, err := translateRequest(req)
	if err != nil {
		return nil, err
	}
	outReq.Stream = false

	body, err := json.Marshal(outReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.ClassifyTransport(c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ClassifyResponse(c.name, resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}
	return translateResponse(data)
}

// ChatCompletionStream sends a streaming chat request and translates the
// Anthropic event stream into OpenAI-format chunks.
func (c *Client) ChatCompletionStream(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	outReq, err := translateRequest(req)
	if err != nil {
		return nil, err
	}
	outReq.Stream = true

	body, err := json.Marshal(outReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.ClassifyTransport(c.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ClassifyResponse(c.name, resp)
	}

	ch := make(chan conduit.StreamChunk, 8)
	go readStream(ctx, resp.Body, ch)
	return ch, nil
}

// Embeddings is unsupported; Anthropic has no embeddings endpoint.
func (c *Client) Embeddings(ctx context.Context, req *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
	return nil, fmt.Errorf("anthropic: embeddings: %w", conduit.ErrInvalidRequest)
}

// ListModels returns the model IDs advertised by GET /models.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, provider.ClassifyTransport(c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ClassifyResponse(c.name, resp)
	}
	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("anthropic: decode models response: %w", err)
	}
	ids := make([]string, len(out.Data))
	for i, m := range out.Data {
		ids[i] = m.ID
	}
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

// Capabilities reports parameter and feature support. Penalties, logit
// bias, n, seed, and response_format have no Messages API equivalent and
// are dropped by translation.
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
		Vision:          true,
		FunctionCalling: true,
	}
}

// ProxyRequest forwards a raw HTTP request to the upstream API with the
// version header applied.
func (c *Client) ProxyRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, path string) error {
	setAuth := func(h http.Header) {
		h.Set("anthropic-version", apiVersion)
	}
	return provider.ForwardRequest(ctx, c.http, c.baseURL, setAuth, w, r, path)
}
