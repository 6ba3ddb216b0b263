// Package openai implements the conduit.Provider adapter for the OpenAI
// API and the OpenAI-compatible family (Azure OpenAI deployments, Groq,
// Cerebras, SambaNova, Fireworks, MiniMax, and generic compatible
// endpoints), which share its wire dialect.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
	"github.com/knnlabs/Conduit-sub015/internal/provider"
	"github.com/knnlabs/Conduit-sub015/internal/provider/sseutil"
)

const defaultBaseURL = "https://api.openai.com/v1"

var (
	_ conduit.Provider          = (*Client)(nil)
	_ conduit.ImageGenerator    = (*Client)(nil)
	_ conduit.Transcriber       = (*Client)(nil)
	_ conduit.SpeechSynthesizer = (*Client)(nil)
	_ conduit.SpeechStreamer    = (*Client)(nil)
	_ conduit.RealtimeProvider  = (*Client)(nil)
	_ conduit.NativeProxy       = (*Client)(nil)
)

// Client speaks the OpenAI wire dialect. One Client serves the native API,
// an Azure deployment, or any compatible vendor; typeTag records which.
type Client struct {
	name    string
	typeTag string
	baseURL string
	http    *http.Client
	azure   bool
}

// New creates a Client for the native OpenAI API. The provided client
// carries auth in its transport chain; an empty baseURL uses the public
// endpoint.
func New(name, baseURL string, client *http.Client) *Client {
	return NewCompatible(name, conduit.ProviderOpenAI, baseURL, client)
}

// NewCompatible creates a Client for an OpenAI-compatible vendor. typeTag
// is the configured provider type (groq, cerebras, minimax, ...); baseURL
// must point at the vendor's /v1 root.
func NewCompatible(name, typeTag, baseURL string, client *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		name:    name,
		typeTag: typeTag,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
		azure:   typeTag == conduit.ProviderAzureOpenAI,
	}
}

// Name returns the instance identifier.
func (c *Client) Name() string { return c.name }

// Type returns the configured provider type tag.
func (c *Client) Type() string { return c.typeTag }

// post sends a JSON body and decodes a JSON response into out.
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", c.typeTag, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", c.typeTag, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return provider.ClassifyTransport(c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return provider.ClassifyResponse(c.name, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", c.typeTag, err)
	}
	return nil
}

// ChatCompletion sends a non-streaming chat completion request. The
// canonical request shape is already the OpenAI dialect, so it goes over
// the wire unchanged.
func (c *Client) ChatCompletion(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	var out conduit.ChatResponse
	if err := c.post(ctx, "/chat/completions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatCompletionStream sends a streaming chat completion request. Raw SSE
// data payloads are forwarded as-is in StreamChunk.Data; the channel is
// closed after a Done sentinel or an error chunk.
func (c *Client) ChatCompletionStream(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	// Force stream=true and request usage in the final chunk.
	outReq := *req
	outReq.Stream = true
	if outReq.StreamOptions == nil {
		outReq.StreamOptions = &conduit.StreamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(&outReq)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.typeTag, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.typeTag, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.ClassifyTransport(c.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ClassifyResponse(c.name, resp)
	}

	ch := make(chan conduit.StreamChunk, 8)
	go sseutil.ReadSSEStream(ctx, c.name, resp, ch)
	return ch, nil
}

// Embeddings generates embeddings for input text.
func (c *Client) Embeddings(ctx context.Context, req *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
	var out conduit.EmbeddingResponse
	if err := c.post(ctx, "/embeddings", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// listModelsResponse is the envelope returned by GET /models.
type listModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels returns the IDs of all models the upstream advertises. Azure
// deployment URLs have no GET /models; they return a nil slice.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	if c.azure {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.typeTag, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, provider.ClassifyTransport(c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ClassifyResponse(c.name, resp)
	}
	var out listModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode models response: %w", c.typeTag, err)
	}
	ids := make([]string, len(out.Data))
	for i, m := range out.Data {
		ids[i] = m.ID
	}
	return ids, nil
}

// VerifyAuthentication probes the upstream with a lightweight request and
// reports the outcome without failing.
func (c *Client) VerifyAuthentication(ctx context.Context) *conduit.AuthProbeResult {
	start := time.Now()
	var err error
	if c.azure {
		// Azure deployments have no GET /models; a HEAD to the base URL
		// verifies reachability and credential acceptance.
		var req *http.Request
		req, err = http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL, nil)
		if err == nil {
			var resp *http.Response
			resp, err = c.http.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
					err = fmt.Errorf("credential rejected (HTTP %d)", resp.StatusCode)
				}
			}
		}
	} else {
		_, err = c.ListModels(ctx)
	}

	res := &conduit.AuthProbeResult{
		OK:             err == nil,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		res.Message = err.Error()
	}
	return res
}

// Capabilities reports parameter and feature support. The OpenAI dialect
// honors the full canonical parameter set.
func (c *Client) Capabilities(modelID string) conduit.ProviderCapabilities {
	native := c.typeTag == conduit.ProviderOpenAI || c.azure
	return conduit.ProviderCapabilities{
		Chat: conduit.ChatParameters{
			Temperature:      true,
			MaxTokens:        true,
			TopP:             true,
			Stop:             true,
			PresencePenalty:  true,
			FrequencyPenalty: true,
			LogitBias:        true,
			N:                true,
			User:             true,
			Seed:             true,
			ResponseFormat:   true,
			Tools:            true,
		},
		Streaming:       true,
		Embeddings:      true,
		Vision:          native,
		ImageGeneration: native,
		FunctionCalling: true,
		Transcription:   native,
		TextToSpeech:    native,
		Realtime:        native,
	}
}

// ProxyRequest forwards a raw HTTP request to the upstream API. It
// implements the conduit.NativeProxy interface.
func (c *Client) ProxyRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, path string) error {
	return provider.ForwardRequest(ctx, c.http, c.baseURL, nil, w, r, path)
}
