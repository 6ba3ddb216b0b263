// Package vertex implements the conduit.Provider adapter for Gemini
// models served through Vertex AI. OAuth credentials travel in the
// http.Client's transport chain.
package vertex

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
)

var (
	_ conduit.Provider    = (*Client)(nil)
	_ conduit.NativeProxy = (*Client)(nil)
)

// Client calls the Vertex AI Gemini API. baseURL must be the publisher
// model root for the target project and region, e.g.
// https://us-central1-aiplatform.googleapis.com/v1/projects/p/locations/us-central1/publishers/google.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
}

// New creates a Vertex AI client.
func New(name, baseURL string, client *http.Client) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("vertex requires a base URL with project and location: %w", conduit.ErrConfiguration)
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{name: name, baseURL: strings.TrimRight(baseURL, "/"), http: client}, nil
}

// Name returns the instance identifier.
func (c *Client) Name() string { return c.name }

// Type returns the provider type tag.
func (c *Client) Type() string { return conduit.ProviderVertex }

func (c *Client) modelURL(model, verb string) string {
	return fmt.Sprintf("%s/models/%s:%s", c.baseURL, model, verb)
}

func (c *Client) post(ctx context.Context, url string, in any) (*http.Response, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("vertex: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("vertex: create request: %w", err)
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

// ChatCompletion sends a non-streaming generateContent request.
func (c *Client) ChatCompletion(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	resp, err := c.post(ctx, c.modelURL(req.Model, "generateContent"), translateRequest(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("vertex: read response: %w", err)
	}
	return translateResponse(data, req.Model)
}

// ChatCompletionStream sends a streaming generateContent request with SSE
// framing.
func (c *Client) ChatCompletionStream(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	resp, err := c.post(ctx, c.modelURL(req.Model, "streamGenerateContent")+"?alt=sse", translateRequest(req))
	if err != nil {
		return nil, err
	}

	ch := make(chan conduit.StreamChunk, 8)
	go readStream(ctx, resp.Body, ch, req.Model)
	return ch, nil
}

// Embeddings calls predict on an embedding model. Vertex takes one
// instance per input text and returns vectors in the same order.
func (c *Client) Embeddings(ctx context.Context, req *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
	var texts []string
	r := gjson.ParseBytes(req.Input)
	if r.Type == gjson.String {
		texts = []string{r.String()}
	} else if r.IsArray() {
		r.ForEach(func(_, v gjson.Result) bool {
			texts = append(texts, v.String())
			return true
		})
	} else {
		return nil, fmt.Errorf("embedding input must be a string or array of strings: %w", conduit.ErrInvalidRequest)
	}

	instances := make([]map[string]any, len(texts))
	for i, t := range texts {
		instances[i] = map[string]any{"content": t}
	}

	resp, err := c.post(ctx, c.modelURL(req.Model, "predict"), map[string]any{"instances": instances})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("vertex: read response: %w", err)
	}

	type datum struct {
		Object    string          `json:"object"`
		Index     int             `json:"index"`
		Embedding json.RawMessage `json:"embedding"`
	}
	var data []datum
	gjson.GetBytes(body, "predictions").ForEach(func(_, pred gjson.Result) bool {
		values := pred.Get("embeddings.values").Raw
		data = append(data, datum{Object: "embedding", Index: len(data), Embedding: json.RawMessage(values)})
		return true
	})
	encoded, _ := json.Marshal(data)

	return &conduit.EmbeddingResponse{Object: "list", Data: encoded, Model: req.Model}, nil
}

// ListModels returns the publisher models visible under the configured
// project root.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("vertex: create request: %w", err)
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
		return nil, fmt.Errorf("vertex: read response: %w", err)
	}
	var ids []string
	gjson.GetBytes(body, "publisherModels").ForEach(func(_, m gjson.Result) bool {
		name := m.Get("name").String()
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		ids = append(ids, name)
		return true
	})
	return ids, nil
}

// VerifyAuthentication probes the model list endpoint, exercising the
// OAuth token source, and reports the outcome without failing.
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
		Vision:          true,
		FunctionCalling: true,
	}
}

// ProxyRequest forwards a raw HTTP request to the Vertex AI API.
func (c *Client) ProxyRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, path string) error {
	return provider.ForwardRequest(ctx, c.http, c.baseURL, nil, w, r, path)
}
