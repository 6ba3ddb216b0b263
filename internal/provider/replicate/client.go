// Package replicate implements the conduit.Provider adapter for
// Replicate, used for image generation models. Predictions are created
// in sync-wait mode and polled when the upstream answers early.
package replicate

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

const (
	defaultBaseURL = "https://api.replicate.com/v1"
	pollInterval   = time.Second
)

var (
	_ conduit.Provider       = (*Client)(nil)
	_ conduit.ImageGenerator = (*Client)(nil)
)

// Client calls the Replicate API. The bearer credential travels in the
// http.Client's transport chain.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
}

// New creates a Replicate client. An empty baseURL uses the public
// endpoint.
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
func (c *Client) Type() string { return conduit.ProviderReplicate }

// ChatCompletion is unsupported; the adapter serves image models.
func (c *Client) ChatCompletion(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	return nil, fmt.Errorf("replicate: chat: %w", conduit.ErrInvalidRequest)
}

// ChatCompletionStream is unsupported; the adapter serves image models.
func (c *Client) ChatCompletionStream(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	return nil, fmt.Errorf("replicate: chat: %w", conduit.ErrInvalidRequest)
}

// Embeddings is unsupported; the adapter serves image models.
func (c *Client) Embeddings(ctx context.Context, req *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
	return nil, fmt.Errorf("replicate: embeddings: %w", conduit.ErrInvalidRequest)
}

// GenerateImage creates a prediction for the model and waits for its
// output. Model is "owner/name"; the input vocabulary follows the common
// diffusion model conventions.
func (c *Client) GenerateImage(ctx context.Context, req *conduit.ImageRequest) (*conduit.ImageResponse, error) {
	input := map[string]any{"prompt": req.Prompt}
	if req.N > 1 {
		input["num_outputs"] = req.N
	}
	if req.Size != "" {
		var w, h int
		if _, err := fmt.Sscanf(req.Size, "%dx%d", &w, &h); err == nil {
			input["width"] = w
			input["height"] = h
		}
	}

	body, _ := json.Marshal(map[string]any{"input": input})
	u := fmt.Sprintf("%s/models/%s/predictions", c.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("replicate: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Prefer", "wait=60")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.ClassifyTransport(c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, provider.ClassifyResponse(c.name, resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("replicate: read response: %w", err)
	}

	pred := gjson.ParseBytes(data)
	for !terminal(pred.Get("status").String()) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
		pred, err = c.getPrediction(ctx, pred.Get("id").String())
		if err != nil {
			return nil, err
		}
	}

	if pred.Get("status").String() != "succeeded" {
		msg := pred.Get("error").String()
		return nil, &conduit.ProviderError{
			Provider: c.name,
			Kind:     conduit.ErrProviderUnavailable,
			Body:     fmt.Sprintf("prediction %s: %s", pred.Get("status").String(), msg),
		}
	}

	out := &conduit.ImageResponse{Created: time.Now().Unix()}
	output := pred.Get("output")
	if output.IsArray() {
		output.ForEach(func(_, v gjson.Result) bool {
			out.Data = append(out.Data, conduit.ImageDatum{URL: v.String()})
			return true
		})
	} else if output.Exists() {
		out.Data = append(out.Data, conduit.ImageDatum{URL: output.String()})
	}
	return out, nil
}

func terminal(status string) bool {
	switch status {
	case "succeeded", "failed", "canceled":
		return true
	}
	return false
}

func (c *Client) getPrediction(ctx context.Context, id string) (gjson.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/predictions/"+id, nil)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("replicate: create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, provider.ClassifyTransport(c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, provider.ClassifyResponse(c.name, resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("replicate: read response: %w", err)
	}
	return gjson.ParseBytes(data), nil
}

// ListModels is not meaningful against the hub-wide API; the configured
// mappings define the usable models.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	return nil, nil
}

// VerifyAuthentication probes GET /account, which validates the token
// without invoking a model.
func (c *Client) VerifyAuthentication(ctx context.Context) *conduit.AuthProbeResult {
	start := time.Now()
	var err error
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/account", nil)
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

	res := &conduit.AuthProbeResult{
		OK:             err == nil,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		res.Message = err.Error()
	}
	return res
}

// Capabilities reports feature support; the adapter serves image models.
func (c *Client) Capabilities(modelID string) conduit.ProviderCapabilities {
	return conduit.ProviderCapabilities{
		ImageGeneration: true,
	}
}
