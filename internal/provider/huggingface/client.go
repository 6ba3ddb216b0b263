// Package huggingface implements the conduit.Provider adapter for the
// HuggingFace Inference API text-generation and feature-extraction
// pipelines.
package huggingface

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

const defaultBaseURL = "https://api-inference.huggingface.co"

var _ conduit.Provider = (*Client)(nil)

// Client calls the HuggingFace Inference API. The bearer credential
// travels in the http.Client's transport chain.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
}

// New creates a HuggingFace client. An empty baseURL uses the hosted
// inference endpoint.
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
func (c *Client) Type() string { return conduit.ProviderHuggingFace }

func (c *Client) post(ctx context.Context, model string, in any) (*http.Response, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("huggingface: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/models/"+model, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("huggingface: create request: %w", err)
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

// ChatCompletion renders the conversation as a prompt and sends an
// {inputs, parameters, options} request. HuggingFace reports no token
// usage; the response is left for downstream estimation.
func (c *Client) ChatCompletion(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	resp, err := c.post(ctx, req.Model, translateRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("huggingface: read response: %w", err)
	}

	text := gjson.GetBytes(data, "0.generated_text").String()
	if text == "" {
		text = gjson.GetBytes(data, "generated_text").String()
	}
	content, _ := json.Marshal(text)

	return &conduit.ChatResponse{
		ID:     "hf-" + req.Model,
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []conduit.Choice{{
			Index:        0,
			Message:      conduit.Message{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
	}, nil
}

// ChatCompletionStream streams token events from a TGI-backed model.
func (c *Client) ChatCompletionStream(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	resp, err := c.post(ctx, req.Model, translateRequest(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan conduit.StreamChunk, 8)
	go readStream(ctx, resp.Body, ch, req.Model)
	return ch, nil
}

// readStream reads TGI SSE token events. The terminal event carries
// generated_text and generation details.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- conduit.StreamChunk, model string) {
	defer close(ch)
	defer body.Close()

	id := "hf-" + model
	first := true
	scanner := sseutil.NewScanner(body)
	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		r := gjson.Parse(data)

		if r.Get("generated_text").Type != gjson.Null && r.Get("generated_text").Exists() {
			finish := "stop"
			if r.Get("details.finish_reason").String() == "length" {
				finish = "length"
			}
			chunk := sseutil.BuildFinishChunk(id, model, finish)
			usage := &conduit.Usage{
				CompletionTokens: int(r.Get("details.generated_tokens").Int()),
			}
			usage.TotalTokens = usage.CompletionTokens
			usage.Estimated = true // prompt tokens are not reported
			ch <- conduit.StreamChunk{Data: chunk, Usage: usage}
			ch <- conduit.StreamChunk{Done: true}
			return
		}

		text := r.Get("token.text").String()
		if r.Get("token.special").Bool() {
			continue
		}
		delta := map[string]any{"content": text}
		if first {
			delta["role"] = "assistant"
			first = false
		}
		select {
		case ch <- conduit.StreamChunk{Data: sseutil.BuildDeltaChunk(id, model, delta, "")}:
		case <-ctx.Done():
			ch <- conduit.StreamChunk{Err: ctx.Err()}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- conduit.StreamChunk{Err: fmt.Errorf("huggingface: read stream: %w", err)}
		return
	}
	ch <- conduit.StreamChunk{Done: true}
}

// Embeddings calls the feature-extraction pipeline, which takes raw
// inputs and returns bare vectors in input order.
func (c *Client) Embeddings(ctx context.Context, req *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
	resp, err := c.post(ctx, req.Model, map[string]any{
		"inputs":  req.Input,
		"options": map[string]any{"wait_for_model": true},
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("huggingface: read response: %w", err)
	}

	type datum struct {
		Object    string          `json:"object"`
		Index     int             `json:"index"`
		Embedding json.RawMessage `json:"embedding"`
	}
	var data []datum
	r := gjson.ParseBytes(body)
	if r.IsArray() && r.Get("0").IsArray() {
		r.ForEach(func(_, vec gjson.Result) bool {
			data = append(data, datum{Object: "embedding", Index: len(data), Embedding: json.RawMessage(vec.Raw)})
			return true
		})
	} else if r.IsArray() {
		// Single input returns one bare vector.
		data = append(data, datum{Object: "embedding", Index: 0, Embedding: json.RawMessage(r.Raw)})
	}
	encoded, _ := json.Marshal(data)

	return &conduit.EmbeddingResponse{Object: "list", Data: encoded, Model: req.Model}, nil
}

// ListModels is not meaningful against the hub-wide inference endpoint;
// the configured mappings define the usable models.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	return nil, nil
}

// VerifyAuthentication probes the whoami endpoint, which validates the
// token without invoking a model.
func (c *Client) VerifyAuthentication(ctx context.Context) *conduit.AuthProbeResult {
	start := time.Now()
	var err error
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://huggingface.co/api/whoami-v2", nil)
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

// Capabilities reports parameter and feature support for the
// text-generation pipeline.
func (c *Client) Capabilities(modelID string) conduit.ProviderCapabilities {
	return conduit.ProviderCapabilities{
		Chat: conduit.ChatParameters{
			Temperature: true,
			MaxTokens:   true,
			TopP:        true,
			TopK:        true,
			Stop:        true,
			Seed:        true,
		},
		Streaming:  true,
		Embeddings: true,
	}
}
