// Package elevenlabs implements the conduit.Provider adapter for the
// ElevenLabs text-to-speech API, including native audio streaming.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
	"github.com/knnlabs/Conduit-sub015/internal/provider"
)

const defaultBaseURL = "https://api.elevenlabs.io/v1"

var (
	_ conduit.Provider          = (*Client)(nil)
	_ conduit.SpeechSynthesizer = (*Client)(nil)
	_ conduit.SpeechStreamer    = (*Client)(nil)
)

// Client calls the ElevenLabs API. The xi-api-key credential travels in
// the http.Client's transport chain.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
}

// New creates an ElevenLabs client. An empty baseURL uses the public
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
func (c *Client) Type() string { return conduit.ProviderElevenLabs }

// ChatCompletion is unsupported; ElevenLabs serves audio only.
func (c *Client) ChatCompletion(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	return nil, fmt.Errorf("elevenlabs: chat: %w", conduit.ErrInvalidRequest)
}

// ChatCompletionStream is unsupported; ElevenLabs serves audio only.
func (c *Client) ChatCompletionStream(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	return nil, fmt.Errorf("elevenlabs: chat: %w", conduit.ErrInvalidRequest)
}

// Embeddings is unsupported; ElevenLabs serves audio only.
func (c *Client) Embeddings(ctx context.Context, req *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
	return nil, fmt.Errorf("elevenlabs: embeddings: %w", conduit.ErrInvalidRequest)
}

// speechBody builds the synthesis request body. Voice settings are only
// attached when the caller supplied a knob they control.
func speechBody(req *conduit.SpeechRequest) map[string]any {
	body := map[string]any{"text": req.Input}
	if req.Model != "" {
		body["model_id"] = req.Model
	}
	return body
}

// outputFormat maps canonical response formats onto ElevenLabs format
// codes. The API couples container and sample rate into one token.
func outputFormat(req *conduit.SpeechRequest) string {
	switch req.ResponseFormat {
	case "", "mp3":
		return "mp3_44100_128"
	case "pcm":
		rate := req.SampleRate
		if rate == 0 {
			rate = 24000
		}
		return fmt.Sprintf("pcm_%d", rate)
	case "ulaw":
		return "ulaw_8000"
	case "opus":
		return "opus_48000_128"
	default:
		return "mp3_44100_128"
	}
}

func contentTypeFor(format string) string {
	switch {
	case strings.HasPrefix(format, "mp3"):
		return "audio/mpeg"
	case strings.HasPrefix(format, "pcm"):
		return "audio/pcm"
	case strings.HasPrefix(format, "ulaw"):
		return "audio/basic"
	case strings.HasPrefix(format, "opus"):
		return "audio/opus"
	default:
		return "application/octet-stream"
	}
}

func (c *Client) speechURL(req *conduit.SpeechRequest, stream bool) (string, error) {
	if req.Voice == "" {
		return "", fmt.Errorf("elevenlabs requires a voice id: %w", conduit.ErrInvalidRequest)
	}
	u := c.baseURL + "/text-to-speech/" + url.PathEscape(req.Voice)
	if stream {
		u += "/stream"
	}
	return u + "?output_format=" + outputFormat(req), nil
}

// Speech synthesizes the complete audio payload.
func (c *Client) Speech(ctx context.Context, req *conduit.SpeechRequest) (*conduit.SpeechResponse, error) {
	if len(req.Input) > conduit.MaxSpeechInputChars {
		return nil, fmt.Errorf("speech input exceeds %d characters: %w",
			conduit.MaxSpeechInputChars, conduit.ErrPayloadTooLarge)
	}
	u, err := c.speechURL(req, false)
	if err != nil {
		return nil, err
	}

	body, _ := json.Marshal(speechBody(req))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.ClassifyTransport(c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ClassifyResponse(c.name, resp)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read audio: %w", err)
	}

	return &conduit.SpeechResponse{
		Audio:       audio,
		ContentType: contentTypeFor(outputFormat(req)),
		Usage:       conduit.AudioUsage{CharacterCount: len([]rune(req.Input))},
	}, nil
}

// StreamSpeech streams synthesized audio natively from the /stream
// endpoint as the upstream produces it.
func (c *Client) StreamSpeech(ctx context.Context, req *conduit.SpeechRequest) (<-chan conduit.AudioChunk, error) {
	if len(req.Input) > conduit.MaxSpeechInputChars {
		return nil, fmt.Errorf("speech input exceeds %d characters: %w",
			conduit.MaxSpeechInputChars, conduit.ErrPayloadTooLarge)
	}
	u, err := c.speechURL(req, true)
	if err != nil {
		return nil, err
	}

	body, _ := json.Marshal(speechBody(req))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: create request: %w", err)
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

	ch := make(chan conduit.AudioChunk, 4)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		buf := make([]byte, 4096)
		index := 0
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				chunk := conduit.AudioChunk{Data: data, ChunkIndex: index}
				index++
				select {
				case ch <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err == io.EOF {
					ch <- conduit.AudioChunk{ChunkIndex: index, IsFinal: true}
				}
				return
			}
		}
	}()
	return ch, nil
}

// ListModels returns the TTS model IDs from GET /models.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: create request: %w", err)
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
		return nil, fmt.Errorf("elevenlabs: read response: %w", err)
	}
	var ids []string
	gjson.GetBytes(body, "#.model_id").ForEach(func(_, v gjson.Result) bool {
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

// Capabilities reports feature support; ElevenLabs is audio only.
func (c *Client) Capabilities(modelID string) conduit.ProviderCapabilities {
	return conduit.ProviderCapabilities{
		TextToSpeech: true,
	}
}
