package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
	"github.com/knnlabs/Conduit-sub015/internal/provider"
)

// Transcribe sends a multipart transcription request to
// /audio/transcriptions and normalizes the verbose response.
func (c *Client) Transcribe(ctx context.Context, req *conduit.TranscriptionRequest) (*conduit.TranscriptionResponse, error) {
	if req.AudioURL != "" {
		// The upstream transcription endpoint only accepts uploads.
		return nil, fmt.Errorf("%s: transcription from a url: %w", c.typeTag, conduit.ErrNotImplemented)
	}
	if len(req.AudioData) == 0 {
		return nil, fmt.Errorf("transcription requires inline audio: %w", conduit.ErrInvalidRequest)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	filename := req.Filename
	if filename == "" {
		filename = "audio"
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("%s: build multipart: %w", c.typeTag, err)
	}
	if _, err := fw.Write(req.AudioData); err != nil {
		return nil, fmt.Errorf("%s: build multipart: %w", c.typeTag, err)
	}

	fields := map[string]string{
		"model":    req.Model,
		"language": req.Language,
		"prompt":   req.Prompt,
	}
	// verbose_json carries duration and segments; plain formats are
	// re-requested as-is.
	format := req.ResponseFormat
	if format == "" || format == "json" {
		format = "verbose_json"
	}
	fields["response_format"] = format
	if req.Temperature != nil {
		fields["temperature"] = strconv.FormatFloat(*req.Temperature, 'f', -1, 64)
	}
	if req.TimestampGranularity != "" && req.TimestampGranularity != "none" {
		fields["timestamp_granularities[]"] = req.TimestampGranularity
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("%s: build multipart: %w", c.typeTag, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("%s: build multipart: %w", c.typeTag, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.typeTag, err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.ClassifyTransport(c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ClassifyResponse(c.name, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", c.typeTag, err)
	}

	out := &conduit.TranscriptionResponse{
		Text:     gjson.GetBytes(body, "text").String(),
		Language: gjson.GetBytes(body, "language").String(),
		Duration: gjson.GetBytes(body, "duration").Float(),
	}
	if seg := gjson.GetBytes(body, "segments"); seg.Exists() {
		out.Segments = json.RawMessage(seg.Raw)
	}
	if words := gjson.GetBytes(body, "words"); words.Exists() {
		out.Words = json.RawMessage(words.Raw)
	}

	out.Usage.AudioSeconds = out.Duration
	if out.Duration == 0 {
		// The upstream omitted duration; estimate from the payload so
		// billing still has a quantity.
		out.Usage.AudioSeconds = estimateAudioSeconds(len(req.AudioData))
		out.Usage.Estimated = true
	}
	return out, nil
}

// estimateAudioSeconds approximates 16 kHz 8-bit mono audio, the same
// fallback the billing layer applies.
func estimateAudioSeconds(byteLen int) float64 {
	return float64(byteLen) / 16_000
}

// Speech synthesizes speech via /audio/speech and returns the complete
// audio payload.
func (c *Client) Speech(ctx context.Context, req *conduit.SpeechRequest) (*conduit.SpeechResponse, error) {
	if len(req.Input) > conduit.MaxSpeechInputChars {
		return nil, fmt.Errorf("speech input exceeds %d characters: %w",
			conduit.MaxSpeechInputChars, conduit.ErrPayloadTooLarge)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.typeTag, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.typeTag, err)
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
		return nil, fmt.Errorf("%s: read audio: %w", c.typeTag, err)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "audio/mpeg"
	}
	return &conduit.SpeechResponse{
		Audio:       audio,
		ContentType: ct,
		Usage:       conduit.AudioUsage{CharacterCount: len([]rune(req.Input))},
	}, nil
}

// StreamSpeech streams synthesized speech. OpenAI returns a complete
// payload; the stream is simulated by pacing fixed-size chunks.
func (c *Client) StreamSpeech(ctx context.Context, req *conduit.SpeechRequest) (<-chan conduit.AudioChunk, error) {
	resp, err := c.Speech(ctx, req)
	if err != nil {
		return nil, err
	}
	return provider.SimulateSpeechStream(ctx, resp), nil
}
