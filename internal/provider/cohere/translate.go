package cohere

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
	"github.com/knnlabs/Conduit-sub015/internal/provider/sseutil"
)

// cohereRequest is the Cohere v1 /chat request body.
type cohereRequest struct {
	Model         string          `json:"model"`
	Message       string          `json:"message"`
	ChatHistory   []cohereTurn    `json:"chat_history,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	P             *float64        `json:"p,omitempty"`
	MaxTokens     *int            `json:"max_tokens,omitempty"`
	StopSequences json.RawMessage `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
}

type cohereTurn struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

// translateRequest converts a canonical ChatRequest to the Cohere chat
// shape: the last user message becomes `message`, everything before it
// becomes `chat_history` with USER|CHATBOT|SYSTEM roles.
func translateRequest(req *conduit.ChatRequest) *cohereRequest {
	out := &cohereRequest{
		Model:         req.Model,
		Temperature:   req.Temperature,
		P:             req.TopP,
		MaxTokens:     req.MaxTokens,
		StopSequences: req.Stop,
		Stream:        req.Stream,
	}

	last := len(req.Messages) - 1
	for last >= 0 && req.Messages[last].Role != "user" {
		last--
	}

	for i, m := range req.Messages {
		text := messageText(m.Content)
		if i == last {
			out.Message = text
			continue
		}
		role := ""
		switch m.Role {
		case "user":
			role = "USER"
		case "assistant":
			role = "CHATBOT"
		case "system":
			role = "SYSTEM"
		default:
			continue
		}
		out.ChatHistory = append(out.ChatHistory, cohereTurn{Role: role, Message: text})
	}
	return out
}

// messageText flattens canonical message content (a JSON string or a
// content-part array) to plain text.
func messageText(content json.RawMessage) string {
	r := gjson.ParseBytes(content)
	if r.Type == gjson.String {
		return r.String()
	}
	var b strings.Builder
	r.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			b.WriteString(part.Get("text").String())
		}
		return true
	})
	return b.String()
}

// translateResponse converts a Cohere chat response to the canonical shape.
func translateResponse(data []byte) (*conduit.ChatResponse, error) {
	r := gjson.ParseBytes(data)

	content, _ := json.Marshal(r.Get("text").String())
	msg := conduit.Message{Role: "assistant", Content: content}

	var usage *conduit.Usage
	if bu := r.Get("meta.billed_units"); bu.Exists() {
		in := int(bu.Get("input_tokens").Int())
		out := int(bu.Get("output_tokens").Int())
		usage = &conduit.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
	}

	return &conduit.ChatResponse{
		ID:      r.Get("generation_id").String(),
		Object:  "chat.completion",
		Choices: []conduit.Choice{{Index: 0, Message: msg, FinishReason: mapFinishReason(r.Get("finish_reason").String())}},
		Usage:   usage,
	}, nil
}

// mapFinishReason converts Cohere finish reasons to OpenAI finish reasons.
func mapFinishReason(reason string) string {
	switch reason {
	case "COMPLETE", "STOP_SEQUENCE":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "TOOL_CALL":
		return "tool_calls"
	default:
		return strings.ToLower(reason)
	}
}

// streamTranslator converts Cohere event_type stream objects to canonical
// chunks. Cohere streams newline-delimited JSON, one event per line.
type streamTranslator struct {
	id    string
	model string
}

func (s *streamTranslator) translate(line []byte) (conduit.StreamChunk, bool) {
	r := gjson.ParseBytes(line)
	switch r.Get("event_type").String() {
	case "stream-start":
		s.id = r.Get("generation_id").String()
		chunk := sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{"role": "assistant"}, "")
		return conduit.StreamChunk{Data: chunk}, false

	case "text-generation":
		chunk := sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{"content": r.Get("text").String()}, "")
		return conduit.StreamChunk{Data: chunk}, false

	case "stream-end":
		finish := mapFinishReason(r.Get("finish_reason").String())
		bu := r.Get("response.meta.billed_units")
		usage := &conduit.Usage{
			PromptTokens:     int(bu.Get("input_tokens").Int()),
			CompletionTokens: int(bu.Get("output_tokens").Int()),
		}
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		chunk := sseutil.BuildFinishChunk(s.id, s.model, finish)
		return conduit.StreamChunk{Data: chunk, Usage: usage}, true
	}
	// tool-calls-chunk and other event types carry no canonical delta;
	// emit an empty delta so ordering is preserved.
	return conduit.StreamChunk{Data: sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{}, "")}, false
}
