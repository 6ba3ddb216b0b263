package vertex

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

// vertexRequest is the Gemini generateContent request body.
type vertexRequest struct {
	Contents          []vertexContent   `json:"contents"`
	SystemInstruction *vertexContent    `json:"systemInstruction,omitempty"`
	Tools             []vertexTool      `json:"tools,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type vertexContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []vertexPart `json:"parts"`
}

type vertexPart struct {
	Text             string          `json:"text,omitempty"`
	InlineData       *inlineData     `json:"inlineData,omitempty"`
	FunctionCall     json.RawMessage `json:"functionCall,omitempty"`
	FunctionResponse json.RawMessage `json:"functionResponse,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type vertexTool struct {
	FunctionDeclarations json.RawMessage `json:"functionDeclarations,omitempty"`
}

type generationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	MaxOutputTokens *int            `json:"maxOutputTokens,omitempty"`
	StopSequences   json.RawMessage `json:"stopSequences,omitempty"`
}

// translateRequest converts a canonical ChatRequest to a Gemini
// generateContent request.
func translateRequest(req *conduit.ChatRequest) *vertexRequest {
	out := &vertexRequest{}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		out.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}

	// Function declarations come out of the OpenAI tools nesting.
	if len(req.Tools) > 0 {
		var openaiTools []struct {
			Function json.RawMessage `json:"function"`
		}
		if json.Unmarshal(req.Tools, &openaiTools) == nil && len(openaiTools) > 0 {
			var decls []json.RawMessage
			for _, t := range openaiTools {
				if t.Function != nil {
					decls = append(decls, t.Function)
				}
			}
			if len(decls) > 0 {
				raw, _ := json.Marshal(decls)
				out.Tools = []vertexTool{{FunctionDeclarations: raw}}
			}
		}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			out.SystemInstruction = &vertexContent{Parts: []vertexPart{{Text: extractText(m.Content)}}}
		case "user":
			out.Contents = append(out.Contents, vertexContent{Role: "user", Parts: contentParts(m.Content)})
		case "assistant":
			out.Contents = append(out.Contents, vertexContent{Role: "model", Parts: contentParts(m.Content)})
		case "tool":
			// Tool results map to functionResponse parts.
			fr, _ := json.Marshal(map[string]any{
				"name":     m.ToolCallID,
				"response": json.RawMessage(m.Content),
			})
			out.Contents = append(out.Contents, vertexContent{
				Role:  "user",
				Parts: []vertexPart{{FunctionResponse: fr}},
			})
		}
	}

	return out
}

// contentParts converts canonical content (string or part array) into
// Gemini parts, mapping data-URL images to inlineData.
func contentParts(content json.RawMessage) []vertexPart {
	r := gjson.ParseBytes(content)
	if r.Type == gjson.String {
		return []vertexPart{{Text: r.String()}}
	}
	var parts []vertexPart
	r.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			parts = append(parts, vertexPart{Text: part.Get("text").String()})
		case "image_url":
			url := part.Get("image_url.url").String()
			if mime, data, ok := splitDataURL(url); ok {
				parts = append(parts, vertexPart{InlineData: &inlineData{MimeType: mime, Data: data}})
			}
		}
		return true
	})
	if len(parts) == 0 {
		parts = []vertexPart{{Text: extractText(content)}}
	}
	return parts
}

// splitDataURL separates "data:image/png;base64,AAAA" into mime type and
// base64 payload.
func splitDataURL(url string) (mime, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	mime, data, found = strings.Cut(rest, ";base64,")
	if !found {
		return "", "", false
	}
	return mime, data, true
}

// translateResponse converts a Gemini generateContent JSON response to a
// canonical ChatResponse.
func translateResponse(data []byte, requestModel string) (*conduit.ChatResponse, error) {
	r := gjson.ParseBytes(data)

	stopReason := mapStopReason(r.Get("candidates.0.finishReason").String())

	var contentText strings.Builder
	var toolCalls []json.RawMessage
	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text"); text.Exists() {
			contentText.WriteString(text.String())
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			tc, _ := json.Marshal(map[string]any{
				"id":   fc.Get("name").String(), // Gemini has no separate call IDs
				"type": "function",
				"function": map[string]any{
					"name":      fc.Get("name").String(),
					"arguments": fc.Get("args").Raw,
				},
			})
			toolCalls = append(toolCalls, tc)
		}
		return true
	})

	msg := conduit.Message{Role: "assistant"}
	if contentText.Len() > 0 {
		ct, _ := json.Marshal(contentText.String())
		msg.Content = ct
	}
	if len(toolCalls) > 0 {
		tc, _ := json.Marshal(toolCalls)
		msg.ToolCalls = tc
		if stopReason == "" {
			stopReason = "tool_calls"
		}
	}

	var usage *conduit.Usage
	if u := r.Get("usageMetadata"); u.Exists() {
		usage = &conduit.Usage{
			PromptTokens:     int(u.Get("promptTokenCount").Int()),
			CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
			TotalTokens:      int(u.Get("totalTokenCount").Int()),
		}
	}

	return &conduit.ChatResponse{
		ID:      "vertex-" + requestModel,
		Object:  "chat.completion",
		Model:   requestModel,
		Choices: []conduit.Choice{{Index: 0, Message: msg, FinishReason: stopReason}},
		Usage:   usage,
	}, nil
}

// mapStopReason converts Gemini finish reasons to OpenAI finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return reason
	}
}

// extractText flattens a content field, which may be a raw string or a
// structured part array, to plain text.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}
