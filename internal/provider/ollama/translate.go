package ollama

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

// ollamaRequest is the native /api/chat request body.
type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []ollamaMsg    `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
	Tools    json.RawMessage `json:"tools,omitempty"`
}

type ollamaMsg struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// translateRequest converts a canonical ChatRequest to the native Ollama
// chat shape. Sampling parameters move into the options map; image parts
// move into the per-message images array as bare base64.
func translateRequest(req *conduit.ChatRequest) *ollamaRequest {
	out := &ollamaRequest{
		Model:  req.Model,
		Stream: req.Stream,
		Tools:  req.Tools,
	}

	opts := map[string]any{}
	if req.Temperature != nil {
		opts["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		opts["top_p"] = *req.TopP
	}
	if req.MaxTokens != nil {
		opts["num_predict"] = *req.MaxTokens
	}
	if len(req.Stop) > 0 {
		var stops []string
		r := gjson.ParseBytes(req.Stop)
		if r.Type == gjson.String {
			stops = []string{r.String()}
		} else {
			r.ForEach(func(_, v gjson.Result) bool {
				stops = append(stops, v.String())
				return true
			})
		}
		opts["stop"] = stops
	}
	if len(opts) > 0 {
		out.Options = opts
	}

	for _, m := range req.Messages {
		msg := ollamaMsg{Role: m.Role}
		msg.Content, msg.Images = splitContent(m.Content)
		out.Messages = append(out.Messages, msg)
	}
	return out
}

// splitContent flattens canonical content to text and extracts inline
// base64 image parts (data URLs) into the images array.
func splitContent(content json.RawMessage) (string, []string) {
	r := gjson.ParseBytes(content)
	if r.Type == gjson.String {
		return r.String(), nil
	}
	var text strings.Builder
	var images []string
	r.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			text.WriteString(part.Get("text").String())
		case "image_url":
			url := part.Get("image_url.url").String()
			// Ollama takes bare base64, without the data URL prefix.
			if i := strings.Index(url, ";base64,"); i >= 0 {
				images = append(images, url[i+len(";base64,"):])
			}
		}
		return true
	})
	return text.String(), images
}

// translateResponse converts a native Ollama chat response to the
// canonical shape.
func translateResponse(data []byte) *conduit.ChatResponse {
	r := gjson.ParseBytes(data)

	content, _ := json.Marshal(r.Get("message.content").String())
	usage := usageFrom(r)

	created := int64(0)
	if ts := r.Get("created_at").String(); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			created = t.Unix()
		}
	}

	return &conduit.ChatResponse{
		ID:      "chatcmpl-" + r.Get("created_at").String(),
		Object:  "chat.completion",
		Created: created,
		Model:   r.Get("model").String(),
		Choices: []conduit.Choice{{
			Index:        0,
			Message:      conduit.Message{Role: "assistant", Content: content},
			FinishReason: mapDoneReason(r.Get("done_reason").String()),
		}},
		Usage: usage,
	}
}

// usageFrom extracts token counts from the eval counters.
func usageFrom(r gjson.Result) *conduit.Usage {
	in := int(r.Get("prompt_eval_count").Int())
	out := int(r.Get("eval_count").Int())
	if in == 0 && out == 0 {
		return nil
	}
	return &conduit.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}

// mapDoneReason converts Ollama done reasons to OpenAI finish reasons.
func mapDoneReason(reason string) string {
	switch reason {
	case "", "stop":
		return "stop"
	case "length":
		return "length"
	default:
		return reason
	}
}

// durationSeconds converts Ollama's nanosecond duration fields to seconds.
func durationSeconds(ns int64) float64 {
	return float64(ns) / float64(time.Second)
}
