package huggingface

import (
	"strings"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

// hfRequest is the Inference API {inputs, parameters, options} envelope.
type hfRequest struct {
	Inputs     string         `json:"inputs"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Options    map[string]any `json:"options,omitempty"`
	Stream     bool           `json:"stream,omitempty"`
}

// translateRequest renders the conversation as a role-tagged prompt and
// moves sampling parameters into the parameters map.
func translateRequest(req *conduit.ChatRequest, stream bool) *hfRequest {
	params := map[string]any{
		"return_full_text": false,
	}
	if req.Temperature != nil {
		params["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		params["top_p"] = *req.TopP
	}
	if req.MaxTokens != nil {
		params["max_new_tokens"] = *req.MaxTokens
	}
	if req.Seed != nil {
		params["seed"] = *req.Seed
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
		params["stop"] = stops
	}

	return &hfRequest{
		Inputs:     renderPrompt(req.Messages),
		Parameters: params,
		Options:    map[string]any{"wait_for_model": true, "use_cache": false},
		Stream:     stream,
	}
}

// renderPrompt flattens chat messages into a plain role-tagged prompt for
// models without a chat endpoint.
func renderPrompt(messages []conduit.Message) string {
	var b strings.Builder
	for _, m := range messages {
		text := messageText(m.Content)
		if text == "" {
			continue
		}
		switch m.Role {
		case "system":
			b.WriteString("System: ")
		case "user":
			b.WriteString("User: ")
		case "assistant":
			b.WriteString("Assistant: ")
		default:
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	b.WriteString("Assistant:")
	return b.String()
}

// messageText flattens canonical content (string or part array) to text.
func messageText(content []byte) string {
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
