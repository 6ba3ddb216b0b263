package cohere

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

func TestTranslateRequest(t *testing.T) {
	t.Parallel()
	req := &conduit.ChatRequest{
		Model: "command-r-plus",
		Messages: []conduit.Message{
			{Role: "system", Content: json.RawMessage(`"be brief"`)},
			{Role: "user", Content: json.RawMessage(`"first question"`)},
			{Role: "assistant", Content: json.RawMessage(`"first answer"`)},
			{Role: "user", Content: json.RawMessage(`"second question"`)},
		},
	}

	out := translateRequest(req)
	if out.Message != "second question" {
		t.Errorf("message = %q, want last user message", out.Message)
	}
	if len(out.ChatHistory) != 3 {
		t.Fatalf("chat_history = %d, want 3", len(out.ChatHistory))
	}
	wantRoles := []string{"SYSTEM", "USER", "CHATBOT"}
	for i, turn := range out.ChatHistory {
		if turn.Role != wantRoles[i] {
			t.Errorf("history[%d].role = %s, want %s", i, turn.Role, wantRoles[i])
		}
	}
}

func TestMessageTextContentParts(t *testing.T) {
	t.Parallel()
	content := json.RawMessage(`[{"type":"text","text":"look at "},{"type":"image_url","image_url":{"url":"x"}},{"type":"text","text":"this"}]`)
	if got := messageText(content); got != "look at this" {
		t.Errorf("text = %q", got)
	}
}

func TestMapFinishReason(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"COMPLETE":      "stop",
		"STOP_SEQUENCE": "stop",
		"MAX_TOKENS":    "length",
		"TOOL_CALL":     "tool_calls",
		"ERROR_LIMIT":   "error_limit",
	}
	for in, want := range cases {
		if got := mapFinishReason(in); got != want {
			t.Errorf("mapFinishReason(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestChatCompletion(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req cohereRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Message != "hello" {
			t.Errorf("message = %q", req.Message)
		}
		io.WriteString(w, `{"generation_id":"gen_1","text":"hi there","finish_reason":"COMPLETE",
			"meta":{"billed_units":{"input_tokens":8,"output_tokens":2}}}`)
	}))
	defer srv.Close()

	c := New("cohere-main", srv.URL, srv.Client())
	resp, err := c.ChatCompletion(context.Background(), &conduit.ChatRequest{
		Model:    "command-r-plus",
		Messages: []conduit.Message{{Role: "user", Content: json.RawMessage(`"hello"`)}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish = %s", resp.Choices[0].FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 10 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.Model != "command-r-plus" {
		t.Errorf("model = %s, want requested model echoed", resp.Model)
	}
}

func TestChatCompletionStream(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"event_type":"stream-start","generation_id":"gen_2"}`+"\n")
		io.WriteString(w, `{"event_type":"text-generation","text":"hel"}`+"\n")
		io.WriteString(w, `{"event_type":"text-generation","text":"lo"}`+"\n")
		io.WriteString(w, `{"event_type":"stream-end","finish_reason":"COMPLETE","response":{"meta":{"billed_units":{"input_tokens":6,"output_tokens":2}}}}`+"\n")
	}))
	defer srv.Close()

	c := New("cohere-main", srv.URL, srv.Client())
	ch, err := c.ChatCompletionStream(context.Background(), &conduit.ChatRequest{Model: "command-r-plus"})
	if err != nil {
		t.Fatal(err)
	}

	var text strings.Builder
	var usage *conduit.Usage
	var done bool
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatal(chunk.Err)
		}
		if chunk.Done {
			done = true
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		var parsed struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		json.Unmarshal(chunk.Data, &parsed)
		for _, choice := range parsed.Choices {
			text.WriteString(choice.Delta.Content)
		}
	}
	if !done || text.String() != "hello" {
		t.Errorf("done = %v text = %q", done, text.String())
	}
	if usage == nil || usage.TotalTokens != 8 {
		t.Errorf("usage = %+v, want total 8", usage)
	}
}

func TestEmbeddings(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req struct {
			Texts []string `json:"texts"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Texts) != 2 {
			t.Errorf("texts = %v", req.Texts)
		}
		io.WriteString(w, `{"embeddings":[[0.1,0.2],[0.3,0.4]],"meta":{"billed_units":{"input_tokens":4}}}`)
	}))
	defer srv.Close()

	c := New("cohere-main", srv.URL, srv.Client())
	resp, err := c.Embeddings(context.Background(), &conduit.EmbeddingRequest{
		Model: "embed-english-v3.0",
		Input: json.RawMessage(`["one","two"]`),
	})
	if err != nil {
		t.Fatal(err)
	}

	var data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatal(err)
	}
	if len(data) != 2 || data[1].Index != 1 || data[1].Embedding[0] != 0.3 {
		t.Errorf("data = %+v", data)
	}
	if resp.Usage == nil || resp.Usage.PromptTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestEmbeddingsSingleString(t *testing.T) {
	t.Parallel()
	texts, err := embeddingInputs(json.RawMessage(`"just one"`))
	if err != nil {
		t.Fatal(err)
	}
	if len(texts) != 1 || texts[0] != "just one" {
		t.Errorf("texts = %v", texts)
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"models":[{"name":"command-r-plus"},{"name":"command-r"}]}`)
	}))
	defer srv.Close()

	c := New("cohere-main", srv.URL, srv.Client())
	ids, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "command-r-plus" {
		t.Errorf("ids = %v", ids)
	}
}
