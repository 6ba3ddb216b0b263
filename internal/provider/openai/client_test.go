package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

func TestChatCompletion(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req conduit.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Model != "gpt-4o" {
			t.Errorf("model = %s", req.Model)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":9,"completion_tokens":1,"total_tokens":10}}`)
	}))
	defer srv.Close()

	c := New("openai-main", srv.URL, srv.Client())
	resp, err := c.ChatCompletion(context.Background(), &conduit.ChatRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 10 {
		t.Errorf("usage = %+v, want total 10", resp.Usage)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].FinishReason != "stop" {
		t.Errorf("choices = %+v", resp.Choices)
	}
}

func TestChatCompletionUpstreamError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"type":"rate_limit_exceeded","message":"slow down"}}`)
	}))
	defer srv.Close()

	c := New("openai-main", srv.URL, srv.Client())
	_, err := c.ChatCompletion(context.Background(), &conduit.ChatRequest{Model: "gpt-4o"})
	if !errors.Is(err, conduit.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestChatCompletionStream(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req conduit.ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("stream must be forced true")
		}
		if req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Error("include_usage must be requested")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n")
		io.WriteString(w, "data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"llo\"}}]}\n\n")
		io.WriteString(w, "data: {\"id\":\"c1\",\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2,\"total_tokens\":7}}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New("openai-main", srv.URL, srv.Client())
	ch, err := c.ChatCompletionStream(context.Background(), &conduit.ChatRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}

	var dataChunks int
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
		dataChunks++
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	if dataChunks != 3 || !done {
		t.Errorf("chunks = %d done = %v, want 3 and done", dataChunks, done)
	}
	if usage == nil || usage.TotalTokens != 7 {
		t.Errorf("usage = %+v, want total 7", usage)
	}
}

func TestTranscribeMultipart(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatal(err)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("model = %s", got)
		}
		if got := r.FormValue("response_format"); got != "verbose_json" {
			t.Errorf("response_format = %s", got)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		if hdr.Filename != "clip.mp3" {
			t.Errorf("filename = %s", hdr.Filename)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"text":"hello world","language":"en","duration":2.5,"segments":[{"id":0}]}`)
	}))
	defer srv.Close()

	c := New("openai-main", srv.URL, srv.Client())
	resp, err := c.Transcribe(context.Background(), &conduit.TranscriptionRequest{
		Model:     "whisper-1",
		AudioData: []byte("fake-mp3-bytes"),
		Filename:  "clip.mp3",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "hello world" || resp.Duration != 2.5 {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.AudioSeconds != 2.5 || resp.Usage.Estimated {
		t.Errorf("usage = %+v, want reported duration", resp.Usage)
	}
}

func TestTranscribeEstimatesMissingDuration(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"text":"hi"}`)
	}))
	defer srv.Close()

	c := New("openai-main", srv.URL, srv.Client())
	resp, err := c.Transcribe(context.Background(), &conduit.TranscriptionRequest{
		Model:     "whisper-1",
		AudioData: make([]byte, 64_000), // 4 seconds at 16000 bytes/second
	})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Usage.Estimated || resp.Usage.AudioSeconds != 4.0 {
		t.Errorf("usage = %+v, want estimated 4.0s", resp.Usage)
	}
}

func TestTranscribeURLNotImplemented(t *testing.T) {
	t.Parallel()
	c := New("openai-main", "http://unused", nil)

	_, err := c.Transcribe(context.Background(), &conduit.TranscriptionRequest{
		Model:    "whisper-1",
		AudioURL: "https://example.com/clip.mp3",
	})
	if !errors.Is(err, conduit.ErrNotImplemented) {
		t.Fatalf("err = %v, want ErrNotImplemented", err)
	}
}

func TestSpeechInputLimit(t *testing.T) {
	t.Parallel()
	c := New("openai-main", "http://unused", nil)

	_, err := c.Speech(context.Background(), &conduit.SpeechRequest{
		Input: strings.Repeat("a", conduit.MaxSpeechInputChars+1),
		Voice: "alloy",
	})
	if !errors.Is(err, conduit.ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestSpeech(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("mp3-bytes"))
	}))
	defer srv.Close()

	c := New("openai-main", srv.URL, srv.Client())
	resp, err := c.Speech(context.Background(), &conduit.SpeechRequest{Input: "hello", Voice: "alloy"})
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Audio) != "mp3-bytes" || resp.ContentType != "audio/mpeg" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.CharacterCount != 5 {
		t.Errorf("character count = %d, want 5", resp.Usage.CharacterCount)
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":[{"id":"gpt-4o"},{"id":"gpt-4o-mini"}]}`)
	}))
	defer srv.Close()

	c := New("openai-main", srv.URL, srv.Client())
	ids, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "gpt-4o" {
		t.Errorf("ids = %v", ids)
	}
}

func TestListModelsAzureSkipped(t *testing.T) {
	t.Parallel()
	c := NewCompatible("azure-east", conduit.ProviderAzureOpenAI, "http://unused", nil)

	ids, err := c.ListModels(context.Background())
	if err != nil || ids != nil {
		t.Fatalf("azure ListModels = %v, %v; want nil, nil", ids, err)
	}
}

func TestVerifyAuthentication(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":{"message":"bad key"}}`)
			return
		}
		io.WriteString(w, `{"data":[]}`)
	}))
	defer srv.Close()

	good := &http.Client{Transport: &staticAuth{token: "good"}}
	res := New("openai-main", srv.URL, good).VerifyAuthentication(context.Background())
	if !res.OK {
		t.Errorf("probe with valid key failed: %s", res.Message)
	}

	bad := &http.Client{Transport: &staticAuth{token: "bad"}}
	res = New("openai-main", srv.URL, bad).VerifyAuthentication(context.Background())
	if res.OK || res.Message == "" {
		t.Errorf("probe with invalid key: %+v, want failure with message", res)
	}
}

type staticAuth struct{ token string }

func (s *staticAuth) RoundTrip(r *http.Request) (*http.Response, error) {
	r2 := r.Clone(r.Context())
	r2.Header.Set("Authorization", "Bearer "+s.token)
	return http.DefaultTransport.RoundTrip(r2)
}

func TestCompatibleTypeTag(t *testing.T) {
	t.Parallel()
	c := NewCompatible("groq-main", conduit.ProviderGroq, "https://api.groq.com/openai/v1", nil)
	if c.Type() != conduit.ProviderGroq {
		t.Errorf("type = %s, want groq", c.Type())
	}
	caps := c.Capabilities("llama-3.3-70b")
	if caps.Transcription || caps.Realtime {
		t.Error("compatible vendors must not advertise native-only features")
	}
	if !caps.Streaming || !caps.FunctionCalling {
		t.Error("compatible vendors support streaming and tools")
	}
}
