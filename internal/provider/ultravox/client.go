// Package ultravox implements the conduit.Provider adapter for the
// Ultravox realtime voice API. A session is created over REST and then
// joined over a websocket carrying binary PCM frames and JSON data
// messages.
package ultravox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
	"github.com/knnlabs/Conduit-sub015/internal/provider"
)

const (
	defaultBaseURL = "https://api.ultravox.ai"
	// PCM sample rates negotiated for the websocket medium.
	inputSampleRate  = 16000
	outputSampleRate = 24000
)

var (
	_ conduit.Provider         = (*Client)(nil)
	_ conduit.RealtimeProvider = (*Client)(nil)
)

// Client calls the Ultravox API. The X-API-Key credential travels in the
// http.Client's transport chain.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
}

// New creates an Ultravox client. An empty baseURL uses the public
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
func (c *Client) Type() string { return conduit.ProviderUltravox }

// ChatCompletion is unsupported; Ultravox is voice-only.
func (c *Client) ChatCompletion(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	return nil, fmt.Errorf("ultravox: chat: %w", conduit.ErrInvalidRequest)
}

// ChatCompletionStream is unsupported; Ultravox is voice-only.
func (c *Client) ChatCompletionStream(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	return nil, fmt.Errorf("ultravox: chat: %w", conduit.ErrInvalidRequest)
}

// Embeddings is unsupported; Ultravox is voice-only.
func (c *Client) Embeddings(ctx context.Context, req *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
	return nil, fmt.Errorf("ultravox: embeddings: %w", conduit.ErrInvalidRequest)
}

// CreateRealtimeSession creates a call over REST and joins it over the
// returned websocket URL. The caller owns the session and must Close it
// on every exit path.
func (c *Client) CreateRealtimeSession(ctx context.Context, cfg *conduit.RealtimeConfig) (conduit.RealtimeSession, error) {
	call := map[string]any{
		"model":        cfg.Model,
		"systemPrompt": cfg.Instructions,
		"medium": map[string]any{
			"serverWebSocket": map[string]any{
				"inputSampleRate":  inputSampleRate,
				"outputSampleRate": outputSampleRate,
			},
		},
	}
	if cfg.Voice != "" {
		call["voice"] = cfg.Voice
	}

	body, _ := json.Marshal(call)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/calls", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ultravox: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, provider.ClassifyTransport(c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, provider.ClassifyResponse(c.name, resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ultravox: read response: %w", err)
	}

	callID := gjson.GetBytes(data, "callId").String()
	joinURL := gjson.GetBytes(data, "joinUrl").String()
	if joinURL == "" {
		return nil, fmt.Errorf("ultravox: call created without join url: %w", conduit.ErrProviderComm)
	}

	conn, wsResp, err := websocket.Dial(ctx, joinURL, &websocket.DialOptions{
		HTTPClient: c.http,
	})
	if wsResp != nil && wsResp.Body != nil {
		wsResp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("ultravox: join call: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	s := &session{id: callID, conn: conn}
	s.state.Store(int32(conduit.RealtimeActive))
	return s, nil
}

// session is one Ultravox call. Audio travels as binary websocket frames;
// transcripts and state changes arrive as JSON text messages.
type session struct {
	id    string
	conn  *websocket.Conn
	state atomic.Int32

	writeMu sync.Mutex

	statsMu   sync.Mutex
	stats     conduit.RealtimeStats
	lastState string
}

func (s *session) ID() string { return s.id }

func (s *session) State() conduit.RealtimeSessionState {
	return conduit.RealtimeSessionState(s.state.Load())
}

func (s *session) writeBinary(ctx context.Context, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		s.state.Store(int32(conduit.RealtimeError))
		return fmt.Errorf("ultravox: write: %w", err)
	}
	return nil
}

// Send forwards a canonical frame upstream. Append frames decode to raw
// PCM; commit is a no-op because Ultravox always runs server-side VAD;
// cancel is handled upstream by barge-in.
func (s *session) Send(ctx context.Context, frame *conduit.RealtimeFrame) error {
	switch frame.Type {
	case conduit.FrameAudioAppend:
		pcm, err := base64.StdEncoding.DecodeString(frame.AudioB64)
		if err != nil {
			return fmt.Errorf("realtime frame audio: %w", conduit.ErrInvalidRequest)
		}
		return s.writeBinary(ctx, pcm)
	case conduit.FrameAudioCommit, conduit.FrameCancel:
		return nil
	default:
		return fmt.Errorf("realtime frame %q: %w", frame.Type, conduit.ErrInvalidRequest)
	}
}

// Recv reads the next upstream message and translates it to the
// canonical event shape. Unmapped data messages are skipped.
func (s *session) Recv(ctx context.Context) (*conduit.RealtimeEvent, error) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.state.Store(int32(conduit.RealtimeClosed))
			} else {
				s.state.Store(int32(conduit.RealtimeError))
			}
			return nil, fmt.Errorf("ultravox: read: %w", err)
		}

		if typ == websocket.MessageBinary {
			s.bumpStats(func(st *conduit.RealtimeStats) {
				// 16-bit mono PCM at the negotiated output rate.
				st.OutputAudioSeconds += float64(len(data)) / float64(outputSampleRate*2)
			})
			return &conduit.RealtimeEvent{
				Type:     conduit.EventAudioDelta,
				AudioB64: base64.StdEncoding.EncodeToString(data),
			}, nil
		}

		msgType := gjson.GetBytes(data, "type").String()
		switch msgType {
		case "transcript":
			ev := &conduit.RealtimeEvent{Transcript: gjson.GetBytes(data, "text").String()}
			if ev.Transcript == "" {
				ev.Transcript = gjson.GetBytes(data, "delta").String()
			}
			if gjson.GetBytes(data, "final").Bool() {
				ev.Type = conduit.EventTranscriptDone
			} else {
				ev.Type = conduit.EventTranscriptDelta
			}
			return ev, nil

		case "state":
			if ev := s.onState(gjson.GetBytes(data, "state").String()); ev != nil {
				return ev, nil
			}

		case "playback_clear_buffer":
			s.bumpStats(func(st *conduit.RealtimeStats) { st.Interruptions++ })
			return &conduit.RealtimeEvent{Type: conduit.EventInterrupted}, nil

		case "client_tool_invocation":
			s.bumpStats(func(st *conduit.RealtimeStats) { st.FunctionCalls++ })
			return &conduit.RealtimeEvent{Type: conduit.EventToolCall, ToolCall: json.RawMessage(data)}, nil

		case "error":
			s.bumpStats(func(st *conduit.RealtimeStats) { st.ErrorCount++ })
			return &conduit.RealtimeEvent{Type: conduit.EventError, Message: gjson.GetBytes(data, "message").String()}, nil
		}
		// Call bookkeeping messages (pong, debug) are internal.
	}
}

// onState maps agent state transitions to turn events. A transition into
// thinking starts an agent turn; speaking back to listening ends one.
func (s *session) onState(state string) *conduit.RealtimeEvent {
	s.statsMu.Lock()
	prev := s.lastState
	s.lastState = state
	s.statsMu.Unlock()

	switch {
	case state == "thinking" && prev != "thinking":
		s.bumpStats(func(st *conduit.RealtimeStats) { st.TurnCount++ })
		return &conduit.RealtimeEvent{Type: conduit.EventTurnStarted}
	case state == "listening" && prev == "speaking":
		return &conduit.RealtimeEvent{Type: conduit.EventTurnDone}
	}
	return nil
}

// Update is not supported mid-call; Ultravox fixes the configuration at
// call creation.
func (s *session) Update(ctx context.Context, cfg *conduit.RealtimeConfig) error {
	return fmt.Errorf("ultravox: session update: %w", conduit.ErrInvalidRequest)
}

func (s *session) bumpStats(fn func(*conduit.RealtimeStats)) {
	s.statsMu.Lock()
	fn(&s.stats)
	s.statsMu.Unlock()
}

// Stats returns a copy of the accumulated session statistics.
func (s *session) Stats() conduit.RealtimeStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Close releases the websocket. Safe to call more than once.
func (s *session) Close(ctx context.Context) error {
	if s.state.Swap(int32(conduit.RealtimeClosed)) == int32(conduit.RealtimeClosed) {
		return nil
	}
	return s.conn.Close(websocket.StatusNormalClosure, "session ended")
}

// ListModels is not exposed by the API; the configured mappings define
// the usable models.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	return nil, nil
}

// VerifyAuthentication probes GET /api/voices, which validates the key
// without creating a call.
func (c *Client) VerifyAuthentication(ctx context.Context) *conduit.AuthProbeResult {
	start := time.Now()
	var err error
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/voices", nil)
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

// Capabilities reports feature support; Ultravox is realtime voice only.
func (c *Client) Capabilities(modelID string) conduit.ProviderCapabilities {
	return conduit.ProviderCapabilities{
		Realtime: true,
	}
}
