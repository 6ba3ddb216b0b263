package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

// CreateRealtimeSession dials the realtime websocket endpoint and applies
// the session configuration. The caller owns the returned session and
// must Close it on every exit path.
func (c *Client) CreateRealtimeSession(ctx context.Context, cfg *conduit.RealtimeConfig) (conduit.RealtimeSession, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/realtime?model=" + cfg.Model

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: c.http,
	})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%s: realtime dial: %w", c.typeTag, err)
	}
	// Audio frames can be large; the default read limit is too small.
	conn.SetReadLimit(1 << 20)

	s := &realtimeSession{
		id:   uuid.NewString(),
		conn: conn,
	}
	s.state.Store(int32(conduit.RealtimeConnected))

	if err := s.Update(ctx, cfg); err != nil {
		s.Close(ctx)
		return nil, err
	}
	s.state.Store(int32(conduit.RealtimeActive))
	return s, nil
}

// realtimeSession is one duplex conversation over the OpenAI realtime
// websocket. Writes are serialized by writeMu; Recv is single-consumer.
type realtimeSession struct {
	id    string
	conn  *websocket.Conn
	state atomic.Int32

	writeMu sync.Mutex

	statsMu sync.Mutex
	stats   conduit.RealtimeStats
}

func (s *realtimeSession) ID() string { return s.id }

func (s *realtimeSession) State() conduit.RealtimeSessionState {
	return conduit.RealtimeSessionState(s.state.Load())
}

func (s *realtimeSession) write(ctx context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("realtime: marshal frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.state.Store(int32(conduit.RealtimeError))
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// Send forwards a canonical frame upstream. The canonical frame types
// share the OpenAI realtime naming, so translation is direct.
func (s *realtimeSession) Send(ctx context.Context, frame *conduit.RealtimeFrame) error {
	switch frame.Type {
	case conduit.FrameAudioAppend:
		return s.write(ctx, map[string]any{"type": "input_audio_buffer.append", "audio": frame.AudioB64})
	case conduit.FrameAudioCommit:
		return s.write(ctx, map[string]any{"type": "input_audio_buffer.commit"})
	case conduit.FrameCancel:
		return s.write(ctx, map[string]any{"type": "response.cancel"})
	default:
		return fmt.Errorf("realtime frame %q: %w", frame.Type, conduit.ErrInvalidRequest)
	}
}

// Recv reads the next upstream event and translates it to the canonical
// shape. Unmapped upstream event types are skipped, not errored.
func (s *realtimeSession) Recv(ctx context.Context) (*conduit.RealtimeEvent, error) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.state.Store(int32(conduit.RealtimeClosed))
			} else {
				s.state.Store(int32(conduit.RealtimeError))
			}
			return nil, fmt.Errorf("realtime: read: %w", err)
		}

		typ := gjson.GetBytes(data, "type").String()
		switch typ {
		case "response.audio.delta":
			return &conduit.RealtimeEvent{Type: conduit.EventAudioDelta, AudioB64: gjson.GetBytes(data, "delta").String()}, nil

		case "response.audio_transcript.delta", "conversation.item.input_audio_transcription.delta":
			return &conduit.RealtimeEvent{Type: conduit.EventTranscriptDelta, Transcript: gjson.GetBytes(data, "delta").String()}, nil

		case "response.audio_transcript.done", "conversation.item.input_audio_transcription.completed":
			return &conduit.RealtimeEvent{Type: conduit.EventTranscriptDone, Transcript: gjson.GetBytes(data, "transcript").String()}, nil

		case "input_audio_buffer.speech_started":
			s.bumpStats(func(st *conduit.RealtimeStats) { st.TurnCount++ })
			return &conduit.RealtimeEvent{Type: conduit.EventTurnStarted}, nil

		case "response.done":
			s.recordUsage(data)
			return &conduit.RealtimeEvent{Type: conduit.EventTurnDone}, nil

		case "response.cancelled":
			s.bumpStats(func(st *conduit.RealtimeStats) { st.Interruptions++ })
			return &conduit.RealtimeEvent{Type: conduit.EventInterrupted}, nil

		case "response.function_call_arguments.done":
			s.bumpStats(func(st *conduit.RealtimeStats) { st.FunctionCalls++ })
			return &conduit.RealtimeEvent{Type: conduit.EventToolCall, ToolCall: json.RawMessage(data)}, nil

		case "error":
			s.bumpStats(func(st *conduit.RealtimeStats) { st.ErrorCount++ })
			return &conduit.RealtimeEvent{Type: conduit.EventError, Message: gjson.GetBytes(data, "error.message").String()}, nil
		}
		// Session bookkeeping events (session.created, rate_limits, ...)
		// are internal; keep reading.
	}
}

// Update applies a new session configuration mid-conversation.
func (s *realtimeSession) Update(ctx context.Context, cfg *conduit.RealtimeConfig) error {
	session := map[string]any{
		"instructions":        cfg.Instructions,
		"voice":               cfg.Voice,
		"input_audio_format":  cfg.InputFormat,
		"output_audio_format": cfg.OutputFormat,
	}
	if cfg.TurnDetection != nil {
		if cfg.TurnDetection.Mode == conduit.TurnDetectionServerVAD {
			session["turn_detection"] = map[string]any{
				"type":                "server_vad",
				"silence_duration_ms": cfg.TurnDetection.SilenceThresholdMs,
				"prefix_padding_ms":   cfg.TurnDetection.PrefixPaddingMs,
			}
		} else {
			session["turn_detection"] = nil
		}
	}
	if len(cfg.Tools) > 0 {
		session["tools"] = json.RawMessage(cfg.Tools)
	}
	return s.write(ctx, map[string]any{"type": "session.update", "session": session})
}

func (s *realtimeSession) recordUsage(data []byte) {
	in := gjson.GetBytes(data, "response.usage.input_tokens").Int()
	out := gjson.GetBytes(data, "response.usage.output_tokens").Int()
	s.bumpStats(func(st *conduit.RealtimeStats) {
		st.InputTokens += int(in)
		st.OutputTokens += int(out)
	})
}

func (s *realtimeSession) bumpStats(fn func(*conduit.RealtimeStats)) {
	s.statsMu.Lock()
	fn(&s.stats)
	s.statsMu.Unlock()
}

// Stats returns a copy of the accumulated session statistics.
func (s *realtimeSession) Stats() conduit.RealtimeStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Close releases the websocket. Safe to call more than once.
func (s *realtimeSession) Close(ctx context.Context) error {
	if s.state.Swap(int32(conduit.RealtimeClosed)) == int32(conduit.RealtimeClosed) {
		return nil
	}
	return s.conn.Close(websocket.StatusNormalClosure, "session ended")
}
