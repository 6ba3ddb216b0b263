package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

// maxRequestBody bounds JSON request bodies (10 MB covers vision payloads
// with inline base64 images).
const maxRequestBody = 10 << 20

// bodyPool recycles read buffers for request body decoding.
var bodyPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// sseKeepAliveInterval is how often a comment frame is written on an idle
// stream so intermediaries do not drop the connection.
const sseKeepAliveInterval = 15 * time.Second

// decodeRequestBody reads a size-capped body into v, writing the error
// envelope on failure. Returns true on success.
func decodeRequestBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	defer bodyPool.Put(buf)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, fmt.Errorf("request body exceeds %d bytes: %w", mbe.Limit, conduit.ErrPayloadTooLarge))
		} else {
			writeError(w, fmt.Errorf("failed to read request body: %w", conduit.ErrInvalidRequest))
		}
		return false
	}
	if err := json.Unmarshal(buf.Bytes(), v); err != nil {
		writeError(w, fmt.Errorf("invalid request body: %w", conduit.ErrInvalidRequest))
		return false
	}
	return true
}

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req conduit.ChatRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeError(w, fmt.Errorf("model and messages are required: %w", conduit.ErrInvalidRequest))
		return
	}
	key := conduit.VirtualKeyFromContext(r.Context())

	if req.Stream {
		s.handleChatCompletionStream(w, r, key, &req)
		return
	}

	resp, err := s.deps.Gateway.Chat(r.Context(), key, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChatCompletionStream handles SSE streaming chat completion requests.
// Errors after the stream opens arrive as chunk errors; the status line is
// already written, so they go out as an error frame before [DONE].
func (s *server) handleChatCompletionStream(w http.ResponseWriter, r *http.Request, key *conduit.VirtualKey, req *conduit.ChatRequest) {
	ch, err := s.deps.Gateway.ChatStream(r.Context(), key, req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			if chunk.Err != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
					slog.String("error", conduit.SanitizeLog(chunk.Err.Error())),
				)
				if frame, err := json.Marshal(errorEnvelope(chunk.Err)); err == nil {
					writeSSEData(w, frame)
				}
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			if chunk.Done {
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			if len(chunk.Data) > 0 {
				writeSSEData(w, chunk.Data)
				flusher.Flush()
			}

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			// Client gone; the pipeline pump observes the same context and
			// settles billing.
			return
		}
	}
}
