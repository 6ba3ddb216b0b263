package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

// maxAudioBody bounds uploaded audio payloads (25 MB, the OpenAI limit).
const maxAudioBody = 25 << 20

func (s *server) handleImageGeneration(w http.ResponseWriter, r *http.Request) {
	var req conduit.ImageRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	if req.Prompt == "" {
		writeError(w, fmt.Errorf("prompt is required: %w", conduit.ErrInvalidRequest))
		return
	}

	key := conduit.VirtualKeyFromContext(r.Context())
	resp, err := s.deps.Gateway.GenerateImage(r.Context(), key, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleTranscription accepts the OpenAI multipart transcription form:
// a "file" part (or a "url" field) plus model/language/prompt/temperature/
// response_format fields. The pipeline enforces that exactly one audio
// input is present.
func (s *server) handleTranscription(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBody)
	if err := r.ParseMultipartForm(maxAudioBody); err != nil {
		writeError(w, fmt.Errorf("invalid multipart form: %w", conduit.ErrInvalidRequest))
		return
	}
	defer r.MultipartForm.RemoveAll()

	req := conduit.TranscriptionRequest{
		Model:                r.FormValue("model"),
		AudioURL:             r.FormValue("url"),
		Language:             r.FormValue("language"),
		Prompt:               r.FormValue("prompt"),
		ResponseFormat:       r.FormValue("response_format"),
		TimestampGranularity: r.FormValue("timestamp_granularities[]"),
	}

	if file, header, err := r.FormFile("file"); err == nil {
		defer file.Close()
		audio, err := io.ReadAll(file)
		if err != nil {
			writeError(w, fmt.Errorf("failed to read audio: %w", conduit.ErrInvalidRequest))
			return
		}
		req.AudioData = audio
		req.Filename = header.Filename
	} else if req.AudioURL == "" {
		writeError(w, &conduit.RequestError{
			Code:  conduit.CodeMissingParameter,
			Param: "file",
			Msg:   "a file part or a url field is required",
		})
		return
	}
	if req.Model == "" {
		writeError(w, fmt.Errorf("model is required: %w", conduit.ErrInvalidRequest))
		return
	}
	if raw := r.FormValue("temperature"); raw != "" {
		t, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, fmt.Errorf("invalid temperature: %w", conduit.ErrInvalidRequest))
			return
		}
		req.Temperature = &t
	}

	key := conduit.VirtualKeyFromContext(r.Context())
	resp, err := s.deps.Gateway.Transcribe(r.Context(), key, &req)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.ResponseFormat == "text" {
		w.Header()["Content-Type"] = plainCT
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, resp.Text)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// speechRequest is the wire form of a TTS request; the stream flag selects
// chunked audio delivery.
type speechRequest struct {
	conduit.SpeechRequest
	Stream bool `json:"stream,omitempty"`
}

func (s *server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var req speechRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	if req.Input == "" {
		writeError(w, fmt.Errorf("input is required: %w", conduit.ErrInvalidRequest))
		return
	}

	key := conduit.VirtualKeyFromContext(r.Context())
	if req.Stream {
		s.handleSpeechStream(w, r, key, &req.SpeechRequest)
		return
	}

	resp, err := s.deps.Gateway.Speech(r.Context(), key, &req.SpeechRequest)
	if err != nil {
		writeError(w, err)
		return
	}

	ct := resp.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header()["Content-Type"] = []string{ct}
	w.Header()["Content-Length"] = []string{strconv.Itoa(len(resp.Audio))}
	w.WriteHeader(http.StatusOK)
	w.Write(resp.Audio)
}

// handleSpeechStream delivers synthesized audio as chunked transfer,
// flushing per chunk so playback can start before synthesis completes.
func (s *server) handleSpeechStream(w http.ResponseWriter, r *http.Request, key *conduit.VirtualKey, req *conduit.SpeechRequest) {
	ch, err := s.deps.Gateway.StreamSpeech(r.Context(), key, req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header()["Content-Type"] = []string{"application/octet-stream"}
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for chunk := range ch {
		if len(chunk.Data) == 0 {
			continue
		}
		if _, err := w.Write(chunk.Data); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
