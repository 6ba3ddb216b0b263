package server

import (
	"fmt"
	"net/http"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

// handleEmbeddings decodes an embedding request and forwards it to the pipeline.
func (s *server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req conduit.EmbeddingRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	if req.Model == "" || len(req.Input) == 0 {
		writeError(w, fmt.Errorf("model and input are required: %w", conduit.ErrInvalidRequest))
		return
	}

	key := conduit.VirtualKeyFromContext(r.Context())
	resp, err := s.deps.Gateway.Embeddings(r.Context(), key, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
