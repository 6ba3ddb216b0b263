package server

import (
	"net/http"
	"time"
)

// handleListModels returns the configured model aliases in the
// OpenAI-compatible model list shape.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	var aliases []string
	if s.deps.Models != nil {
		var err error
		aliases, err = s.deps.Models.ListModelAliases(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
	}

	now := time.Now().Unix()
	data := make([]modelEntry, len(aliases))
	for i, alias := range aliases {
		data[i] = modelEntry{
			ID:      alias,
			Object:  "model",
			Created: now,
			OwnedBy: "system",
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   data,
	})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
