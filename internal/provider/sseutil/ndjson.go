package sseutil

import (
	"context"
	"fmt"
	"net/http"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

// ReadNDJSONStream reads newline-delimited JSON objects from resp and
// sends each through translate, forwarding the resulting chunks on ch.
// Ollama streams in this framing. translate returns the canonical chunk
// and done=true when the object is the terminal one; the channel is
// closed when the stream ends.
func ReadNDJSONStream(ctx context.Context, providerName string, resp *http.Response,
	ch chan<- conduit.StreamChunk, translate func(line []byte) (conduit.StreamChunk, bool)) {

	defer close(ch)
	defer resp.Body.Close()

	scanner := NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		chunk, done := translate(line)

		select {
		case ch <- chunk:
		case <-ctx.Done():
			ch <- conduit.StreamChunk{Err: ctx.Err()}
			return
		}
		if done {
			ch <- conduit.StreamChunk{Done: true}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- conduit.StreamChunk{Err: fmt.Errorf("%s: read stream: %w", providerName, err)}
		return
	}
	ch <- conduit.StreamChunk{Done: true}
}
