package vertex

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
	"github.com/knnlabs/Conduit-sub015/internal/provider/sseutil"
)

// readStream reads Gemini SSE events and emits OpenAI-format StreamChunks.
// Gemini streaming has no "event:" field and no "[DONE]" sentinel; it is
// EOF-terminated. Each "data:" line contains a full JSON response chunk.
// Usage is cumulative; the last seen values are emitted at the end.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- conduit.StreamChunk, model string) {
	defer close(ch)
	defer body.Close()

	id := "vertex-" + model
	scanner := sseutil.NewScanner(body)

	var lastUsage *conduit.Usage
	for scanner.Scan() {
		line := scanner.Text()
		_, data, ok := sseutil.ParseSSELine(line)
		if !ok {
			continue
		}

		r := gjson.Parse(data)

		text := r.Get("candidates.0.content.parts.0.text").String()
		finishReason := mapStopReason(r.Get("candidates.0.finishReason").String())

		if u := r.Get("usageMetadata"); u.Exists() {
			lastUsage = &conduit.Usage{
				PromptTokens:     int(u.Get("promptTokenCount").Int()),
				CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
				TotalTokens:      int(u.Get("totalTokenCount").Int()),
			}
		}

		var chunk []byte
		switch {
		case text != "":
			chunk = sseutil.BuildDeltaChunk(id, model, map[string]any{"content": text}, finishReason)
		case finishReason != "":
			chunk = sseutil.BuildFinishChunk(id, model, finishReason)
		default:
			continue
		}

		select {
		case ch <- conduit.StreamChunk{Data: chunk}:
		case <-ctx.Done():
			ch <- conduit.StreamChunk{Err: ctx.Err()}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		ch <- conduit.StreamChunk{Err: fmt.Errorf("vertex: read stream: %w", err)}
		return
	}

	if lastUsage != nil {
		ch <- conduit.StreamChunk{Data: sseutil.BuildUsageChunk(id, model, lastUsage), Usage: lastUsage}
	}
	ch <- conduit.StreamChunk{Done: true}
}
