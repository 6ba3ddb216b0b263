package provider

import (
	"context"
	"time"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

const (
	simulatedChunkSize  = 4 * 1024
	simulatedChunkDelay = 10 * time.Millisecond
)

// SimulateSpeechStream turns a complete synthesized audio payload into a
// paced chunk stream for providers without native streaming TTS. Chunks
// are 4 KiB at 10ms intervals; cancellation stops the stream between
// chunks.
func SimulateSpeechStream(ctx context.Context, resp *conduit.SpeechResponse) <-chan conduit.AudioChunk {
	ch := make(chan conduit.AudioChunk, 4)
	go func() {
		defer close(ch)
		audio := resp.Audio
		ticker := time.NewTicker(simulatedChunkDelay)
		defer ticker.Stop()

		for i := 0; len(audio) > 0; i++ {
			n := simulatedChunkSize
			if n > len(audio) {
				n = len(audio)
			}
			chunk := conduit.AudioChunk{
				Data:       audio[:n],
				ChunkIndex: i,
				IsFinal:    n == len(audio),
				Timestamp:  float64(i) * simulatedChunkDelay.Seconds(),
			}
			audio = audio[n:]

			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.IsFinal {
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
