package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
	"github.com/knnlabs/Conduit-sub015/internal/billing"
	"github.com/knnlabs/Conduit-sub015/internal/provider"
	"github.com/knnlabs/Conduit-sub015/internal/router"
)

// Embeddings runs an embedding request through the pipeline. Reservation
// covers the input tokens only; embeddings produce no completion.
func (p *Pipeline) Embeddings(ctx context.Context, key *conduit.VirtualKey, req *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
	const op = conduit.OpEmbeddings
	start := time.Now()

	if err := authorize(key, req.Model); err != nil {
		p.finish(ctx, key, op, "", start, err)
		return nil, err
	}

	inputEstimate := p.counter.CountText(req.Model, string(req.Input))

	var resp *conduit.EmbeddingResponse
	var providerName string
	err := p.execute(ctx, op, req.Model, 0, func(ctx context.Context, cand router.Candidate, prov conduit.Provider) error {
		providerName = cand.Provider.Name
		costRule := p.costRule(ctx, cand.Mapping.ID)
		resID, err := p.reserve(ctx, key, costRule, tokenEstimate(costRule, inputEstimate))
		if err != nil {
			return err
		}

		upstream := *req
		upstream.Model = cand.Mapping.ProviderModelID
		callCtx, cancel := context.WithTimeout(ctx, op.Deadline())
		defer cancel()

		r, err := prov.Embeddings(callCtx, &upstream)
		if err != nil {
			p.release(resID)
			return err
		}

		if r.Usage == nil || r.Usage.TotalTokens == 0 {
			r.Usage = &conduit.Usage{
				PromptTokens: inputEstimate,
				TotalTokens:  inputEstimate,
				Estimated:    true,
			}
		}
		r.Model = req.Model

		rec := p.newRecord(ctx, key, op, req.Model, cand, start)
		rec.PromptTokens = r.Usage.PromptTokens
		rec.TotalTokens = r.Usage.TotalTokens
		rec.UsageEstimated = r.Usage.Estimated
		p.settle(ctx, resID, costRule, rec)

		resp = r
		return nil
	})

	p.finish(ctx, key, op, providerName, start, err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GenerateImage runs an image generation request. Billing is per image
// actually produced.
func (p *Pipeline) GenerateImage(ctx context.Context, key *conduit.VirtualKey, req *conduit.ImageRequest) (*conduit.ImageResponse, error) {
	const op = conduit.OpImageGen
	start := time.Now()

	if err := authorize(key, req.Model); err != nil {
		p.finish(ctx, key, op, "", start, err)
		return nil, err
	}

	n := req.N
	if n < 1 {
		n = 1
	}

	var resp *conduit.ImageResponse
	var providerName string
	err := p.execute(ctx, op, req.Model, 0, func(ctx context.Context, cand router.Candidate, prov conduit.Provider) error {
		providerName = cand.Provider.Name
		gen, ok := prov.(conduit.ImageGenerator)
		if !ok {
			return fmt.Errorf("provider %q cannot generate images: %w", cand.Provider.Name, conduit.ErrInvalidRequest)
		}

		costRule := p.costRule(ctx, cand.Mapping.ID)
		resID, err := p.reserve(ctx, key, costRule, imageEstimate(costRule, n))
		if err != nil {
			return err
		}

		upstream := *req
		upstream.Model = cand.Mapping.ProviderModelID
		callCtx, cancel := context.WithTimeout(ctx, op.Deadline())
		defer cancel()

		r, err := gen.GenerateImage(callCtx, &upstream)
		if err != nil {
			p.release(resID)
			return err
		}

		rec := p.newRecord(ctx, key, op, req.Model, cand, start)
		rec.ImageCount = len(r.Data)
		p.settle(ctx, resID, costRule, rec)

		resp = r
		return nil
	})

	p.finish(ctx, key, op, providerName, start, err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Transcribe runs an audio transcription request. Billing is per second
// of audio; duration missing from the provider is estimated from the
// payload size and flagged on the record.
func (p *Pipeline) Transcribe(ctx context.Context, key *conduit.VirtualKey, req *conduit.TranscriptionRequest) (*conduit.TranscriptionResponse, error) {
	const op = conduit.OpTranscription
	start := time.Now()

	if err := checkTranscription(key, req); err != nil {
		p.finish(ctx, key, op, "", start, err)
		return nil, err
	}

	estimatedSeconds := billing.EstimateAudioSeconds(len(req.AudioData))

	var resp *conduit.TranscriptionResponse
	var providerName string
	err := p.execute(ctx, op, req.Model, conduit.CapAudio, func(ctx context.Context, cand router.Candidate, prov conduit.Provider) error {
		providerName = cand.Provider.Name
		tr, ok := prov.(conduit.Transcriber)
		if !ok {
			return fmt.Errorf("provider %q cannot transcribe audio: %w", cand.Provider.Name, conduit.ErrInvalidRequest)
		}

		costRule := p.costRule(ctx, cand.Mapping.ID)
		resID, err := p.reserve(ctx, key, costRule, secondsEstimate(costRule, estimatedSeconds))
		if err != nil {
			return err
		}

		upstream := *req
		upstream.Model = cand.Mapping.ProviderModelID
		callCtx, cancel := context.WithTimeout(ctx, op.Deadline())
		defer cancel()

		r, err := tr.Transcribe(callCtx, &upstream)
		if err != nil {
			p.release(resID)
			return err
		}

		seconds := r.Usage.AudioSeconds
		if seconds == 0 {
			seconds = r.Duration
		}
		estimated := r.Usage.Estimated
		if seconds == 0 {
			seconds = estimatedSeconds
			estimated = true
		}

		rec := p.newRecord(ctx, key, op, req.Model, cand, start)
		rec.AudioSeconds = seconds
		rec.UsageEstimated = estimated
		p.settle(ctx, resID, costRule, rec)

		resp = r
		return nil
	})

	p.finish(ctx, key, op, providerName, start, err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Speech runs a text-to-speech request. Billing is per input character,
// known before the call, so the reservation is exact.
func (p *Pipeline) Speech(ctx context.Context, key *conduit.VirtualKey, req *conduit.SpeechRequest) (*conduit.SpeechResponse, error) {
	const op = conduit.OpSpeech
	start := time.Now()

	if err := p.checkSpeech(key, req); err != nil {
		p.finish(ctx, key, op, "", start, err)
		return nil, err
	}

	chars := charCount(req.Input)

	var resp *conduit.SpeechResponse
	var providerName string
	err := p.execute(ctx, op, req.Model, conduit.CapAudio, func(ctx context.Context, cand router.Candidate, prov conduit.Provider) error {
		providerName = cand.Provider.Name
		synth, ok := prov.(conduit.SpeechSynthesizer)
		if !ok {
			return fmt.Errorf("provider %q cannot synthesize speech: %w", cand.Provider.Name, conduit.ErrInvalidRequest)
		}

		costRule := p.costRule(ctx, cand.Mapping.ID)
		resID, err := p.reserve(ctx, key, costRule, charEstimate(costRule, chars))
		if err != nil {
			return err
		}

		upstream := *req
		upstream.Model = cand.Mapping.ProviderModelID
		callCtx, cancel := context.WithTimeout(ctx, op.Deadline())
		defer cancel()

		r, err := synth.Speech(callCtx, &upstream)
		if err != nil {
			p.release(resID)
			return err
		}

		rec := p.newRecord(ctx, key, op, req.Model, cand, start)
		rec.CharacterCount = r.Usage.CharacterCount
		if rec.CharacterCount == 0 {
			rec.CharacterCount = chars
		}
		rec.AudioSeconds = r.Usage.AudioSeconds
		p.settle(ctx, resID, costRule, rec)

		resp = r
		return nil
	})

	p.finish(ctx, key, op, providerName, start, err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// StreamSpeech runs a streaming text-to-speech request. Providers
// without native streaming fall back to chunking a complete response.
// Characters are billed in full even if the client disconnects; the
// upstream charges for the submitted text either way.
func (p *Pipeline) StreamSpeech(ctx context.Context, key *conduit.VirtualKey, req *conduit.SpeechRequest) (<-chan conduit.AudioChunk, error) {
	const op = conduit.OpSpeech
	start := time.Now()

	if err := p.checkSpeech(key, req); err != nil {
		p.finish(ctx, key, op, "", start, err)
		return nil, err
	}

	chars := charCount(req.Input)

	var out chan conduit.AudioChunk
	err := p.execute(ctx, op, req.Model, conduit.CapAudio, func(ctx context.Context, cand router.Candidate, prov conduit.Provider) error {
		costRule := p.costRule(ctx, cand.Mapping.ID)
		resID, err := p.reserve(ctx, key, costRule, charEstimate(costRule, chars))
		if err != nil {
			return err
		}

		upstream := *req
		upstream.Model = cand.Mapping.ProviderModelID

		var in <-chan conduit.AudioChunk
		switch s := prov.(type) {
		case conduit.SpeechStreamer:
			in, err = s.StreamSpeech(ctx, &upstream)
		case conduit.SpeechSynthesizer:
			var r *conduit.SpeechResponse
			r, err = s.Speech(ctx, &upstream)
			if err == nil {
				in = provider.SimulateSpeechStream(ctx, r)
			}
		default:
			err = fmt.Errorf("provider %q cannot synthesize speech: %w", cand.Provider.Name, conduit.ErrInvalidRequest)
		}
		if err != nil {
			p.release(resID)
			return err
		}

		out = make(chan conduit.AudioChunk)
		go func() {
			defer close(out)
			for chunk := range in {
				select {
				case out <- chunk:
				case <-ctx.Done():
				}
			}
			rec := p.newRecord(ctx, key, op, req.Model, cand, start)
			rec.CharacterCount = chars
			p.settle(ctx, resID, costRule, rec)
			p.finish(ctx, key, op, cand.Provider.Name, start, ctx.Err())
		}()
		return nil
	})
	if err != nil {
		p.finish(ctx, key, op, "", start, err)
		return nil, err
	}
	return out, nil
}

// checkTranscription enforces the exactly-one-input rule for audio:
// inline bytes or a URL, never both, never neither.
func checkTranscription(key *conduit.VirtualKey, req *conduit.TranscriptionRequest) error {
	if err := authorize(key, req.Model); err != nil {
		return err
	}
	if len(req.AudioData) > 0 && req.AudioURL != "" {
		return &conduit.RequestError{
			Code:  conduit.CodeInvalidOperation,
			Param: "file",
			Msg:   "provide either an audio file or a url, not both",
		}
	}
	if len(req.AudioData) == 0 && req.AudioURL == "" {
		return &conduit.RequestError{
			Code:  conduit.CodeMissingParameter,
			Param: "file",
			Msg:   "AudioData cannot be empty",
		}
	}
	return nil
}

func (p *Pipeline) checkSpeech(key *conduit.VirtualKey, req *conduit.SpeechRequest) error {
	if err := authorize(key, req.Model); err != nil {
		return err
	}
	if charCount(req.Input) > conduit.MaxSpeechInputChars {
		return fmt.Errorf("speech input exceeds %d characters: %w", conduit.MaxSpeechInputChars, conduit.ErrPayloadTooLarge)
	}
	return nil
}

// Realtime opens a duplex audio session. The returned session settles
// billing on Close from the accumulated audio statistics; a zero-amount
// reservation is placed up front so the final debit always has a home.
func (p *Pipeline) Realtime(ctx context.Context, key *conduit.VirtualKey, cfg *conduit.RealtimeConfig) (conduit.RealtimeSession, error) {
	const op = conduit.OpRealtime
	start := time.Now()

	if err := authorize(key, cfg.Model); err != nil {
		p.finish(ctx, key, op, "", start, err)
		return nil, err
	}

	var session conduit.RealtimeSession
	err := p.execute(ctx, op, cfg.Model, conduit.CapAudio, func(ctx context.Context, cand router.Candidate, prov conduit.Provider) error {
		rt, ok := prov.(conduit.RealtimeProvider)
		if !ok {
			return fmt.Errorf("provider %q has no realtime support: %w", cand.Provider.Name, conduit.ErrInvalidRequest)
		}

		costRule := p.costRule(ctx, cand.Mapping.ID)
		resID, err := p.reserve(ctx, key, costRule, decimal.Zero)
		if err != nil {
			return err
		}

		upstream := *cfg
		upstream.Model = cand.Mapping.ProviderModelID

		s, err := rt.CreateRealtimeSession(ctx, &upstream)
		if err != nil {
			p.release(resID)
			return err
		}

		p.metrics.RealtimeSessions.Inc()
		session = &billedSession{
			RealtimeSession: s,
			pipeline:        p,
			key:             key,
			alias:           cfg.Model,
			cand:            cand,
			costRule:        costRule,
			reservationID:   resID,
			start:           start,
		}
		return nil
	})
	if err != nil {
		p.finish(ctx, key, op, "", start, err)
		return nil, err
	}
	return session, nil
}

// billedSession settles a realtime session's usage exactly once, when it
// closes.
type billedSession struct {
	conduit.RealtimeSession
	pipeline      *Pipeline
	key           *conduit.VirtualKey
	alias         string
	cand          router.Candidate
	costRule      *conduit.ModelCost
	reservationID string
	start         time.Time

	once sync.Once
}

func (s *billedSession) Close(ctx context.Context) error {
	err := s.RealtimeSession.Close(ctx)
	s.once.Do(func() {
		p := s.pipeline
		p.metrics.RealtimeSessions.Dec()
		stats := s.Stats()

		rec := p.newRecord(ctx, s.key, conduit.OpRealtime, s.alias, s.cand, s.start)
		rec.AudioSeconds = stats.InputAudioSeconds + stats.OutputAudioSeconds
		rec.PromptTokens = stats.InputTokens
		rec.CompletionTokens = stats.OutputTokens
		rec.TotalTokens = stats.InputTokens + stats.OutputTokens
		p.settle(ctx, s.reservationID, s.costRule, rec)
		p.finish(ctx, s.key, conduit.OpRealtime, s.cand.Provider.Name, s.start, nil)
	})
	return err
}

// --- reservation sizing per pricing model ---

func tokenEstimate(costRule *conduit.ModelCost, inputTokens int) decimal.Decimal {
	if costRule == nil {
		return decimal.Zero
	}
	return billing.EstimateReservation(costRule, inputTokens, 0, 0)
}

func imageEstimate(costRule *conduit.ModelCost, n int) decimal.Decimal {
	if costRule == nil {
		return decimal.Zero
	}
	return costRule.PerImage.Mul(decimal.NewFromInt(int64(n)))
}

func secondsEstimate(costRule *conduit.ModelCost, seconds float64) decimal.Decimal {
	if costRule == nil {
		return decimal.Zero
	}
	return costRule.PerSecond.Mul(decimal.NewFromFloat(seconds))
}

func charEstimate(costRule *conduit.ModelCost, chars int) decimal.Decimal {
	if costRule == nil {
		return decimal.Zero
	}
	return costRule.PerCharacter.Mul(decimal.NewFromInt(int64(chars)))
}

func charCount(s string) int {
	return len([]rune(s))
}
