package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
	"github.com/knnlabs/Conduit-sub015/internal/billing"
	"github.com/knnlabs/Conduit-sub015/internal/router"
)

// Chat runs a non-streaming chat completion through the full pipeline.
// The response carries the caller's alias as the model name and always
// has usage populated, estimated if the upstream omitted it.
func (p *Pipeline) Chat(ctx context.Context, key *conduit.VirtualKey, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	const op = conduit.OpChat
	start := time.Now()

	if err := authorize(key, req.Model); err != nil {
		p.finish(ctx, key, op, "", start, err)
		return nil, err
	}
	if err := p.checkMaxTokens(ctx, req); err != nil {
		p.finish(ctx, key, op, "", start, err)
		return nil, err
	}

	inputEstimate := p.counter.EstimateRequest(req.Model, req.Messages)

	var resp *conduit.ChatResponse
	var providerName string
	err := p.execute(ctx, op, req.Model, req.RequiredCapabilities(), func(ctx context.Context, cand router.Candidate, prov conduit.Provider) error {
		providerName = cand.Provider.Name
		costRule := p.costRule(ctx, cand.Mapping.ID)
		resID, err := p.reserveChat(ctx, key, costRule, req, inputEstimate)
		if err != nil {
			return err
		}

		upstream := *req
		upstream.Model = cand.Mapping.ProviderModelID
		callCtx, cancel := context.WithTimeout(ctx, op.Deadline())
		defer cancel()

		r, err := prov.ChatCompletion(callCtx, &upstream)
		if err != nil {
			p.release(resID)
			return err
		}

		if r.Usage == nil || r.Usage.TotalTokens == 0 {
			r.Usage = p.estimateChatUsage(inputEstimate, r)
		}
		r.Model = req.Model

		rec := p.newRecord(ctx, key, op, req.Model, cand, start)
		rec.PromptTokens = r.Usage.PromptTokens
		rec.CompletionTokens = r.Usage.CompletionTokens
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

// ChatStream establishes a streaming chat completion. Failover applies
// only until the upstream stream opens; after that the pump owns the
// request and settles billing when the stream ends, fails, or the client
// cancels.
func (p *Pipeline) ChatStream(ctx context.Context, key *conduit.VirtualKey, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	const op = conduit.OpChat
	start := time.Now()

	if err := authorize(key, req.Model); err != nil {
		p.finish(ctx, key, op, "", start, err)
		return nil, err
	}
	if err := p.checkMaxTokens(ctx, req); err != nil {
		p.finish(ctx, key, op, "", start, err)
		return nil, err
	}

	inputEstimate := p.counter.EstimateRequest(req.Model, req.Messages)

	var out chan conduit.StreamChunk
	err := p.execute(ctx, op, req.Model, req.RequiredCapabilities(), func(ctx context.Context, cand router.Candidate, prov conduit.Provider) error {
		costRule := p.costRule(ctx, cand.Mapping.ID)
		resID, err := p.reserveChat(ctx, key, costRule, req, inputEstimate)
		if err != nil {
			return err
		}

		upstream := *req
		upstream.Model = cand.Mapping.ProviderModelID

		in, err := prov.ChatCompletionStream(ctx, &upstream)
		if err != nil {
			p.release(resID)
			return err
		}

		out = make(chan conduit.StreamChunk)
		go p.pump(ctx, out, in, &streamSettle{
			pipeline:      p,
			key:           key,
			alias:         req.Model,
			cand:          cand,
			costRule:      costRule,
			reservationID: resID,
			inputEstimate: inputEstimate,
			start:         start,
		})
		return nil
	})
	if err != nil {
		p.finish(ctx, key, op, "", start, err)
		return nil, err
	}
	return out, nil
}

// streamSettle carries the billing context of one open stream.
type streamSettle struct {
	pipeline      *Pipeline
	key           *conduit.VirtualKey
	alias         string
	cand          router.Candidate
	costRule      *conduit.ModelCost
	reservationID string
	inputEstimate int
	start         time.Time
}

// pump copies chunks from the upstream channel to the client, tracking
// the final usage chunk and accumulated delta text for backfill. The
// three exits are: upstream closed (complete), upstream error chunk
// (failed), client cancelled (cancelled).
func (p *Pipeline) pump(ctx context.Context, out chan<- conduit.StreamChunk, in <-chan conduit.StreamChunk, st *streamSettle) {
	defer close(out)

	var usage *conduit.Usage
	completionBytes := 0

	for {
		select {
		case <-ctx.Done():
			st.cancelled(ctx, usage)
			return

		case chunk, ok := <-in:
			if !ok {
				st.complete(ctx, usage, completionBytes)
				return
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if chunk.Err != nil {
				st.failed(ctx, chunk.Err)
				select {
				case out <- chunk:
				case <-ctx.Done():
				}
				return
			}
			completionBytes += deltaContentLen(chunk.Data)

			select {
			case out <- chunk:
			case <-ctx.Done():
				st.cancelled(ctx, usage)
				return
			}
		}
	}
}

// complete settles a stream that ran to the end. Missing usage is
// backfilled from the accumulated delta text.
func (st *streamSettle) complete(ctx context.Context, usage *conduit.Usage, completionBytes int) {
	p := st.pipeline
	if usage == nil || usage.TotalTokens == 0 {
		completion := (completionBytes + 3) / 4
		usage = &conduit.Usage{
			PromptTokens:     st.inputEstimate,
			CompletionTokens: completion,
			TotalTokens:      st.inputEstimate + completion,
			Estimated:        true,
		}
	}

	rec := p.newRecord(ctx, st.key, conduit.OpChat, st.alias, st.cand, st.start)
	rec.PromptTokens = usage.PromptTokens
	rec.CompletionTokens = usage.CompletionTokens
	rec.TotalTokens = usage.TotalTokens
	rec.UsageEstimated = usage.Estimated
	p.settle(ctx, st.reservationID, st.costRule, rec)
	p.finish(ctx, st.key, conduit.OpChat, st.cand.Provider.Name, st.start, nil)
}

// cancelled settles a stream the client abandoned. Only tokens the
// provider actually reported are billed; without a usage chunk the
// reservation is released and the request bills at zero.
func (st *streamSettle) cancelled(ctx context.Context, usage *conduit.Usage) {
	p := st.pipeline

	rec := p.newRecord(ctx, st.key, conduit.OpChat, st.alias, st.cand, st.start)
	rec.StatusCode = 499

	if usage != nil && usage.TotalTokens > 0 {
		rec.PromptTokens = usage.PromptTokens
		rec.CompletionTokens = usage.CompletionTokens
		rec.TotalTokens = usage.TotalTokens
		rec.UsageEstimated = usage.Estimated
		p.settle(ctx, st.reservationID, st.costRule, rec)
	} else {
		p.release(st.reservationID)
		p.logger.Warn("usage_missing: stream cancelled before usage arrived, billing zero",
			slog.String("model", st.alias),
			slog.String("provider", st.cand.Provider.Name),
			slog.String("request_id", rec.RequestID))
		p.emit(rec)
	}
	p.finish(ctx, st.key, conduit.OpChat, st.cand.Provider.Name, st.start, context.Canceled)
}

// failed settles a stream the upstream broke mid-flight.
func (st *streamSettle) failed(ctx context.Context, err error) {
	p := st.pipeline
	p.release(st.reservationID)
	p.breakers.Record(st.cand.Provider.ID, err)
	p.metrics.UpstreamErrors.WithLabelValues(st.cand.Provider.Name, conduit.ErrorKind(err)).Inc()
	p.finish(ctx, st.key, conduit.OpChat, st.cand.Provider.Name, st.start, err)
}

// checkMaxTokens rejects a max_tokens the target model can never honor.
// Models without declared metadata pass; the upstream enforces its own
// limits either way.
func (p *Pipeline) checkMaxTokens(ctx context.Context, req *conduit.ChatRequest) error {
	if req.MaxTokens == nil || p.caps == nil {
		return nil
	}
	window, _, err := p.caps.ContextWindow(ctx, req.Model)
	if err != nil || window <= 0 {
		return nil
	}
	if *req.MaxTokens > window {
		return &conduit.RequestError{
			Code:  conduit.CodeInvalidParameter,
			Param: "max_tokens",
			Msg:   fmt.Sprintf("max_tokens %d exceeds the %d token context window of %s", *req.MaxTokens, window, req.Model),
		}
	}
	return nil
}

// reserveChat sizes the pre-flight hold: input tokens at the input rate
// plus the worst-case completion. Without max_tokens the model's context
// window bounds the completion.
func (p *Pipeline) reserveChat(ctx context.Context, key *conduit.VirtualKey, costRule *conduit.ModelCost, req *conduit.ChatRequest, inputTokens int) (string, error) {
	if costRule == nil {
		return "", nil
	}
	maxTokens := 0
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	contextWindow := 0
	if maxTokens <= 0 && p.caps != nil {
		if window, _, err := p.caps.ContextWindow(ctx, req.Model); err == nil {
			contextWindow = window
		}
	}
	estimate := billing.EstimateReservation(costRule, inputTokens, maxTokens, contextWindow)
	return p.reserve(ctx, key, costRule, estimate)
}

// estimateChatUsage backfills usage from the pre-flight input estimate
// and the response text when the upstream reported none.
func (p *Pipeline) estimateChatUsage(inputEstimate int, resp *conduit.ChatResponse) *conduit.Usage {
	completion := 0
	for i := range resp.Choices {
		if text := string(resp.Choices[i].Message.Content); text != "" {
			completion += p.counter.CountText(resp.Model, text)
		}
	}
	return &conduit.Usage{
		PromptTokens:     inputEstimate,
		CompletionTokens: completion,
		TotalTokens:      inputEstimate + completion,
		Estimated:        true,
	}
}

// deltaContentLen returns the length of the delta text in one canonical
// chunk, for completion token backfill.
func deltaContentLen(data []byte) int {
	return len(gjson.GetBytes(data, "choices.0.delta.content").String())
}
