// Package app implements the request pipeline of the Conduit gateway:
// authorize, reserve, route, call, meter, bill, emit. Every inbound
// operation flows through one Pipeline method; failover, budget
// accounting, and usage emission live here so the HTTP layer stays thin.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
	"github.com/knnlabs/Conduit-sub015/internal/billing"
	"github.com/knnlabs/Conduit-sub015/internal/capability"
	"github.com/knnlabs/Conduit-sub015/internal/circuitbreaker"
	"github.com/knnlabs/Conduit-sub015/internal/provider"
	"github.com/knnlabs/Conduit-sub015/internal/router"
	"github.com/knnlabs/Conduit-sub015/internal/telemetry"
	"github.com/knnlabs/Conduit-sub015/internal/tokencount"
	"github.com/knnlabs/Conduit-sub015/internal/vkey"
)

// CostStore resolves the pricing rule attached to a mapping.
// ErrNotFound means the model is unpriced and bills at zero.
type CostStore interface {
	GetCostForMapping(ctx context.Context, mappingID string) (*conduit.ModelCost, error)
}

// UsageSink receives completed usage records. Enqueue must not block the
// request path; delivery failures are the sink's problem, never the
// caller's.
type UsageSink interface {
	Enqueue(rec *conduit.UsageRecord)
}

// TraceSink receives per-request trace summaries.
type TraceSink interface {
	Emit(t *conduit.RequestTrace)
}

// Deps bundles the pipeline's collaborators.
type Deps struct {
	Router       *router.Router
	Providers    *provider.Registry
	Budget       *vkey.BudgetManager
	Costs        CostStore
	Capabilities *capability.Service
	Breakers     *circuitbreaker.Registry
	Usage        UsageSink
	Traces       TraceSink
	Metrics      *telemetry.Metrics
	Logger       *slog.Logger
}

// Pipeline orchestrates one operation end to end. All methods are safe
// for concurrent use.
type Pipeline struct {
	router    *router.Router
	providers *provider.Registry
	budget    *vkey.BudgetManager
	costs     CostStore
	caps      *capability.Service
	breakers  *circuitbreaker.Registry
	counter   *tokencount.Counter
	usage     UsageSink
	traces    TraceSink
	metrics   *telemetry.Metrics
	logger    *slog.Logger
}

// New creates a Pipeline. Usage and Traces may be nil; Metrics must not.
func New(deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		router:    deps.Router,
		providers: deps.Providers,
		budget:    deps.Budget,
		costs:     deps.Costs,
		caps:      deps.Capabilities,
		breakers:  deps.Breakers,
		counter:   tokencount.NewCounter(),
		usage:     deps.Usage,
		traces:    deps.Traces,
		metrics:   deps.Metrics,
		logger:    logger,
	}
}

// execute runs the failover loop for one operation: resolve candidates,
// try each in priority order, record circuit and upstream metrics, and
// stop on the first success or non-retryable failure. call owns the
// upstream exchange for one candidate, including its deadline.
func (p *Pipeline) execute(ctx context.Context, op conduit.OperationType, alias string, required conduit.Capability, call func(ctx context.Context, cand router.Candidate, prov conduit.Provider) error) error {
	cands, err := p.router.Resolve(ctx, alias, required, nil)
	if err != nil {
		return err
	}

	attempts := 0
	var lastErr error
	for _, cand := range cands {
		if attempts >= router.MaxFailoverAttempts {
			break
		}
		attempts++

		prov, err := p.providers.Get(cand.Provider, cand.Key)
		if err != nil {
			lastErr = err
			continue
		}
		if attempts > 1 {
			p.metrics.FailoverTotal.WithLabelValues(alias).Inc()
		}

		start := time.Now()
		err = call(ctx, cand, prov)
		p.metrics.UpstreamDuration.WithLabelValues(cand.Provider.Name, cand.Mapping.ProviderModelID).
			Observe(time.Since(start).Seconds())
		p.breakers.Record(cand.Provider.ID, err)
		if err == nil {
			return nil
		}

		p.metrics.UpstreamErrors.WithLabelValues(cand.Provider.Name, conduit.ErrorKind(err)).Inc()
		lastErr = err
		if !conduit.Retryable(err) || ctx.Err() != nil {
			return err
		}
		p.logger.Warn("provider failed, trying next candidate",
			slog.String("model", alias),
			slog.String("provider", cand.Provider.Name),
			slog.String("error", conduit.SanitizeLog(err.Error())))
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("model %q: %w", alias, conduit.ErrNoProviderAvailable)
	}
	return lastErr
}

// costRule resolves the pricing rule for a mapping. An unpriced mapping
// returns nil and bills at zero; a store failure is logged and treated
// the same so billing never blocks serving.
func (p *Pipeline) costRule(ctx context.Context, mappingID string) *conduit.ModelCost {
	cost, err := p.costs.GetCostForMapping(ctx, mappingID)
	if err != nil {
		if !errors.Is(err, conduit.ErrNotFound) {
			p.logger.Error("cost lookup failed",
				slog.String("mapping_id", mappingID),
				slog.String("error", err.Error()))
		}
		return nil
	}
	return cost
}

// reserve places a budget hold for the estimate. A nil cost rule means
// no reservation (unpriced model).
func (p *Pipeline) reserve(ctx context.Context, key *conduit.VirtualKey, costRule *conduit.ModelCost, estimate decimal.Decimal) (string, error) {
	if costRule == nil {
		return "", nil
	}
	resID, err := p.budget.Reserve(ctx, key.GroupID, estimate)
	if err != nil {
		if errors.Is(err, conduit.ErrInsufficientBalance) {
			p.metrics.BudgetRejects.Inc()
		}
		return "", err
	}
	return resID, nil
}

// release drops a reservation if one was placed.
func (p *Pipeline) release(reservationID string) {
	if reservationID != "" {
		p.budget.Release(reservationID)
	}
}

// newRecord starts a usage record for the current request.
func (p *Pipeline) newRecord(ctx context.Context, key *conduit.VirtualKey, op conduit.OperationType, alias string, cand router.Candidate, start time.Time) *conduit.UsageRecord {
	return &conduit.UsageRecord{
		ID:           uuid.NewString(),
		VirtualKeyID: key.ID,
		GroupID:      key.GroupID,
		Operation:    op,
		ModelAlias:   alias,
		ProviderID:   cand.Provider.ID,
		StatusCode:   200,
		LatencyMs:    int(time.Since(start).Milliseconds()),
		RequestID:    conduit.RequestIDFromContext(ctx),
		CreatedAt:    time.Now().UTC(),
	}
}

// settle computes the final cost, commits the reservation (or releases
// it for unpriced models), and emits the record. Billing never fails the
// request: errors here are logged and the response still returns.
func (p *Pipeline) settle(ctx context.Context, reservationID string, costRule *conduit.ModelCost, rec *conduit.UsageRecord) {
	if costRule == nil {
		p.release(reservationID)
	} else {
		cost, err := billing.Cost(costRule, rec)
		if err != nil {
			p.logger.Error("cost computation failed",
				slog.String("usage_id", rec.ID),
				slog.String("error", err.Error()))
			p.release(reservationID)
		} else {
			rec.Cost = billing.Debit(cost)
			// Billing survives client cancellation.
			if err := p.budget.Commit(context.WithoutCancel(ctx), reservationID, rec.Cost); err != nil {
				p.logger.Error("budget commit failed",
					slog.String("usage_id", rec.ID),
					slog.String("error", err.Error()))
			}
		}
	}
	p.emit(rec)
}

// emit publishes the record to metrics and the usage sink.
func (p *Pipeline) emit(rec *conduit.UsageRecord) {
	if cost, _ := rec.Cost.Float64(); cost > 0 {
		p.metrics.CostDollars.WithLabelValues(rec.ProviderID, rec.ModelAlias).Add(cost)
	}
	if rec.PromptTokens > 0 {
		p.metrics.TokensProcessed.WithLabelValues(rec.ModelAlias, "input").Add(float64(rec.PromptTokens))
	}
	if rec.CompletionTokens > 0 {
		p.metrics.TokensProcessed.WithLabelValues(rec.ModelAlias, "output").Add(float64(rec.CompletionTokens))
	}
	if p.usage != nil {
		p.usage.Enqueue(rec)
	}
}

// finish closes out the request: per-operation metrics and the trace
// summary. providerName may be empty when no candidate was reached.
func (p *Pipeline) finish(ctx context.Context, key *conduit.VirtualKey, op conduit.OperationType, providerName string, start time.Time, err error) {
	status := "ok"
	traceStatus := conduit.TraceOk
	switch {
	case errors.Is(err, context.Canceled):
		status = "cancelled"
		traceStatus = conduit.TraceCancelled
	case err != nil:
		status = conduit.ErrorKind(err)
		traceStatus = conduit.TraceError
	}

	p.metrics.RequestsTotal.WithLabelValues(string(op), providerName, status).Inc()
	p.metrics.RequestDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())

	if p.traces != nil {
		t := &conduit.RequestTrace{
			Start:      start,
			DurationMs: time.Since(start).Milliseconds(),
			Operation:  op,
			Provider:   providerName,
			VirtualKey: key.ID,
			Status:     traceStatus,
		}
		if err != nil {
			t.ErrorKind = conduit.ErrorKind(err)
		}
		p.traces.Emit(t)
	}
}

// authorize checks the key's model allow-list.
func authorize(key *conduit.VirtualKey, alias string) error {
	if !vkey.Authorized(key, alias) {
		return fmt.Errorf("model %q: %w", alias, conduit.ErrModelNotAllowed)
	}
	return nil
}
