package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"os"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

// ClassifyError returns the error weight for circuit breaker tracking.
//
// Weights:
//   - rate limited -> 0.5 (the provider is alive, just throttling)
//   - provider unavailable / communication failure -> 1.0
//   - timeout (deadline exceeded) -> 1.5
//   - validation, auth, billing, model-not-found -> 0.0 (caller fault)
//   - nil -> 0.0
func ClassifyError(err error) float64 {
	if err == nil {
		return 0
	}

	// Timeouts weigh heaviest: they burn the full request deadline before
	// failing, unlike a fast 5xx.
	if errors.Is(err, conduit.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return 1.5
	}

	switch {
	case errors.Is(err, conduit.ErrRateLimited):
		return 0.5
	case errors.Is(err, conduit.ErrProviderUnavailable), errors.Is(err, conduit.ErrProviderComm):
		return 1.0
	case errors.Is(err, conduit.ErrInvalidRequest),
		errors.Is(err, conduit.ErrUnauthenticated),
		errors.Is(err, conduit.ErrInsufficientBalance),
		errors.Is(err, conduit.ErrModelNotFound),
		errors.Is(err, conduit.ErrModelNotAllowed),
		errors.Is(err, context.Canceled):
		return 0.0
	}

	var pe *conduit.ProviderError
	if errors.As(err, &pe) {
		return classifyStatus(pe.HTTPStatus())
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return 1.0
	}

	// Unclassified errors count as a provider fault.
	return 1.0
}

// classifyStatus returns the error weight for an upstream HTTP status code.
func classifyStatus(code int) float64 {
	switch {
	case code == 429:
		return 0.5
	case code >= 500 && code <= 504:
		return 1.0
	default:
		return 0.0
	}
}

// Allow reports whether the provider's breaker admits a request. It
// satisfies the router's Breaker interface; unseen providers start closed.
func (r *Registry) Allow(providerID string) bool {
	return r.GetOrCreate(providerID).Allow()
}

// Record feeds one request outcome into the provider's breaker.
func (r *Registry) Record(providerID string, err error) {
	b := r.GetOrCreate(providerID)
	if w := ClassifyError(err); w > 0 {
		b.RecordError(w)
	} else if err == nil {
		b.RecordSuccess()
	} else {
		// Zero-weight errors are caller faults; they count as provider
		// successes for circuit purposes.
		b.RecordSuccess()
	}
}
