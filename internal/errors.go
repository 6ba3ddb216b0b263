package conduit

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Sentinel errors for the gateway domain. Each corresponds to one error
// kind of the unified taxonomy; the server's error mapper turns them into
// OpenAI-shaped envelopes.
var (
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrKeyExpired          = errors.New("virtual key expired")
	ErrKeyDisabled         = errors.New("virtual key disabled")
	ErrModelNotAllowed     = errors.New("model not allowed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrModelNotFound       = errors.New("model not found")
	ErrNotFound            = errors.New("not found")
	ErrNoProviderAvailable = errors.New("no provider available")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrPayloadTooLarge     = errors.New("payload too large")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrTimeout             = errors.New("request timeout")
	ErrProviderComm        = errors.New("provider communication error")
	ErrConfiguration       = errors.New("configuration error")
	ErrNotImplemented      = errors.New("not implemented")
	ErrUnknownCapability   = errors.New("unknown model capability")
)

// Request-validation error codes carried by RequestError and surfaced in
// the envelope's code field.
const (
	CodeInvalidParameter = "invalid_parameter"
	CodeMissingParameter = "missing_parameter"
	CodeInvalidOperation = "invalid_operation"
)

// RequestError is a validation failure tied to a specific request
// parameter. It unwraps to ErrInvalidRequest; the server's mapper uses
// Code and Param to refine the 400 envelope.
type RequestError struct {
	Code  string // one of the Code* constants
	Param string
	Msg   string
}

func (e *RequestError) Error() string { return e.Msg }

func (e *RequestError) Unwrap() error { return ErrInvalidRequest }

// ProviderError is a classified upstream failure. Kind is one of the
// sentinel errors above so callers can use errors.Is; StatusCode and Body
// preserve the raw upstream response for logging and refinement.
type ProviderError struct {
	Provider          string
	Kind              error
	StatusCode        int
	Body              string
	RetryAfterSeconds float64
}

// Error returns a formatted error string including provider, status, and body.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Kind)
}

// Unwrap exposes the error kind for errors.Is matching.
func (e *ProviderError) Unwrap() error { return e.Kind }

// HTTPStatus returns the upstream HTTP status code, or 0 when the failure
// happened before a response arrived.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

// Retryable reports whether the failure may be resolved by routing the
// request to another provider or retrying. Validation, auth, and billing
// failures are never retried.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrProviderUnavailable),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrProviderComm),
		errors.Is(err, ErrModelNotFound) && isProviderErr(err):
		return true
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return true
	}
	return false
}

func isProviderErr(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// ErrorKind returns the stable kind label used in traces and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrKeyExpired), errors.Is(err, ErrKeyDisabled):
		return "unauthenticated"
	case errors.Is(err, ErrModelNotAllowed):
		return "model_not_allowed"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrModelNotFound):
		return "model_not_found"
	case errors.Is(err, ErrNoProviderAvailable):
		return "no_provider_available"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, ErrRateLimited):
		return "rate_limit_exceeded"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrProviderComm):
		return "provider_communication"
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	case errors.Is(err, ErrNotImplemented):
		return "not_implemented"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "unexpected"
	}
}
