package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

// apiError is the OpenAI-shaped error envelope used on every outward
// failure, admin endpoints included.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
	Param   string `json:"param,omitempty"`
}

// mapError translates an internal failure into (status, type, code,
// retry-after seconds). One mapper for the whole server; handlers never
// pick status codes themselves.
func mapError(err error) (status int, typ, code string, retryAfter float64) {
	var pe *conduit.ProviderError
	if errors.As(err, &pe) {
		retryAfter = pe.RetryAfterSeconds
	}

	switch {
	case errors.Is(err, conduit.ErrUnauthenticated),
		errors.Is(err, conduit.ErrKeyExpired),
		errors.Is(err, conduit.ErrKeyDisabled):
		return http.StatusUnauthorized, "invalid_request_error", "unauthorized", 0
	case errors.Is(err, conduit.ErrModelNotAllowed):
		return http.StatusForbidden, "invalid_request_error", "authorization_required", 0
	case errors.Is(err, conduit.ErrInsufficientBalance):
		return http.StatusForbidden, "invalid_request_error", "insufficient_quota", 0
	case errors.Is(err, conduit.ErrModelNotFound):
		return http.StatusNotFound, "invalid_request_error", "model_not_found", 0
	case errors.Is(err, conduit.ErrNotFound):
		return http.StatusNotFound, "invalid_request_error", "not_found", 0
	case errors.Is(err, conduit.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, "invalid_request_error", "payload_too_large", 0
	case errors.Is(err, conduit.ErrInvalidRequest):
		var re *conduit.RequestError
		if errors.As(err, &re) && re.Code != "" {
			return http.StatusBadRequest, "invalid_request_error", re.Code, 0
		}
		return http.StatusBadRequest, "invalid_request_error", "invalid_request", 0
	case errors.Is(err, conduit.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limit_error", "rate_limit_exceeded", retryAfter
	case errors.Is(err, conduit.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "timeout_error", "timeout", 0
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, "timeout_error", "request_timeout", 0
	case errors.Is(err, conduit.ErrProviderUnavailable),
		errors.Is(err, conduit.ErrNoProviderAvailable):
		return http.StatusServiceUnavailable, "service_unavailable", "service_unavailable", 0
	case errors.Is(err, conduit.ErrProviderComm):
		// Failed conversation with a live upstream, after local retry.
		return http.StatusBadGateway, "server_error", "internal_error", 0
	case errors.Is(err, conduit.ErrNotImplemented):
		return http.StatusNotImplemented, "server_error", "not_implemented", 0
	case errors.Is(err, conduit.ErrConfiguration):
		return http.StatusInternalServerError, "server_error", "configuration_error", 0
	default:
		return http.StatusInternalServerError, "server_error", "internal_error", 0
	}
}

// writeError maps err and writes the envelope. Retry-After is set when
// the provider supplied one. X-Request-Id is already on the response,
// set by the requestID middleware before any handler runs.
func writeError(w http.ResponseWriter, err error) {
	status, typ, code, retryAfter := mapError(err)
	if retryAfter > 0 {
		w.Header()["Retry-After"] = []string{strconv.Itoa(int(math.Ceil(retryAfter)))}
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		// Internal details stay server-side.
		msg = "internal server error"
	}
	writeJSON(w, status, apiError{Error: apiErrorBody{Message: msg, Type: typ, Code: code, Param: errParam(err)}})
}

// errorEnvelope builds an envelope without writing it, for mid-stream
// SSE error frames where the status line is long gone.
func errorEnvelope(err error) apiError {
	_, typ, code, _ := mapError(err)
	return apiError{Error: apiErrorBody{Message: err.Error(), Type: typ, Code: code, Param: errParam(err)}}
}

// errParam surfaces the offending parameter name on validation failures.
func errParam(err error) string {
	var re *conduit.RequestError
	if errors.As(err, &re) {
		return re.Param
	}
	return ""
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
