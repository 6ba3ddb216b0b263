package provider

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

// maxErrorBody caps how much of an upstream error body is retained.
const maxErrorBody = 4096

// ClassifyResponse reads up to 4KB from a non-2xx upstream response and
// returns a ProviderError whose kind reflects both the status code and the
// error body. Body refinement catches providers that report billing or
// model failures under generic statuses.
func ClassifyResponse(providerName string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	pe := &conduit.ProviderError{
		Provider:   providerName,
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Kind:       kindForStatus(resp.StatusCode),
	}
	if ra := retryAfterSeconds(resp.Header.Get("Retry-After")); ra > 0 {
		pe.RetryAfterSeconds = ra
	}
	refineKind(pe)
	return pe
}

// ClassifyTransport wraps a transport-level failure (DNS, dial, TLS,
// deadline) into a ProviderError with no status code.
func ClassifyTransport(providerName string, err error) error {
	kind := conduit.ErrProviderComm
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		kind = conduit.ErrTimeout
	case errors.Is(err, context.Canceled):
		return err
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = conduit.ErrTimeout
		}
	}
	return &conduit.ProviderError{Provider: providerName, Kind: kind, Body: err.Error()}
}

func kindForStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return conduit.ErrProviderUnavailable
	case code == http.StatusNotFound:
		return conduit.ErrModelNotFound
	case code == http.StatusTooManyRequests:
		return conduit.ErrRateLimited
	case code == http.StatusRequestEntityTooLarge:
		return conduit.ErrPayloadTooLarge
	case code >= 500:
		return conduit.ErrProviderUnavailable
	case code >= 400:
		return conduit.ErrInvalidRequest
	default:
		return conduit.ErrProviderComm
	}
}

// refineKind re-classifies by error body content. Providers disagree on
// status codes for quota exhaustion and unknown models; their error text
// is more reliable than the status.
func refineKind(pe *conduit.ProviderError) {
	code := gjson.Get(pe.Body, "error.code").String()
	typ := gjson.Get(pe.Body, "error.type").String()
	msg := gjson.Get(pe.Body, "error.message").String()
	if msg == "" {
		msg = gjson.Get(pe.Body, "message").String()
	}
	lower := strings.ToLower(code + " " + typ + " " + msg)

	switch {
	case strings.Contains(lower, "insufficient_quota"),
		strings.Contains(lower, "billing"),
		strings.Contains(lower, "exceeded your current quota"):
		pe.Kind = conduit.ErrInsufficientBalance
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "rate_limit"):
		pe.Kind = conduit.ErrRateLimited
	case strings.Contains(lower, "model_not_found"),
		strings.Contains(lower, "does not exist") && strings.Contains(lower, "model"),
		strings.Contains(lower, "unknown model"):
		pe.Kind = conduit.ErrModelNotFound
	}
}

// retryAfterSeconds parses a Retry-After header given in delta seconds.
// HTTP-date form is rare from LLM providers and is ignored.
func retryAfterSeconds(v string) float64 {
	if v == "" {
		return 0
	}
	sec, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || sec < 0 {
		return 0
	}
	return sec
}
