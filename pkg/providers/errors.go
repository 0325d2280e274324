package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
)

// FailureKind is the user-facing category of a failed generation call.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureRateLimited
	FailureQuotaExceeded
	FailureAuth
	FailureUnknown
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureRateLimited:
		return "rate_limited"
	case FailureQuotaExceeded:
		return "quota_exceeded"
	case FailureAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// BackendError is returned by providers for every failed Chat call.
type BackendError struct {
	Kind       FailureKind
	Provider   string
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func newBackendError(provider string, err error) *BackendError {
	be := &BackendError{Provider: provider, Err: err}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		be.StatusCode = apiErr.StatusCode
	}
	be.Kind = classify(be.StatusCode, err)
	return be
}

// ClassifyError maps any error returned from a provider to a FailureKind.
func ClassifyError(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind
	}
	status := 0
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	return classify(status, err)
}

func classify(status int, err error) FailureKind {
	text := strings.ToLower(err.Error())
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return FailureAuth
	case http.StatusPaymentRequired:
		return FailureQuotaExceeded
	case http.StatusTooManyRequests:
		if mentionsQuota(text) {
			return FailureQuotaExceeded
		}
		return FailureRateLimited
	}

	switch {
	case mentionsQuota(text):
		return FailureQuotaExceeded
	case strings.Contains(text, "rate limit"),
		strings.Contains(text, "rate_limit"),
		strings.Contains(text, "too many requests"):
		return FailureRateLimited
	case strings.Contains(text, "api key"),
		strings.Contains(text, "api_key"),
		strings.Contains(text, "unauthorized"):
		return FailureAuth
	default:
		return FailureUnknown
	}
}

func mentionsQuota(text string) bool {
	return strings.Contains(text, "quota") || strings.Contains(text, "billing")
}
