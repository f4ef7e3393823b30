// Package errs defines the error vocabulary shared by the engine and the
// HTTP boundary. Every per-request failure resolves to a typed *Error; the
// boundary layer translates kinds into protocol status codes.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for machine consumption.
type Kind string

const (
	KindRateLimitExceeded      Kind = "RATE_LIMIT_EXCEEDED"
	KindAPIKeyMissing          Kind = "API_KEY_MISSING"
	KindInvalidAPIKey          Kind = "INVALID_API_KEY"
	KindAPIKeyValidationFailed Kind = "API_KEY_VALIDATION_FAILED"
	KindStoreError             Kind = "STORE_ERROR"
	KindStoreUnavailable       Kind = "STORE_UNAVAILABLE"
	KindConfiguration          Kind = "CONFIGURATION_ERROR"
	KindRequestParsing         Kind = "REQUEST_PARSING_ERROR"
)

// Error is a typed admission failure. RetryAfter, Remaining, Limit and
// ResetAt are meaningful only for KindRateLimitExceeded. RetryAfter is
// how long the caller should wait before retrying, which under backoff
// escalation diverges from ResetAt, the moment the window itself turns
// over.
type Error struct {
	Kind       Kind
	Message    string
	Remaining  int64
	RetryAfter time.Duration
	Limit      int64
	ResetAt    time.Time
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind through sentinel values.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// StatusCode maps the kind to the HTTP-style status the boundary renders.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindAPIKeyMissing, KindInvalidAPIKey, KindAPIKeyValidationFailed:
		return http.StatusUnauthorized
	case KindStoreError, KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case KindRequestParsing:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may usefully retry later.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimitExceeded, KindStoreError, KindStoreUnavailable:
		return true
	}
	return false
}

// Envelope is the JSON wire form of an Error.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

type EnvelopeBody struct {
	Code    string           `json:"code"`
	Message string           `json:"message"`
	Details *EnvelopeDetails `json:"details,omitempty"`
}

type EnvelopeDetails struct {
	Remaining  int64 `json:"remaining"`
	RetryAfter int64 `json:"retry_after"`
	Limit      int64 `json:"limit"`
}

// ToEnvelope renders the error for JSON responses. Retry metadata is only
// attached to rate-limit errors.
func (e *Error) ToEnvelope() Envelope {
	env := Envelope{Error: EnvelopeBody{Code: string(e.Kind), Message: e.Error()}}
	if e.Kind == KindRateLimitExceeded {
		env.Error.Details = &EnvelopeDetails{
			Remaining:  e.Remaining,
			RetryAfter: int64(e.RetryAfter / time.Second),
			Limit:      e.Limit,
		}
	}
	return env
}

// RateLimitExceeded builds the deny error carried back to the boundary.
func RateLimitExceeded(remaining int64, retryAfter time.Duration, limit int64, resetAt time.Time) *Error {
	return &Error{
		Kind:       KindRateLimitExceeded,
		Message:    fmt.Sprintf("rate limit exceeded: %d requests remaining, retry after %ds", remaining, int64(retryAfter/time.Second)),
		Remaining:  remaining,
		RetryAfter: retryAfter,
		Limit:      limit,
		ResetAt:    resetAt,
	}
}

func APIKeyMissing() *Error {
	return &Error{Kind: KindAPIKeyMissing, Message: "api key is required but not provided"}
}

// InvalidAPIKey truncates the presented key to a short hint so full
// credentials never reach logs or responses.
func InvalidAPIKey(rawKey string) *Error {
	hint := rawKey
	if len(hint) > 8 {
		hint = hint[:8] + "..."
	}
	return &Error{Kind: KindInvalidAPIKey, Message: "invalid api key: " + hint}
}

func APIKeyValidationFailed(reason string, err error) *Error {
	return &Error{Kind: KindAPIKeyValidationFailed, Message: "api key validation failed: " + reason, Err: err}
}

func StoreError(message string, err error) *Error {
	return &Error{Kind: KindStoreError, Message: message, Err: err}
}

func StoreUnavailable(message string, err error) *Error {
	return &Error{Kind: KindStoreUnavailable, Message: message, Err: err}
}

func Configuration(message string) *Error {
	return &Error{Kind: KindConfiguration, Message: message}
}

func RequestParsing(message string) *Error {
	return &Error{Kind: KindRequestParsing, Message: message}
}

// KindOf extracts the kind from any error chain, or "" when the chain
// carries no typed admission error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
