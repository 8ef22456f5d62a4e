package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures so clients can tell retry-worthy errors
// from permanent ones.
type ErrorKind string

const (
	KindAuth           ErrorKind = "auth_error"
	KindRateLimit      ErrorKind = "rate_limit_exceeded"
	KindConcurrency    ErrorKind = "concurrency_limit_exceeded"
	KindValidation     ErrorKind = "validation_error"
	KindExtraction     ErrorKind = "extraction_error"
	KindLLM            ErrorKind = "llm_error"
	KindCircuitOpen    ErrorKind = "circuit_open"
	KindKeysExhausted  ErrorKind = "all_keys_exhausted"
	KindBudgetExceeded ErrorKind = "budget_exceeded"
	KindLeaseExpired   ErrorKind = "lease_expired"
	KindTimeout        ErrorKind = "timeout"
	KindWebhook        ErrorKind = "webhook_delivery_error"
	KindNotFound       ErrorKind = "not_found"
	KindTerminal       ErrorKind = "already_terminal"
	KindResultPending  ErrorKind = "result_not_ready"
	KindInternal       ErrorKind = "internal_error"
)

// Error is the structured error recorded on jobs and returned to clients.
type Error struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether the worker may retry a job that failed with
// this error. Admission-time kinds are never retried by the server.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindLLM, KindCircuitOpen, KindKeysExhausted, KindBudgetExceeded, KindLeaseExpired:
		return true
	default:
		return false
	}
}

// NewError builds a structured error without context.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithContext attaches a context value and returns the error for chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	e.Context[key] = value
	return e
}

// NewRateLimitError carries the limit and window reset time for 429 responses.
func NewRateLimitError(limit int, resetAt time.Time) *Error {
	return NewError(KindRateLimit, "rate limit of %d requests per minute exceeded", limit).
		WithContext("limit", limit).
		WithContext("reset_at", resetAt.UTC().Format(time.RFC3339))
}

// AsError extracts a structured *Error from an error chain, wrapping unknown
// errors as internal so terminal failures always carry a kind.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Message: err.Error()}
}

// KindOf returns the kind of err, or KindInternal for untyped errors.
func KindOf(err error) ErrorKind {
	if e := AsError(err); e != nil {
		return e.Kind
	}
	return KindInternal
}
