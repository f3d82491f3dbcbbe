package client

import (
	"errors"
	"fmt"
	"time"
)

// Common errors returned by the client.
var (
	// ErrRateLimited is matched by every *RateLimitError.
	ErrRateLimited = errors.New("okta rate limit exceeded")

	// ErrMissingPagination is returned when a successful response carries no
	// rel="next" link. Okta always sends one, so this is a contract violation.
	ErrMissingPagination = errors.New("response lacks rel=\"next\" link")
)

// ErrorClass represents a classification of upstream errors.
type ErrorClass string

const (
	// ErrorClassRateLimit represents the Okta rate limit (E0000047 / 429).
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassUpstream represents any other non-success response.
	ErrorClassUpstream ErrorClass = "upstream"

	// ErrorClassPagination represents a success response without a next link.
	ErrorClassPagination ErrorClass = "pagination"

	// ErrorClassDecode represents a body that is not a JSON array of objects.
	ErrorClassDecode ErrorClass = "decode"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// RateLimitError is returned when Okta rejects a request for exceeding the
// rate limit. The run stops cleanly and the scheduler tries again later.
type RateLimitError struct {
	StatusCode int
	ErrorID    string
	Summary    string

	// ResetAt is taken from X-Rate-Limit-Reset; zero when absent.
	ResetAt time.Time
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	msg := fmt.Sprintf("okta rate limit exceeded (status %d)", e.StatusCode)
	if e.Summary != "" {
		msg += ": " + e.Summary
	}
	if !e.ResetAt.IsZero() {
		msg += ", resets at " + e.ResetAt.UTC().Format(time.RFC3339)
	}
	return msg
}

// Is reports whether target is ErrRateLimited.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// UpstreamError represents a fatal upstream failure with diagnostic context.
type UpstreamError struct {
	StatusCode int
	ErrorClass ErrorClass

	// Code and Summary come from the Okta error object when present.
	Code    string
	Summary string

	// Body is a bounded copy of the response body.
	Body string

	Err error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("okta %s error (status %d)", e.ErrorClass, e.StatusCode)
	if e.Code != "" {
		msg += fmt.Sprintf(": %s %s", e.Code, e.Summary)
	} else if e.Summary != "" {
		msg += ": " + e.Summary
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// ClassOf returns the ErrorClass carried by err, or "" for unclassified errors.
func ClassOf(err error) ErrorClass {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return ErrorClassRateLimit
	}
	var up *UpstreamError
	if errors.As(err, &up) {
		return up.ErrorClass
	}
	return ""
}
