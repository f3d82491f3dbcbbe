// Package ratelimit tracks the Okta rate limit window reported on every
// System Log response and gates the next fetch when the window is exhausted.
// It reads the X-Rate-Limit-Limit, X-Rate-Limit-Remaining and
// X-Rate-Limit-Reset headers.
package ratelimit

import (
	"time"
)

// Okta rate limit headers.
const (
	HeaderLimit     = "X-Rate-Limit-Limit"
	HeaderRemaining = "X-Rate-Limit-Remaining"
	HeaderReset     = "X-Rate-Limit-Reset"
)

// WarningFraction is the share of the window below which the tracker warns.
const WarningFraction = 0.1

// RateLimitState represents the last observed Okta rate limit window.
type RateLimitState struct {
	// Limit is the request budget of the current window (X-Rate-Limit-Limit).
	Limit int `json:"limit"`

	// Remaining is the number of requests left in the window (X-Rate-Limit-Remaining).
	Remaining int `json:"remaining"`

	// ResetAt is when the window resets (X-Rate-Limit-Reset, epoch seconds).
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was recorded.
	LastUpdate time.Time `json:"last_update"`
}

// IsStale returns true if the state data is older than the given duration.
func (s *RateLimitState) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastUpdate) > maxAge
}

// Exhausted reports whether no request may be issued before ResetAt.
func (s *RateLimitState) Exhausted(now time.Time) bool {
	return s.Remaining <= 0 && now.Before(s.ResetAt)
}

// NearLimit reports whether fewer than WarningFraction of the window remains.
func (s *RateLimitState) NearLimit() bool {
	if s.Limit <= 0 {
		return false
	}
	return float64(s.Remaining) < float64(s.Limit)*WarningFraction
}

// TimeUntilReset returns the duration until the window resets.
// Returns 0 if the reset time has already passed.
func (s *RateLimitState) TimeUntilReset(now time.Time) time.Duration {
	d := s.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
