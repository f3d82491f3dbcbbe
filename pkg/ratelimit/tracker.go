package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	oktaRateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "okta_rate_limit_remaining",
		Help: "Requests remaining in the current Okta rate limit window",
	})

	oktaRateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "okta_rate_limit_blocks_total",
		Help: "Total number of fetches skipped because the Okta rate limit window was exhausted",
	})
)

// Tracker monitors the Okta rate limit window of one org and gates requests.
type Tracker struct {
	store  StateStore
	key    string
	logger zerolog.Logger
	now    func() time.Time
}

// NewTracker creates a new rate limit tracker for the org identified by key.
func NewTracker(store StateStore, key string, logger zerolog.Logger) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{
		store:  store,
		key:    key,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source (for testing).
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// GetState retrieves the last recorded state.
// Returns a default unlimited state if nothing was recorded yet.
func (t *Tracker) GetState(ctx context.Context) (*RateLimitState, error) {
	state, err := t.store.Get(ctx, t.key)
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}
	if state == nil {
		t.logger.Debug().Msg("No rate limit state recorded, assuming an open window")
		now := t.now()
		return &RateLimitState{
			Remaining:  1,
			ResetAt:    now,
			LastUpdate: now,
		}, nil
	}
	return state, nil
}

// UpdateFromHeaders parses the Okta rate limit headers and records the window.
// Responses without the headers leave the state untouched.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		return nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	state := &RateLimitState{
		Remaining:  remain,
		LastUpdate: t.now(),
	}

	if limitStr := headers.Get(HeaderLimit); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderLimit, err)
		}
		state.Limit = limit
	}

	resetStr := headers.Get(HeaderReset)
	if resetStr == "" {
		return fmt.Errorf("%s header missing", HeaderReset)
	}
	resetEpoch, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderReset, err)
	}
	state.ResetAt = time.Unix(resetEpoch, 0)

	if err := t.store.Set(ctx, t.key, state); err != nil {
		return fmt.Errorf("store rate limit state: %w", err)
	}

	oktaRateLimitRemaining.Set(float64(remain))

	switch {
	case state.Exhausted(state.LastUpdate):
		t.logger.Warn().
			Int("remaining", remain).
			Time("reset_at", state.ResetAt).
			Msg("Okta rate limit window exhausted")
	case state.NearLimit():
		t.logger.Warn().
			Int("remaining", remain).
			Int("limit", state.Limit).
			Time("reset_at", state.ResetAt).
			Msg("Okta rate limit window nearly exhausted")
	default:
		t.logger.Debug().
			Int("remaining", remain).
			Int("limit", state.Limit).
			Msg("Okta rate limit state updated")
	}

	return nil
}

// ShouldAllowRequest reports whether a request may be issued now. When it
// may not, the returned duration is the time until the window resets.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, time.Duration, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, 0, err
	}

	now := t.now()
	if state.Exhausted(now) {
		wait := state.TimeUntilReset(now)
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Dur("wait_duration", wait).
			Msg("Okta rate limit window exhausted - skipping request")

		oktaRateLimitBlocksTotal.Inc()
		return false, wait, nil
	}

	return true, 0, nil
}
