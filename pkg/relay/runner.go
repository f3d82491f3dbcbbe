// Package relay drives one invocation of the Okta System Log relay.
//
// A run is a state machine:
//
//	INIT -> FETCHING -> FORWARDING -> CHECKPOINTING -> FETCHING ...
//
// ending in DONE (clean stop) or FAILED. The cursor of a page is persisted
// only after the page's events were accepted by the sink, so a failed or
// interrupted run resumes at the first batch that was not delivered.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmountifield/okta-to-humio/pkg/checkpoint"
	"github.com/jmountifield/okta-to-humio/pkg/client"
	"github.com/jmountifield/okta-to-humio/pkg/logging"
	"github.com/jmountifield/okta-to-humio/pkg/pagination"
	"github.com/jmountifield/okta-to-humio/pkg/sink"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for the run loop.
var (
	relayRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_runs_total",
		Help: "Total relay runs by terminal state and reason",
	}, []string{"state", "reason"})

	relayBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_batches_total",
		Help: "Total batches forwarded and checkpointed",
	})

	relayRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_run_duration_seconds",
		Help:    "Duration of relay runs",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
	})
)

// Pager fetches one page per call. *pagination.Pager implements it.
type Pager interface {
	Fetch(ctx context.Context, cursor string) (*pagination.Page, error)
	Limit() int
}

// Gate is consulted before every fetch. *ratelimit.Tracker implements it.
type Gate interface {
	ShouldAllowRequest(ctx context.Context) (allowed bool, wait time.Duration, err error)
}

// Config holds runner configuration.
type Config struct {
	Pager Pager
	Sink  sink.Sink
	Store checkpoint.Store

	// Key identifies the cursor record in Store (the org URL).
	Key string

	// Budget establishes the run budget at INIT.
	Budget BudgetSource

	// Gate is optional.
	Gate Gate

	// RunID tags every log entry; generated when empty.
	RunID string

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Runner executes relay runs.
type Runner struct {
	config Config
	now    func() time.Time
}

// NewRunner creates a runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Pager == nil {
		return nil, fmt.Errorf("pager is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("checkpoint key is required")
	}
	if cfg.Budget == nil {
		return nil, fmt.Errorf("budget is required")
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &Runner{config: cfg, now: now}, nil
}

// run carries the mutable state of one invocation.
type run struct {
	result Result
	logger zerolog.Logger
	start  time.Time
}

func (r *run) enter(state State) {
	r.result.State = state
	r.logger.Debug().Str("state", string(state)).Msg("State transition")
}

// Run performs one invocation. The returned error is nil exactly when the
// run ends DONE; it wraps one of ErrBudget, ErrCheckpointLoad, ErrFetch,
// ErrForward or ErrCheckpoint otherwise.
//
// Cancelling ctx stops the run before its next fetch. Calls already in
// progress are not interrupted so a forwarded batch is always checkpointed.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	runID := r.config.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	rn := &run{
		result: Result{RunID: runID},
		logger: logging.WithRun(logging.NewLogger("relay"), runID),
		start:  r.now(),
	}
	rn.enter(StateInit)

	budget, err := r.config.Budget(ctx, rn.start)
	if err != nil {
		return r.fail(rn, ReasonBudgetInvalid, fmt.Errorf("%w: %w", ErrBudget, err))
	}

	callCtx := context.WithoutCancel(ctx)

	cursor, ok, err := r.config.Store.Load(callCtx, r.config.Key)
	if err != nil {
		return r.fail(rn, ReasonCheckpointLoad, fmt.Errorf("%w: %w", ErrCheckpointLoad, err))
	}
	if !ok {
		cursor = ""
	}
	rn.result.StartCursor = cursor
	rn.result.Cursor = cursor

	rn.logger.Info().
		Str("cursor", cursor).
		Bool("resume", ok).
		Time("deadline", budget.Deadline()).
		Msg("Run started")

	for {
		rn.enter(StateFetching)

		if budget.Expired(r.now()) {
			return r.done(rn, ReasonBudget)
		}
		if ctx.Err() != nil {
			return r.done(rn, ReasonCanceled)
		}

		if r.config.Gate != nil {
			allowed, wait, err := r.config.Gate.ShouldAllowRequest(callCtx)
			if err != nil {
				rn.logger.Warn().Err(err).Msg("Rate-limit state unavailable, fetching anyway")
			} else if !allowed {
				rn.logger.Warn().Dur("reset_in", wait).Msg("Rate limit exhausted, stopping before fetch")
				return r.done(rn, ReasonRateLimited)
			}
		}

		page, err := r.config.Pager.Fetch(callCtx, cursor)
		rn.result.Fetches++
		if errors.Is(err, client.ErrRateLimited) {
			rn.logger.Warn().Err(err).Msg("Rate limited by Okta")
			return r.done(rn, ReasonRateLimited)
		}
		if err != nil {
			return r.fail(rn, ReasonFetchError, fmt.Errorf("%w: %w", ErrFetch, err))
		}

		rn.enter(StateForwarding)
		if len(page.Events) == 0 {
			return r.done(rn, ReasonEndOfData)
		}

		if err := r.config.Sink.Forward(callCtx, page.Events); err != nil {
			return r.fail(rn, ReasonForwardError, fmt.Errorf("%w: %w", ErrForward, err))
		}

		rn.enter(StateCheckpointing)
		if err := r.config.Store.Save(callCtx, r.config.Key, page.Next); err != nil {
			return r.fail(rn, ReasonCheckpointError, fmt.Errorf("%w: %w", ErrCheckpoint, err))
		}

		cursor = page.Next
		rn.result.Cursor = cursor
		rn.result.Batches++
		rn.result.Events += len(page.Events)
		relayBatchesTotal.Inc()

		rn.logger.Info().
			Int("events", len(page.Events)).
			Str("cursor", cursor).
			Msg("Batch relayed")

		// Okta keeps returning next links at the tail of the log; a short
		// page is the signal that it has been reached.
		if len(page.Events) < r.config.Pager.Limit() {
			return r.done(rn, ReasonShortPage)
		}
	}
}

func (r *Runner) done(rn *run, reason Reason) (Result, error) {
	rn.result.Reason = reason
	r.finish(rn, StateDone)

	rn.logger.Info().
		Str("reason", string(reason)).
		Int("batches", rn.result.Batches).
		Int("events", rn.result.Events).
		Dur("duration", rn.result.Duration).
		Msg("Run finished")

	return rn.result, nil
}

func (r *Runner) fail(rn *run, reason Reason, err error) (Result, error) {
	failedIn := rn.result.State
	rn.result.Reason = reason
	r.finish(rn, StateFailed)

	rn.logger.Error().
		Err(err).
		Str("reason", string(reason)).
		Str("failed_in", string(failedIn)).
		Str("error_class", string(client.ClassOf(err))).
		Str("cursor", rn.result.Cursor).
		Int("batches", rn.result.Batches).
		Msg("Run failed")

	return rn.result, err
}

func (r *Runner) finish(rn *run, state State) {
	rn.enter(state)
	rn.result.Duration = r.now().Sub(rn.start)
	relayRunsTotal.WithLabelValues(string(state), string(rn.result.Reason)).Inc()
	relayRunDuration.Observe(rn.result.Duration.Seconds())
}
