package relay

import (
	"errors"
	"time"
)

// State is a state of the run loop.
type State string

const (
	StateInit          State = "init"
	StateFetching      State = "fetching"
	StateForwarding    State = "forwarding"
	StateCheckpointing State = "checkpointing"
	StateDone          State = "done"
	StateFailed        State = "failed"
)

// Reason explains why a run reached its terminal state.
type Reason string

const (
	// DONE reasons.
	ReasonBudget      Reason = "budget"
	ReasonRateLimited Reason = "rate_limited"
	ReasonEndOfData   Reason = "end_of_data"
	ReasonShortPage   Reason = "short_page"
	ReasonCanceled    Reason = "canceled"

	// FAILED reasons.
	ReasonBudgetInvalid   Reason = "budget_invalid"
	ReasonCheckpointLoad  Reason = "checkpoint_load"
	ReasonFetchError      Reason = "fetch_error"
	ReasonForwardError    Reason = "forward_error"
	ReasonCheckpointError Reason = "checkpoint_error"
)

// Errors wrapping the cause of a FAILED run.
var (
	ErrBudget         = errors.New("run budget unavailable")
	ErrCheckpointLoad = errors.New("checkpoint load failed")
	ErrFetch          = errors.New("fetch failed")
	ErrForward        = errors.New("forward failed")
	ErrCheckpoint     = errors.New("checkpoint write failed")
)

// Result summarises one run.
type Result struct {
	RunID  string
	State  State
	Reason Reason

	// Fetches counts issued fetches, Batches forwarded non-empty batches.
	Fetches int
	Batches int
	Events  int

	// StartCursor is the cursor loaded at INIT; Cursor the last one persisted
	// (equal to StartCursor when nothing was persisted).
	StartCursor string
	Cursor      string

	Duration time.Duration
}

// Advanced reports whether the run persisted a new cursor.
func (r Result) Advanced() bool {
	return r.Cursor != r.StartCursor
}
