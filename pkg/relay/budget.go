package relay

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Remaining-time budget defaults.
const (
	// DefaultSafetyMargin is kept free before the context deadline so the
	// last batch can be forwarded and checkpointed.
	DefaultSafetyMargin = 10 * time.Second

	// MinRemainingTime is the least time a remaining-time run starts with.
	MinRemainingTime = 59 * time.Second
)

var (
	// ErrNoDeadline is returned by RemainingTime for a context without deadline.
	ErrNoDeadline = errors.New("context has no deadline")

	// ErrBudgetTooShort is returned when less than the minimum time remains.
	ErrBudgetTooShort = errors.New("remaining time is below the minimum run budget")
)

// Budget bounds how long a run keeps fetching. It is checked before every
// fetch; a fetch already in flight is never interrupted.
type Budget struct {
	deadline time.Time
}

// NewBudget returns a budget expiring timeout after start.
func NewBudget(start time.Time, timeout time.Duration) Budget {
	return Budget{deadline: start.Add(timeout)}
}

// BudgetFromContext returns a budget expiring margin before the context
// deadline. It fails when less than minimum remains at now.
func BudgetFromContext(ctx context.Context, now time.Time, margin, minimum time.Duration) (Budget, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return Budget{}, ErrNoDeadline
	}
	if remaining := deadline.Sub(now); remaining < minimum {
		return Budget{}, fmt.Errorf("%w: %s left, need %s", ErrBudgetTooShort, remaining.Round(time.Millisecond), minimum)
	}
	return Budget{deadline: deadline.Add(-margin)}, nil
}

// Deadline returns the instant the budget expires.
func (b Budget) Deadline() time.Time {
	return b.deadline
}

// Expired reports whether now is at or past the deadline.
func (b Budget) Expired(now time.Time) bool {
	return !now.Before(b.deadline)
}

// Remaining returns the time left at now, never negative.
func (b Budget) Remaining(now time.Time) time.Duration {
	if d := b.deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// BudgetSource establishes the budget of a run when it starts.
type BudgetSource func(ctx context.Context, start time.Time) (Budget, error)

// Timeout is a BudgetSource for a fixed wall-clock timeout.
func Timeout(d time.Duration) BudgetSource {
	return func(_ context.Context, start time.Time) (Budget, error) {
		if d <= 0 {
			return Budget{}, fmt.Errorf("timeout must be > 0 (got %s)", d)
		}
		return NewBudget(start, d), nil
	}
}

// RemainingTime is a BudgetSource bound to the run context's deadline.
func RemainingTime(margin, minimum time.Duration) BudgetSource {
	return func(ctx context.Context, start time.Time) (Budget, error) {
		return BudgetFromContext(ctx, start, margin, minimum)
	}
}
