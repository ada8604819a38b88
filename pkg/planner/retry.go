package planner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/karnevil9/karnevil9/pkg/models"
)

// Retry configuration defaults.
const (
	// DefaultCallTimeout is the per-call deadline for a single planner
	// invocation.
	DefaultCallTimeout = 120 * time.Second

	// DefaultMaxRetries is the number of retry attempts after the initial
	// failure.
	DefaultMaxRetries = 2
)

// Retrying wraps a Planner with exponential backoff between failed calls and
// a per-call timeout. Context cancellation stops the retry loop immediately.
type Retrying struct {
	inner       Planner
	callTimeout time.Duration
	maxRetries  uint64
}

// WithRetry wraps p. maxRetries is the number of additional attempts after
// the first failure; callTimeout bounds each attempt.
func WithRetry(p Planner, maxRetries int, callTimeout time.Duration) *Retrying {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Retrying{inner: p, callTimeout: callTimeout, maxRetries: uint64(maxRetries)}
}

// Plan invokes the wrapped planner, retrying transient failures with
// exponential backoff. Usage from every attempt is summed so failed calls
// still count against the session budget.
func (r *Retrying) Plan(ctx context.Context, input Input) (*models.Plan, models.Usage, error) {
	var total models.Usage

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 15 * time.Second

	var plan *models.Plan
	attempt := 0
	operation := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		defer cancel()

		p, u, err := r.inner.Plan(callCtx, input)
		total.InputTokens += u.InputTokens
		total.OutputTokens += u.OutputTokens
		total.TotalTokens += u.TotalTokens
		total.CostUSD += u.CostUSD
		if err != nil {
			slog.Warn("Planner call failed",
				"iteration", input.Iteration, "attempt", attempt, "error", err)
			return err
		}
		plan = p
		return nil
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, r.maxRetries), ctx))
	if err != nil {
		return nil, total, fmt.Errorf("planner failed after %d attempts: %w", attempt, err)
	}
	return plan, total, nil
}
