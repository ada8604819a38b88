package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/karnevil9/karnevil9/pkg/journal"
)

// limitPhase distinguishes the three limit-check sites. The iteration limit
// only applies before planner calls; everything else applies everywhere.
type limitPhase int

const (
	limitPhasePlanner limitPhase = iota
	limitPhaseStep
)

// checkLimits evaluates the session budgets in their fixed order: duration,
// tokens, cost, cumulative steps, iterations. The first breach emits
// limit.exceeded followed by session.failed and returns false.
func (k *Kernel) checkLimits(ctx context.Context, phase limitPhase) bool {
	limits := k.session.Limits
	summary := k.usage.Summary()

	if limits.MaxDurationMs > 0 {
		// Wall clock since the session's original created_at; resume does
		// not reset the budget.
		elapsed := time.Since(k.session.CreatedAt).Milliseconds()
		if elapsed > limits.MaxDurationMs {
			return k.limitExceeded(ctx, "max_duration_ms", float64(elapsed), float64(limits.MaxDurationMs))
		}
	}
	if limits.MaxTokens > 0 && summary.TotalTokens > limits.MaxTokens {
		return k.limitExceeded(ctx, "max_tokens", float64(summary.TotalTokens), float64(limits.MaxTokens))
	}
	if limits.MaxCostUSD > 0 && summary.CostUSD > limits.MaxCostUSD {
		return k.limitExceeded(ctx, "max_cost_usd", summary.CostUSD, limits.MaxCostUSD)
	}
	if limits.MaxSteps > 0 && k.state.StartedSteps() > limits.MaxSteps {
		return k.limitExceeded(ctx, "max_steps", float64(k.state.StartedSteps()), float64(limits.MaxSteps))
	}
	if phase == limitPhasePlanner && k.cfg.Agentic &&
		limits.MaxIterations > 0 && k.iteration > limits.MaxIterations {
		return k.limitExceeded(ctx, "max_iterations", float64(k.iteration), float64(limits.MaxIterations))
	}
	return true
}

func (k *Kernel) limitExceeded(ctx context.Context, limit string, value, threshold float64) bool {
	k.emit(ctx, journal.TypeLimitExceeded, journal.LimitExceededPayload{
		Limit: limit, Value: value, Threshold: threshold,
	})
	k.fail(ctx, fmt.Sprintf("limit exceeded: %s (%.0f > %.0f)", limit, value, threshold))
	return false
}
