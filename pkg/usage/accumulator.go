// Package usage aggregates per-call token and cost metrics for a session.
package usage

import (
	"sync"

	"github.com/karnevil9/karnevil9/pkg/models"
)

// Accumulator keeps the running totals of a session's consumption. It is
// restorable from a snapshot, which resume uses to carry usage across a
// crash without replaying pricing math.
type Accumulator struct {
	mu      sync.Mutex
	summary models.UsageSummary
	pricing models.Pricing
}

// NewAccumulator creates an empty accumulator with the given pricing. The
// pricing is only consulted for calls that do not report their own cost_usd.
func NewAccumulator(pricing models.Pricing) *Accumulator {
	return &Accumulator{pricing: pricing}
}

// Record adds one call's usage to the totals and returns the new summary.
func (a *Accumulator) Record(u models.Usage) models.UsageSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.summary.InputTokens += u.InputTokens
	a.summary.OutputTokens += u.OutputTokens
	if u.TotalTokens > 0 {
		a.summary.TotalTokens += u.TotalTokens
	} else {
		a.summary.TotalTokens += u.InputTokens + u.OutputTokens
	}
	if u.CostUSD > 0 {
		a.summary.CostUSD += u.CostUSD
	} else {
		a.summary.CostUSD += float64(u.InputTokens)/1000*a.pricing.InputCostPer1K +
			float64(u.OutputTokens)/1000*a.pricing.OutputCostPer1K
	}
	a.summary.CallCount++
	return a.summary
}

// Summary returns a copy of the running totals.
func (a *Accumulator) Summary() models.UsageSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summary
}

// RestoreFrom replaces the internal state verbatim. Used during resume.
func (a *Accumulator) RestoreFrom(s models.UsageSummary) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summary = s
}
