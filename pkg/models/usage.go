package models

// Usage is a single per-call usage record reported by a planner or tool call.
// CostUSD, when non-zero, takes precedence over pricing-derived cost.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// UsageSummary is the running total of a session's consumption, restorable
// from the sequence of usage.recorded journal events.
type UsageSummary struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	CallCount    int     `json:"call_count"`
}

// Pricing converts token counts to USD when a call does not report its own cost.
type Pricing struct {
	InputCostPer1K  float64 `json:"input_cost_per_1k"`
	OutputCostPer1K float64 `json:"output_cost_per_1k"`
}
