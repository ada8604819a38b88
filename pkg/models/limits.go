package models

// Limits bound what a single session may consume. MaxSteps is cumulative
// across agentic iterations; MaxDurationMs is wall clock since the session's
// created_at (the original one on resume, not the resume time).
type Limits struct {
	MaxSteps      int     `json:"max_steps"`
	MaxDurationMs int64   `json:"max_duration_ms"`
	MaxCostUSD    float64 `json:"max_cost_usd"`
	MaxTokens     int64   `json:"max_tokens"`
	MaxIterations int     `json:"max_iterations"`
}

// ClampTo caps each limit at the corresponding server maximum. Clamping is
// max-only: validation rejects non-positive client limits before this runs,
// so there is no floor to apply.
func (l Limits) ClampTo(max Limits) Limits {
	if l.MaxSteps > max.MaxSteps {
		l.MaxSteps = max.MaxSteps
	}
	if l.MaxDurationMs > max.MaxDurationMs {
		l.MaxDurationMs = max.MaxDurationMs
	}
	if l.MaxCostUSD > max.MaxCostUSD {
		l.MaxCostUSD = max.MaxCostUSD
	}
	if l.MaxTokens > max.MaxTokens {
		l.MaxTokens = max.MaxTokens
	}
	if l.MaxIterations > max.MaxIterations {
		l.MaxIterations = max.MaxIterations
	}
	return l
}

// Policy is the server-controlled permission envelope for tool execution.
// Client input never overrides it.
type Policy struct {
	AllowedPaths             []string `json:"allowed_paths,omitempty"`
	AllowedEndpoints         []string `json:"allowed_endpoints,omitempty"`
	AllowedCommands          []string `json:"allowed_commands,omitempty"`
	RequireApprovalForWrites bool     `json:"require_approval_for_writes"`
}
