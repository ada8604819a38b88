package models

// Decision is the outcome of an approval request.
type Decision string

// Approval decisions.
const (
	DecisionAllowOnce           Decision = "allow_once"
	DecisionAllowSession        Decision = "allow_session"
	DecisionAllowAlways         Decision = "allow_always"
	DecisionDeny                Decision = "deny"
	DecisionAllowConstrained    Decision = "allow_constrained"
	DecisionAllowObserved       Decision = "allow_observed"
	DecisionDenyWithAlternative Decision = "deny_with_alternative"
)

// ValidDecision reports whether d is a known approval decision.
func ValidDecision(d Decision) bool {
	switch d {
	case DecisionAllowOnce, DecisionAllowSession, DecisionAllowAlways,
		DecisionDeny, DecisionAllowConstrained, DecisionAllowObserved,
		DecisionDenyWithAlternative:
		return true
	}
	return false
}

// Allows reports whether the decision permits execution in some form.
func (d Decision) Allows() bool {
	switch d {
	case DecisionAllowOnce, DecisionAllowSession, DecisionAllowAlways,
		DecisionAllowConstrained, DecisionAllowObserved:
		return true
	}
	return false
}

// ApprovalRequest is the serialized prompt shown to approvers. Payload is the
// tool call or action the permission engine wants vetted.
type ApprovalRequest struct {
	RequestID string         `json:"request_id"`
	SessionID string         `json:"session_id"`
	Summary   string         `json:"summary,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ApprovalResolution is the decision delivered back to the waiting resolver.
type ApprovalResolution struct {
	Decision    Decision       `json:"decision"`
	Constraints map[string]any `json:"constraints,omitempty"`
	Alternative string         `json:"alternative,omitempty"`
}
