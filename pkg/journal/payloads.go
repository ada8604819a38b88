package journal

import "github.com/karnevil9/karnevil9/pkg/models"

// Typed payloads for every event type the core emits. Each payload is
// marshaled into Event.Payload at emit time; readers decode by switching on
// Event.Type. An unknown type during replay is preserved but not dispatched.

// SessionCreatedPayload is the payload for session.created.
type SessionCreatedPayload struct {
	Task   *models.Task         `json:"task"`
	Mode   models.ExecutionMode `json:"mode"`
	Limits models.Limits        `json:"limits"`
	Policy models.Policy        `json:"policy"`
}

// SessionStartedPayload is the payload for session.started.
type SessionStartedPayload struct {
	Agentic bool `json:"agentic"`
}

// SessionCheckpointPayload is the payload for session.checkpoint, emitted
// after each completed step.
type SessionCheckpointPayload struct {
	CompletedStepIDs []string `json:"completed_step_ids"`
}

// SessionCompletedPayload is the payload for session.completed.
type SessionCompletedPayload struct {
	Iterations     int `json:"iterations"`
	CompletedSteps int `json:"completed_steps"`
}

// SessionFailedPayload is the payload for session.failed.
type SessionFailedPayload struct {
	Reason string `json:"reason"`
}

// SessionAbortedPayload is the payload for session.aborted.
type SessionAbortedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// PlannerRequestedPayload is the payload for planner.requested.
type PlannerRequestedPayload struct {
	Iteration int `json:"iteration"`
}

// PlannerPlanRejectedPayload is the payload for planner.plan_rejected.
type PlannerPlanRejectedPayload struct {
	Iteration int    `json:"iteration"`
	Reason    string `json:"reason"`
}

// CriticFinding is one critic verdict embedded in plan.criticized.
type CriticFinding struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Message  string `json:"message,omitempty"`
	Severity string `json:"severity"`
}

// PlanCriticizedPayload is the payload for plan.criticized.
type PlanCriticizedPayload struct {
	PlanID   string          `json:"plan_id"`
	Findings []CriticFinding `json:"findings"`
}

// PlanAcceptedPayload is the payload for plan.accepted. The full plan object
// is embedded so resume can rebuild state from the journal alone.
type PlanAcceptedPayload struct {
	Plan      *models.Plan `json:"plan"`
	Iteration int          `json:"iteration"`
}

// PlanReplacedPayload is the payload for plan.replaced, emitted immediately
// before the new plan's plan.accepted.
type PlanReplacedPayload struct {
	PreviousPlanID string `json:"previous_plan_id"`
	NewPlanID      string `json:"new_plan_id"`
	Iteration      int    `json:"iteration"`
}

// StepStartedPayload is the payload for step.started.
type StepStartedPayload struct {
	StepID  string `json:"step_id"`
	Title   string `json:"title,omitempty"`
	Tool    string `json:"tool"`
	Attempt int    `json:"attempt"`
}

// StepSucceededPayload is the payload for step.succeeded.
type StepSucceededPayload struct {
	StepID   string         `json:"step_id"`
	Attempts int            `json:"attempts"`
	Output   map[string]any `json:"output,omitempty"`
}

// StepFailedPayload is the payload for step.failed.
type StepFailedPayload struct {
	StepID   string           `json:"step_id"`
	Attempts int              `json:"attempts"`
	Error    models.StepError `json:"error"`
}

// StepSkippedPayload is the payload for step.skipped dependents.
type StepSkippedPayload struct {
	StepID string `json:"step_id"`
	Reason string `json:"reason"`
}

// ToolStartedPayload is the payload for tool.started.
type ToolStartedPayload struct {
	StepID string `json:"step_id"`
	Tool   string `json:"tool"`
}

// ToolSucceededPayload is the payload for tool.succeeded.
type ToolSucceededPayload struct {
	StepID string `json:"step_id"`
	Tool   string `json:"tool"`
}

// ToolFailedPayload is the payload for tool.failed.
type ToolFailedPayload struct {
	StepID string           `json:"step_id"`
	Tool   string           `json:"tool"`
	Error  models.StepError `json:"error"`
}

// UsageRecordedPayload is the payload for usage.recorded. Summary is the
// running total after the call was added, so restore can take the last one.
type UsageRecordedPayload struct {
	Call    models.Usage        `json:"call"`
	Summary models.UsageSummary `json:"summary"`
}

// LimitExceededPayload is the payload for limit.exceeded.
type LimitExceededPayload struct {
	Limit     string  `json:"limit"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// FutilityDetectedPayload is the payload for futility.detected.
type FutilityDetectedPayload struct {
	Reason string `json:"reason"`
}

// MemoryLessonPayload is the payload for memory.lesson_extracted.
type MemoryLessonPayload struct {
	TaskSummary string `json:"task_summary"`
	Outcome     string `json:"outcome"`
	Lesson      string `json:"lesson"`
}

// PermissionObservedPayload is the payload for permission.observed_execution.
type PermissionObservedPayload struct {
	StepID string `json:"step_id"`
	Tool   string `json:"tool"`
}

// PolicyViolatedPayload is the payload for policy.violated.
type PolicyViolatedPayload struct {
	StepID string `json:"step_id"`
	Tool   string `json:"tool"`
	Reason string `json:"reason"`
}

// AuthFailedPayload is the payload for auth.failed under _system.
type AuthFailedPayload struct {
	IP     string `json:"ip"`
	Method string `json:"method"`
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// AuthRateLimitedPayload is the payload for auth.rate_limited under _system.
type AuthRateLimitedPayload struct {
	IP   string `json:"ip"`
	Path string `json:"path"`
}

// AuthKeyRotatedPayload is the payload for auth.key_rotated under _system.
type AuthKeyRotatedPayload struct {
	RotatedAt string `json:"rotated_at"`
}
