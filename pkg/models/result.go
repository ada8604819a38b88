package models

// StepStatus represents the execution state of a single step.
type StepStatus string

// Step states. succeeded, failed and skipped are terminal.
const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepError carries the machine-readable failure code and a human-readable
// message for a failed step or tool call.
type StepError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Kernel-internal error codes attached to step.failed / tool.failed events.
const (
	ErrCodeNoRuntime         = "NO_RUNTIME"
	ErrCodePluginHookBlocked = "PLUGIN_HOOK_BLOCKED"
	ErrCodePolicyViolation   = "POLICY_VIOLATION"
	ErrCodeCircuitOpen       = "CIRCUIT_BREAKER_OPEN"
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeInvalidOutput     = "INVALID_OUTPUT"
	ErrCodePermissionDenied  = "PERMISSION_DENIED"
	ErrCodeExecutionError    = "EXECUTION_ERROR"
	ErrCodeToolNotFound      = "TOOL_NOT_FOUND"
)

// StepResult records the outcome of one step. Attempts is at least 1 once the
// step reaches a terminal state.
type StepResult struct {
	StepID   string         `json:"step_id"`
	Status   StepStatus     `json:"status"`
	Attempts int            `json:"attempts"`
	Output   map[string]any `json:"output,omitempty"`
	Error    *StepError     `json:"error,omitempty"`
}
