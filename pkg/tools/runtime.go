package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/karnevil9/karnevil9/pkg/breaker"
	"github.com/karnevil9/karnevil9/pkg/models"
)

// Error is a structured tool failure. Code is one of the kernel-internal
// error codes attached to step.failed / tool.failed journal events.
// Retriable failures count toward the tool's circuit breaker; validation and
// permission failures do not.
type Error struct {
	Code      string
	Message   string
	Retriable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsToolError extracts a *Error from err, wrapping unknown errors as
// EXECUTION_ERROR.
func AsToolError(err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{Code: models.ErrCodeExecutionError, Message: err.Error(), Retriable: true}
}

// Call is one tool invocation submitted by the kernel.
type Call struct {
	SessionID string
	StepID    string
	Tool      string
	Input     map[string]any
	Mode      models.ExecutionMode
	Policy    models.Policy
	Timeout   time.Duration
}

// Result is a successful tool invocation outcome. Observed marks calls
// allowed under an allow_observed decision, which the kernel journals as
// permission.observed_execution.
type Result struct {
	Output   map[string]any
	Usage    models.Usage
	Observed bool
}

// Gate is the permission engine hook consulted before write-capable tools
// execute under a policy that requires approval for writes. Implementations
// block until a decision arrives (or a timeout auto-denies).
type Gate interface {
	Authorize(ctx context.Context, req models.ApprovalRequest) (models.ApprovalResolution, error)
}

// Runtime executes validated tool calls.
type Runtime interface {
	Execute(ctx context.Context, call Call) (*Result, error)
}

// LocalRuntime is the in-process Runtime over a Registry. Flow per call:
//
//  1. Resolve the tool (TOOL_NOT_FOUND).
//  2. Check the circuit breaker (CIRCUIT_BREAKER_OPEN).
//  3. Validate the merged input against the tool's schema (INVALID_INPUT).
//  4. Consult the permission gate for write-capable tools when the policy
//     requires approval for writes (PERMISSION_DENIED).
//  5. Dispatch by mode: mock serves canned responses, dry_run skips side
//     effects, live runs the tool under the per-call timeout.
//  6. Validate output (INVALID_OUTPUT) and record breaker success/failure.
type LocalRuntime struct {
	registry *Registry
	breakers *breaker.Registry
	gate     Gate

	// DefaultTimeout applies when a call carries none.
	DefaultTimeout time.Duration

	// per-tool mock cursor, advanced on each mock-mode call
	mockMu     sync.Mutex
	mockCursor map[string]int
}

var _ Runtime = (*LocalRuntime)(nil)

// NewLocalRuntime creates a runtime over the registry. gate may be nil
// (permission checks disabled, e.g. mock servers).
func NewLocalRuntime(registry *Registry, breakers *breaker.Registry, gate Gate) *LocalRuntime {
	return &LocalRuntime{
		registry:       registry,
		breakers:       breakers,
		gate:           gate,
		DefaultTimeout: 30 * time.Second,
		mockCursor:     make(map[string]int),
	}
}

// Execute runs one tool call.
func (rt *LocalRuntime) Execute(ctx context.Context, call Call) (*Result, error) {
	tool, ok := rt.registry.Lookup(call.Tool)
	if !ok {
		return nil, &Error{Code: models.ErrCodeToolNotFound,
			Message: fmt.Sprintf("tool %q is not registered", call.Tool), Retriable: false}
	}
	category := string(tool.Schema.Category)

	if rt.breakers != nil && rt.breakers.IsOpen(call.Tool, category) {
		return nil, &Error{Code: models.ErrCodeCircuitOpen,
			Message: fmt.Sprintf("circuit breaker open for tool %q", call.Tool), Retriable: false}
	}

	if tool.inputSchema != nil {
		if err := tool.inputSchema.Validate(normalize(call.Input)); err != nil {
			return nil, &Error{Code: models.ErrCodeInvalidInput,
				Message: fmt.Sprintf("input validation failed: %v", err), Retriable: false}
		}
	}

	observed := false
	if rt.gate != nil && tool.Schema.Writes && call.Policy.RequireApprovalForWrites && call.Mode != models.ModeMock {
		resolution, err := rt.gate.Authorize(ctx, models.ApprovalRequest{
			SessionID: call.SessionID,
			Summary:   fmt.Sprintf("step %s wants to run write tool %s", call.StepID, call.Tool),
			Payload:   map[string]any{"tool": call.Tool, "step_id": call.StepID, "input": call.Input},
		})
		if err != nil {
			return nil, &Error{Code: models.ErrCodePermissionDenied,
				Message: fmt.Sprintf("approval failed: %v", err), Retriable: false}
		}
		if !resolution.Decision.Allows() {
			return nil, &Error{Code: models.ErrCodePermissionDenied,
				Message: fmt.Sprintf("execution denied: %s", resolution.Decision), Retriable: false}
		}
		observed = resolution.Decision == models.DecisionAllowObserved
	}

	output, usage, err := rt.dispatch(ctx, tool, call)
	if err != nil {
		te := AsToolError(err)
		if rt.breakers != nil {
			rt.breakers.RecordFailure(call.Tool, category, te.Retriable)
		}
		return nil, te
	}

	if tool.outputSchema != nil {
		if err := tool.outputSchema.Validate(normalize(output)); err != nil {
			te := &Error{Code: models.ErrCodeInvalidOutput,
				Message: fmt.Sprintf("output validation failed: %v", err), Retriable: true}
			if rt.breakers != nil {
				rt.breakers.RecordFailure(call.Tool, category, true)
			}
			return nil, te
		}
	}

	if rt.breakers != nil {
		rt.breakers.RecordSuccess(call.Tool, category)
	}
	return &Result{Output: output, Usage: usage, Observed: observed}, nil
}

func (rt *LocalRuntime) dispatch(ctx context.Context, tool *Tool, call Call) (map[string]any, models.Usage, error) {
	switch call.Mode {
	case models.ModeMock:
		return rt.nextMockResponse(tool), models.Usage{}, nil
	case models.ModeDryRun:
		return map[string]any{
			"dry_run": true,
			"tool":    tool.Schema.Name,
			"input":   call.Input,
		}, models.Usage{}, nil
	default:
		if tool.Run == nil {
			return nil, models.Usage{}, &Error{Code: models.ErrCodeNoRuntime,
				Message: fmt.Sprintf("tool %q has no live implementation", tool.Schema.Name), Retriable: false}
		}
		timeout := call.Timeout
		if timeout <= 0 {
			timeout = rt.DefaultTimeout
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		output, usage, err := tool.Run(callCtx, call.Input)
		if err != nil {
			if callCtx.Err() != nil {
				return nil, usage, &Error{Code: models.ErrCodeExecutionError,
					Message:   fmt.Sprintf("tool %q timed out or was cancelled: %v", tool.Schema.Name, err),
					Retriable: true}
			}
			return nil, usage, err
		}
		return output, usage, nil
	}
}

func (rt *LocalRuntime) nextMockResponse(tool *Tool) map[string]any {
	if len(tool.MockResponses) == 0 {
		return map[string]any{"mock": true}
	}
	rt.mockMu.Lock()
	i := rt.mockCursor[tool.Schema.Name]
	rt.mockCursor[tool.Schema.Name] = i + 1
	rt.mockMu.Unlock()
	if i >= len(tool.MockResponses) {
		i = len(tool.MockResponses) - 1
	}
	return tool.MockResponses[i]
}

// normalize converts the input to the plain-JSON shapes the schema validator
// expects (numbers decoded from clients arrive as float64 already; this is a
// pass-through for maps built in Go code).
func normalize(v map[string]any) any {
	if v == nil {
		return map[string]any{}
	}
	return v
}
