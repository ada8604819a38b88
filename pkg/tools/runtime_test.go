package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karnevil9/karnevil9/pkg/breaker"
	"github.com/karnevil9/karnevil9/pkg/models"
)

type fakeGate struct {
	resolution models.ApprovalResolution
	err        error
	calls      int
}

func (g *fakeGate) Authorize(_ context.Context, _ models.ApprovalRequest) (models.ApprovalResolution, error) {
	g.calls++
	return g.resolution, g.err
}

func newTestRegistry(t *testing.T, toolsToAdd ...*Tool) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, tool := range toolsToAdd {
		require.NoError(t, r.Register(tool))
	}
	return r
}

func echoCall(mode models.ExecutionMode) Call {
	return Call{
		SessionID: "s1",
		StepID:    "step-1",
		Tool:      "echo",
		Input:     map[string]any{"text": "hi"},
		Mode:      mode,
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := newTestRegistry(t, Echo())
	err := r.Register(Echo())
	assert.ErrorContains(t, err, "already registered")
}

func TestRegisterRejectsMissingName(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(&Tool{}))
}

func TestListSortedByName(t *testing.T) {
	r := newTestRegistry(t, ShellRun(nil), Echo(), HTTPGet(nil, nil))
	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "echo", list[0].Name)
	assert.Equal(t, "http.get", list[1].Name)
	assert.Equal(t, "shell.run", list[2].Name)
}

func TestExecuteToolNotFound(t *testing.T) {
	rt := NewLocalRuntime(NewRegistry(), nil, nil)

	_, err := rt.Execute(context.Background(), Call{Tool: "missing", Mode: models.ModeMock})

	te := AsToolError(err)
	assert.Equal(t, models.ErrCodeToolNotFound, te.Code)
	assert.False(t, te.Retriable)
}

func TestExecuteMockServesCannedResponses(t *testing.T) {
	tool := Echo()
	tool.MockResponses = []map[string]any{{"echo": "first"}, {"echo": "second"}}
	rt := NewLocalRuntime(newTestRegistry(t, tool), nil, nil)

	res, err := rt.Execute(context.Background(), echoCall(models.ModeMock))
	require.NoError(t, err)
	assert.Equal(t, "first", res.Output["echo"])

	res, err = rt.Execute(context.Background(), echoCall(models.ModeMock))
	require.NoError(t, err)
	assert.Equal(t, "second", res.Output["echo"])

	// The last response repeats once the script runs out.
	res, err = rt.Execute(context.Background(), echoCall(models.ModeMock))
	require.NoError(t, err)
	assert.Equal(t, "second", res.Output["echo"])
}

func TestExecuteDryRunSkipsSideEffects(t *testing.T) {
	ran := false
	tool := Echo()
	tool.Run = func(context.Context, map[string]any) (map[string]any, models.Usage, error) {
		ran = true
		return nil, models.Usage{}, nil
	}
	rt := NewLocalRuntime(newTestRegistry(t, tool), nil, nil)

	res, err := rt.Execute(context.Background(), echoCall(models.ModeDryRun))
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["dry_run"])
	assert.False(t, ran)
}

func TestExecuteLiveRunsTool(t *testing.T) {
	rt := NewLocalRuntime(newTestRegistry(t, Echo()), nil, nil)

	res, err := rt.Execute(context.Background(), echoCall(models.ModeLive))
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Output["echo"])
}

func TestExecuteValidatesInput(t *testing.T) {
	rt := NewLocalRuntime(newTestRegistry(t, Echo()), nil, nil)

	call := echoCall(models.ModeLive)
	call.Input = map[string]any{}
	_, err := rt.Execute(context.Background(), call)

	te := AsToolError(err)
	assert.Equal(t, models.ErrCodeInvalidInput, te.Code)
	assert.False(t, te.Retriable)
}

func TestExecuteCircuitBreakerOpen(t *testing.T) {
	breakers := breaker.NewRegistry()
	breakers.Configure("echo", breaker.Settings{Threshold: 1, Cooldown: time.Minute})
	breakers.RecordFailure("echo", string(models.CategoryOther), true)

	rt := NewLocalRuntime(newTestRegistry(t, Echo()), breakers, nil)

	_, err := rt.Execute(context.Background(), echoCall(models.ModeLive))

	te := AsToolError(err)
	assert.Equal(t, models.ErrCodeCircuitOpen, te.Code)
}

func TestExecuteRecordsBreakerFailure(t *testing.T) {
	tool := Echo()
	tool.Run = func(context.Context, map[string]any) (map[string]any, models.Usage, error) {
		return nil, models.Usage{}, errors.New("boom")
	}
	breakers := breaker.NewRegistry()
	breakers.Configure("echo", breaker.Settings{Threshold: 1, Cooldown: time.Minute})
	rt := NewLocalRuntime(newTestRegistry(t, tool), breakers, nil)

	_, err := rt.Execute(context.Background(), echoCall(models.ModeLive))
	require.Error(t, err)

	assert.True(t, breakers.IsOpen("echo", string(models.CategoryOther)))
}

func TestExecuteTimeoutIsRetriable(t *testing.T) {
	tool := Echo()
	tool.Run = func(ctx context.Context, _ map[string]any) (map[string]any, models.Usage, error) {
		<-ctx.Done()
		return nil, models.Usage{}, ctx.Err()
	}
	rt := NewLocalRuntime(newTestRegistry(t, tool), nil, nil)

	call := echoCall(models.ModeLive)
	call.Timeout = 10 * time.Millisecond
	_, err := rt.Execute(context.Background(), call)

	te := AsToolError(err)
	assert.Equal(t, models.ErrCodeExecutionError, te.Code)
	assert.True(t, te.Retriable)
}

func TestGateConsultedForWriteTools(t *testing.T) {
	gate := &fakeGate{resolution: models.ApprovalResolution{Decision: models.DecisionDeny}}
	rt := NewLocalRuntime(newTestRegistry(t, ShellRun([]string{"true"})), nil, gate)

	call := Call{
		SessionID: "s1",
		Tool:      "shell.run",
		Input:     map[string]any{"command": "true"},
		Mode:      models.ModeLive,
		Policy:    models.Policy{RequireApprovalForWrites: true},
	}
	_, err := rt.Execute(context.Background(), call)

	te := AsToolError(err)
	assert.Equal(t, models.ErrCodePermissionDenied, te.Code)
	assert.Equal(t, 1, gate.calls)
}

func TestGateSkippedInMockMode(t *testing.T) {
	gate := &fakeGate{resolution: models.ApprovalResolution{Decision: models.DecisionDeny}}
	rt := NewLocalRuntime(newTestRegistry(t, ShellRun(nil)), nil, gate)

	call := Call{
		Tool:   "shell.run",
		Input:  map[string]any{"command": "true"},
		Mode:   models.ModeMock,
		Policy: models.Policy{RequireApprovalForWrites: true},
	}
	res, err := rt.Execute(context.Background(), call)
	require.NoError(t, err)
	assert.Zero(t, gate.calls)
	assert.Equal(t, "mock output", res.Output["output"])
}

func TestAllowObservedMarksResult(t *testing.T) {
	gate := &fakeGate{resolution: models.ApprovalResolution{Decision: models.DecisionAllowObserved}}
	rt := NewLocalRuntime(newTestRegistry(t, ShellRun([]string{"true"})), nil, gate)

	call := Call{
		Tool:   "shell.run",
		Input:  map[string]any{"command": "true"},
		Mode:   models.ModeLive,
		Policy: models.Policy{RequireApprovalForWrites: true},
	}
	res, err := rt.Execute(context.Background(), call)
	require.NoError(t, err)
	assert.True(t, res.Observed)
}

func TestShellRunRejectsDisallowedCommand(t *testing.T) {
	rt := NewLocalRuntime(newTestRegistry(t, ShellRun([]string{"echo"})), nil, nil)

	call := Call{
		Tool:  "shell.run",
		Input: map[string]any{"command": "rm"},
		Mode:  models.ModeLive,
	}
	_, err := rt.Execute(context.Background(), call)

	te := AsToolError(err)
	assert.Equal(t, models.ErrCodePolicyViolation, te.Code)
	assert.False(t, te.Retriable)
}

func TestShellRunCapturesExitCode(t *testing.T) {
	rt := NewLocalRuntime(newTestRegistry(t, ShellRun([]string{"false"})), nil, nil)

	call := Call{
		Tool:  "shell.run",
		Input: map[string]any{"command": "false"},
		Mode:  models.ModeLive,
	}
	res, err := rt.Execute(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Output["exit_code"])
}

func TestHTTPGetEmptyAllowlistDeniesAll(t *testing.T) {
	rt := NewLocalRuntime(newTestRegistry(t, HTTPGet(nil, nil)), nil, nil)

	call := Call{
		Tool:  "http.get",
		Input: map[string]any{"url": "https://example.com"},
		Mode:  models.ModeLive,
	}
	_, err := rt.Execute(context.Background(), call)

	te := AsToolError(err)
	assert.Equal(t, models.ErrCodePolicyViolation, te.Code)
}
