package kernel

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/karnevil9/karnevil9/pkg/critic"
	"github.com/karnevil9/karnevil9/pkg/journal"
	"github.com/karnevil9/karnevil9/pkg/models"
	"github.com/karnevil9/karnevil9/pkg/tools"
)

// outcome is the result of executing one plan.
type outcome int

const (
	outcomeDone outcome = iota
	outcomeFailed
	outcomeReplan
	outcomeAborted
)

// Step retry backoff: min(500·2^attempt, 15000) + jitter(0..500) ms.
const (
	retryBaseMs   = 500
	retryCapMs    = 15_000
	retryJitterMs = 500
)

func retryBackoff(attempt int) time.Duration {
	ms := retryBaseMs
	for i := 0; i < attempt && ms < retryCapMs; i++ {
		ms *= 2
	}
	if ms > retryCapMs {
		ms = retryCapMs
	}
	return time.Duration(ms+rand.IntN(retryJitterMs+1)) * time.Millisecond
}

// executePlan walks the step DAG in waves: pick every step whose
// dependencies have all succeeded, run the set in parallel, await the wave,
// advance. Dependents of failed or skipped steps are skipped. The plan is
// rejected outright when the graph has a cycle.
func (k *Kernel) executePlan(ctx context.Context, plan *models.Plan) outcome {
	if cycle := critic.FindCycle(plan); len(cycle) > 0 {
		k.fail(ctx, "plan has a dependency cycle: "+strings.Join(cycle, " -> "))
		return outcomeFailed
	}

	// Steps already succeeded in a prior iteration (same step_id) are
	// carried forward and never re-executed.
	done := func(id string) bool {
		res, ok := k.state.Result(id)
		return ok && res.Status == models.StepSucceeded
	}

	started := make(map[string]bool, len(plan.Steps))
	skipped := make(map[string]bool)
	failedSteps := make(map[string]bool)
	var replanRequested bool
	var abortRequested bool

	for {
		if k.checkAbort(ctx) {
			return outcomeAborted
		}

		// Propagate skips: any unstarted step with a failed or skipped
		// dependency never runs.
		for {
			progressed := false
			for _, st := range plan.Steps {
				if started[st.StepID] || skipped[st.StepID] || done(st.StepID) {
					continue
				}
				for _, dep := range st.DependsOn {
					if failedSteps[dep] || skipped[dep] {
						skipped[st.StepID] = true
						k.state.RecordResult(models.StepResult{
							StepID: st.StepID,
							Status: models.StepSkipped,
						})
						k.emit(ctx, journal.TypeStepSkipped, journal.StepSkippedPayload{
							StepID: st.StepID,
							Reason: fmt.Sprintf("dependency %s did not succeed", dep),
						})
						progressed = true
						break
					}
				}
			}
			if !progressed {
				break
			}
		}

		if abortRequested || replanRequested {
			break
		}

		// Collect the ready wave.
		var wave []models.Step
		for _, st := range plan.Steps {
			if started[st.StepID] || skipped[st.StepID] || done(st.StepID) {
				continue
			}
			ready := true
			for _, dep := range st.DependsOn {
				if plan.Step(dep) == nil {
					// Unknown dependency target: treat as unsatisfiable.
					ready = false
					skipped[st.StepID] = true
					k.state.RecordResult(models.StepResult{
						StepID: st.StepID,
						Status: models.StepSkipped,
					})
					k.emit(ctx, journal.TypeStepSkipped, journal.StepSkippedPayload{
						StepID: st.StepID,
						Reason: fmt.Sprintf("dependency %s is not in the plan", dep),
					})
					break
				}
				if !done(dep) {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, st)
			}
		}
		if len(wave) == 0 {
			break
		}

		// Limit gate before the wave starts.
		if !k.checkLimits(ctx, limitPhaseStep) {
			return outcomeFailed
		}

		type stepOutcome struct {
			step models.Step
			res  models.StepResult
		}
		results := make([]stepOutcome, len(wave))
		var wg sync.WaitGroup
		for i, st := range wave {
			started[st.StepID] = true
			wg.Add(1)
			go func(i int, st models.Step) {
				defer wg.Done()
				results[i] = stepOutcome{step: st, res: k.runStep(ctx, plan, st)}
			}(i, st)
		}
		wg.Wait()

		for _, so := range results {
			k.state.RecordResult(so.res)
			switch so.res.Status {
			case models.StepSucceeded:
				k.emit(ctx, journal.TypeSessionCheckpoint, journal.SessionCheckpointPayload{
					CompletedStepIDs: k.completedStepIDs(),
				})
			case models.StepFailed:
				failedSteps[so.step.StepID] = true
				if so.res.Error != nil {
					k.futility.ObserveError(so.res.Error.Code)
				}
				policy := so.step.FailurePolicy
				if policy == models.FailReplan && !k.cfg.Agentic {
					policy = models.FailAbort
				}
				switch policy {
				case models.FailAbort:
					abortRequested = true
				case models.FailReplan:
					replanRequested = true
				}
			}
		}
		if k.aborted.Load() {
			if k.checkAbort(ctx) {
				return outcomeAborted
			}
		}
		// Limit gate after steps complete.
		if !k.checkLimits(ctx, limitPhaseStep) {
			return outcomeFailed
		}
	}

	if abortRequested {
		k.fail(ctx, "step failed with failure_policy=abort")
		return outcomeFailed
	}
	if replanRequested {
		return outcomeReplan
	}
	return outcomeDone
}

func (k *Kernel) completedStepIDs() []string {
	var ids []string
	for id, res := range k.state.AllStepResults() {
		if res.Status == models.StepSucceeded {
			ids = append(ids, id)
		}
	}
	return ids
}

// runStep executes one step with retries. step.started is emitted once;
// each attempt gets its own tool.started / tool.{succeeded,failed} pair.
func (k *Kernel) runStep(ctx context.Context, plan *models.Plan, step models.Step) models.StepResult {
	if k.cfg.Hook != nil {
		switch k.cfg.Hook(ctx, k.session.ID, step) {
		case HookBlock:
			stepErr := models.StepError{
				Code:    models.ErrCodePluginHookBlocked,
				Message: fmt.Sprintf("plugin hook blocked step %s", step.StepID),
			}
			k.state.RecordStarted(step.StepID)
			k.emit(ctx, journal.TypeStepStarted, journal.StepStartedPayload{
				StepID: step.StepID, Title: step.Title, Tool: step.ToolRef.Name, Attempt: 1,
			})
			k.emit(ctx, journal.TypeStepFailed, journal.StepFailedPayload{
				StepID: step.StepID, Attempts: 1, Error: stepErr,
			})
			return models.StepResult{StepID: step.StepID, Status: models.StepFailed, Attempts: 1, Error: &stepErr}
		case HookObserve:
			k.emit(ctx, journal.TypePermissionObserved, journal.PermissionObservedPayload{
				StepID: step.StepID, Tool: step.ToolRef.Name,
			})
		}
	}

	input, bindErr := k.resolveInput(step)
	k.state.RecordStarted(step.StepID)
	k.emit(ctx, journal.TypeStepStarted, journal.StepStartedPayload{
		StepID: step.StepID, Title: step.Title, Tool: step.ToolRef.Name, Attempt: 1,
	})
	if bindErr != nil {
		stepErr := models.StepError{Code: models.ErrCodeInvalidInput, Message: bindErr.Error()}
		k.emit(ctx, journal.TypeStepFailed, journal.StepFailedPayload{
			StepID: step.StepID, Attempts: 1, Error: stepErr,
		})
		return models.StepResult{StepID: step.StepID, Status: models.StepFailed, Attempts: 1, Error: &stepErr}
	}

	if k.cfg.Runtime == nil {
		stepErr := models.StepError{Code: models.ErrCodeNoRuntime, Message: "no tool runtime configured"}
		k.emit(ctx, journal.TypeStepFailed, journal.StepFailedPayload{
			StepID: step.StepID, Attempts: 1, Error: stepErr,
		})
		return models.StepResult{StepID: step.StepID, Status: models.StepFailed, Attempts: 1, Error: &stepErr}
	}

	var lastErr models.StepError
	attempts := 0
	for attempt := 0; attempt <= step.MaxRetries; attempt++ {
		if k.aborted.Load() || ctx.Err() != nil {
			break
		}
		attempts++

		k.emit(ctx, journal.TypeToolStarted, journal.ToolStartedPayload{
			StepID: step.StepID, Tool: step.ToolRef.Name,
		})
		result, err := k.cfg.Runtime.Execute(ctx, tools.Call{
			SessionID: k.session.ID,
			StepID:    step.StepID,
			Tool:      step.ToolRef.Name,
			Input:     input,
			Mode:      k.session.Mode,
			Policy:    k.session.Policy,
			Timeout:   time.Duration(step.TimeoutMs) * time.Millisecond,
		})
		if err == nil {
			k.recordUsage(ctx, result.Usage)
			if result.Observed {
				k.emit(ctx, journal.TypePermissionObserved, journal.PermissionObservedPayload{
					StepID: step.StepID, Tool: step.ToolRef.Name,
				})
			}
			k.emit(ctx, journal.TypeToolSucceeded, journal.ToolSucceededPayload{
				StepID: step.StepID, Tool: step.ToolRef.Name,
			})
			output := result.Output
			if k.cfg.Masker != nil {
				output = k.cfg.Masker.MaskMap(output)
			}
			k.emit(ctx, journal.TypeStepSucceeded, journal.StepSucceededPayload{
				StepID: step.StepID, Attempts: attempts, Output: output,
			})
			return models.StepResult{
				StepID:   step.StepID,
				Status:   models.StepSucceeded,
				Attempts: attempts,
				Output:   result.Output,
			}
		}

		te := tools.AsToolError(err)
		lastErr = models.StepError{Code: te.Code, Message: te.Message}
		k.emit(ctx, journal.TypeToolFailed, journal.ToolFailedPayload{
			StepID: step.StepID, Tool: step.ToolRef.Name, Error: lastErr,
		})
		if te.Code == models.ErrCodePolicyViolation {
			k.emit(ctx, journal.TypePolicyViolated, journal.PolicyViolatedPayload{
				StepID: step.StepID, Tool: step.ToolRef.Name, Reason: te.Message,
			})
		}

		if attempt < step.MaxRetries {
			select {
			case <-time.After(retryBackoff(attempt)):
			case <-ctx.Done():
			}
		}
	}

	if attempts == 0 {
		// Abort raced the first attempt.
		lastErr = models.StepError{Code: models.ErrCodeExecutionError, Message: "step cancelled before execution"}
		attempts = 1
	}
	k.emit(ctx, journal.TypeStepFailed, journal.StepFailedPayload{
		StepID: step.StepID, Attempts: attempts, Error: lastErr,
	})
	return models.StepResult{StepID: step.StepID, Status: models.StepFailed, Attempts: attempts, Error: &lastErr}
}

// resolveInput shallow-merges input_from bindings over the step's static
// input. Each binding reads "<step_id>.<output-path>" from a prior step's
// output by dotted path.
func (k *Kernel) resolveInput(step models.Step) (map[string]any, error) {
	merged := make(map[string]any, len(step.Input)+len(step.InputFrom))
	for key, v := range step.Input {
		merged[key] = v
	}
	for field, ref := range step.InputFrom {
		sourceID, path, found := strings.Cut(ref, ".")
		if !found {
			return nil, fmt.Errorf("input_from binding %q for field %q is not <step_id>.<path>", ref, field)
		}
		res, ok := k.state.Result(sourceID)
		if !ok || res.Status != models.StepSucceeded {
			return nil, fmt.Errorf("input_from field %q references step %q with no successful output", field, sourceID)
		}
		v, err := lookupPath(res.Output, path)
		if err != nil {
			return nil, fmt.Errorf("input_from field %q: %w", field, err)
		}
		merged[field] = v
	}
	return merged, nil
}

// lookupPath walks a dotted path through nested JSON objects.
func lookupPath(output map[string]any, path string) (any, error) {
	var cur any = output
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q does not resolve to an object", path)
		}
		cur, ok = obj[part]
		if !ok {
			return nil, fmt.Errorf("path %q not found in step output", path)
		}
	}
	return cur, nil
}
