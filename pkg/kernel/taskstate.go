package kernel

import (
	"sync"

	"github.com/karnevil9/karnevil9/pkg/models"
	"github.com/karnevil9/karnevil9/pkg/planner"
)

// TaskState is the in-memory map of step results plus the current plan.
// Mutated only by the kernel; snapshots are handed to the planner on each
// agentic iteration.
type TaskState struct {
	mu      sync.RWMutex
	plan    *models.Plan
	results map[string]models.StepResult
	// started counts steps that have emitted step.started across all
	// iterations; the cumulative max_steps ceiling applies to it.
	started int
}

// NewTaskState creates an empty task state.
func NewTaskState() *TaskState {
	return &TaskState{results: make(map[string]models.StepResult)}
}

// SetPlan replaces the current plan. Step results survive plan replacement:
// a replanned step that reuses its step_id keeps its succeeded result and is
// not re-executed.
func (ts *TaskState) SetPlan(p *models.Plan) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.plan = p
}

// Plan returns the current plan (nil before the first acceptance).
func (ts *TaskState) Plan() *models.Plan {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.plan
}

// RecordStarted marks a step running and bumps the cumulative started count.
func (ts *TaskState) RecordStarted(stepID string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	res := ts.results[stepID]
	res.StepID = stepID
	res.Status = models.StepRunning
	ts.results[stepID] = res
	ts.started++
}

// RecordResult stores a step's terminal result.
func (ts *TaskState) RecordResult(res models.StepResult) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.results[res.StepID] = res
}

// Result returns the result for a step id.
func (ts *TaskState) Result(stepID string) (models.StepResult, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	res, ok := ts.results[stepID]
	return res, ok
}

// AllStepResults returns a copy of the result map.
func (ts *TaskState) AllStepResults() map[string]models.StepResult {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make(map[string]models.StepResult, len(ts.results))
	for id, res := range ts.results {
		out[id] = res
	}
	return out
}

// StartedSteps returns the cumulative number of started steps.
func (ts *TaskState) StartedSteps() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.started
}

// SucceededSteps returns the number of steps currently in succeeded state.
func (ts *TaskState) SucceededSteps() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	n := 0
	for _, res := range ts.results {
		if res.Status == models.StepSucceeded {
			n++
		}
	}
	return n
}

// restore installs a result map rebuilt from the journal (resume path).
// Steps recorded as running at crash time are reset to pending so they
// re-execute; succeeded steps keep their outputs and are never re-run.
func (ts *TaskState) restore(results map[string]models.StepResult, started int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.results = make(map[string]models.StepResult, len(results))
	for id, res := range results {
		if res.Status == models.StepRunning {
			res.Status = models.StepPending
		}
		ts.results[id] = res
	}
	ts.started = started
}

// Snapshot builds the planner handoff view.
func (ts *TaskState) Snapshot() planner.StateSnapshot {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	snap := planner.StateSnapshot{
		HasPlan:     ts.plan != nil,
		StepResults: make(map[string]models.StepResult, len(ts.results)),
		StepTitles:  make(map[string]string),
	}
	for id, res := range ts.results {
		snap.StepResults[id] = res
		if res.Status == models.StepSucceeded {
			snap.CompletedSteps++
		}
	}
	if ts.plan != nil {
		for _, st := range ts.plan.Steps {
			snap.StepTitles[st.StepID] = st.Title
		}
	}
	return snap
}
