// Package planner defines the contract the kernel expects planner
// implementations to fulfill, the state snapshot handed to them on each
// agentic iteration, and a retrying wrapper that adds exponential backoff
// and a per-call timeout around any implementation.
//
// Concrete planners (LLM-backed or otherwise) live outside this repo; the
// kernel only depends on the interface. A scripted mock ships in mock.go for
// tests and mock-mode servers.
package planner

import (
	"context"

	"github.com/karnevil9/karnevil9/pkg/models"
)

// StateSnapshot is the kernel's view of accumulated progress, handed to the
// planner so it can extend or conclude the plan. Iterations >= 2 carry step
// results and titles; iteration 1 may carry a task domain hint instead.
type StateSnapshot struct {
	HasPlan          bool                         `json:"has_plan"`
	StepResults      map[string]models.StepResult `json:"step_results,omitempty"`
	StepTitles       map[string]string            `json:"step_titles,omitempty"`
	CompletedSteps   int                          `json:"completed_steps"`
	RelevantMemories []string                     `json:"relevant_memories,omitempty"`
	TaskDomain       string                       `json:"task_domain,omitempty"`
}

// Input is everything a planner call receives.
type Input struct {
	Task        *models.Task
	ToolSchemas []models.ToolSchema
	Snapshot    StateSnapshot
	Iteration   int
	Options     map[string]any
}

// Planner produces a step plan for a task. A returned plan with zero steps is
// the done signal: the kernel completes the session. Usage is recorded
// against the session's budget whether or not the plan is accepted.
type Planner interface {
	Plan(ctx context.Context, input Input) (*models.Plan, models.Usage, error)
}
