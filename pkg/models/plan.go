package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// PlanSchemaVersion is the schema version stamped on plans produced by
// planners that do not set one themselves.
const PlanSchemaVersion = "1"

// FailurePolicy tells the kernel what to do when a step exhausts its retries.
type FailurePolicy string

// Failure policies.
const (
	// FailAbort ends the execute phase with session failure.
	FailAbort FailurePolicy = "abort"
	// FailContinue lets independent steps proceed; dependents are skipped.
	FailContinue FailurePolicy = "continue"
	// FailReplan breaks out to the agentic loop. Only meaningful when the
	// session is agentic; otherwise treated as abort.
	FailReplan FailurePolicy = "replan"
)

// ValidFailurePolicy reports whether p is a known failure policy.
func ValidFailurePolicy(p FailurePolicy) bool {
	switch p {
	case FailAbort, FailContinue, FailReplan:
		return true
	}
	return false
}

// ToolRef names the tool a step invokes.
type ToolRef struct {
	Name string `json:"name"`
}

// Step is a single unit of a plan. StepID is stable across replans when the
// planner reuses it, which is how already-succeeded work is carried forward.
type Step struct {
	StepID          string         `json:"step_id"`
	Title           string         `json:"title"`
	ToolRef         ToolRef        `json:"tool_ref"`
	Input           map[string]any `json:"input,omitempty"`
	SuccessCriteria string         `json:"success_criteria,omitempty"`
	FailurePolicy   FailurePolicy  `json:"failure_policy"`
	TimeoutMs       int64          `json:"timeout_ms,omitempty"`
	MaxRetries      int            `json:"max_retries"`
	DependsOn       []string       `json:"depends_on,omitempty"`
	// InputFrom binds an input field name to "<step_id>.<output-path>",
	// resolved against prior step outputs at execution time.
	InputFrom map[string]string `json:"input_from,omitempty"`
}

// Plan is an ordered list of steps produced by the planner. Plans are
// replaced atomically by the agentic loop.
type Plan struct {
	PlanID        string    `json:"plan_id"`
	SchemaVersion string    `json:"schema_version"`
	Goal          string    `json:"goal"`
	Assumptions   []string  `json:"assumptions,omitempty"`
	Steps         []Step    `json:"steps"`
	CreatedAt     time.Time `json:"created_at"`
}

// Step returns the step with the given id, or nil.
func (p *Plan) Step(stepID string) *Step {
	for i := range p.Steps {
		if p.Steps[i].StepID == stepID {
			return &p.Steps[i]
		}
	}
	return nil
}

// Fingerprint hashes the plan's goal and steps (ids, tools, inputs,
// dependencies), ignoring plan_id and timestamps. The futility monitor uses
// it to detect a planner that keeps proposing the same plan.
func (p *Plan) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(p.Goal))
	steps := make([]Step, len(p.Steps))
	copy(steps, p.Steps)
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepID < steps[j].StepID })
	for _, st := range steps {
		h.Write([]byte(st.StepID))
		h.Write([]byte(st.ToolRef.Name))
		if b, err := json.Marshal(st.Input); err == nil {
			h.Write(b)
		}
		deps := append([]string(nil), st.DependsOn...)
		sort.Strings(deps)
		for _, d := range deps {
			h.Write([]byte(d))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
