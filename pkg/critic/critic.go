// Package critic implements pure predicates over a plan. The kernel runs the
// default set after every planner call and blocks acceptance when any
// error-severity critic fails; warnings are informational.
package critic

import (
	"fmt"
	"strings"

	"github.com/karnevil9/karnevil9/pkg/models"
)

// Severity grades a critic finding.
type Severity string

// Severities.
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Result is one critic's verdict on a plan.
type Result struct {
	Name     string   `json:"name"`
	Passed   bool     `json:"passed"`
	Message  string   `json:"message,omitempty"`
	Severity Severity `json:"severity"`
}

// ToolInfo is the slice of a tool's schema the critics need: existence and
// the names of required input fields. Full JSON-Schema validation stays in
// the runtime.
type ToolInfo struct {
	Required []string
}

// Context carries the inputs critics evaluate a plan against.
type Context struct {
	// Tools maps tool name → schema info for every registered tool.
	Tools map[string]ToolInfo
	// MaxSteps is the session's step ceiling. Zero disables the check.
	MaxSteps int
	// CompletedSteps is the cumulative count of steps already executed in
	// prior iterations; the ceiling applies to the sum.
	CompletedSteps int
}

// Critic is a pure predicate over (plan, context).
type Critic func(plan *models.Plan, cctx Context) Result

// DefaultSet returns the standard critics in evaluation order.
func DefaultSet() []Critic {
	return []Critic{UnknownTool, ToolInput, StepLimit, SelfReference}
}

// Run evaluates all critics and reports whether any error-severity critic
// failed.
func Run(critics []Critic, plan *models.Plan, cctx Context) (results []Result, blocked bool) {
	for _, c := range critics {
		res := c(plan, cctx)
		results = append(results, res)
		if !res.Passed && res.Severity == SeverityError {
			blocked = true
		}
	}
	return results, blocked
}

// UnknownTool fails when any step references a tool that is not registered.
func UnknownTool(plan *models.Plan, cctx Context) Result {
	var unknown []string
	for _, st := range plan.Steps {
		if _, ok := cctx.Tools[st.ToolRef.Name]; !ok {
			unknown = append(unknown, fmt.Sprintf("%s (step %s)", st.ToolRef.Name, st.StepID))
		}
	}
	if len(unknown) > 0 {
		return Result{
			Name:     "unknown-tool",
			Passed:   false,
			Message:  "plan references unregistered tools: " + strings.Join(unknown, ", "),
			Severity: SeverityError,
		}
	}
	return Result{Name: "unknown-tool", Passed: true, Severity: SeverityError}
}

// ToolInput fails when a required input field is missing from a step's merged
// input. Fields bound via input_from count as present: their values only
// materialize at execution time. Steps whose tool is unknown are skipped;
// the unknown-tool critic already covers them.
func ToolInput(plan *models.Plan, cctx Context) Result {
	var missing []string
	for _, st := range plan.Steps {
		info, ok := cctx.Tools[st.ToolRef.Name]
		if !ok {
			continue
		}
		for _, field := range info.Required {
			if _, inStatic := st.Input[field]; inStatic {
				continue
			}
			if _, bound := st.InputFrom[field]; bound {
				continue
			}
			missing = append(missing, fmt.Sprintf("%s.%s", st.StepID, field))
		}
	}
	if len(missing) > 0 {
		return Result{
			Name:     "tool-input",
			Passed:   false,
			Message:  "required input fields missing: " + strings.Join(missing, ", "),
			Severity: SeverityError,
		}
	}
	return Result{Name: "tool-input", Passed: true, Severity: SeverityError}
}

// StepLimit fails when the plan's steps, added to steps already executed,
// would exceed the session's max_steps ceiling.
func StepLimit(plan *models.Plan, cctx Context) Result {
	if cctx.MaxSteps > 0 && cctx.CompletedSteps+len(plan.Steps) > cctx.MaxSteps {
		return Result{
			Name:   "step-limit",
			Passed: false,
			Message: fmt.Sprintf("plan has %d steps with %d already completed, exceeding max_steps=%d",
				len(plan.Steps), cctx.CompletedSteps, cctx.MaxSteps),
			Severity: SeverityError,
		}
	}
	return Result{Name: "step-limit", Passed: true, Severity: SeverityError}
}

// SelfReference fails on a step that depends on itself or on any cycle in the
// dependency graph.
func SelfReference(plan *models.Plan, _ Context) Result {
	for _, st := range plan.Steps {
		for _, dep := range st.DependsOn {
			if dep == st.StepID {
				return Result{
					Name:     "self-reference",
					Passed:   false,
					Message:  fmt.Sprintf("step %s depends on itself", st.StepID),
					Severity: SeverityError,
				}
			}
		}
	}
	if cycle := FindCycle(plan); len(cycle) > 0 {
		return Result{
			Name:     "self-reference",
			Passed:   false,
			Message:  "dependency cycle: " + strings.Join(cycle, " -> "),
			Severity: SeverityError,
		}
	}
	return Result{Name: "self-reference", Passed: true, Severity: SeverityError}
}

// FindCycle detects a cycle in the plan's depends_on graph using iterative
// DFS with a three-color marking. Steps never assigned a finishing order are
// on a cycle; the returned slice names them (empty when acyclic). Unknown
// dependency targets are ignored here; execution rejects them separately.
func FindCycle(plan *models.Plan) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on stack
		black = 2 // finished
	)
	color := make(map[string]int, len(plan.Steps))
	adj := make(map[string][]string, len(plan.Steps))
	ids := make([]string, 0, len(plan.Steps))
	known := make(map[string]bool, len(plan.Steps))
	for _, st := range plan.Steps {
		ids = append(ids, st.StepID)
		known[st.StepID] = true
	}
	for _, st := range plan.Steps {
		for _, dep := range st.DependsOn {
			if known[dep] {
				adj[st.StepID] = append(adj[st.StepID], dep)
			}
		}
	}

	for _, root := range ids {
		if color[root] != white {
			continue
		}
		// Iterative DFS: each frame tracks the node and its next edge index.
		type frame struct {
			node string
			next int
		}
		stack := []frame{{node: root}}
		color[root] = gray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := adj[top.node]
			if top.next < len(deps) {
				dep := deps[top.next]
				top.next++
				switch color[dep] {
				case white:
					color[dep] = gray
					stack = append(stack, frame{node: dep})
				case gray:
					// Back edge: everything gray is on or reaches the cycle.
					var cycle []string
					for _, f := range stack {
						cycle = append(cycle, f.node)
					}
					return append(cycle, dep)
				}
				continue
			}
			color[top.node] = black
			stack = stack[:len(stack)-1]
		}
	}
	return nil
}
