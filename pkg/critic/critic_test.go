package critic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karnevil9/karnevil9/pkg/models"
)

func plan(steps ...models.Step) *models.Plan {
	return &models.Plan{PlanID: "p1", Steps: steps}
}

func step(id, tool string, deps ...string) models.Step {
	return models.Step{
		StepID:    id,
		Title:     id,
		ToolRef:   models.ToolRef{Name: tool},
		DependsOn: deps,
	}
}

func testContext() Context {
	return Context{
		Tools: map[string]ToolInfo{
			"echo":  {},
			"fetch": {Required: []string{"url"}},
		},
		MaxSteps: 10,
	}
}

func TestUnknownToolBlocks(t *testing.T) {
	res := UnknownTool(plan(step("a", "nope")), testContext())

	assert.False(t, res.Passed)
	assert.Equal(t, SeverityError, res.Severity)
	assert.Contains(t, res.Message, "nope")
}

func TestUnknownToolPasses(t *testing.T) {
	res := UnknownTool(plan(step("a", "echo")), testContext())
	assert.True(t, res.Passed)
}

func TestToolInputMissingRequiredField(t *testing.T) {
	res := ToolInput(plan(step("a", "fetch")), testContext())

	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "url")
}

func TestToolInputSatisfiedByBinding(t *testing.T) {
	s := step("b", "fetch", "a")
	s.InputFrom = map[string]string{"url": "a.output_url"}
	res := ToolInput(plan(step("a", "echo"), s), testContext())

	assert.True(t, res.Passed)
}

func TestToolInputSkipsUnknownTools(t *testing.T) {
	// The unknown-tool critic owns this failure mode.
	res := ToolInput(plan(step("a", "nope")), testContext())
	assert.True(t, res.Passed)
}

func TestStepLimitCountsCompletedSteps(t *testing.T) {
	cctx := testContext()
	cctx.MaxSteps = 3
	cctx.CompletedSteps = 2

	res := StepLimit(plan(step("a", "echo"), step("b", "echo")), cctx)

	assert.False(t, res.Passed)
}

func TestSelfReferenceDirect(t *testing.T) {
	res := SelfReference(plan(step("a", "echo", "a")), testContext())
	assert.False(t, res.Passed)
}

func TestSelfReferenceCycle(t *testing.T) {
	res := SelfReference(plan(step("a", "echo", "b"), step("b", "echo", "a")), testContext())
	assert.False(t, res.Passed)
}

func TestFindCycleReturnsPath(t *testing.T) {
	cycle := FindCycle(plan(
		step("a", "echo", "b"),
		step("b", "echo", "c"),
		step("c", "echo", "a"),
	))
	require.NotEmpty(t, cycle)
}

func TestFindCycleNilOnDAG(t *testing.T) {
	cycle := FindCycle(plan(
		step("a", "echo"),
		step("b", "echo", "a"),
		step("c", "echo", "a", "b"),
	))
	assert.Nil(t, cycle)
}

func TestRunBlocksOnErrorSeverity(t *testing.T) {
	results, blocked := Run(DefaultSet(), plan(step("a", "nope")), testContext())

	assert.True(t, blocked)
	failed := 0
	for _, r := range results {
		if !r.Passed {
			failed++
		}
	}
	assert.GreaterOrEqual(t, failed, 1)
}

func TestRunPassesCleanPlan(t *testing.T) {
	_, blocked := Run(DefaultSet(), plan(step("a", "echo")), testContext())
	assert.False(t, blocked)
}
