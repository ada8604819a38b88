package planner

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/karnevil9/karnevil9/pkg/models"
)

// Keyword is the built-in deterministic planner: it plans one step per
// registered tool whose name appears in the task text, then signals done on
// the next iteration. It exists so the daemon is usable without an external
// planner; production deployments plug in their own implementation.
type Keyword struct{}

// NewKeyword creates the keyword planner.
func NewKeyword() *Keyword {
	return &Keyword{}
}

// Plan matches tool names against the task text. Required input fields are
// filled from the task constraints, falling back to the task text itself.
func (p *Keyword) Plan(_ context.Context, input Input) (*models.Plan, models.Usage, error) {
	// Work already done: conclude.
	if input.Snapshot.CompletedSteps > 0 || input.Iteration > 1 {
		return &models.Plan{
			PlanID:        uuid.New().String(),
			SchemaVersion: models.PlanSchemaVersion,
			Goal:          input.Task.Text,
			CreatedAt:     time.Now(),
		}, models.Usage{}, nil
	}

	text := strings.ToLower(input.Task.Text)
	var steps []models.Step
	for _, schema := range input.ToolSchemas {
		if !mentionsTool(text, schema.Name) {
			continue
		}
		steps = append(steps, models.Step{
			StepID:        uuid.New().String(),
			Title:         "Run " + schema.Name,
			ToolRef:       models.ToolRef{Name: schema.Name},
			Input:         requiredInput(schema, input.Task),
			FailurePolicy: models.FailAbort,
			MaxRetries:    1,
		})
	}

	return &models.Plan{
		PlanID:        uuid.New().String(),
		SchemaVersion: models.PlanSchemaVersion,
		Goal:          input.Task.Text,
		Steps:         steps,
		CreatedAt:     time.Now(),
	}, models.Usage{}, nil
}

// mentionsTool checks for the tool name, treating separators in the name as
// interchangeable with spaces ("test-tool" matches "test tool").
func mentionsTool(text, name string) bool {
	name = strings.ToLower(name)
	if strings.Contains(text, name) {
		return true
	}
	spaced := strings.NewReplacer("-", " ", "_", " ", ".", " ").Replace(name)
	return strings.Contains(text, spaced)
}

// requiredInput fills every required schema field from the task constraints,
// defaulting to the task text.
func requiredInput(schema models.ToolSchema, task *models.Task) map[string]any {
	if len(schema.Required) == 0 {
		return nil
	}
	in := make(map[string]any, len(schema.Required))
	for _, field := range schema.Required {
		if v, ok := task.Constraints[field]; ok {
			in[field] = v
			continue
		}
		in[field] = task.Text
	}
	return in
}
