package planner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/karnevil9/karnevil9/pkg/models"
)

// ErrScriptExhausted is returned by the mock when it runs out of scripted
// responses.
var ErrScriptExhausted = errors.New("mock planner script exhausted")

// MockResponse is one scripted planner reply: a plan, or an error.
type MockResponse struct {
	Plan  *models.Plan
	Usage models.Usage
	Err   error
}

// Mock is a scripted planner for tests and mock-mode servers. Each call
// consumes the next response; after the script ends, an empty plan (the done
// signal) is returned unless ExhaustWithError is set.
type Mock struct {
	mu        sync.Mutex
	responses []MockResponse
	calls     []Input

	// ExhaustWithError makes post-script calls fail instead of concluding.
	ExhaustWithError bool
}

var _ Planner = (*Mock)(nil)

// NewMock creates a scripted planner.
func NewMock(responses ...MockResponse) *Mock {
	return &Mock{responses: responses}
}

// SingleStepPlan is a convenience for the common one-tool happy path: a plan
// with one step invoking the named tool with the given input.
func SingleStepPlan(tool string, input map[string]any) *models.Plan {
	return &models.Plan{
		PlanID:        uuid.New().String(),
		SchemaVersion: models.PlanSchemaVersion,
		Goal:          "invoke " + tool,
		Steps: []models.Step{{
			StepID:        "step-1",
			Title:         "invoke " + tool,
			ToolRef:       models.ToolRef{Name: tool},
			Input:         input,
			FailurePolicy: models.FailAbort,
			MaxRetries:    0,
		}},
		CreatedAt: time.Now().UTC(),
	}
}

// EmptyPlan returns the done-signal plan.
func EmptyPlan() *models.Plan {
	return &models.Plan{
		PlanID:        uuid.New().String(),
		SchemaVersion: models.PlanSchemaVersion,
		Goal:          "done",
		Steps:         nil,
		CreatedAt:     time.Now().UTC(),
	}
}

// Plan returns the next scripted response.
func (m *Mock) Plan(_ context.Context, input Input) (*models.Plan, models.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, input)

	if len(m.responses) == 0 {
		if m.ExhaustWithError {
			return nil, models.Usage{}, ErrScriptExhausted
		}
		return EmptyPlan(), models.Usage{}, nil
	}
	next := m.responses[0]
	m.responses = m.responses[1:]
	if next.Err != nil {
		return nil, next.Usage, next.Err
	}
	return next.Plan, next.Usage, nil
}

// Calls returns a copy of the inputs the mock has seen.
func (m *Mock) Calls() []Input {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Input(nil), m.calls...)
}
