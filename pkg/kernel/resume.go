package kernel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/karnevil9/karnevil9/pkg/journal"
	"github.com/karnevil9/karnevil9/pkg/models"
)

// ResumeSession rebuilds a kernel from the journal after a crash. It returns
// (nil, nil) when the session is not recoverable: it has a terminal event,
// or it never got as far as session.started plus a first plan.accepted.
//
// The rebuilt kernel continues from the last accepted plan. Steps that
// succeeded before the crash keep their outputs and are not re-executed;
// steps that were running are reset to pending. The wall-clock budget keeps
// counting from the original created_at.
func ResumeSession(ctx context.Context, cfg Config, sessionID string) (*Kernel, error) {
	events, total, err := cfg.Journal.ReadSession(ctx, sessionID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal for session %s: %w", sessionID, err)
	}
	if total == 0 {
		return nil, nil
	}

	var (
		created   *journal.SessionCreatedPayload
		createdAt = events[0].Timestamp
		startedAt *journal.Event
		plan      *models.Plan
		iteration int
		agentic   bool
	)
	results := make(map[string]models.StepResult)
	startedCount := 0
	var lastUsage *models.UsageSummary

	for i := range events {
		ev := &events[i]
		if journal.IsTerminal(ev.Type) {
			return nil, nil
		}
		switch ev.Type {
		case journal.TypeSessionCreated:
			var p journal.SessionCreatedPayload
			if err := ev.DecodePayload(&p); err != nil {
				return nil, fmt.Errorf("corrupt session.created payload: %w", err)
			}
			created = &p
			createdAt = ev.Timestamp

		case journal.TypeSessionStarted:
			startedAt = ev
			var p journal.SessionStartedPayload
			if err := ev.DecodePayload(&p); err == nil {
				agentic = p.Agentic
			}

		case journal.TypePlanAccepted:
			var p journal.PlanAcceptedPayload
			if err := ev.DecodePayload(&p); err != nil {
				return nil, fmt.Errorf("corrupt plan.accepted payload: %w", err)
			}
			if p.Plan != nil {
				plan = p.Plan
			}
			if p.Iteration > iteration {
				iteration = p.Iteration
			}

		case journal.TypeStepStarted:
			var p journal.StepStartedPayload
			if err := ev.DecodePayload(&p); err != nil {
				continue
			}
			startedCount++
			results[p.StepID] = models.StepResult{StepID: p.StepID, Status: models.StepRunning}

		case journal.TypeStepSucceeded:
			var p journal.StepSucceededPayload
			if err := ev.DecodePayload(&p); err != nil {
				continue
			}
			results[p.StepID] = models.StepResult{
				StepID:   p.StepID,
				Status:   models.StepSucceeded,
				Attempts: p.Attempts,
				Output:   p.Output,
			}

		case journal.TypeStepFailed:
			var p journal.StepFailedPayload
			if err := ev.DecodePayload(&p); err != nil {
				continue
			}
			stepErr := p.Error
			results[p.StepID] = models.StepResult{
				StepID:   p.StepID,
				Status:   models.StepFailed,
				Attempts: p.Attempts,
				Error:    &stepErr,
			}

		case journal.TypeUsageRecorded:
			var p journal.UsageRecordedPayload
			if err := ev.DecodePayload(&p); err != nil {
				continue
			}
			lastUsage = &p.Summary
		}
	}

	if created == nil || startedAt == nil || plan == nil {
		return nil, nil
	}

	cfg.Agentic = cfg.Agentic || agentic
	k := New(cfg)
	k.session = &models.Session{
		ID:           sessionID,
		Status:       models.StatusRunning,
		Mode:         created.Mode,
		Task:         created.Task,
		ActivePlanID: plan.PlanID,
		Limits:       created.Limits,
		Policy:       created.Policy,
		CreatedAt:    createdAt,
	}
	started := startedAt.Timestamp
	k.session.StartedAt = &started
	k.state.SetPlan(plan)
	k.state.restore(results, startedCount)
	if lastUsage != nil {
		k.usage.RestoreFrom(*lastUsage)
	}
	k.iteration = iteration
	k.resumed = true
	k.log = slog.With("session_id", sessionID, "resumed", true)

	k.log.Info("Session resumed from journal",
		"plan_id", plan.PlanID,
		"iteration", iteration,
		"recovered_steps", len(results))
	return k, nil
}
