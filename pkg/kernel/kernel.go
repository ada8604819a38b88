// Package kernel implements the execution core: session lifecycle, plan
// validation, step DAG execution with retries and input bindings, the
// agentic replan loop, limit enforcement, futility detection, and
// journal-based crash recovery.
//
// A kernel owns exactly one session. Every state transition is emitted to
// the append-only journal before the kernel acts on it, which is what makes
// resume-after-crash possible and what drives the control plane's live
// streams.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/karnevil9/karnevil9/pkg/critic"
	"github.com/karnevil9/karnevil9/pkg/futility"
	"github.com/karnevil9/karnevil9/pkg/journal"
	"github.com/karnevil9/karnevil9/pkg/memory"
	"github.com/karnevil9/karnevil9/pkg/models"
	"github.com/karnevil9/karnevil9/pkg/planner"
	"github.com/karnevil9/karnevil9/pkg/tools"
	"github.com/karnevil9/karnevil9/pkg/usage"
)

// Kernel lifecycle errors.
var (
	// ErrSessionExists is returned by CreateSession when this kernel
	// already owns a session.
	ErrSessionExists = errors.New("kernel already has a session")

	// ErrNoSession is returned by Run before CreateSession.
	ErrNoSession = errors.New("no session created")

	// ErrAlreadyRunning is returned by Run when re-entered concurrently.
	ErrAlreadyRunning = errors.New("session is already running")

	// ErrInvalidTransition is returned by Run on a terminal session.
	ErrInvalidTransition = errors.New("invalid transition: session is terminal")
)

// HookAction is a plugin hook verdict on a step about to execute.
type HookAction string

// Hook actions. Observed actions are informational; block fails the step
// with PLUGIN_HOOK_BLOCKED.
const (
	HookAllow   HookAction = "allow"
	HookBlock   HookAction = "block"
	HookObserve HookAction = "observe"
)

// StepHook is invoked before each step executes. nil hooks allow everything.
type StepHook func(ctx context.Context, sessionID string, step models.Step) HookAction

// Config assembles a kernel. Journal, Planner, Runtime and Registry are
// required; the rest defaults sensibly.
type Config struct {
	Journal  journal.Journal
	Planner  planner.Planner
	Runtime  tools.Runtime
	Registry *tools.Registry

	// Memory is the optional active-memory store. When set, relevant
	// lessons are recalled into the planning snapshot and a lesson is
	// extracted at session end.
	Memory *memory.Store

	// Agentic re-invokes the planner after each iteration until it
	// returns a zero-step plan or a budget/futility stop fires.
	Agentic bool

	// TaskDomain is an optional hint carried on the first planning call.
	TaskDomain string

	// DisableCritics skips plan criticism for diagnostic runs.
	DisableCritics bool

	// Critics overrides the default critic set. nil means default.
	Critics []critic.Critic

	// Futility overrides the futility monitor config. Zero value means
	// defaults.
	Futility futility.Config

	// Pricing converts token counts to cost for calls that do not report
	// their own cost_usd.
	Pricing models.Pricing

	// PlannerRetries is the retry budget for planner calls (criticized
	// plans included). Negative means default.
	PlannerRetries int

	// PlannerTimeout bounds each planner call. Zero means default.
	PlannerTimeout time.Duration

	// Hook is the optional plugin step hook.
	Hook StepHook

	// Masker redacts secrets from step outputs before they are journaled.
	// nil journals outputs as-is. TaskState keeps the unmasked output so
	// input_from bindings see real values.
	Masker OutputMasker
}

// OutputMasker redacts secrets from structured tool outputs. Implemented by
// masking.Service.
type OutputMasker interface {
	MaskMap(data map[string]any) map[string]any
}

// Kernel executes one session.
type Kernel struct {
	cfg     Config
	critics []critic.Critic
	plan    planner.Planner // retry-wrapped

	mu      sync.Mutex
	session *models.Session
	running bool
	resumed bool

	state    *TaskState
	usage    *usage.Accumulator
	futility *futility.Monitor

	iteration int

	aborted atomic.Bool
	cancel  context.CancelFunc

	log *slog.Logger
}

// New creates a kernel from cfg.
func New(cfg Config) *Kernel {
	critics := cfg.Critics
	if critics == nil {
		critics = critic.DefaultSet()
	}
	fcfg := cfg.Futility
	if fcfg == (futility.Config{}) {
		fcfg = futility.DefaultConfig()
	}
	retries := cfg.PlannerRetries
	if retries < 0 {
		retries = planner.DefaultMaxRetries
	}
	return &Kernel{
		cfg:      cfg,
		critics:  critics,
		plan:     planner.WithRetry(cfg.Planner, retries, cfg.PlannerTimeout),
		state:    NewTaskState(),
		usage:    usage.NewAccumulator(cfg.Pricing),
		futility: futility.NewMonitor(fcfg),
		log:      slog.Default(),
	}
}

// CreateSession allocates a session id, emits session.created and
// transitions to created. Fails if this kernel already owns a session.
func (k *Kernel) CreateSession(ctx context.Context, task models.Task, mode models.ExecutionMode, limits models.Limits, policy models.Policy) (*models.Session, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.session != nil {
		return nil, ErrSessionExists
	}

	now := time.Now().UTC()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	sess := &models.Session{
		ID:        uuid.New().String(),
		Status:    models.StatusCreated,
		Mode:      mode,
		Task:      &task,
		Limits:    limits,
		Policy:    policy,
		CreatedAt: now,
	}

	if _, err := k.cfg.Journal.Emit(ctx, sess.ID, journal.TypeSessionCreated, journal.SessionCreatedPayload{
		Task:   sess.Task,
		Mode:   mode,
		Limits: limits,
		Policy: policy,
	}); err != nil {
		return nil, fmt.Errorf("failed to journal session.created: %w", err)
	}

	k.session = sess
	k.log = slog.With("session_id", sess.ID)
	return sess.Clone(), nil
}

// Session returns a snapshot of the session, or nil before CreateSession.
func (k *Kernel) Session() *models.Session {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.session == nil {
		return nil
	}
	return k.session.Clone()
}

// TaskState returns the kernel's task state.
func (k *Kernel) TaskState() *TaskState {
	return k.state
}

// UsageSummary returns the running usage totals.
func (k *Kernel) UsageSummary() models.UsageSummary {
	return k.usage.Summary()
}

// Abort cooperatively stops the session: the flag is consulted at every
// suspension point and between steps, and in-flight tool calls are cancelled
// through the context. Idempotent; a no-op on terminal sessions.
func (k *Kernel) Abort() {
	k.mu.Lock()
	terminal := k.session != nil && k.session.Status.IsTerminal()
	cancel := k.cancel
	k.mu.Unlock()
	if terminal {
		return
	}
	k.aborted.Store(true)
	if cancel != nil {
		cancel()
	}
}

// Run executes the session to a terminal state and returns the final
// session snapshot. Re-entry fails with ErrAlreadyRunning; calling Run on a
// terminal session fails with ErrInvalidTransition.
func (k *Kernel) Run(ctx context.Context) (*models.Session, error) {
	k.mu.Lock()
	if k.session == nil {
		k.mu.Unlock()
		return nil, ErrNoSession
	}
	if k.running {
		k.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	if k.session.Status.IsTerminal() {
		k.mu.Unlock()
		return nil, ErrInvalidTransition
	}
	k.running = true
	runCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	k.mu.Unlock()

	defer func() {
		cancel()
		k.mu.Lock()
		k.running = false
		k.mu.Unlock()
	}()

	k.runLoop(runCtx)
	return k.Session(), nil
}

// runLoop drives planning and execution until a terminal state. All
// terminal transitions happen inside; runLoop never returns early without
// one.
func (k *Kernel) runLoop(ctx context.Context) {
	if !k.resumed {
		now := time.Now().UTC()
		k.setStatus(models.StatusPlanning, func(s *models.Session) { s.StartedAt = &now })
		k.emit(ctx, journal.TypeSessionStarted, journal.SessionStartedPayload{Agentic: k.cfg.Agentic})
	}

	for {
		if k.checkAbort(ctx) {
			return
		}
		if k.resumed && k.state.Plan() != nil {
			// Resume lands mid-session with an accepted plan: execute it
			// before asking the planner for more.
			k.resumed = false
		} else {
			k.iteration++
			if !k.checkLimits(ctx, limitPhasePlanner) {
				return
			}

			plan, ok := k.planIteration(ctx)
			if !ok {
				return
			}
			if len(plan.Steps) == 0 {
				// Done signal.
				k.emit(ctx, journal.TypePlanAccepted, journal.PlanAcceptedPayload{Plan: plan, Iteration: k.iteration})
				k.complete(ctx)
				return
			}
			k.acceptPlan(ctx, plan)
		}

		outcome := k.executePlan(ctx, k.state.Plan())
		switch outcome {
		case outcomeAborted:
			k.terminate(ctx, models.StatusAborted, journal.TypeSessionAborted,
				journal.SessionAbortedPayload{Reason: "aborted by client"})
			return
		case outcomeFailed:
			// executePlan already emitted the reason.
			return
		case outcomeReplan, outcomeDone:
			// fall through
		}

		if !k.cfg.Agentic {
			k.complete(ctx)
			return
		}

		if reason := k.futility.Check(k.state.SucceededSteps(), k.usage.Summary().CostUSD); reason != "" {
			k.emit(ctx, journal.TypeFutilityDetected, journal.FutilityDetectedPayload{Reason: reason})
			k.fail(ctx, "Futility detected: "+reason)
			return
		}
		if !k.checkLimits(ctx, limitPhasePlanner) {
			return
		}
	}
}

// planIteration calls the planner (with retries) and runs critics; a
// criticized plan consumes retry budget. Returns the accepted-but-not-yet-
// journaled plan, or false after the kernel emitted a terminal failure.
func (k *Kernel) planIteration(ctx context.Context) (*models.Plan, bool) {
	k.emit(ctx, journal.TypePlannerRequested, journal.PlannerRequestedPayload{Iteration: k.iteration})

	input := planner.Input{
		Task:        k.session.Task,
		ToolSchemas: k.cfg.Registry.List(),
		Iteration:   k.iteration,
	}
	if k.iteration >= 2 {
		input.Snapshot = k.state.Snapshot()
	} else {
		input.Snapshot = planner.StateSnapshot{TaskDomain: k.cfg.TaskDomain}
	}
	if k.cfg.Memory != nil {
		memories, err := k.cfg.Memory.Recall(k.session.Task.Text, 5)
		if err != nil {
			k.log.Warn("Memory recall failed", "error", err)
		} else {
			input.Snapshot.RelevantMemories = memories
		}
	}

	budget := k.cfg.PlannerRetries
	if budget < 0 {
		budget = planner.DefaultMaxRetries
	}

	for attempt := 0; ; attempt++ {
		if k.checkAbort(ctx) {
			return nil, false
		}

		plan, u, err := k.plan.Plan(ctx, input)
		k.recordUsage(ctx, u)
		if err != nil {
			k.emit(ctx, journal.TypePlannerPlanRejected, journal.PlannerPlanRejectedPayload{
				Iteration: k.iteration, Reason: err.Error(),
			})
			k.fail(ctx, fmt.Sprintf("planner failed: %v", err))
			return nil, false
		}

		if plan.PlanID == "" {
			plan.PlanID = uuid.New().String()
		}
		if plan.SchemaVersion == "" {
			plan.SchemaVersion = models.PlanSchemaVersion
		}
		if plan.CreatedAt.IsZero() {
			plan.CreatedAt = time.Now().UTC()
		}

		if k.cfg.DisableCritics || len(plan.Steps) == 0 {
			return plan, true
		}

		findings, blocked := critic.Run(k.critics, plan, critic.Context{
			Tools:          k.toolInfo(),
			MaxSteps:       k.session.Limits.MaxSteps,
			CompletedSteps: k.state.StartedSteps(),
		})
		if !blocked {
			return plan, true
		}

		// The step ceiling is a budget breach, not a planner mistake worth
		// retrying: surface it as limit.exceeded and fail the session.
		for _, f := range findings {
			if f.Name == "step-limit" && !f.Passed {
				k.limitExceeded(ctx, "max_steps",
					float64(k.state.StartedSteps()+len(plan.Steps)),
					float64(k.session.Limits.MaxSteps))
				return nil, false
			}
		}

		payload := journal.PlanCriticizedPayload{PlanID: plan.PlanID}
		reason := "plan rejected by critics"
		for _, f := range findings {
			payload.Findings = append(payload.Findings, journal.CriticFinding{
				Name: f.Name, Passed: f.Passed, Message: f.Message, Severity: string(f.Severity),
			})
			if !f.Passed && f.Message != "" {
				reason = f.Message
			}
		}
		k.emit(ctx, journal.TypePlanCriticized, payload)
		k.emit(ctx, journal.TypePlannerPlanRejected, journal.PlannerPlanRejectedPayload{
			Iteration: k.iteration, Reason: reason,
		})

		if attempt >= budget {
			k.fail(ctx, "planner could not produce a valid plan: "+reason)
			return nil, false
		}
	}
}

// acceptPlan journals plan.replaced (when replanning) then plan.accepted,
// installs the plan and feeds the futility monitor.
func (k *Kernel) acceptPlan(ctx context.Context, plan *models.Plan) {
	if prev := k.state.Plan(); prev != nil {
		k.emit(ctx, journal.TypePlanReplaced, journal.PlanReplacedPayload{
			PreviousPlanID: prev.PlanID,
			NewPlanID:      plan.PlanID,
			Iteration:      k.iteration,
		})
	}
	k.emit(ctx, journal.TypePlanAccepted, journal.PlanAcceptedPayload{Plan: plan, Iteration: k.iteration})
	k.state.SetPlan(plan)
	k.futility.ObservePlan(plan.Fingerprint())
	k.setStatus(models.StatusRunning, func(s *models.Session) { s.ActivePlanID = plan.PlanID })
}

func (k *Kernel) toolInfo() map[string]critic.ToolInfo {
	schemas := k.cfg.Registry.List()
	out := make(map[string]critic.ToolInfo, len(schemas))
	for _, s := range schemas {
		out[s.Name] = critic.ToolInfo{Required: s.Required}
	}
	return out
}

// recordUsage adds a call's usage and journals usage.recorded. Zero-usage
// calls (mock planner, mock tools) are not journaled.
func (k *Kernel) recordUsage(ctx context.Context, u models.Usage) {
	if u == (models.Usage{}) {
		return
	}
	summary := k.usage.Record(u)
	k.emit(ctx, journal.TypeUsageRecorded, journal.UsageRecordedPayload{Call: u, Summary: summary})
}

// complete emits the terminal success event and extracts a lesson.
func (k *Kernel) complete(ctx context.Context) {
	k.terminate(ctx, models.StatusCompleted, journal.TypeSessionCompleted, journal.SessionCompletedPayload{
		Iterations:     k.iteration,
		CompletedSteps: k.state.SucceededSteps(),
	})
	k.extractLesson(ctx, "success")
}

// fail emits the terminal failure event with a human-readable reason.
func (k *Kernel) fail(ctx context.Context, reason string) {
	k.terminate(ctx, models.StatusFailed, journal.TypeSessionFailed, journal.SessionFailedPayload{Reason: reason})
	k.extractLesson(ctx, "failure")
}

// terminate transitions to a terminal status and journals the terminal
// event. Terminal states are absorbing: a second call is a no-op, which is
// what guarantees at most one terminal event per session.
func (k *Kernel) terminate(ctx context.Context, status models.SessionStatus, eventType string, payload any) {
	k.mu.Lock()
	if k.session.Status.IsTerminal() {
		k.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	k.session.Status = status
	k.session.CompletedAt = &now
	k.mu.Unlock()

	// Terminal emits use a background context: the run context may already
	// be cancelled (abort path), and the terminal record must still land.
	if _, err := k.cfg.Journal.Emit(context.WithoutCancel(ctx), k.session.ID, eventType, payload); err != nil {
		k.log.Error("Failed to journal terminal event", "type", eventType, "error", err)
	}
}

// extractLesson appends a one-sentence lesson to active memory and journals
// memory.lesson_extracted. No-op without a memory store.
func (k *Kernel) extractLesson(ctx context.Context, outcome string) {
	if k.cfg.Memory == nil {
		return
	}
	summary := k.session.Task.Text
	if len(summary) > 120 {
		summary = summary[:120]
	}
	lesson := fmt.Sprintf("Task %q ended in %s after %d iterations with %d completed steps.",
		summary, outcome, k.iteration, k.state.SucceededSteps())
	if _, err := k.cfg.Memory.Append(summary, outcome, lesson); err != nil {
		k.log.Warn("Failed to append lesson to memory", "error", err)
		return
	}
	k.emit(ctx, journal.TypeMemoryLessonExtracted, journal.MemoryLessonPayload{
		TaskSummary: summary, Outcome: outcome, Lesson: lesson,
	})
}

// checkAbort terminates the session if the abort flag is set. Returns true
// when the caller must stop.
func (k *Kernel) checkAbort(ctx context.Context) bool {
	if !k.aborted.Load() {
		return false
	}
	k.terminate(ctx, models.StatusAborted, journal.TypeSessionAborted,
		journal.SessionAbortedPayload{Reason: "aborted by client"})
	return true
}

// setStatus applies a non-terminal status change under the lock. mutate may
// be nil.
func (k *Kernel) setStatus(status models.SessionStatus, mutate func(*models.Session)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.session.Status.IsTerminal() {
		return
	}
	k.session.Status = status
	if mutate != nil {
		mutate(k.session)
	}
}

// emit journals an event, logging (not failing) on error. The journal owns
// ordering; the kernel serializes emits by calling from one goroutine per
// session (step goroutines funnel through channel-free helpers that are
// themselves serialized by the wave barrier).
func (k *Kernel) emit(ctx context.Context, eventType string, payload any) {
	if _, err := k.cfg.Journal.Emit(ctx, k.session.ID, eventType, payload); err != nil {
		k.log.Error("Failed to journal event", "type", eventType, "error", err)
	}
}
