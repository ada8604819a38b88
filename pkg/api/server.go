// Package api is the control-plane front door: an Echo HTTP router with
// bearer auth, per-IP rate limiting, SSE streaming, a WebSocket gateway and
// the lifecycle supervisor that runs kernels on behalf of clients.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/karnevil9/karnevil9/pkg/approval"
	"github.com/karnevil9/karnevil9/pkg/breaker"
	"github.com/karnevil9/karnevil9/pkg/config"
	"github.com/karnevil9/karnevil9/pkg/events"
	"github.com/karnevil9/karnevil9/pkg/journal"
	"github.com/karnevil9/karnevil9/pkg/kernel"
	"github.com/karnevil9/karnevil9/pkg/memory"
	"github.com/karnevil9/karnevil9/pkg/models"
	"github.com/karnevil9/karnevil9/pkg/planner"
	"github.com/karnevil9/karnevil9/pkg/ratelimit"
	"github.com/karnevil9/karnevil9/pkg/tools"
)

// fanoutBuffer is the journal subscription depth for the server's single
// fan-out consumer.
const fanoutBuffer = 256

// Deps are the collaborators the server is built from. Planner is a factory
// because kernels own their planner instance (retry state, mock cursors).
type Deps struct {
	Journal  journal.Journal
	Registry *tools.Registry
	Runtime  tools.Runtime
	Planner  func() planner.Planner
	Memory   *memory.Store
	Masker   kernel.OutputMasker
}

// Server is the control-plane HTTP/WS server.
type Server struct {
	cfg  config.Config
	deps Deps

	journal    journal.Journal
	verifier   *TokenVerifier
	limiter    *ratelimit.Limiter
	fanout     *events.Manager
	approvals  *approval.Registry
	gate       *approval.Gate
	supervisor *Supervisor

	echo    *echo.Echo
	httpSrv *http.Server

	fanoutCancel context.CancelFunc
	unsubscribe  func()
	startedAt    time.Time
}

// NewServer wires the router, middleware and supervisor. The journal
// subscription starts immediately so no event emitted after construction is
// missed by the fan-out.
func NewServer(cfg config.Config, deps Deps) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		journal:   deps.Journal,
		verifier:  NewTokenVerifier(cfg.APIToken, cfg.KeyRotationGrace),
		limiter:   ratelimit.NewLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		fanout:    events.NewManager(),
		startedAt: time.Now(),
	}
	s.approvals = approval.NewRegistry(cfg.ApprovalTimeout, s)
	s.gate = approval.NewGate(s.approvals)
	s.supervisor = NewSupervisor(deps.Journal, s.fanout, cfg.MaxConcurrentSessions,
		cfg.SessionTimeoutBuffer, cfg.KernelEvictionGrace)

	// Default runtime: local execution gated by this server's approvals.
	if s.deps.Runtime == nil && deps.Registry != nil {
		s.deps.Runtime = tools.NewLocalRuntime(deps.Registry, breaker.NewRegistry(), s.gate)
	}

	ch, cancel := deps.Journal.Subscribe(fanoutBuffer)
	s.unsubscribe = cancel
	fanoutCtx, fanoutCancel := context.WithCancel(context.Background())
	s.fanoutCancel = fanoutCancel
	go s.fanout.Run(fanoutCtx, ch)

	s.limiter.StartJanitor(cfg.RateLimitPrune)

	e := echo.New()
	e.Use(securityHeaders())
	e.Use(s.rateLimit())
	e.Use(s.requireAuth())

	api := e.Group("/api")
	api.GET("/health", s.healthHandler)
	api.GET("/tools", s.listToolsHandler)
	api.GET("/sessions", s.listSessionsHandler)
	api.POST("/sessions", s.createSessionHandler)
	api.GET("/sessions/:id", s.getSessionHandler)
	api.POST("/sessions/:id/abort", s.abortSessionHandler)
	api.GET("/sessions/:id/journal", s.sessionJournalHandler)
	api.GET("/sessions/:id/stream", s.streamSessionHandler)
	api.POST("/sessions/:id/replay", s.replaySessionHandler)
	api.POST("/sessions/:id/recover", s.recoverSessionHandler)
	api.GET("/approvals", s.listApprovalsHandler)
	api.POST("/approvals/:id", s.resolveApprovalHandler)
	api.POST("/auth/rotate-key", s.rotateKeyHandler)
	api.POST("/journal/compact", s.compactJournalHandler)
	api.GET("/ws", s.wsHandler)
	s.echo = e

	return s, nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start binds the listen address and serves until Shutdown. Blocks.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.echo,
		ReadHeaderTimeout: 30 * time.Second,
	}
	slog.Info("Control plane listening",
		"addr", s.cfg.ListenAddr, "insecure", s.cfg.Insecure())
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in a fixed order: deny pending approvals, abort kernels,
// close streams, stop the rate-limiter janitor, detach from the journal,
// then close HTTP. The journal itself is closed by the caller that opened it.
func (s *Server) Shutdown(ctx context.Context) error {
	s.approvals.DenyAll()

	s.supervisor.AbortAll()
	s.supervisor.Close()

	s.fanout.CloseAllSSE()
	s.fanoutCancel()
	s.unsubscribe()

	s.limiter.Stop()
	s.verifier.Stop()

	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// BroadcastApprovalNeeded implements approval.Broadcaster.
func (s *Server) BroadcastApprovalNeeded(req models.ApprovalRequest) {
	s.fanout.BroadcastAll(map[string]any{
		"type":       "approve.needed",
		"request_id": req.RequestID,
		"session_id": req.SessionID,
		"request":    req,
	})
}

// BroadcastApprovalResolved implements approval.Broadcaster.
func (s *Server) BroadcastApprovalResolved(requestID string, decision models.Decision) {
	s.fanout.BroadcastAll(map[string]any{
		"type":       "approve.resolved",
		"request_id": requestID,
		"decision":   decision,
	})
}

// kernelConfig assembles the per-kernel configuration from the server's
// collaborators. Each call gets a fresh planner instance.
func (s *Server) kernelConfig() kernel.Config {
	return kernel.Config{
		Journal:        s.journal,
		Planner:        s.deps.Planner(),
		Runtime:        s.deps.Runtime,
		Registry:       s.deps.Registry,
		Memory:         s.deps.Memory,
		Agentic:        s.cfg.Agentic,
		Pricing:        s.cfg.Pricing,
		PlannerRetries: s.cfg.PlannerRetries,
		PlannerTimeout: s.cfg.PlannerTimeout,
		Masker:         s.deps.Masker,
	}
}

// startSession validates input, creates the session and hands the kernel to
// the supervisor. Shared by the REST and WS submit paths.
func (s *Server) startSession(ctx context.Context, req CreateSessionRequest) (*models.Session, error) {
	text, reason := models.ValidateTaskText(req.Text)
	if reason != "" {
		return nil, &validationError{reason}
	}
	mode := req.Mode
	if mode == "" {
		mode = models.ModeMock
	}
	if !models.ValidMode(mode) {
		return nil, &validationError{"mode must be one of mock, dry_run, live"}
	}
	submittedBy := req.SubmittedBy
	if len(submittedBy) > models.MaxSubmittedByLen {
		return nil, &validationError{"submitted_by exceeds maximum length of 200 characters"}
	}

	limits := s.cfg.DefaultLimits
	if req.Limits != nil {
		limits = req.Limits.ClampTo(s.cfg.MaxLimits)
		if limits.MaxSteps <= 0 {
			limits.MaxSteps = s.cfg.DefaultLimits.MaxSteps
		}
		if limits.MaxDurationMs <= 0 {
			limits.MaxDurationMs = s.cfg.DefaultLimits.MaxDurationMs
		}
		if limits.MaxCostUSD <= 0 {
			limits.MaxCostUSD = s.cfg.DefaultLimits.MaxCostUSD
		}
		if limits.MaxTokens <= 0 {
			limits.MaxTokens = s.cfg.DefaultLimits.MaxTokens
		}
		if limits.MaxIterations <= 0 {
			limits.MaxIterations = s.cfg.DefaultLimits.MaxIterations
		}
	}

	// Claim the admission slot before the session exists, so a full server
	// rejects the request without journaling session.created first.
	if err := s.supervisor.Reserve(); err != nil {
		return nil, err
	}

	k := kernel.New(s.kernelConfig())
	task := models.Task{Text: text, SubmittedBy: submittedBy}
	// Client policy is ignored; the server's policy always applies.
	sess, err := k.CreateSession(ctx, task, mode, limits, s.cfg.DefaultPolicy)
	if err != nil {
		s.supervisor.Release()
		return nil, err
	}
	if err := s.supervisor.Admit(k); err != nil {
		s.supervisor.Release()
		return nil, err
	}
	s.supervisor.Start(context.Background(), k)
	return sess, nil
}

// validationError marks client input problems (HTTP 400).
type validationError struct {
	reason string
}

func (e *validationError) Error() string { return e.reason }
