package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karnevil9/karnevil9/pkg/approval"
	"github.com/karnevil9/karnevil9/pkg/config"
	"github.com/karnevil9/karnevil9/pkg/journal"
	"github.com/karnevil9/karnevil9/pkg/kernel"
	"github.com/karnevil9/karnevil9/pkg/models"
	"github.com/karnevil9/karnevil9/pkg/planner"
	"github.com/karnevil9/karnevil9/pkg/tools"
)

const testToken = "test-api-token"

// blockingPlanner parks every Plan call until release closes, so sessions
// stay active for as long as a test needs them.
type blockingPlanner struct {
	release chan struct{}
}

func (p *blockingPlanner) Plan(ctx context.Context, _ planner.Input) (*models.Plan, models.Usage, error) {
	select {
	case <-p.release:
		return planner.EmptyPlan(), models.Usage{}, nil
	case <-ctx.Done():
		return nil, models.Usage{}, ctx.Err()
	}
}

func testDeps(jnl journal.Journal) Deps {
	reg := tools.NewRegistry()
	if err := reg.Register(tools.Echo()); err != nil {
		panic(err)
	}
	return Deps{
		Journal:  jnl,
		Registry: reg,
		Planner:  func() planner.Planner { return planner.NewMock() },
	}
}

func newTestServer(t *testing.T, mutate func(cfg *config.Config, deps *Deps)) (*Server, journal.Journal) {
	t.Helper()
	cfg := config.Default()
	cfg.APIToken = testToken
	cfg.RateLimitMax = 1000
	jnl := journal.NewMemoryJournal()
	deps := testDeps(jnl)
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	s, err := NewServer(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, s.Shutdown(ctx))
	})
	return s, jnl
}

func doRequestAs(s *Server, token, method, target string, body any) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rdr = strings.NewReader(b)
		default:
			data, err := json.Marshal(body)
			if err != nil {
				panic(err)
			}
			rdr = bytes.NewReader(data)
		}
	}
	req := httptest.NewRequest(method, target, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func doRequest(s *Server, method, target string, body any) *httptest.ResponseRecorder {
	return doRequestAs(s, testToken, method, target, body)
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func waitForEvent(t *testing.T, jnl journal.Journal, sessionID, eventType string) {
	t.Helper()
	require.Eventually(t, func() bool {
		evs, _, err := jnl.ReadSession(context.Background(), sessionID, 0, 0)
		if err != nil {
			return false
		}
		for _, ev := range evs {
			if ev.Type == eventType {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "waiting for %s on %s", eventType, sessionID)
}

func createSession(t *testing.T, s *Server, body any) *models.Session {
	t.Helper()
	rec := doRequest(s, http.MethodPost, "/api/sessions", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sess := decodeBody[*models.Session](t, rec)
	require.NotNil(t, sess)
	return sess
}

func TestSecurityHeadersOnEveryResponse(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(s, http.MethodGet, "/api/health", nil)

	h := rec.Header()
	assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", h.Get("X-Frame-Options"))
	assert.Equal(t, "no-store", h.Get("Cache-Control"))
	assert.Equal(t, "default-src 'none'; frame-ancestors 'none'", h.Get("Content-Security-Policy"))
}

func TestAuthRejectsMissingToken(t *testing.T) {
	s, jnl := newTestServer(t, nil)

	rec := doRequestAs(s, "", http.MethodGet, "/api/tools", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "Unauthorized", body.Error)
	waitForEvent(t, jnl, journal.SystemSession, journal.TypeAuthFailed)
}

func TestAuthRejectsInvalidToken(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequestAs(s, "not-the-token", http.MethodGet, "/api/tools", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthExemptsHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequestAs(s, "", http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitHeadersAndRejection(t *testing.T) {
	s, jnl := newTestServer(t, func(cfg *config.Config, _ *Deps) {
		cfg.RateLimitMax = 2
	})

	rec := doRequest(s, http.MethodGet, "/api/tools", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))

	rec = doRequest(s, http.MethodGet, "/api/tools", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = doRequest(s, http.MethodGet, "/api/tools", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	body := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "rate limit exceeded", body.Error)
	waitForEvent(t, jnl, journal.SystemSession, journal.TypeAuthRateLimited)

	// Health stays reachable after the limit is spent.
	rec = doRequest(s, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateSessionDefaultsToMockMode(t *testing.T) {
	s, jnl := newTestServer(t, nil)

	sess := createSession(t, s, CreateSessionRequest{Text: "say hello"})

	_, err := uuid.Parse(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ModeMock, sess.Mode)
	assert.Equal(t, s.cfg.DefaultLimits, sess.Limits)

	waitForEvent(t, jnl, sess.ID, journal.TypeSessionCompleted)
}

func TestCreateSessionClampsLimits(t *testing.T) {
	s, _ := newTestServer(t, nil)

	sess := createSession(t, s, CreateSessionRequest{
		Text:   "clamp me",
		Limits: &models.Limits{MaxSteps: 100000},
	})

	assert.Equal(t, s.cfg.MaxLimits.MaxSteps, sess.Limits.MaxSteps)
	// Unspecified limits fall back to the defaults, not zero.
	assert.Equal(t, s.cfg.DefaultLimits.MaxTokens, sess.Limits.MaxTokens)
	assert.Equal(t, s.cfg.DefaultLimits.MaxIterations, sess.Limits.MaxIterations)
}

func TestCreateSessionRejectsInvalidBody(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(s, http.MethodPost, "/api/sessions", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSessionRejectsEmptyText(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(s, http.MethodPost, "/api/sessions", CreateSessionRequest{Text: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[ErrorResponse](t, rec)
	assert.Contains(t, body.Error, "text is required")
}

func TestCreateSessionRejectsUnknownMode(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(s, http.MethodPost, "/api/sessions", CreateSessionRequest{
		Text: "do a thing",
		Mode: models.ExecutionMode("turbo"),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSessionAtCapacity(t *testing.T) {
	release := make(chan struct{})
	s, jnl := newTestServer(t, func(cfg *config.Config, deps *Deps) {
		cfg.MaxConcurrentSessions = 1
		deps.Planner = func() planner.Planner { return &blockingPlanner{release: release} }
	})
	defer close(release)

	createSession(t, s, CreateSessionRequest{Text: "long running"})

	rec := doRequest(s, http.MethodPost, "/api/sessions", CreateSessionRequest{Text: "one too many"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// The rejected request never reached session creation, so the journal
	// holds no trail for a session that will never run.
	ch, err := jnl.ReadAllStream(context.Background())
	require.NoError(t, err)
	created := 0
	for ev := range ch {
		if ev.Type == journal.TypeSessionCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestGetSessionReturnsUsage(t *testing.T) {
	s, jnl := newTestServer(t, nil)
	sess := createSession(t, s, CreateSessionRequest{Text: "inspect me"})
	waitForEvent(t, jnl, sess.ID, journal.TypeSessionCompleted)

	rec := doRequest(s, http.MethodGet, "/api/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeBody[SessionResponse](t, rec)
	assert.Equal(t, sess.ID, got.Session.ID)
	assert.Equal(t, models.StatusCompleted, got.Session.Status)
	assert.Zero(t, got.Usage.TotalTokens)
}

func TestGetSessionUnknownID(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(s, http.MethodGet, "/api/sessions/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSessionRejectsNonUUID(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(s, http.MethodGet, "/api/sessions/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAbortSessionIsIdempotent(t *testing.T) {
	s, jnl := newTestServer(t, nil)
	sess := createSession(t, s, CreateSessionRequest{Text: "abort me"})
	waitForEvent(t, jnl, sess.ID, journal.TypeSessionCompleted)

	for range 2 {
		rec := doRequest(s, http.MethodPost, "/api/sessions/"+sess.ID+"/abort", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestListSessionsIncludesCreated(t *testing.T) {
	s, _ := newTestServer(t, nil)
	sess := createSession(t, s, CreateSessionRequest{Text: "list me"})

	rec := doRequest(s, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	sessions := decodeBody[[]*models.Session](t, rec)
	require.Len(t, sessions, 1)
	assert.Equal(t, sess.ID, sessions[0].ID)
}

func TestListTools(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(s, http.MethodGet, "/api/tools", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	schemas := decodeBody[[]models.ToolSchema](t, rec)
	require.Len(t, schemas, 1)
	assert.Equal(t, "echo", schemas[0].Name)
}

func seedJournalEvents(t *testing.T, jnl journal.Journal, sessionID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := jnl.Emit(context.Background(), sessionID,
			journal.TypeSessionCheckpoint, map[string]any{"n": i})
		require.NoError(t, err)
	}
}

func TestJournalPaging(t *testing.T) {
	s, jnl := newTestServer(t, nil)
	sessionID := uuid.New().String()
	seedJournalEvents(t, jnl, sessionID, 6)

	rec := doRequest(s, http.MethodGet, "/api/sessions/"+sessionID+"/journal?offset=3&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	page := decodeBody[JournalPageResponse](t, rec)
	require.Len(t, page.Events, 2)
	assert.Equal(t, int64(3), page.Events[0].Seq)
	assert.Equal(t, int64(4), page.Events[1].Seq)
	assert.Equal(t, 6, page.Total)
	assert.Equal(t, int64(3), page.Offset)
	assert.Equal(t, 2, page.Limit)
}

func TestJournalLimitCappedToServerMax(t *testing.T) {
	s, jnl := newTestServer(t, nil)
	sessionID := uuid.New().String()
	seedJournalEvents(t, jnl, sessionID, 3)

	rec := doRequest(s, http.MethodGet, "/api/sessions/"+sessionID+"/journal?limit=999999", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	page := decodeBody[JournalPageResponse](t, rec)
	assert.Equal(t, s.cfg.MaxJournalPage, page.Limit)
	assert.Len(t, page.Events, 3)
}

func TestJournalRejectsBadPagingParams(t *testing.T) {
	s, _ := newTestServer(t, nil)
	sessionID := uuid.New().String()

	rec := doRequest(s, http.MethodGet, "/api/sessions/"+sessionID+"/journal?offset=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/sessions/"+sessionID+"/journal?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/sessions/"+sessionID+"/journal?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplayTruncatesAtCap(t *testing.T) {
	s, jnl := newTestServer(t, func(cfg *config.Config, _ *Deps) {
		cfg.MaxReplay = 3
	})
	sessionID := uuid.New().String()
	seedJournalEvents(t, jnl, sessionID, 5)

	rec := doRequest(s, http.MethodPost, "/api/sessions/"+sessionID+"/replay", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	replay := decodeBody[ReplayResponse](t, rec)
	assert.Len(t, replay.Events, 3)
	assert.True(t, replay.Truncated)
}

// seedResumableSession journals a session that died after its plan was
// accepted but before any step ran.
func seedResumableSession(t *testing.T, jnl journal.Journal) string {
	t.Helper()
	sessionID := uuid.New().String()
	ctx := context.Background()
	emit := func(eventType string, payload any) {
		_, err := jnl.Emit(ctx, sessionID, eventType, payload)
		require.NoError(t, err)
	}

	plan := &models.Plan{
		PlanID:        uuid.New().String(),
		SchemaVersion: models.PlanSchemaVersion,
		Goal:          "echo once",
		Steps: []models.Step{{
			StepID:        "a",
			Title:         "echo once",
			ToolRef:       models.ToolRef{Name: "echo"},
			Input:         map[string]any{"text": "hi"},
			FailurePolicy: models.FailAbort,
		}},
		CreatedAt: time.Now().UTC(),
	}
	emit(journal.TypeSessionCreated, journal.SessionCreatedPayload{
		Task:   &models.Task{ID: "t1", Text: "resumable task", CreatedAt: time.Now().UTC()},
		Mode:   models.ModeMock,
		Limits: models.Limits{MaxSteps: 10},
	})
	emit(journal.TypeSessionStarted, journal.SessionStartedPayload{Agentic: true})
	emit(journal.TypePlanAccepted, journal.PlanAcceptedPayload{Plan: plan, Iteration: 1})
	return sessionID
}

func TestRecoverResumesFromJournal(t *testing.T) {
	s, jnl := newTestServer(t, nil)
	sessionID := seedResumableSession(t, jnl)

	rec := doRequest(s, http.MethodPost, "/api/sessions/"+sessionID+"/recover", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	sess := decodeBody[*models.Session](t, rec)
	assert.Equal(t, sessionID, sess.ID)
	waitForEvent(t, jnl, sessionID, journal.TypeSessionCompleted)
}

func TestRecoverUnknownSession(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(s, http.MethodPost, "/api/sessions/"+uuid.New().String()+"/recover", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecoverActiveSessionConflicts(t *testing.T) {
	release := make(chan struct{})
	s, _ := newTestServer(t, func(_ *config.Config, deps *Deps) {
		deps.Planner = func() planner.Planner { return &blockingPlanner{release: release} }
	})
	defer close(release)

	sess := createSession(t, s, CreateSessionRequest{Text: "still running"})

	rec := doRequest(s, http.MethodPost, "/api/sessions/"+sess.ID+"/recover", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListApprovalsEmpty(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(s, http.MethodGet, "/api/approvals", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	pending := decodeBody[[]models.ApprovalRequest](t, rec)
	assert.Empty(t, pending)
}

func TestResolveApprovalRejectsBadDecision(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(s, http.MethodPost, "/api/approvals/req-1",
		ResolveApprovalRequest{Decision: models.Decision("maybe")})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveApprovalUnknownID(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(s, http.MethodPost, "/api/approvals/req-1",
		ResolveApprovalRequest{Decision: models.DecisionAllowOnce})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRotateKeyKeepsOldKeyInGrace(t *testing.T) {
	s, jnl := newTestServer(t, nil)

	rec := doRequest(s, http.MethodPost, "/api/auth/rotate-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rotated := decodeBody[RotateKeyResponse](t, rec)
	require.NotEmpty(t, rotated.NewKey)

	// Both keys work during the grace window; garbage still fails.
	assert.Equal(t, http.StatusOK, doRequestAs(s, rotated.NewKey, http.MethodGet, "/api/tools", nil).Code)
	assert.Equal(t, http.StatusOK, doRequestAs(s, testToken, http.MethodGet, "/api/tools", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, doRequestAs(s, "garbage", http.MethodGet, "/api/tools", nil).Code)

	waitForEvent(t, jnl, journal.SystemSession, journal.TypeAuthKeyRotated)
}

func TestRotateKeyForbiddenInInsecureMode(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config, _ *Deps) {
		cfg.APIToken = ""
		cfg.AllowInsecure = true
	})

	rec := doRequestAs(s, "", http.MethodPost, "/api/auth/rotate-key", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCompactJournalRemovesTerminalSessions(t *testing.T) {
	s, jnl := newTestServer(t, nil)
	sessionID := uuid.New().String()
	seedJournalEvents(t, jnl, sessionID, 1)
	_, err := jnl.Emit(context.Background(), sessionID, journal.TypeSessionCompleted,
		journal.SessionCompletedPayload{Iterations: 1})
	require.NoError(t, err)

	rec := doRequest(s, http.MethodPost, "/api/journal/compact", CompactJournalRequest{})
	require.Equal(t, http.StatusOK, rec.Code)

	compacted := decodeBody[CompactResponse](t, rec)
	assert.Equal(t, 2, compacted.Removed)
}

func TestHealthReportsHealthy(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequestAs(s, "", http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	health := decodeBody[HealthResponse](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Checks["journal"].Status)
	assert.Equal(t, "healthy", health.Checks["planner"].Status)
	assert.Equal(t, "disabled", health.Checks["plugins"].Status)
}

func TestHealthDegradedWithoutPlanner(t *testing.T) {
	s, _ := newTestServer(t, func(_ *config.Config, deps *Deps) {
		deps.Planner = nil
	})

	rec := doRequestAs(s, "", http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	health := decodeBody[HealthResponse](t, rec)
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "degraded", health.Checks["planner"].Status)
}

func TestMapKernelErrorStatuses(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{kernel.ErrNoSession, http.StatusNotFound},
		{kernel.ErrAlreadyRunning, http.StatusConflict},
		{kernel.ErrInvalidTransition, http.StatusConflict},
		{approval.ErrNotFound, http.StatusNotFound},
		{approval.ErrExpired, http.StatusGone},
		{ErrAtCapacity, http.StatusTooManyRequests},
		{ErrAlreadyActive, http.StatusConflict},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	e := echo.New()
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
		require.NoError(t, mapKernelError(c, tc.err))
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())

		body := decodeBody[ErrorResponse](t, rec)
		assert.NotEmpty(t, body.Error)
	}
}
