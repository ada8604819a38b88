package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/karnevil9/karnevil9/pkg/kernel"
	"github.com/karnevil9/karnevil9/pkg/models"
)

// createSessionHandler handles POST /api/sessions.
func (s *Server) createSessionHandler(c *echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return apiError(c, http.StatusBadRequest, "invalid request body")
	}

	sess, err := s.startSession(c.Request().Context(), req)
	if err != nil {
		var validErr *validationError
		if errors.As(err, &validErr) {
			return apiError(c, http.StatusBadRequest, validErr.Error())
		}
		return mapKernelError(c, err)
	}

	return c.JSON(http.StatusOK, sess)
}

// listSessionsHandler handles GET /api/sessions.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.supervisor.Sessions())
}

// getSessionHandler handles GET /api/sessions/:id.
func (s *Server) getSessionHandler(c *echo.Context) error {
	sessionID, ok := sessionParam(c)
	if !ok {
		return apiError(c, http.StatusBadRequest, "session id must be a UUID")
	}

	k, ok := s.supervisor.Kernel(sessionID)
	if !ok {
		return apiError(c, http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, &SessionResponse{
		Session: k.Session(),
		Usage:   k.UsageSummary(),
	})
}

// abortSessionHandler handles POST /api/sessions/:id/abort. Abort is
// idempotent; aborting a terminal session is a 200 no-op.
func (s *Server) abortSessionHandler(c *echo.Context) error {
	sessionID, ok := sessionParam(c)
	if !ok {
		return apiError(c, http.StatusBadRequest, "session id must be a UUID")
	}

	k, ok := s.supervisor.Kernel(sessionID)
	if !ok {
		return apiError(c, http.StatusNotFound, "session not found")
	}
	k.Abort()
	return c.JSON(http.StatusOK, map[string]string{
		"session_id": sessionID,
		"status":     "abort requested",
	})
}

// sessionJournalHandler handles GET /api/sessions/:id/journal?offset=&limit=.
func (s *Server) sessionJournalHandler(c *echo.Context) error {
	sessionID, ok := sessionParam(c)
	if !ok {
		return apiError(c, http.StatusBadRequest, "session id must be a UUID")
	}

	var offset int64
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return apiError(c, http.StatusBadRequest, "offset must be a non-negative integer")
		}
		offset = n
	}
	limit := s.cfg.MaxJournalPage
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return apiError(c, http.StatusBadRequest, "limit must be a positive integer")
		}
		if n < limit {
			limit = n
		}
	}

	evs, total, err := s.journal.ReadSession(c.Request().Context(), sessionID, offset, limit)
	if err != nil {
		return mapKernelError(c, err)
	}
	return c.JSON(http.StatusOK, &JournalPageResponse{
		Events: evs,
		Total:  total,
		Offset: offset,
		Limit:  limit,
	})
}

// replaySessionHandler handles POST /api/sessions/:id/replay. Returns the
// session's events up to the replay cap; truncated=true when more exist.
func (s *Server) replaySessionHandler(c *echo.Context) error {
	sessionID, ok := sessionParam(c)
	if !ok {
		return apiError(c, http.StatusBadRequest, "session id must be a UUID")
	}

	evs, total, err := s.journal.ReadSession(c.Request().Context(), sessionID, 0, s.cfg.MaxReplay)
	if err != nil {
		return mapKernelError(c, err)
	}
	return c.JSON(http.StatusOK, &ReplayResponse{
		Events:    evs,
		Truncated: total > len(evs),
	})
}

// recoverSessionHandler handles POST /api/sessions/:id/recover. Rebuilds the
// kernel from the journal and resumes it. 409 while the session is active,
// 429 at the concurrency cap, 404 when the journal trail is not resumable.
func (s *Server) recoverSessionHandler(c *echo.Context) error {
	sessionID, ok := sessionParam(c)
	if !ok {
		return apiError(c, http.StatusBadRequest, "session id must be a UUID")
	}

	if s.supervisor.IsActive(sessionID) {
		return apiError(c, http.StatusConflict, "session is already active")
	}
	if s.supervisor.AtCapacity() {
		return apiError(c, http.StatusTooManyRequests, "too many concurrent sessions")
	}

	k, err := kernel.ResumeSession(c.Request().Context(), s.kernelConfig(), sessionID)
	if err != nil {
		return mapKernelError(c, err)
	}
	if k == nil {
		return apiError(c, http.StatusNotFound, "session is not recoverable")
	}

	if err := s.supervisor.Admit(k); err != nil {
		return mapKernelError(c, err)
	}
	// The resumed run outlives this request.
	s.supervisor.Start(context.Background(), k)
	return c.JSON(http.StatusOK, k.Session())
}

// listToolsHandler handles GET /api/tools.
func (s *Server) listToolsHandler(c *echo.Context) error {
	if s.deps.Registry == nil {
		return c.JSON(http.StatusOK, []models.ToolSchema{})
	}
	return c.JSON(http.StatusOK, s.deps.Registry.List())
}

// sessionParam validates the :id path parameter as a UUID.
func sessionParam(c *echo.Context) (string, bool) {
	sessionID := c.Param("id")
	if _, err := uuid.Parse(sessionID); err != nil {
		return "", false
	}
	return sessionID, true
}
