package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/karnevil9/karnevil9/pkg/journal"
)

// rotateKeyHandler handles POST /api/auth/rotate-key. The old key remains
// valid for the grace window; rotation is forbidden in insecure mode.
func (s *Server) rotateKeyHandler(c *echo.Context) error {
	if !s.verifier.Enabled() {
		return apiError(c, http.StatusForbidden, "key rotation is not available in insecure mode")
	}

	newKey, rotatedAt := s.verifier.Rotate()
	_, _ = s.journal.Emit(context.WithoutCancel(c.Request().Context()),
		journal.SystemSession, journal.TypeAuthKeyRotated, journal.AuthKeyRotatedPayload{
			RotatedAt: rotatedAt.Format(time.RFC3339),
		})

	return c.JSON(http.StatusOK, &RotateKeyResponse{
		NewKey:    newKey,
		RotatedAt: rotatedAt.Format(time.RFC3339),
	})
}

// compactJournalHandler handles POST /api/journal/compact. Terminal sessions
// not listed in retain_sessions are dropped from the journal.
func (s *Server) compactJournalHandler(c *echo.Context) error {
	var req CompactJournalRequest
	if err := c.Bind(&req); err != nil {
		return apiError(c, http.StatusBadRequest, "invalid request body")
	}

	removed, err := s.journal.Compact(c.Request().Context(), req.RetainSessions)
	if err != nil {
		return mapKernelError(c, err)
	}
	return c.JSON(http.StatusOK, &CompactResponse{Removed: removed})
}
