package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/karnevil9/karnevil9/pkg/approval"
	"github.com/karnevil9/karnevil9/pkg/kernel"
)

// apiError writes the uniform {error: string} body.
func apiError(c *echo.Context, status int, message string) error {
	return c.JSON(status, ErrorResponse{Error: message})
}

// mapKernelError maps kernel and approval errors to HTTP error responses.
func mapKernelError(c *echo.Context, err error) error {
	if errors.Is(err, kernel.ErrNoSession) {
		return apiError(c, http.StatusNotFound, "session not found")
	}
	if errors.Is(err, kernel.ErrAlreadyRunning) {
		return apiError(c, http.StatusConflict, "session is already running")
	}
	if errors.Is(err, kernel.ErrInvalidTransition) {
		return apiError(c, http.StatusConflict, "session is terminal")
	}
	if errors.Is(err, approval.ErrNotFound) {
		return apiError(c, http.StatusNotFound, "approval request not found")
	}
	if errors.Is(err, approval.ErrExpired) {
		return apiError(c, http.StatusGone, "approval request expired")
	}
	if errors.Is(err, ErrAtCapacity) {
		return apiError(c, http.StatusTooManyRequests, "too many concurrent sessions")
	}
	if errors.Is(err, ErrAlreadyActive) {
		return apiError(c, http.StatusConflict, "session is already active")
	}

	// Unexpected error
	slog.Error("Unexpected kernel error", "error", err)
	return apiError(c, http.StatusInternalServerError, "internal server error")
}
