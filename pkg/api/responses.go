package api

import (
	"github.com/karnevil9/karnevil9/pkg/journal"
	"github.com/karnevil9/karnevil9/pkg/models"
)

// ErrorResponse is the body of every REST error.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SessionResponse is returned by the session endpoints.
type SessionResponse struct {
	*models.Session
	Usage models.UsageSummary `json:"usage"`
}

// JournalPageResponse is returned by GET /api/sessions/:id/journal.
type JournalPageResponse struct {
	Events []journal.Event `json:"events"`
	Total  int             `json:"total"`
	Offset int64           `json:"offset"`
	Limit  int             `json:"limit"`
}

// ReplayResponse is returned by POST /api/sessions/:id/replay.
type ReplayResponse struct {
	Events    []journal.Event `json:"events"`
	Truncated bool            `json:"truncated"`
}

// RotateKeyResponse is returned by POST /api/auth/rotate-key. The old key
// stays valid for the grace window.
type RotateKeyResponse struct {
	NewKey    string `json:"new_key"`
	RotatedAt string `json:"rotated_at"`
}

// CompactResponse is returned by POST /api/journal/compact.
type CompactResponse struct {
	Removed int `json:"removed"`
}

// HealthCheck is one named check inside the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp string                 `json:"timestamp"`
	Checks    map[string]HealthCheck `json:"checks"`
}
