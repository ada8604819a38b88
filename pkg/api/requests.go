package api

import "github.com/karnevil9/karnevil9/pkg/models"

// CreateSessionRequest is the HTTP request body for POST /api/sessions.
// Limits are optional and clamped to the server maxima; any client-supplied
// policy is ignored (the server's policy always wins).
type CreateSessionRequest struct {
	Text        string               `json:"text"`
	Mode        models.ExecutionMode `json:"mode,omitempty"`
	SubmittedBy string               `json:"submitted_by,omitempty"`
	Limits      *models.Limits       `json:"limits,omitempty"`
	Policy      map[string]any       `json:"policy,omitempty"`
}

// ResolveApprovalRequest is the HTTP request body for POST /api/approvals/:id.
type ResolveApprovalRequest struct {
	Decision    models.Decision `json:"decision"`
	Constraints map[string]any  `json:"constraints,omitempty"`
	Alternative string          `json:"alternative,omitempty"`
}

// CompactJournalRequest is the HTTP request body for POST /api/journal/compact.
type CompactJournalRequest struct {
	RetainSessions []string `json:"retain_sessions,omitempty"`
}
