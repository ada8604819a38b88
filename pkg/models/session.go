// Package models defines the core domain types shared across the kernel and
// the control-plane server: sessions, tasks, plans, steps, limits, policies,
// usage summaries and approval decisions.
package models

import "time"

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

// Session lifecycle states. Terminal states are absorbing: once a session is
// completed, failed or aborted it never transitions again.
const (
	StatusCreated          SessionStatus = "created"
	StatusPlanning         SessionStatus = "planning"
	StatusRunning          SessionStatus = "running"
	StatusAwaitingApproval SessionStatus = "awaiting_approval"
	StatusCompleted        SessionStatus = "completed"
	StatusFailed           SessionStatus = "failed"
	StatusAborted          SessionStatus = "aborted"
)

// IsTerminal reports whether the status is absorbing.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// ExecutionMode controls how tool calls are carried out.
type ExecutionMode string

// Execution modes.
const (
	ModeMock   ExecutionMode = "mock"
	ModeDryRun ExecutionMode = "dry_run"
	ModeLive   ExecutionMode = "live"
)

// ValidMode reports whether m is a known execution mode.
func ValidMode(m ExecutionMode) bool {
	switch m {
	case ModeMock, ModeDryRun, ModeLive:
		return true
	}
	return false
}

// Session is the top-level unit of work. It is owned by the kernel instance
// that created it; the control plane surfaces it read-only.
type Session struct {
	ID           string        `json:"session_id"`
	Status       SessionStatus `json:"status"`
	Mode         ExecutionMode `json:"mode"`
	Task         *Task         `json:"task"`
	ActivePlanID string        `json:"active_plan_id,omitempty"`
	Limits       Limits        `json:"limits"`
	Policy       Policy        `json:"policy"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// Clone returns a shallow copy safe to hand to API callers.
func (s *Session) Clone() *Session {
	cp := *s
	return &cp
}
