package models

import (
	"strings"
	"time"
)

// Input size ceilings enforced at admission.
const (
	// MaxTaskTextLen is the maximum length of the task text after trimming.
	MaxTaskTextLen = 10_000

	// MaxSubmittedByLen is the maximum length of the submitted_by attribution.
	MaxSubmittedByLen = 200
)

// Task is the immutable natural-language work item a session executes.
type Task struct {
	ID          string         `json:"task_id"`
	Text        string         `json:"text"`
	Constraints map[string]any `json:"constraints,omitempty"`
	SubmittedBy string         `json:"submitted_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ValidateTaskText trims and validates the task text. Returns the trimmed
// text and an empty reason on success, or a human-readable rejection reason.
func ValidateTaskText(text string) (string, string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", "text is required and must be non-empty"
	}
	if len(trimmed) > MaxTaskTextLen {
		return "", "text exceeds maximum length of 10,000 characters"
	}
	return trimmed, ""
}
