// Package journal is the append-only event store that holds every state
// transition a session goes through. It is the sole durable store in the
// system: the kernel writes, and the control plane reads via a single
// subscription that it re-publishes to SSE and WebSocket clients.
//
// Events carry a per-journal monotonically increasing sequence number
// assigned at emit time, which clients use for resumable streaming.
package journal

import (
	"encoding/json"
	"time"
)

// SystemSession is the pseudo-session id under which server-level events
// (auth failures, rate limiting, key rotation) are journaled.
const SystemSession = "_system"

// Event is one journal record. Payload is kept as raw JSON so unknown event
// types survive replay untouched; typed payloads decode it on demand.
type Event struct {
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload unmarshals the event payload into v.
func (e *Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Event types emitted by the kernel.
const (
	TypeSessionCreated    = "session.created"
	TypeSessionStarted    = "session.started"
	TypeSessionCheckpoint = "session.checkpoint"
	TypeSessionCompleted  = "session.completed"
	TypeSessionFailed     = "session.failed"
	TypeSessionAborted    = "session.aborted"

	TypePlannerRequested    = "planner.requested"
	TypePlannerPlanRejected = "planner.plan_rejected"
	TypePlanCriticized      = "plan.criticized"
	TypePlanAccepted        = "plan.accepted"
	TypePlanReplaced        = "plan.replaced"

	TypeStepStarted   = "step.started"
	TypeStepSucceeded = "step.succeeded"
	TypeStepFailed    = "step.failed"
	TypeStepSkipped   = "step.skipped"

	TypeToolStarted   = "tool.started"
	TypeToolSucceeded = "tool.succeeded"
	TypeToolFailed    = "tool.failed"

	TypeUsageRecorded    = "usage.recorded"
	TypeLimitExceeded    = "limit.exceeded"
	TypeFutilityDetected = "futility.detected"

	TypeMemoryLessonExtracted = "memory.lesson_extracted"

	TypePermissionObserved = "permission.observed_execution"
	TypePolicyViolated     = "policy.violated"
)

// Event types emitted by the control plane under the _system pseudo-session.
const (
	TypeAuthFailed      = "auth.failed"
	TypeAuthRateLimited = "auth.rate_limited"
	TypeAuthKeyRotated  = "auth.key_rotated"
)

// IsTerminal reports whether the event type ends a session.
func IsTerminal(eventType string) bool {
	switch eventType {
	case TypeSessionCompleted, TypeSessionFailed, TypeSessionAborted:
		return true
	}
	return false
}
