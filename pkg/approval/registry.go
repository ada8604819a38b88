// Package approval implements the rendezvous between a kernel waiting on a
// permission decision and the REST or WebSocket client that supplies it.
// Each pending request holds a resolver callback and an auto-deny timer;
// entries are removed from the map before the resolver runs, which is what
// makes double resolution (a REST/WS race) impossible.
package approval

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/karnevil9/karnevil9/pkg/models"
)

// Registry limits and defaults.
const (
	// MaxPendingApprovals is the hard cap on simultaneously pending
	// requests; registrations beyond it are denied synchronously.
	MaxPendingApprovals = 10_000

	// DefaultTimeout is the auto-deny deadline for unanswered requests.
	DefaultTimeout = 300 * time.Second
)

// Resolver receives the decision for one request. It is invoked exactly
// once: by a client resolution or by the auto-deny timer, never both.
type Resolver func(models.ApprovalResolution)

// Broadcaster pushes approve.needed / approve.resolved notifications to all
// connected WebSocket clients. nil disables broadcasting.
type Broadcaster interface {
	BroadcastApprovalNeeded(req models.ApprovalRequest)
	BroadcastApprovalResolved(requestID string, decision models.Decision)
}

// Entry is one pending approval.
type Entry struct {
	Request   models.ApprovalRequest
	CreatedAt time.Time

	resolve Resolver
	timer   *time.Timer
}

// Registry is the pending-approvals map.
type Registry struct {
	timeout     time.Duration
	broadcaster Broadcaster

	mu      sync.Mutex
	pending map[string]*Entry
}

// NewRegistry creates a registry with the given auto-deny timeout (zero
// means DefaultTimeout). broadcaster may be nil.
func NewRegistry(timeout time.Duration, broadcaster Broadcaster) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		timeout:     timeout,
		broadcaster: broadcaster,
		pending:     make(map[string]*Entry),
	}
}

// Register records a pending approval and arms its auto-deny timer.
// Malformed request ids (control characters) and registrations over the cap
// are denied synchronously instead of being stored.
func (r *Registry) Register(req models.ApprovalRequest, resolve Resolver) {
	if hasControlChars(req.RequestID) {
		slog.Warn("Rejecting approval request with control characters in id",
			"session_id", req.SessionID)
		resolve(models.ApprovalResolution{Decision: models.DecisionDeny})
		return
	}

	r.mu.Lock()
	if len(r.pending) >= MaxPendingApprovals {
		r.mu.Unlock()
		slog.Warn("Pending approvals at capacity, denying",
			"request_id", req.RequestID, "cap", MaxPendingApprovals)
		resolve(models.ApprovalResolution{Decision: models.DecisionDeny})
		return
	}
	entry := &Entry{
		Request:   req,
		CreatedAt: time.Now(),
		resolve:   resolve,
	}
	entry.timer = time.AfterFunc(r.timeout, func() { r.autoDeny(req.RequestID) })
	r.pending[req.RequestID] = entry
	r.mu.Unlock()

	if r.broadcaster != nil {
		r.broadcaster.BroadcastApprovalNeeded(req)
	}
}

// Resolve delivers a decision for a pending request. ErrNotFound when the
// id is unknown (already resolved or never registered); ErrExpired when the
// entry is older than twice the timeout, in which case it is denied rather
// than honored.
func (r *Registry) Resolve(requestID string, resolution models.ApprovalResolution) error {
	r.mu.Lock()
	entry, ok := r.pending[requestID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	// Atomic remove-then-resolve: once the entry leaves the map no other
	// caller (including the timer) can reach its resolver.
	delete(r.pending, requestID)
	r.mu.Unlock()

	entry.timer.Stop()
	if time.Since(entry.CreatedAt) > 2*r.timeout {
		entry.resolve(models.ApprovalResolution{Decision: models.DecisionDeny})
		return ErrExpired
	}

	entry.resolve(resolution)
	if r.broadcaster != nil {
		r.broadcaster.BroadcastApprovalResolved(requestID, resolution.Decision)
	}
	return nil
}

// autoDeny fires from the entry's timer.
func (r *Registry) autoDeny(requestID string) {
	r.mu.Lock()
	entry, ok := r.pending[requestID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pending, requestID)
	r.mu.Unlock()

	slog.Info("Approval request timed out, auto-denying", "request_id", requestID)
	entry.resolve(models.ApprovalResolution{Decision: models.DecisionDeny})
	if r.broadcaster != nil {
		r.broadcaster.BroadcastApprovalResolved(requestID, models.DecisionDeny)
	}
}

// Pending returns the pending requests. Order is not guaranteed; callers
// sort as needed.
func (r *Registry) Pending() []models.ApprovalRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ApprovalRequest, 0, len(r.pending))
	for _, entry := range r.pending {
		out = append(out, entry.Request)
	}
	return out
}

// DenyAll resolves every pending request with deny. Used during shutdown.
func (r *Registry) DenyAll() {
	r.mu.Lock()
	entries := make([]*Entry, 0, len(r.pending))
	for id, entry := range r.pending {
		delete(r.pending, id)
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		entry.resolve(models.ApprovalResolution{Decision: models.DecisionDeny})
	}
}

func hasControlChars(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}

// Registry errors.
var (
	ErrNotFound = fmt.Errorf("approval request not found")
	ErrExpired  = fmt.Errorf("approval request expired")
)
