package approval

import (
	"context"

	"github.com/google/uuid"

	"github.com/karnevil9/karnevil9/pkg/models"
)

// Gate adapts the registry to the tool runtime's permission hook: Authorize
// registers a pending approval and blocks until a client resolves it, the
// auto-deny timer fires, or the caller's context is cancelled.
type Gate struct {
	registry *Registry
}

// NewGate creates a gate over the registry.
func NewGate(registry *Registry) *Gate {
	return &Gate{registry: registry}
}

// Authorize blocks for a decision on the request.
func (g *Gate) Authorize(ctx context.Context, req models.ApprovalRequest) (models.ApprovalResolution, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	ch := make(chan models.ApprovalResolution, 1)
	g.registry.Register(req, func(res models.ApprovalResolution) { ch <- res })

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		// The registry entry (if still pending) will auto-deny on its own
		// timer; the caller gets a deny now.
		return models.ApprovalResolution{Decision: models.DecisionDeny}, ctx.Err()
	}
}
