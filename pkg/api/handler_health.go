package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/karnevil9/karnevil9/pkg/approval"
	"github.com/karnevil9/karnevil9/pkg/journal"
	"github.com/karnevil9/karnevil9/pkg/version"
)

const (
	healthStatusHealthy  = "healthy"
	healthStatusWarning  = "warning"
	healthStatusDegraded = "degraded"
	healthStatusDisabled = "disabled"
)

// healthHandler handles GET /api/health. Unauthenticated and rate-limit
// exempt so orchestrators can always probe it. Only resident components are
// checked; optional subsystems report their slot as disabled without
// affecting the overall status.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy
	degrade := func(to string) {
		if status == healthStatusHealthy || to == healthStatusDegraded {
			status = to
		}
	}

	if _, _, err := s.journal.ReadSession(reqCtx, journal.SystemSession, 0, 1); err != nil {
		degrade(healthStatusDegraded)
		checks["journal"] = HealthCheck{Status: healthStatusDegraded, Message: err.Error()}
	} else {
		checks["journal"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.deps.Registry == nil {
		degrade(healthStatusWarning)
		checks["tools"] = HealthCheck{Status: healthStatusWarning, Message: "no tool registry configured"}
	} else {
		checks["tools"] = HealthCheck{
			Status:  healthStatusHealthy,
			Message: fmt.Sprintf("%d tools registered", len(s.deps.Registry.List())),
		}
	}

	active := s.supervisor.ActiveCount()
	if active >= s.cfg.MaxConcurrentSessions {
		degrade(healthStatusWarning)
		checks["sessions"] = HealthCheck{
			Status:  healthStatusWarning,
			Message: fmt.Sprintf("at capacity: %d/%d", active, s.cfg.MaxConcurrentSessions),
		}
	} else {
		checks["sessions"] = HealthCheck{
			Status:  healthStatusHealthy,
			Message: fmt.Sprintf("%d/%d active", active, s.cfg.MaxConcurrentSessions),
		}
	}

	if s.deps.Planner == nil {
		degrade(healthStatusDegraded)
		checks["planner"] = HealthCheck{Status: healthStatusDegraded, Message: "no planner configured"}
	} else {
		checks["planner"] = HealthCheck{Status: healthStatusHealthy}
	}

	pending := len(s.approvals.Pending())
	if pending >= approval.MaxPendingApprovals {
		degrade(healthStatusWarning)
		checks["permissions"] = HealthCheck{
			Status:  healthStatusWarning,
			Message: fmt.Sprintf("pending approvals at cap: %d", pending),
		}
	} else {
		checks["permissions"] = HealthCheck{
			Status:  healthStatusHealthy,
			Message: fmt.Sprintf("%d pending", pending),
		}
	}

	if s.deps.Runtime == nil {
		degrade(healthStatusDegraded)
		checks["runtime"] = HealthCheck{Status: healthStatusDegraded, Message: "no tool runtime configured"}
	} else {
		checks["runtime"] = HealthCheck{Status: healthStatusHealthy}
	}

	checks["plugins"] = HealthCheck{Status: healthStatusDisabled}
	checks["scheduler"] = HealthCheck{Status: healthStatusDisabled}
	checks["swarm"] = HealthCheck{Status: healthStatusDisabled}

	httpStatus := http.StatusOK
	if status == healthStatusDegraded {
		httpStatus = http.StatusServiceUnavailable
	}
	return c.JSON(httpStatus, &HealthResponse{
		Status:    status,
		Version:   version.GitCommit,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	})
}
