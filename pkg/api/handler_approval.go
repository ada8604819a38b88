package api

import (
	"net/http"
	"sort"

	echo "github.com/labstack/echo/v5"

	"github.com/karnevil9/karnevil9/pkg/models"
)

// listApprovalsHandler handles GET /api/approvals.
func (s *Server) listApprovalsHandler(c *echo.Context) error {
	pending := s.approvals.Pending()
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].RequestID < pending[j].RequestID
	})
	return c.JSON(http.StatusOK, pending)
}

// resolveApprovalHandler handles POST /api/approvals/:id.
func (s *Server) resolveApprovalHandler(c *echo.Context) error {
	requestID := c.Param("id")
	if requestID == "" {
		return apiError(c, http.StatusBadRequest, "request id is required")
	}

	var req ResolveApprovalRequest
	if err := c.Bind(&req); err != nil {
		return apiError(c, http.StatusBadRequest, "invalid request body")
	}
	if !models.ValidDecision(req.Decision) {
		return apiError(c, http.StatusBadRequest, "invalid decision")
	}

	err := s.approvals.Resolve(requestID, models.ApprovalResolution{
		Decision:    req.Decision,
		Constraints: req.Constraints,
		Alternative: req.Alternative,
	})
	if err != nil {
		return mapKernelError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"request_id": requestID,
		"decision":   string(req.Decision),
	})
}
