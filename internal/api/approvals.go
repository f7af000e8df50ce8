package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// ListApprovals returns the tenant's pending actions, newest first
// (GET /api/v1/approvals)
func (s *Server) ListApprovals(c echo.Context) error {
	ctx := c.Request().Context()
	actions, err := s.Workflows.ListPendingApprovals(ctx, TenantFromContext(ctx), queryInt(c, "limit", 50))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, actions)
}

// ApprovalStats counts the tenant's actions by status
// (GET /api/v1/approvals/stats)
func (s *Server) ApprovalStats(c echo.Context) error {
	ctx := c.Request().Context()
	stats, err := s.Workflows.ApprovalStats(ctx, TenantFromContext(ctx))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

// ApproveAction approves a pending action. An action that is missing or
// already processed answers 409
// (POST /api/v1/approvals/:id/approve)
func (s *Server) ApproveAction(c echo.Context) error {
	ctx := c.Request().Context()
	outcome, err := s.Workflows.ApproveAction(ctx, TenantFromContext(ctx), c.Param("id"), UserFromContext(ctx))
	if err != nil {
		return toHTTPError(err)
	}
	if !outcome.Approved {
		return echo.NewHTTPError(http.StatusConflict, "action "+c.Param("id")+" is not pending")
	}
	return c.JSON(http.StatusOK, outcome)
}

// RejectRequest is the body of POST /approvals/:id/reject.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// RejectAction rejects a pending action
// (POST /api/v1/approvals/:id/reject)
func (s *Server) RejectAction(c echo.Context) error {
	ctx := c.Request().Context()

	var req RejectRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
		}
	}
	ok, err := s.Workflows.RejectAction(ctx, TenantFromContext(ctx), c.Param("id"), UserFromContext(ctx), req.Reason)
	if err != nil {
		return toHTTPError(err)
	}
	if !ok {
		return echo.NewHTTPError(http.StatusConflict, "action "+c.Param("id")+" is not pending")
	}
	return c.JSON(http.StatusOK, map[string]bool{"rejected": true})
}

// ListRecovery returns the active recovery queue, plus history with ?history=true
// (GET /api/v1/recovery)
func (s *Server) ListRecovery(c echo.Context) error {
	if s.Recovery == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "recovery engine not configured")
	}
	ctx := c.Request().Context()
	limit := queryInt(c, "limit", 50)

	active, err := s.Recovery.ListActive(ctx, limit)
	if err != nil {
		return toHTTPError(err)
	}
	resp := map[string]interface{}{"active": active}
	if c.QueryParam("history") == "true" {
		history, err := s.Recovery.ListHistory(ctx, limit)
		if err != nil {
			return toHTTPError(err)
		}
		resp["history"] = history
	}
	return c.JSON(http.StatusOK, resp)
}

// ProcessRecovery retries up to ?max= pending events
// (POST /api/v1/recovery/process)
func (s *Server) ProcessRecovery(c echo.Context) error {
	if s.Recovery == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "recovery engine not configured")
	}
	res, err := s.Recovery.ProcessQueue(c.Request().Context(), queryInt(c, "max", 10))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// RetryRecovery retries one event now
// (POST /api/v1/recovery/:id/retry)
func (s *Server) RetryRecovery(c echo.Context) error {
	if s.Recovery == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "recovery engine not configured")
	}
	res, err := s.Recovery.AttemptRetry(c.Request().Context(), c.Param("id"), s.Recovery.Config())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// Tick runs one scheduler pass
// (POST /api/v1/scheduler/tick)
func (s *Server) Tick(c echo.Context) error {
	if s.Scheduler == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "scheduler not configured")
	}
	summary, err := s.Scheduler.Tick(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, summary)
}
