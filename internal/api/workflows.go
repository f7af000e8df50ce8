// Package api contains the HTTP handlers for the workflow orchestrator
package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"workflow-orchestrator/internal/logging"
	"workflow-orchestrator/internal/recovery"
	"workflow-orchestrator/internal/repository"
	"workflow-orchestrator/internal/scheduler"
	"workflow-orchestrator/internal/services"
	"workflow-orchestrator/pkg/models"
)

// Server holds the dependencies for the API server. Recovery, Scheduler
// and Tenants are optional; their routes answer 503 when unset.
type Server struct {
	Workflows *services.WorkflowService
	Recovery  *recovery.Engine
	Scheduler *scheduler.Scheduler
	Tenants   repository.TenantStore
	Logger    *logging.Logger
}

// NewServer creates a new Server.
func NewServer(workflows *services.WorkflowService, logger *logging.Logger) *Server {
	return &Server{Workflows: workflows, Logger: logger}
}

// Mount registers the operational endpoints and the /api/v1 group on e.
// metrics may be nil.
func Mount(e *echo.Echo, h *Handler, s *Server, metrics http.Handler) {
	e.GET("/health", h.HandleHealth)
	e.GET("/ready", h.HandleReady)
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics))
	}
	s.RegisterRoutes(e.Group("/api/v1"))
}

// RegisterRoutes mounts the tenant-scoped API on g.
func (s *Server) RegisterRoutes(g *echo.Group) {
	g.Use(RequireTenant(s.Tenants, s.Logger))

	g.GET("/workflows", s.ListWorkflows)
	g.POST("/workflows", s.SubmitWorkflow)
	g.GET("/workflows/:id", s.GetWorkflow)
	g.POST("/workflows/:id/run", s.RunWorkflow)
	g.PUT("/workflows/:id/schedule", s.UpdateSchedule)
	g.POST("/workflows/:id/activate", s.SetActive)

	g.GET("/runs", s.ListRuns)
	g.GET("/runs/:id", s.GetRun)
	g.GET("/runs/:id/events", s.ListEvents)

	g.GET("/approvals", s.ListApprovals)
	g.GET("/approvals/stats", s.ApprovalStats)
	g.POST("/approvals/:id/approve", s.ApproveAction)
	g.POST("/approvals/:id/reject", s.RejectAction)

	g.GET("/recovery", s.ListRecovery)
	g.POST("/recovery/process", s.ProcessRecovery)
	g.POST("/recovery/:id/retry", s.RetryRecovery)

	g.POST("/scheduler/tick", s.Tick)
}

// ListWorkflows returns the tenant's workflows
// (GET /api/v1/workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	ctx := c.Request().Context()

	filter := repository.WorkflowFilter{
		TenantID:   TenantFromContext(ctx),
		OwnerID:    c.QueryParam("owner"),
		ActiveOnly: c.QueryParam("active") == "true",
		Limit:      queryInt(c, "limit", 100),
	}
	workflows, err := s.Workflows.ListWorkflows(ctx, filter)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, workflows)
}

// SubmitWorkflow classifies and stores a workflow, or queues it for approval
// (POST /api/v1/workflows)
func (s *Server) SubmitWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	var workflow models.Workflow
	if err := c.Bind(&workflow); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	workflow.ID = ""
	workflow.TenantID = TenantFromContext(ctx)
	if user := UserFromContext(ctx); user != "" {
		workflow.OwnerID = user
	}

	res, err := s.Workflows.SubmitWorkflow(ctx, &workflow)
	if err != nil {
		return toHTTPError(err)
	}
	if res.Status == services.SubmitPendingApproval {
		return c.JSON(http.StatusAccepted, res)
	}
	return c.JSON(http.StatusCreated, res)
}

// GetWorkflow returns one workflow
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	ctx := c.Request().Context()
	wf, err := s.Workflows.GetWorkflow(ctx, TenantFromContext(ctx), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, wf)
}

// RunRequest is the optional body of POST /workflows/:id/run.
type RunRequest struct {
	Context map[string]interface{} `json:"context"`
	// Wait runs the workflow inline and returns its result.
	Wait bool `json:"wait"`
}

// RunWorkflow starts a run. By default the run id is returned at once and the
// run continues in the background
// (POST /api/v1/workflows/:id/run)
func (s *Server) RunWorkflow(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := TenantFromContext(ctx)

	var req RunRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
		}
	}
	if c.QueryParam("wait") == "true" {
		req.Wait = true
	}

	runCtx := map[string]interface{}{}
	for k, v := range req.Context {
		runCtx[k] = v
	}
	runCtx["triggeredBy"] = "api"
	if user := UserFromContext(ctx); user != "" {
		runCtx["triggeredByUser"] = user
	}

	if req.Wait {
		res, err := s.Workflows.RunWorkflow(ctx, tenantID, c.Param("id"), runCtx)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, res)
	}

	runID, err := s.Workflows.TriggerRun(ctx, tenantID, c.Param("id"), runCtx)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"run_id": runID, "status": string(models.RunStatusRunning)})
}

// UpdateSchedule replaces a workflow's schedule
// (PUT /api/v1/workflows/:id/schedule)
func (s *Server) UpdateSchedule(c echo.Context) error {
	ctx := c.Request().Context()

	var sc models.ScheduleConfig
	if err := c.Bind(&sc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	wf, err := s.Workflows.UpdateSchedule(ctx, TenantFromContext(ctx), c.Param("id"), sc)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, wf)
}

// ActivateRequest is the optional body of POST /workflows/:id/activate.
type ActivateRequest struct {
	Active *bool `json:"active"`
}

// SetActive activates a workflow, or deactivates it with {"active": false}
// (POST /api/v1/workflows/:id/activate)
func (s *Server) SetActive(c echo.Context) error {
	ctx := c.Request().Context()

	var req ActivateRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
		}
	}
	active := req.Active == nil || *req.Active

	wf, err := s.Workflows.SetActive(ctx, TenantFromContext(ctx), c.Param("id"), active)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, wf)
}

// ListRuns returns the tenant's runs, optionally for one workflow
// (GET /api/v1/runs?workflow_id=)
func (s *Server) ListRuns(c echo.Context) error {
	ctx := c.Request().Context()
	runs, err := s.Workflows.ListRuns(ctx, TenantFromContext(ctx), c.QueryParam("workflow_id"), queryInt(c, "limit", 50))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, runs)
}

// GetRun returns one run
// (GET /api/v1/runs/:id)
func (s *Server) GetRun(c echo.Context) error {
	ctx := c.Request().Context()
	run, err := s.Workflows.GetRun(ctx, TenantFromContext(ctx), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, run)
}

// ListEvents returns a run's event log
// (GET /api/v1/runs/:id/events)
func (s *Server) ListEvents(c echo.Context) error {
	ctx := c.Request().Context()
	events, err := s.Workflows.ListEvents(ctx, TenantFromContext(ctx), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, events)
}

func queryInt(c echo.Context, name string, def int) int {
	n, err := strconv.Atoi(c.QueryParam(name))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
