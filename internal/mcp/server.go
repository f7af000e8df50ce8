// Package mcp exposes the orchestrator's submit, run and approval operations
// as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"workflow-orchestrator/internal/services"
	"workflow-orchestrator/pkg/models"
)

type Server struct {
	mcpServer     *server.MCPServer
	workflows     *services.WorkflowService
	defaultTenant string
}

// NewServer registers the tools. defaultTenant is used when a call omits tenant_id.
func NewServer(workflows *services.WorkflowService, defaultTenant string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Workflow Orchestrator",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		workflows:     workflows,
		defaultTenant: defaultTenant,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	tenant := mcp.WithString("tenant_id", mcp.Description("Tenant that owns the workflow; defaults to the server's tenant"))

	s.mcpServer.AddTool(
		mcp.NewTool(
			"submit_workflow",
			mcp.WithDescription("Submit a workflow. Workflows with critical steps are queued for approval instead of created"),
			tenant,
			mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
			mcp.WithString("description", mcp.Description("What the workflow does")),
			mcp.WithString("owner_id", mcp.Description("Owner of the workflow")),
			mcp.WithArray("steps", mcp.Required(),
				mcp.Description("Steps as objects with id, type (log, http_request, email, delay, condition), config and next_step_ids"),
				mcp.Items(map[string]any{"type": "object"}),
			),
		),
		s.handleSubmitWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"run_workflow",
			mcp.WithDescription("Run a workflow and return its result"),
			tenant,
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The ID of the workflow")),
			mcp.WithObject("context", mcp.Description("Variables made available to condition steps")),
			mcp.WithBoolean("async", mcp.Description("Return the run id immediately instead of waiting")),
		),
		s.handleRunWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_pending_approvals",
			mcp.WithDescription("List actions waiting for approval, newest first"),
			tenant,
			mcp.WithNumber("limit", mcp.Description("Maximum number of actions to return")),
		),
		s.handleListPendingApprovals,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"approve_action",
			mcp.WithDescription("Approve a pending action"),
			tenant,
			mcp.WithString("action_id", mcp.Required(), mcp.Description("The ID of the pending action")),
			mcp.WithString("approved_by", mcp.Description("Who approved it")),
		),
		s.handleApproveAction,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"reject_action",
			mcp.WithDescription("Reject a pending action"),
			tenant,
			mcp.WithString("action_id", mcp.Required(), mcp.Description("The ID of the pending action")),
			mcp.WithString("rejected_by", mcp.Description("Who rejected it")),
			mcp.WithString("reason", mcp.Description("Why it was rejected")),
		),
		s.handleRejectAction,
	)
}

func (s *Server) tenant(args map[string]interface{}) string {
	if t, ok := args["tenant_id"].(string); ok && t != "" {
		return t
	}
	return s.defaultTenant
}

func (s *Server) handleSubmitWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	name, _ := args["name"].(string)
	if strings.TrimSpace(name) == "" {
		return mcp.NewToolResultError("Missing required parameter: name"), nil
	}

	var steps []models.WorkflowStep
	if raw, ok := args["steps"]; ok {
		data, err := json.Marshal(raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid steps: %v", err)), nil
		}
		if err := json.Unmarshal(data, &steps); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid steps: %v", err)), nil
		}
	}

	description, _ := args["description"].(string)
	owner, _ := args["owner_id"].(string)
	res, err := s.workflows.SubmitWorkflow(ctx, &models.Workflow{
		Name:        name,
		Description: description,
		OwnerID:     owner,
		TenantID:    s.tenant(args),
		Steps:       steps,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit workflow: %v", err)), nil
	}

	return jsonResult(res)
}

func (s *Server) handleRunWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	id, ok := args["workflow_id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: workflow_id"), nil
	}

	runCtx := map[string]interface{}{}
	if extra, ok := args["context"].(map[string]interface{}); ok {
		for k, v := range extra {
			runCtx[k] = v
		}
	}
	runCtx["triggeredBy"] = "mcp"

	if async, _ := args["async"].(bool); async {
		runID, err := s.workflows.TriggerRun(ctx, s.tenant(args), id, runCtx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to start run: %v", err)), nil
		}
		return jsonResult(map[string]string{"run_id": runID, "status": string(models.RunStatusRunning)})
	}

	res, err := s.workflows.RunWorkflow(ctx, s.tenant(args), id, runCtx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to run workflow: %v", err)), nil
	}
	return jsonResult(res)
}

func (s *Server) handleListPendingApprovals(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		args = map[string]interface{}{}
	}

	limit := 50
	if n, ok := args["limit"].(float64); ok && n > 0 {
		limit = int(n)
	}

	actions, err := s.workflows.ListPendingApprovals(ctx, s.tenant(args), limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list approvals: %v", err)), nil
	}
	return jsonResult(actions)
}

func (s *Server) handleApproveAction(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	id, ok := args["action_id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: action_id"), nil
	}
	by, _ := args["approved_by"].(string)
	if by == "" {
		by = "mcp"
	}

	outcome, err := s.workflows.ApproveAction(ctx, s.tenant(args), id, by)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to approve: %v", err)), nil
	}
	return jsonResult(outcome)
}

func (s *Server) handleRejectAction(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	id, ok := args["action_id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: action_id"), nil
	}
	by, _ := args["rejected_by"].(string)
	if by == "" {
		by = "mcp"
	}
	reason, _ := args["reason"].(string)

	rejected, err := s.workflows.RejectAction(ctx, s.tenant(args), id, by, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to reject: %v", err)), nil
	}
	return jsonResult(map[string]bool{"rejected": rejected})
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// Mount serves the MCP server on e: streamable HTTP at /mcp and the SSE
// transport under /mcp/sse and /mcp/message.
func Mount(e *echo.Echo, mcpServer *server.MCPServer) {
	streamable := server.NewStreamableHTTPServer(mcpServer)
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	e.Any("/mcp", echo.WrapHandler(streamable))
	e.GET("/mcp/sse", echo.WrapHandler(sseServer))
	e.POST("/mcp/message", echo.WrapHandler(sseServer))
}
