package services

import (
	"context"

	"workflow-orchestrator/internal/runner"
	"workflow-orchestrator/pkg/models"
)

// WorkflowRunner starts and executes workflow runs. *runner.Runner implements it.
type WorkflowRunner interface {
	// Begin records a run and returns it ready to execute.
	Begin(ctx context.Context, wf *models.Workflow, runCtx map[string]interface{}) (*runner.Execution, error)
}
