package recovery

import (
	"context"
	"errors"
	"fmt"

	"workflow-orchestrator/internal/repository"
	"workflow-orchestrator/pkg/models"
)

// StepExecutor runs a single workflow step. *runner.Runner implements it.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, wf *models.Workflow, stepID string, runCtx map[string]interface{}) (models.StepResult, error)
}

// StepRetrier re-executes the failed step of a recovery event against the
// current workflow definition and the original run's context.
type StepRetrier struct {
	workflows repository.WorkflowStore
	runs      repository.RunStore
	executor  StepExecutor
}

// NewStepRetrier creates a StepRetrier. runs may be nil, in which case the
// step is retried with an empty context and nothing is appended to the run.
func NewStepRetrier(workflows repository.WorkflowStore, runs repository.RunStore, executor StepExecutor) *StepRetrier {
	return &StepRetrier{workflows: workflows, runs: runs, executor: executor}
}

// Retry executes the step once.
func (r *StepRetrier) Retry(ctx context.Context, event *models.RecoveryEvent) error {
	wf, err := r.workflows.GetWorkflowByID(ctx, event.WorkflowID)
	if err != nil {
		return fmt.Errorf("failed to load workflow: %w", err)
	}

	var runCtx map[string]interface{}
	if r.runs != nil && event.RunID != "" {
		run, err := r.runs.GetRun(ctx, event.RunID)
		switch {
		case err == nil:
			runCtx = run.Context
		case !errors.Is(err, repository.ErrNotFound):
			return fmt.Errorf("failed to load run: %w", err)
		}
	}

	res, err := r.executor.ExecuteStep(ctx, wf, event.StepID, runCtx)
	if err != nil {
		return err
	}
	if res.Status == models.StepStatusError {
		return errors.New(res.Error)
	}

	if r.runs != nil && event.RunID != "" {
		payload := map[string]interface{}{"recovered": true, "attempt": event.Attempt, "recovery_event_id": event.ID}
		if err := r.runs.RecordStepEvent(ctx, event.RunID, wf.ID, event.StepID, models.EventStepCompleted, payload); err != nil {
			return fmt.Errorf("failed to record recovered step: %w", err)
		}
	}
	return nil
}
