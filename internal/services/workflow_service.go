package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"workflow-orchestrator/internal/approval"
	"workflow-orchestrator/internal/logging"
	"workflow-orchestrator/internal/policy"
	"workflow-orchestrator/internal/repository"
	"workflow-orchestrator/internal/runner"
	"workflow-orchestrator/internal/scheduler"
	"workflow-orchestrator/pkg/models"
)

// ErrInvalid is returned for requests that fail validation.
var ErrInvalid = errors.New("invalid request")

// SubmitStatus is the outcome of a workflow submission.
type SubmitStatus string

const (
	SubmitCreated         SubmitStatus = "created"
	SubmitPendingApproval SubmitStatus = "pending_approval"
)

// SubmitResult is returned by SubmitWorkflow. Exactly one of WorkflowID and
// ApprovalID is set.
type SubmitResult struct {
	Status      SubmitStatus       `json:"status"`
	WorkflowID  string             `json:"workflowId,omitempty"`
	ApprovalID  string             `json:"approvalId,omitempty"`
	ImpactLevel models.ImpactLevel `json:"impactLevel"`
	Reason      string             `json:"reason,omitempty"`
}

// ApprovalOutcome is returned by ApproveAction.
type ApprovalOutcome struct {
	Approved   bool   `json:"approved"`
	ActionType string `json:"actionType,omitempty"`
	// WorkflowID is set when approving a create_workflow action materialised a workflow.
	WorkflowID string `json:"workflowId,omitempty"`
}

// WorkflowService ties policy, approval, storage and the runner together.
type WorkflowService struct {
	workflows repository.WorkflowStore
	runs      repository.RunStore
	queue     *approval.Queue
	runner    WorkflowRunner
	logger    *logging.Logger
	now       func() time.Time

	// background runs outlive the request that triggered them
	bg       context.Context
	cancelBg context.CancelFunc
	wg       sync.WaitGroup
}

// NewWorkflowService creates a new WorkflowService.
func NewWorkflowService(workflows repository.WorkflowStore, runs repository.RunStore, queue *approval.Queue, runner WorkflowRunner, logger *logging.Logger) *WorkflowService {
	bg, cancel := context.WithCancel(context.Background())
	return &WorkflowService{
		workflows: workflows,
		runs:      runs,
		queue:     queue,
		runner:    runner,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		bg:        bg,
		cancelBg:  cancel,
	}
}

// SubmitWorkflow classifies wf. CRITICAL workflows are parked in the
// approval queue; anything else is stored inactive straight away.
func (s *WorkflowService) SubmitWorkflow(ctx context.Context, wf *models.Workflow) (*SubmitResult, error) {
	if strings.TrimSpace(wf.Name) == "" {
		return nil, fmt.Errorf("%w: workflow name is required", ErrInvalid)
	}
	if err := validateSchedule(wf.Schedule); err != nil {
		return nil, err
	}
	wf.IsActive = false
	wf.Normalize(s.now())

	level := policy.Classify(wf)
	if policy.RequiresApproval(level) {
		reason := policy.Reason(wf)
		id, err := s.queue.Enqueue(ctx, models.ActionCreateWorkflow, wf, reason, level, wf.OwnerID, wf.TenantID)
		if err != nil {
			return nil, err
		}
		return &SubmitResult{Status: SubmitPendingApproval, ApprovalID: id, ImpactLevel: level, Reason: reason}, nil
	}

	if err := s.workflows.CreateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}
	s.logger.Info("workflow created", "workflow_id", wf.ID, "tenant_id", wf.TenantID, "impact", level.String())
	return &SubmitResult{Status: SubmitCreated, WorkflowID: wf.ID, ImpactLevel: level}, nil
}

// ApproveAction approves a pending action. Unknown, foreign and already
// processed actions yield Approved=false without an error. Approving a
// create_workflow action persists the workflow, inactive. The workflow is
// stored before the action is marked approved and removed again if another
// caller processed the action first, so an approved action always has its
// workflow and a failed create leaves the action pending.
func (s *WorkflowService) ApproveAction(ctx context.Context, tenantID, actionID, processedBy string) (*ApprovalOutcome, error) {
	action, err := s.visibleAction(ctx, tenantID, actionID)
	if err != nil || action == nil {
		return &ApprovalOutcome{}, err
	}
	if action.ActionType != models.ActionCreateWorkflow {
		ok, err := s.queue.Approve(ctx, actionID, processedBy)
		return &ApprovalOutcome{Approved: ok && err == nil, ActionType: action.ActionType}, err
	}
	if action.Status != models.ActionStatusPending {
		return &ApprovalOutcome{ActionType: action.ActionType}, nil
	}

	var wf models.Workflow
	if err := json.Unmarshal(action.Payload, &wf); err != nil {
		return &ApprovalOutcome{ActionType: action.ActionType}, fmt.Errorf("pending action %s has an unreadable workflow: %w", actionID, err)
	}
	wf.ID = ""
	wf.IsActive = false
	if err := s.workflows.CreateWorkflow(ctx, &wf); err != nil {
		return &ApprovalOutcome{ActionType: action.ActionType}, fmt.Errorf("failed to create approved workflow: %w", err)
	}

	ok, err := s.queue.Approve(ctx, actionID, processedBy)
	if err != nil || !ok {
		if derr := s.workflows.DeleteWorkflow(context.WithoutCancel(ctx), wf.ID); derr != nil {
			s.logger.Error("failed to remove workflow of unapproved action", "action_id", actionID, "workflow_id", wf.ID, "error", derr)
		}
		return &ApprovalOutcome{ActionType: action.ActionType}, err
	}
	s.logger.Info("approved workflow created", "action_id", actionID, "workflow_id", wf.ID, "approved_by", processedBy)
	return &ApprovalOutcome{Approved: true, ActionType: action.ActionType, WorkflowID: wf.ID}, nil
}

// RejectAction rejects a pending action. It reports false for unknown,
// foreign or already processed actions.
func (s *WorkflowService) RejectAction(ctx context.Context, tenantID, actionID, processedBy, reason string) (bool, error) {
	action, err := s.visibleAction(ctx, tenantID, actionID)
	if err != nil || action == nil {
		return false, err
	}
	return s.queue.Reject(ctx, actionID, processedBy, reason)
}

// visibleAction returns nil without error when the action does not exist
// or belongs to another tenant.
func (s *WorkflowService) visibleAction(ctx context.Context, tenantID, actionID string) (*models.PendingAction, error) {
	action, err := s.queue.Get(ctx, actionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if tenantID != "" && action.TenantID != tenantID {
		return nil, nil
	}
	return action, nil
}

// ListPendingApprovals lists pending actions newest first. An empty tenant lists all tenants.
func (s *WorkflowService) ListPendingApprovals(ctx context.Context, tenantID string, limit int) ([]*models.PendingAction, error) {
	return s.queue.ListPending(ctx, tenantID, limit)
}

// ApprovalStats counts actions by status.
func (s *WorkflowService) ApprovalStats(ctx context.Context, tenantID string) (models.ApprovalStats, error) {
	return s.queue.Stats(ctx, tenantID)
}

// RunWorkflow runs a workflow to completion on the caller's goroutine.
func (s *WorkflowService) RunWorkflow(ctx context.Context, tenantID, workflowID string, runCtx map[string]interface{}) (*models.RunResult, error) {
	wf, err := s.GetWorkflow(ctx, tenantID, workflowID)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, wf, runCtx)
}

// Run executes an already loaded workflow with approval gating of deferred
// emails. The scheduler drives runs through it.
func (s *WorkflowService) Run(ctx context.Context, wf *models.Workflow, runCtx map[string]interface{}) (*models.RunResult, error) {
	exec, err := s.runner.Begin(ctx, wf, runCtx)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, wf, exec)
}

// TriggerRun records a run and executes it in the background, returning
// the run id immediately. Progress is visible through the run's events.
func (s *WorkflowService) TriggerRun(ctx context.Context, tenantID, workflowID string, runCtx map[string]interface{}) (string, error) {
	wf, err := s.GetWorkflow(ctx, tenantID, workflowID)
	if err != nil {
		return "", err
	}
	if err := s.bg.Err(); err != nil {
		return "", fmt.Errorf("service is shutting down: %w", err)
	}
	exec, err := s.runner.Begin(ctx, wf, runCtx)
	if err != nil {
		return "", err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.execute(s.bg, wf, exec); err != nil {
			s.logger.Error("background run failed", "workflow_id", wf.ID, "run_id", exec.RunID(), "error", err)
		}
	}()
	return exec.RunID(), nil
}

// execute runs exec and parks every deferred email in the approval queue.
func (s *WorkflowService) execute(ctx context.Context, wf *models.Workflow, exec *runner.Execution) (*models.RunResult, error) {
	res, err := exec.Execute(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range res.PendingApprovals {
		payload := map[string]interface{}{
			"run_id":       res.RunID,
			"workflow_id":  wf.ID,
			"step_id":      p.StepID,
			"to":           p.To,
			"subject":      p.Subject,
			"body_preview": p.BodyPreview,
		}
		reason := fmt.Sprintf("email to %s from workflow %q", p.To, wf.Name)
		if _, err := s.queue.Enqueue(context.WithoutCancel(ctx), models.ActionSendEmail, payload, reason, models.ImpactCritical, wf.OwnerID, wf.TenantID); err != nil {
			return res, fmt.Errorf("failed to queue email approval: %w", err)
		}
	}
	return res, nil
}

// Shutdown cancels background runs and waits for them to record their
// final state, or for ctx to end.
func (s *WorkflowService) Shutdown(ctx context.Context) error {
	s.cancelBg()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetWorkflow returns a workflow. Workflows of another tenant are reported
// as not found.
func (s *WorkflowService) GetWorkflow(ctx context.Context, tenantID, id string) (*models.Workflow, error) {
	wf, err := s.workflows.GetWorkflowByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tenantID != "" && wf.TenantID != tenantID {
		return nil, fmt.Errorf("workflow %s: %w", id, repository.ErrNotFound)
	}
	return wf, nil
}

// ListWorkflows lists workflows matching filter, newest first.
func (s *WorkflowService) ListWorkflows(ctx context.Context, filter repository.WorkflowFilter) ([]*models.Workflow, error) {
	return s.workflows.ListWorkflows(ctx, filter)
}

// SetActive activates or deactivates a workflow.
func (s *WorkflowService) SetActive(ctx context.Context, tenantID, id string, active bool) (*models.Workflow, error) {
	if _, err := s.GetWorkflow(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.workflows.UpdateWorkflow(ctx, id, repository.WorkflowUpdate{IsActive: &active})
}

// UpdateSchedule replaces a workflow's schedule. The previous last run is
// kept so changing the cadence does not trigger an immediate run.
func (s *WorkflowService) UpdateSchedule(ctx context.Context, tenantID, id string, sc models.ScheduleConfig) (*models.Workflow, error) {
	if err := validateSchedule(&sc); err != nil {
		return nil, err
	}
	wf, err := s.GetWorkflow(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if wf.Schedule != nil {
		sc.LastRunAt = wf.Schedule.LastRunAt
	}
	sc.NextRunAt = time.Time{}
	return s.workflows.UpdateWorkflow(ctx, id, repository.WorkflowUpdate{Schedule: &sc})
}

func validateSchedule(sc *models.ScheduleConfig) error {
	if sc == nil || !sc.Enabled {
		return nil
	}
	if sc.CronExpression != "" {
		if err := scheduler.ValidateCron(sc.CronExpression); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return nil
	}
	if sc.IntervalMinutes <= 0 {
		return fmt.Errorf("%w: schedule needs interval_minutes > 0 or a cron_expression", ErrInvalid)
	}
	return nil
}

// GetRun returns a run, hiding runs of other tenants.
func (s *WorkflowService) GetRun(ctx context.Context, tenantID, runID string) (*models.WorkflowRun, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if tenantID != "" && run.TenantID != tenantID {
		return nil, fmt.Errorf("run %s: %w", runID, repository.ErrNotFound)
	}
	return run, nil
}

// ListRuns lists runs newest first, optionally for one workflow.
func (s *WorkflowService) ListRuns(ctx context.Context, tenantID, workflowID string, limit int) ([]*models.WorkflowRun, error) {
	if workflowID != "" {
		if _, err := s.GetWorkflow(ctx, tenantID, workflowID); err != nil {
			return nil, err
		}
	}
	runs, err := s.runs.ListRuns(ctx, workflowID, limit)
	if err != nil {
		return nil, err
	}
	if tenantID == "" {
		return runs, nil
	}
	out := runs[:0]
	for _, run := range runs {
		if run.TenantID == tenantID {
			out = append(out, run)
		}
	}
	return out, nil
}

// ListEvents returns a run's events in order.
func (s *WorkflowService) ListEvents(ctx context.Context, tenantID, runID string) ([]*models.StepEvent, error) {
	if _, err := s.GetRun(ctx, tenantID, runID); err != nil {
		return nil, err
	}
	return s.runs.ListEvents(ctx, runID)
}
