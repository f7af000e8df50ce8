package repository

import (
	"context"
	"errors"
	"time"

	"workflow-orchestrator/pkg/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a record with the same id already exists.
	ErrConflict = errors.New("conflict")
)

// WorkflowFilter narrows ListWorkflows. Empty fields do not filter.
type WorkflowFilter struct {
	TenantID   string
	OwnerID    string
	ActiveOnly bool
	Limit      int
}

// WorkflowUpdate carries the fields to change; nil fields are left untouched.
type WorkflowUpdate struct {
	Name        *string
	Description *string
	Steps       []models.WorkflowStep
	IsActive    *bool
	Schedule    *models.ScheduleConfig
}

// Apply copies the set fields onto wf.
func (u WorkflowUpdate) Apply(wf *models.Workflow, now time.Time) {
	if u.Name != nil {
		wf.Name = *u.Name
	}
	if u.Description != nil {
		wf.Description = *u.Description
	}
	if u.Steps != nil {
		wf.Steps = u.Steps
	}
	if u.IsActive != nil {
		wf.IsActive = *u.IsActive
	}
	if u.Schedule != nil {
		s := *u.Schedule
		wf.Schedule = &s
	}
	wf.UpdatedAt = now
}

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	// CreateWorkflow saves a workflow, assigning an id when it has none.
	CreateWorkflow(ctx context.Context, workflow *models.Workflow) error
	// GetWorkflowByID returns ErrNotFound when the workflow does not exist.
	GetWorkflowByID(ctx context.Context, id string) (*models.Workflow, error)
	// ListWorkflows returns workflows newest first.
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*models.Workflow, error)
	// UpdateWorkflow applies a partial update and returns the stored result.
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) (*models.Workflow, error)
	// GetScheduledWorkflows returns active workflows with an enabled schedule.
	GetScheduledWorkflows(ctx context.Context) ([]*models.Workflow, error)
	// DeleteWorkflow removes a workflow. It returns ErrNotFound when there is none.
	DeleteWorkflow(ctx context.Context, id string) error
}

// RunStore persists runs and their append-only event log.
type RunStore interface {
	RecordRunStart(ctx context.Context, workflowID, tenantID string, runContext map[string]interface{}) (string, error)
	RecordRunEnd(ctx context.Context, runID string, status models.RunStatus, result map[string]interface{}, errMsg string) error
	RecordStepEvent(ctx context.Context, runID, workflowID, stepID, eventType string, payload map[string]interface{}) error
	GetRun(ctx context.Context, id string) (*models.WorkflowRun, error)
	// ListRuns returns runs newest first; an empty workflowID lists all runs.
	ListRuns(ctx context.Context, workflowID string, limit int) ([]*models.WorkflowRun, error)
	// ListEvents returns a run's events in creation order.
	ListEvents(ctx context.Context, runID string) ([]*models.StepEvent, error)
}

// ApprovalStore persists the approval queue.
type ApprovalStore interface {
	CreatePendingAction(ctx context.Context, action *models.PendingAction) error
	GetPendingAction(ctx context.Context, id string) (*models.PendingAction, error)
	// ListPendingActions returns pending actions newest first; empty tenantID means all tenants.
	ListPendingActions(ctx context.Context, tenantID string, limit int) ([]*models.PendingAction, error)
	// TransitionPendingAction moves an action out of pending in one atomic
	// step. It returns false when the action is missing or already processed.
	TransitionPendingAction(ctx context.Context, id string, to models.ActionStatus, processedBy, reason string, at time.Time) (bool, error)
	CountActions(ctx context.Context, tenantID string) (models.ApprovalStats, error)
}

// RecoveryStore persists failed-step records.
type RecoveryStore interface {
	CreateRecoveryEvent(ctx context.Context, event *models.RecoveryEvent) error
	GetRecoveryEvent(ctx context.Context, id string) (*models.RecoveryEvent, error)
	UpdateRecoveryEvent(ctx context.Context, event *models.RecoveryEvent) error
	// ClaimRecoveryEvent atomically moves an active event to retrying and
	// stamps it with now. Pending events can always be claimed; retrying ones
	// only when their claim is older than staleBefore. It returns false when
	// another caller holds a fresh claim or the event is resolved.
	ClaimRecoveryEvent(ctx context.Context, id string, now, staleBefore time.Time) (bool, error)
	// ListActiveRecoveryEvents returns unresolved events oldest first.
	ListActiveRecoveryEvents(ctx context.Context, limit int) ([]*models.RecoveryEvent, error)
	// ListRecoveryHistory returns resolved events newest first.
	ListRecoveryHistory(ctx context.Context, limit int) ([]*models.RecoveryEvent, error)
}

// TenantStore persists tenants.
type TenantStore interface {
	GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error)
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
}

// Repository is the full persistence collaborator.
type Repository interface {
	WorkflowStore
	RunStore
	ApprovalStore
	RecoveryStore
	TenantStore
	Ping(ctx context.Context) error
	Close()
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
