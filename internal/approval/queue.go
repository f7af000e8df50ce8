// Package approval implements the queue of actions awaiting a human decision.
//
// The queue treats payloads as opaque JSON; callers that enqueue a
// create_workflow action are responsible for materializing the workflow once
// it is approved.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"workflow-orchestrator/internal/logging"
	"workflow-orchestrator/internal/repository"
	"workflow-orchestrator/pkg/models"
)

// Recorder receives approval queue activity for metrics.
type Recorder interface {
	ApprovalEnqueued(actionType string)
	ApprovalProcessed(status models.ActionStatus)
}

// Queue is the approval queue service.
type Queue struct {
	store    repository.ApprovalStore
	logger   *logging.Logger
	recorder Recorder
	now      func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(q *Queue) { q.recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// NewQueue creates a new Queue.
func NewQueue(store repository.ApprovalStore, logger *logging.Logger, opts ...Option) *Queue {
	q := &Queue{
		store:  store,
		logger: logger.With("component", "approval"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue stores a new pending action and returns its id. payload is encoded
// as JSON unless it already is a json.RawMessage.
func (q *Queue) Enqueue(ctx context.Context, actionType string, payload interface{}, reason string, level models.ImpactLevel, ownerID, tenantID string) (string, error) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to encode %s payload: %w", actionType, err)
		}
		raw = data
	}

	action := &models.PendingAction{
		ActionType:  actionType,
		Payload:     raw,
		Reason:      reason,
		ImpactLevel: level,
		Status:      models.ActionStatusPending,
		OwnerID:     ownerID,
		TenantID:    tenantID,
		CreatedAt:   q.now(),
	}
	if err := q.store.CreatePendingAction(ctx, action); err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", actionType, err)
	}

	q.logger.Info("action queued for approval",
		"action_id", action.ID, "action_type", actionType, "impact", level.String(), "tenant_id", tenantID)
	if q.recorder != nil {
		q.recorder.ApprovalEnqueued(actionType)
	}
	return action.ID, nil
}

// Get returns an action in any status.
func (q *Queue) Get(ctx context.Context, actionID string) (*models.PendingAction, error) {
	return q.store.GetPendingAction(ctx, actionID)
}

// ListPending returns pending actions newest first. An empty tenantID lists
// every tenant and is reserved for privileged callers.
func (q *Queue) ListPending(ctx context.Context, tenantID string, limit int) ([]*models.PendingAction, error) {
	return q.store.ListPendingActions(ctx, tenantID, limit)
}

// Approve marks a pending action approved. It returns false when the action
// does not exist or was already processed.
func (q *Queue) Approve(ctx context.Context, actionID, processedBy string) (bool, error) {
	return q.transition(ctx, actionID, models.ActionStatusApproved, processedBy, "")
}

// Reject marks a pending action rejected. It returns false when the action
// does not exist or was already processed.
func (q *Queue) Reject(ctx context.Context, actionID, processedBy, reason string) (bool, error) {
	return q.transition(ctx, actionID, models.ActionStatusRejected, processedBy, reason)
}

func (q *Queue) transition(ctx context.Context, actionID string, to models.ActionStatus, processedBy, reason string) (bool, error) {
	ok, err := q.store.TransitionPendingAction(ctx, actionID, to, processedBy, reason, q.now())
	if err != nil {
		return false, fmt.Errorf("failed to mark action %s %s: %w", actionID, to, err)
	}
	if !ok {
		q.logger.Warn("action not pending", "action_id", actionID, "requested", string(to))
		return false, nil
	}
	q.logger.Info("action processed", "action_id", actionID, "status", string(to), "processed_by", processedBy)
	if q.recorder != nil {
		q.recorder.ApprovalProcessed(to)
	}
	return true, nil
}

// Stats counts actions per status.
func (q *Queue) Stats(ctx context.Context, tenantID string) (models.ApprovalStats, error) {
	return q.store.CountActions(ctx, tenantID)
}
