package repository

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-orchestrator/pkg/models"
)

// runStoreContract exercises behaviour every Repository implementation must share.
func runStoreContract(t *testing.T, store Repository) {
	ctx := context.Background()

	t.Run("Create and Get workflow", func(t *testing.T) {
		wf := &models.Workflow{
			Name:     "Test",
			TenantID: "tenant-a",
			OwnerID:  "owner-1",
			Steps: []models.WorkflowStep{
				{ID: "s1", Type: models.StepTypeLog, Config: map[string]interface{}{"message": "hi"}, NextStepIDs: []string{"s2"}},
				{ID: "s2", Type: models.StepTypeDelay, Config: map[string]interface{}{"seconds": 1}},
			},
		}
		require.NoError(t, store.CreateWorkflow(ctx, wf))
		require.NotEmpty(t, wf.ID)

		got, err := store.GetWorkflowByID(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, "Test", got.Name)
		assert.False(t, got.IsActive)
		require.Len(t, got.Steps, 2)
		assert.Equal(t, []string{"s2"}, got.Steps[0].NextStepIDs)
		assert.Equal(t, []string{}, got.Steps[1].NextStepIDs)
		assert.Equal(t, "hi", got.Steps[0].Config["message"])
		assert.Nil(t, got.Schedule)
	})

	t.Run("Get missing workflow", func(t *testing.T) {
		_, err := store.GetWorkflowByID(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Update and scheduled workflows", func(t *testing.T) {
		wf := &models.Workflow{Name: "Scheduled", TenantID: "tenant-b"}
		require.NoError(t, store.CreateWorkflow(ctx, wf))

		scheduled, err := store.GetScheduledWorkflows(ctx)
		require.NoError(t, err)
		assert.NotContains(t, workflowIDs(scheduled), wf.ID)

		active := true
		updated, err := store.UpdateWorkflow(ctx, wf.ID, WorkflowUpdate{
			IsActive: &active,
			Schedule: &models.ScheduleConfig{Enabled: true, IntervalMinutes: 5},
		})
		require.NoError(t, err)
		assert.True(t, updated.IsActive)
		assert.Equal(t, "Scheduled", updated.Name)

		scheduled, err = store.GetScheduledWorkflows(ctx)
		require.NoError(t, err)
		assert.Contains(t, workflowIDs(scheduled), wf.ID)

		list, err := store.ListWorkflows(ctx, WorkflowFilter{TenantID: "tenant-b", ActiveOnly: true})
		require.NoError(t, err)
		assert.Equal(t, []string{wf.ID}, workflowIDs(list))

		_, err = store.UpdateWorkflow(ctx, "missing", WorkflowUpdate{IsActive: &active})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Delete workflow", func(t *testing.T) {
		wf := &models.Workflow{Name: "Doomed", TenantID: "tenant-c"}
		require.NoError(t, store.CreateWorkflow(ctx, wf))

		require.NoError(t, store.DeleteWorkflow(ctx, wf.ID))
		_, err := store.GetWorkflowByID(ctx, wf.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, store.DeleteWorkflow(ctx, wf.ID), ErrNotFound)
	})

	t.Run("Runs and events", func(t *testing.T) {
		runID, err := store.RecordRunStart(ctx, "wf-1", "tenant-a", map[string]interface{}{"triggeredBy": "test"})
		require.NoError(t, err)

		require.NoError(t, store.RecordStepEvent(ctx, runID, "wf-1", "", models.EventRunStarted, nil))
		require.NoError(t, store.RecordStepEvent(ctx, runID, "wf-1", "s1", models.EventStepStarted, map[string]interface{}{"type": "log"}))
		require.NoError(t, store.RecordStepEvent(ctx, runID, "wf-1", "s1", models.EventStepCompleted, nil))

		require.NoError(t, store.RecordRunEnd(ctx, runID, models.RunStatusCompleted, map[string]interface{}{"s1": map[string]interface{}{"status": "success"}}, ""))
		assert.ErrorIs(t, store.RecordRunEnd(ctx, runID, models.RunStatusFailed, nil, "late"), ErrConflict)

		run, err := store.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusCompleted, run.Status)
		assert.NotNil(t, run.EndedAt)
		assert.Equal(t, "test", run.Context["triggeredBy"])

		events, err := store.ListEvents(ctx, runID)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, models.EventRunStarted, events[0].EventType)
		assert.Equal(t, models.EventStepStarted, events[1].EventType)
		assert.Equal(t, "log", events[1].Payload["type"])
		assert.Equal(t, models.EventStepCompleted, events[2].EventType)

		runs, err := store.ListRuns(ctx, "wf-1", 10)
		require.NoError(t, err)
		assert.Len(t, runs, 1)
	})

	t.Run("Approval transitions are at most once", func(t *testing.T) {
		action := &models.PendingAction{
			ActionType:  models.ActionCreateWorkflow,
			Payload:     json.RawMessage(`{"name":"x"}`),
			ImpactLevel: models.ImpactCritical,
			TenantID:    "tenant-c",
		}
		require.NoError(t, store.CreatePendingAction(ctx, action))

		pending, err := store.ListPendingActions(ctx, "tenant-c", 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, models.ImpactCritical, pending[0].ImpactLevel)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				to := models.ActionStatusApproved
				if i%2 == 1 {
					to = models.ActionStatusRejected
				}
				ok, err := store.TransitionPendingAction(ctx, action.ID, to, "operator", "", time.Now().UTC())
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())

		ok, err := store.TransitionPendingAction(ctx, "missing", models.ActionStatusApproved, "operator", "", time.Now().UTC())
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := store.GetPendingAction(ctx, action.ID)
		require.NoError(t, err)
		assert.NotEqual(t, models.ActionStatusPending, got.Status)
		assert.Equal(t, "operator", got.ProcessedBy)
		assert.NotNil(t, got.ProcessedAt)
		assert.JSONEq(t, `{"name":"x"}`, string(got.Payload))

		stats, err := store.CountActions(ctx, "tenant-c")
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Pending)
		assert.Equal(t, 1, stats.Approved+stats.Rejected)
	})

	t.Run("Recovery claim and history", func(t *testing.T) {
		event := &models.RecoveryEvent{WorkflowID: "wf-1", StepID: "s1", Attempt: 1, Status: models.RecoveryStatusPending}
		require.NoError(t, store.CreateRecoveryEvent(ctx, event))

		claimedAt := time.Now().UTC().Truncate(time.Millisecond)
		ok, err := store.ClaimRecoveryEvent(ctx, event.ID, claimedAt, claimedAt.Add(-time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = store.ClaimRecoveryEvent(ctx, event.ID, claimedAt, claimedAt.Add(-time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := store.GetRecoveryEvent(ctx, event.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RecoveryStatusRetrying, got.Status)
		require.NotNil(t, got.ClaimedAt)
		assert.True(t, got.ClaimedAt.Equal(claimedAt))

		// a claim older than staleBefore is taken over
		later := claimedAt.Add(time.Hour)
		ok, err = store.ClaimRecoveryEvent(ctx, event.ID, later, later.Add(-time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)

		active, err := store.ListActiveRecoveryEvents(ctx, 10)
		require.NoError(t, err)
		assert.Contains(t, recoveryIDs(active), event.ID)

		resolved := time.Now().UTC()
		event.Status = models.RecoveryStatusSucceeded
		event.Attempt = 2
		event.ResolvedAt = &resolved
		require.NoError(t, store.UpdateRecoveryEvent(ctx, event))

		active, err = store.ListActiveRecoveryEvents(ctx, 10)
		require.NoError(t, err)
		assert.NotContains(t, recoveryIDs(active), event.ID)

		history, err := store.ListRecoveryHistory(ctx, 10)
		require.NoError(t, err)
		assert.Contains(t, recoveryIDs(history), event.ID)
	})

	t.Run("Tenants", func(t *testing.T) {
		tenant := &models.Tenant{Name: "Local", Domain: "localhost"}
		require.NoError(t, store.CreateTenant(ctx, tenant))

		got, err := store.GetTenantByDomain(ctx, "localhost")
		require.NoError(t, err)
		assert.Equal(t, tenant.ID, got.ID)

		_, err = store.GetTenantByDomain(ctx, "nowhere")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func workflowIDs(wfs []*models.Workflow) []string {
	ids := make([]string, 0, len(wfs))
	for _, wf := range wfs {
		ids = append(ids, wf.ID)
	}
	return ids
}

func recoveryIDs(events []*models.RecoveryEvent) []string {
	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	return ids
}
