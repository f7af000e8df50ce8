package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-orchestrator/internal/approval"
	"workflow-orchestrator/internal/logging"
	"workflow-orchestrator/internal/repository"
	"workflow-orchestrator/internal/runner"
	"workflow-orchestrator/pkg/models"
)

func newTestService(t *testing.T) (*WorkflowService, *repository.MemoryStore) {
	t.Helper()
	store, err := repository.NewMemoryStore()
	require.NoError(t, err)
	logger := logging.NewNop()
	r := runner.NewRunner(store, logger, runner.WithSleep(func(context.Context, time.Duration) error { return nil }))
	svc := NewWorkflowService(store, store, approval.NewQueue(store, logger), r, logger)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return svc, store
}

func emailWorkflow() *models.Workflow {
	return &models.Workflow{
		Name:     "Test",
		TenantID: "tenant-a",
		OwnerID:  "owner-1",
		Steps: []models.WorkflowStep{
			{ID: "s1", Type: models.StepTypeLog, Config: map[string]interface{}{"message": "hi"}, NextStepIDs: []string{"s2"}},
			{ID: "s2", Type: models.StepTypeEmail, Config: map[string]interface{}{"to": "a@b.com"}, NextStepIDs: []string{}},
		},
	}
}

func TestSubmitWorkflow_SafeIsCreated(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	res, err := svc.SubmitWorkflow(ctx, &models.Workflow{
		Name:     "Log only",
		TenantID: "tenant-a",
		IsActive: true,
		Steps:    []models.WorkflowStep{{Type: models.StepTypeLog}},
	})
	require.NoError(t, err)

	assert.Equal(t, SubmitCreated, res.Status)
	assert.Equal(t, models.ImpactSafe, res.ImpactLevel)
	assert.Empty(t, res.ApprovalID)

	wf, err := store.GetWorkflowByID(ctx, res.WorkflowID)
	require.NoError(t, err)
	assert.False(t, wf.IsActive)
	assert.Equal(t, "step_1", wf.Steps[0].ID)

	pending, err := svc.ListPendingApprovals(ctx, "tenant-a", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSubmitWorkflow_CriticalApproveAndRun(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	submitted, err := svc.SubmitWorkflow(ctx, emailWorkflow())
	require.NoError(t, err)
	assert.Equal(t, SubmitPendingApproval, submitted.Status)
	assert.Equal(t, models.ImpactCritical, submitted.ImpactLevel)
	require.NotEmpty(t, submitted.ApprovalID)
	assert.Empty(t, submitted.WorkflowID)

	all, err := store.ListWorkflows(ctx, repository.WorkflowFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)

	outcome, err := svc.ApproveAction(ctx, "tenant-a", submitted.ApprovalID, "admin")
	require.NoError(t, err)
	assert.True(t, outcome.Approved)
	assert.Equal(t, models.ActionCreateWorkflow, outcome.ActionType)
	require.NotEmpty(t, outcome.WorkflowID)

	wf, err := svc.GetWorkflow(ctx, "tenant-a", outcome.WorkflowID)
	require.NoError(t, err)
	assert.False(t, wf.IsActive)
	assert.Equal(t, "Test", wf.Name)

	again, err := svc.ApproveAction(ctx, "tenant-a", submitted.ApprovalID, "admin")
	require.NoError(t, err)
	assert.False(t, again.Approved)

	res, err := svc.RunWorkflow(ctx, "tenant-a", outcome.WorkflowID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPendingApproval, res.Status)
	assert.Equal(t, 2, res.StepsExecuted)
	require.Len(t, res.PendingApprovals, 1)
	assert.Equal(t, "s2", res.PendingApprovals[0].StepID)
	assert.Equal(t, "a@b.com", res.PendingApprovals[0].To)

	pending, err := svc.ListPendingApprovals(ctx, "tenant-a", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.ActionSendEmail, pending[0].ActionType)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(pending[0].Payload, &payload))
	assert.Equal(t, res.RunID, payload["run_id"])
	assert.Equal(t, "a@b.com", payload["to"])

	stats, err := svc.ApprovalStats(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStats{Pending: 1, Approved: 1}, stats)
}

func TestApproveAction_MissingAndForeign(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	outcome, err := svc.ApproveAction(ctx, "", "missing", "admin")
	require.NoError(t, err)
	assert.False(t, outcome.Approved)

	submitted, err := svc.SubmitWorkflow(ctx, emailWorkflow())
	require.NoError(t, err)

	outcome, err = svc.ApproveAction(ctx, "tenant-b", submitted.ApprovalID, "intruder")
	require.NoError(t, err)
	assert.False(t, outcome.Approved)

	ok, err := svc.RejectAction(ctx, "tenant-b", submitted.ApprovalID, "intruder", "no")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.RejectAction(ctx, "tenant-a", submitted.ApprovalID, "admin", "too risky")
	require.NoError(t, err)
	assert.True(t, ok)

	outcome, err = svc.ApproveAction(ctx, "tenant-a", submitted.ApprovalID, "admin")
	require.NoError(t, err)
	assert.False(t, outcome.Approved)
}

func TestApproveAction_UnreadablePayloadStaysPending(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	action := &models.PendingAction{
		ActionType:  models.ActionCreateWorkflow,
		Payload:     json.RawMessage(`{"name":"broken","steps":"not-a-list"}`),
		ImpactLevel: models.ImpactCritical,
		TenantID:    "tenant-a",
	}
	require.NoError(t, store.CreatePendingAction(ctx, action))

	outcome, err := svc.ApproveAction(ctx, "tenant-a", action.ID, "admin")
	require.Error(t, err)
	assert.False(t, outcome.Approved)

	got, err := store.GetPendingAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusPending, got.Status)

	all, err := store.ListWorkflows(ctx, repository.WorkflowFilter{TenantID: "tenant-a"})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestApproveAction_ConcurrentCreatesOneWorkflow(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	submitted, err := svc.SubmitWorkflow(ctx, emailWorkflow())
	require.NoError(t, err)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*ApprovalOutcome, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := svc.ApproveAction(ctx, "tenant-a", submitted.ApprovalID, "admin")
			assert.NoError(t, err)
			results[i] = out
		}(i)
	}
	wg.Wait()

	approved := 0
	var workflowID string
	for _, out := range results {
		if out != nil && out.Approved {
			approved++
			workflowID = out.WorkflowID
		}
	}
	assert.Equal(t, 1, approved)

	all, err := store.ListWorkflows(ctx, repository.WorkflowFilter{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, workflowID, all[0].ID)
}

func TestSubmitWorkflow_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.SubmitWorkflow(ctx, &models.Workflow{Name: "  "})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = svc.SubmitWorkflow(ctx, &models.Workflow{Name: "bad cron", Schedule: &models.ScheduleConfig{Enabled: true, CronExpression: "often"}})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = svc.SubmitWorkflow(ctx, &models.Workflow{Name: "no interval", Schedule: &models.ScheduleConfig{Enabled: true}})
	assert.ErrorIs(t, err, ErrInvalid)

	res, err := svc.SubmitWorkflow(ctx, &models.Workflow{Name: "empty"})
	require.NoError(t, err)
	assert.Equal(t, SubmitCreated, res.Status)
}

func TestTriggerRun(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	res, err := svc.SubmitWorkflow(ctx, &models.Workflow{
		Name:     "async",
		TenantID: "tenant-a",
		Steps:    []models.WorkflowStep{{ID: "s1", Type: models.StepTypeDelay, Config: map[string]interface{}{"seconds": 1}}},
	})
	require.NoError(t, err)

	runID, err := svc.TriggerRun(ctx, "tenant-a", res.WorkflowID, map[string]interface{}{"triggeredBy": "api"})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	require.Eventually(t, func() bool {
		run, err := store.GetRun(ctx, runID)
		return err == nil && run.Status == models.RunStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	events, err := svc.ListEvents(ctx, "tenant-a", runID)
	require.NoError(t, err)
	assert.NotEmpty(t, events)

	_, err = svc.ListEvents(ctx, "tenant-b", runID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, svc.Shutdown(ctx))
	_, err = svc.TriggerRun(ctx, "tenant-a", res.WorkflowID, nil)
	assert.Error(t, err)
}

func TestTenantIsolation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.SubmitWorkflow(ctx, &models.Workflow{Name: "mine", TenantID: "tenant-a", Steps: []models.WorkflowStep{{Type: models.StepTypeLog}}})
	require.NoError(t, err)

	_, err = svc.GetWorkflow(ctx, "tenant-b", res.WorkflowID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = svc.RunWorkflow(ctx, "tenant-b", res.WorkflowID, nil)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = svc.SetActive(ctx, "tenant-b", res.WorkflowID, true)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = svc.RunWorkflow(ctx, "tenant-a", res.WorkflowID, nil)
	require.NoError(t, err)

	runs, err := svc.ListRuns(ctx, "tenant-a", res.WorkflowID, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	runs, err = svc.ListRuns(ctx, "tenant-b", "", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSetActiveAndSchedule(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	res, err := svc.SubmitWorkflow(ctx, &models.Workflow{Name: "cadence", Steps: []models.WorkflowStep{{Type: models.StepTypeLog}}})
	require.NoError(t, err)

	wf, err := svc.SetActive(ctx, "", res.WorkflowID, true)
	require.NoError(t, err)
	assert.True(t, wf.IsActive)

	last := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = store.UpdateWorkflow(ctx, res.WorkflowID, repository.WorkflowUpdate{Schedule: &models.ScheduleConfig{Enabled: true, IntervalMinutes: 5, LastRunAt: last}})
	require.NoError(t, err)

	wf, err = svc.UpdateSchedule(ctx, "", res.WorkflowID, models.ScheduleConfig{Enabled: true, IntervalMinutes: 30})
	require.NoError(t, err)
	assert.Equal(t, 30, wf.Schedule.IntervalMinutes)
	assert.True(t, wf.Schedule.LastRunAt.Equal(last))
	assert.True(t, wf.Schedule.NextRunAt.IsZero())

	_, err = svc.UpdateSchedule(ctx, "", res.WorkflowID, models.ScheduleConfig{Enabled: true, CronExpression: "bogus"})
	assert.ErrorIs(t, err, ErrInvalid)

	scheduled, err := store.GetScheduledWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
}
