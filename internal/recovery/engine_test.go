package recovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-orchestrator/internal/logging"
	"workflow-orchestrator/internal/notify"
	"workflow-orchestrator/internal/repository"
	"workflow-orchestrator/internal/runner"
	"workflow-orchestrator/pkg/models"
)

type countingNotifier struct {
	calls atomic.Int32
	last  notify.Escalation
	mu    sync.Mutex
}

func (n *countingNotifier) Notify(_ context.Context, e notify.Escalation) error {
	n.calls.Add(1)
	n.mu.Lock()
	n.last = e
	n.mu.Unlock()
	return nil
}

type sleepLog struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepLog) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return nil
}

func failing(context.Context, *models.RecoveryEvent) error { return errors.New("still down") }

func newTestEngine(t *testing.T, retrier Retrier, opts ...Option) (*Engine, *repository.MemoryStore, *countingNotifier, *sleepLog) {
	t.Helper()
	store, err := repository.NewMemoryStore()
	require.NoError(t, err)
	n := &countingNotifier{}
	s := &sleepLog{}
	opts = append([]Option{WithNotifier(n), WithSleep(s.sleep)}, opts...)
	return NewEngine(store, retrier, logging.NewNop(), opts...), store, n, s
}

func TestDelay_GrowsThenPlateaus(t *testing.T) {
	cfg := DefaultRetryConfig()
	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60}
	for i, w := range want {
		assert.Equal(t, w*time.Second, Delay(cfg, i+1), "attempt %d", i+1)
	}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := Delay(cfg, attempt)
		if d < 60*time.Second {
			assert.Greater(t, d, prev)
		} else {
			assert.Equal(t, 60*time.Second, d)
		}
		prev = d
	}
}

func TestDelay_CustomConfig(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, InitialDelaySeconds: 0.5, MaxDelaySeconds: 3, BackoffMultiplier: 3}
	assert.Equal(t, 500*time.Millisecond, Delay(cfg, 1))
	assert.Equal(t, 1500*time.Millisecond, Delay(cfg, 2))
	assert.Equal(t, 3*time.Second, Delay(cfg, 3))
	assert.Equal(t, 3*time.Second, Delay(cfg, 9))
}

func TestRecordFailure(t *testing.T) {
	e, store, _, _ := newTestEngine(t, RetrierFunc(failing))
	ctx := context.Background()

	id, err := e.RecordFailure(ctx, "wf-1", "run-1", "s1", "timeout", "deadline exceeded")
	require.NoError(t, err)

	event, err := store.GetRecoveryEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, event.Attempt)
	assert.Equal(t, models.RecoveryStatusPending, event.Status)
	assert.True(t, event.Active())
}

func TestAttemptRetry_Success(t *testing.T) {
	var retried atomic.Int32
	e, store, n, s := newTestEngine(t, RetrierFunc(func(context.Context, *models.RecoveryEvent) error {
		retried.Add(1)
		return nil
	}))
	ctx := context.Background()
	id, err := e.RecordFailure(ctx, "wf-1", "run-1", "s1", "network", "refused")
	require.NoError(t, err)

	res, err := e.AttemptRetry(ctx, id, DefaultRetryConfig())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.False(t, res.Escalated)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, int32(1), retried.Load())
	assert.Equal(t, []time.Duration{time.Second}, s.waits)
	assert.Equal(t, int32(0), n.calls.Load())

	event, err := store.GetRecoveryEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.RecoveryStatusSucceeded, event.Status)
	assert.False(t, event.Active())

	_, err = e.AttemptRetry(ctx, id, DefaultRetryConfig())
	assert.ErrorIs(t, err, ErrResolved)
}

func TestAttemptRetry_EscalatesExactlyOnce(t *testing.T) {
	e, store, n, s := newTestEngine(t, RetrierFunc(failing))
	ctx := context.Background()
	cfg := DefaultRetryConfig()

	id, err := e.RecordFailure(ctx, "wf-1", "run-1", "s1", "http_503", "http status 503")
	require.NoError(t, err)

	first, err := e.AttemptRetry(ctx, id, cfg)
	require.NoError(t, err)
	assert.False(t, first.Success)
	assert.Equal(t, 2, first.Attempts)
	assert.Equal(t, models.RecoveryStatusPending, first.Status)

	second, err := e.AttemptRetry(ctx, id, cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, second.Attempts)

	third, err := e.AttemptRetry(ctx, id, cfg)
	require.NoError(t, err)
	assert.True(t, third.Escalated)
	assert.False(t, third.Success)
	assert.Equal(t, 3, third.Attempts)

	_, err = e.AttemptRetry(ctx, id, cfg)
	assert.ErrorIs(t, err, ErrResolved)

	assert.Equal(t, int32(1), n.calls.Load())
	assert.Equal(t, "s1", n.last.StepID)
	assert.Equal(t, "still down", n.last.ErrorMessage)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, s.waits)

	active, err := e.ListActive(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, active)

	history, err := e.ListHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Escalated)
	assert.Equal(t, models.RecoveryStatusFailed, history[0].Status)

	event, err := store.GetRecoveryEvent(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, event.ResolvedAt)
}

func TestAttemptRetry_ConcurrentEscalation(t *testing.T) {
	e, store, n, _ := newTestEngine(t, RetrierFunc(failing))
	ctx := context.Background()

	event := &models.RecoveryEvent{WorkflowID: "wf-1", StepID: "s1", Attempt: 3, Status: models.RecoveryStatusPending}
	require.NoError(t, store.CreateRecoveryEvent(ctx, event))

	var escalated atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.AttemptRetry(ctx, event.ID, DefaultRetryConfig())
			if err != nil {
				assert.True(t, errors.Is(err, ErrInProgress) || errors.Is(err, ErrResolved), err.Error())
				return
			}
			if res.Escalated {
				escalated.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), escalated.Load())
	assert.Equal(t, int32(1), n.calls.Load())
}

func TestAttemptRetry_BlockingIsCapped(t *testing.T) {
	e, _, _, s := newTestEngine(t, RetrierFunc(failing))
	ctx := context.Background()
	id, err := e.RecordFailure(ctx, "wf-1", "", "s1", "timeout", "slow")
	require.NoError(t, err)

	res, err := e.AttemptRetry(ctx, id, RetryConfig{MaxAttempts: 5, InitialDelaySeconds: 30, MaxDelaySeconds: 120, BackoffMultiplier: 2})
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, res.Delay)
	assert.Equal(t, []time.Duration{MaxBlockingDelay}, s.waits)
}

func TestAttemptRetry_CancelledWaitReleasesClaim(t *testing.T) {
	store, err := repository.NewMemoryStore()
	require.NoError(t, err)
	e := NewEngine(store, RetrierFunc(failing), logging.NewNop(),
		WithSleep(func(context.Context, time.Duration) error { return context.Canceled }))
	ctx := context.Background()

	id, err := e.RecordFailure(ctx, "wf-1", "", "s1", "timeout", "slow")
	require.NoError(t, err)

	_, err = e.AttemptRetry(ctx, id, DefaultRetryConfig())
	assert.ErrorIs(t, err, context.Canceled)

	event, err := store.GetRecoveryEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.RecoveryStatusPending, event.Status)
	assert.Equal(t, 1, event.Attempt)
}

func TestAttemptRetry_Missing(t *testing.T) {
	e, _, _, _ := newTestEngine(t, RetrierFunc(failing))
	_, err := e.AttemptRetry(context.Background(), "missing", DefaultRetryConfig())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestProcessQueue(t *testing.T) {
	e, store, n, _ := newTestEngine(t, RetrierFunc(func(_ context.Context, ev *models.RecoveryEvent) error {
		if ev.StepID == "ok" {
			return nil
		}
		return errors.New("still down")
	}))
	ctx := context.Background()

	_, err := e.RecordFailure(ctx, "wf-1", "", "ok", "network", "refused")
	require.NoError(t, err)
	_, err = e.RecordFailure(ctx, "wf-1", "", "bad", "network", "refused")
	require.NoError(t, err)
	exhausted := &models.RecoveryEvent{WorkflowID: "wf-2", StepID: "done", Attempt: 3, Status: models.RecoveryStatusPending}
	require.NoError(t, store.CreateRecoveryEvent(ctx, exhausted))

	out, err := e.ProcessQueue(ctx, 10)
	require.NoError(t, err)

	assert.Equal(t, 3, out.Processed)
	assert.Equal(t, 1, out.Remaining)
	assert.Equal(t, int32(1), n.calls.Load())

	var succeeded, escalated int
	for _, r := range out.Results {
		if r.Success {
			succeeded++
		}
		if r.Escalated {
			escalated++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, escalated)

	out, err = e.ProcessQueue(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Processed)
}

func TestProcessQueue_TakesOverStaleClaim(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	e, store, _, _ := newTestEngine(t, RetrierFunc(func(context.Context, *models.RecoveryEvent) error { return nil }),
		WithClock(func() time.Time { return now }),
		WithClaimTimeout(time.Minute))
	ctx := context.Background()

	stale := now.Add(-5 * time.Minute)
	abandoned := &models.RecoveryEvent{WorkflowID: "wf-1", StepID: "s1", Attempt: 1, Status: models.RecoveryStatusRetrying, ClaimedAt: &stale}
	require.NoError(t, store.CreateRecoveryEvent(ctx, abandoned))
	fresh := now.Add(-10 * time.Second)
	held := &models.RecoveryEvent{WorkflowID: "wf-1", StepID: "s2", Attempt: 1, Status: models.RecoveryStatusRetrying, ClaimedAt: &fresh}
	require.NoError(t, store.CreateRecoveryEvent(ctx, held))

	out, err := e.ProcessQueue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Processed)
	require.Len(t, out.Results, 1)
	assert.Equal(t, abandoned.ID, out.Results[0].EventID)
	assert.True(t, out.Results[0].Success)

	got, err := store.GetRecoveryEvent(ctx, abandoned.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecoveryStatusSucceeded, got.Status)
	assert.Nil(t, got.ClaimedAt)

	got, err = store.GetRecoveryEvent(ctx, held.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecoveryStatusRetrying, got.Status)
}

func TestAttemptRetry_FailureReleasesClaim(t *testing.T) {
	e, store, _, _ := newTestEngine(t, RetrierFunc(failing))
	ctx := context.Background()

	id, err := e.RecordFailure(ctx, "wf-1", "", "s1", "network", "refused")
	require.NoError(t, err)
	_, err = e.AttemptRetry(ctx, id, DefaultRetryConfig())
	require.NoError(t, err)

	got, err := store.GetRecoveryEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.RecoveryStatusPending, got.Status)
	assert.Nil(t, got.ClaimedAt)
}

func TestStepRetrier(t *testing.T) {
	ctx := context.Background()
	store, err := repository.NewMemoryStore()
	require.NoError(t, err)
	r := runner.NewRunner(store, logging.NewNop())

	wf := &models.Workflow{Name: "retry me", Steps: []models.WorkflowStep{
		{ID: "s1", Type: models.StepTypeLog, Config: map[string]interface{}{"message": "again"}},
		{ID: "s2", Type: "bogus"},
	}}
	require.NoError(t, store.CreateWorkflow(ctx, wf))
	runID, err := store.RecordRunStart(ctx, wf.ID, "", map[string]interface{}{"triggeredBy": "test"})
	require.NoError(t, err)

	retrier := NewStepRetrier(store, store, r)

	err = retrier.Retry(ctx, &models.RecoveryEvent{ID: "rec-1", WorkflowID: wf.ID, RunID: runID, StepID: "s1", Attempt: 2})
	require.NoError(t, err)

	events, err := store.ListEvents(ctx, runID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventStepCompleted, events[0].EventType)
	assert.Equal(t, true, events[0].Payload["recovered"])

	err = retrier.Retry(ctx, &models.RecoveryEvent{WorkflowID: wf.ID, StepID: "s2"})
	assert.Error(t, err)

	err = retrier.Retry(ctx, &models.RecoveryEvent{WorkflowID: "missing", StepID: "s1"})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
