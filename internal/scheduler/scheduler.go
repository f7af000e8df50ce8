// Package scheduler polls for due workflows and runs them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"workflow-orchestrator/internal/logging"
	"workflow-orchestrator/internal/recovery"
	"workflow-orchestrator/internal/repository"
	"workflow-orchestrator/pkg/models"
)

// DefaultInterval is the polling period of Start.
const DefaultInterval = 60 * time.Second

// TriggeredBy is the run context value for scheduled runs.
const TriggeredBy = "scheduler"

// ErrAlreadyStarted is returned by Start on a running scheduler.
var ErrAlreadyStarted = errors.New("scheduler already started")

// WorkflowRunner executes one workflow run. *runner.Runner implements it.
type WorkflowRunner interface {
	Run(ctx context.Context, wf *models.Workflow, runCtx map[string]interface{}) (*models.RunResult, error)
}

// QueueProcessor drains the recovery queue. *recovery.Engine implements it.
type QueueProcessor interface {
	ProcessQueue(ctx context.Context, maxItems int) (*recovery.QueueResult, error)
}

// Recorder receives tick metrics.
type Recorder interface {
	TickCompleted(due, failed int, duration time.Duration)
}

// TickSummary reports one polling pass.
type TickSummary struct {
	Due      int                   `json:"due"`
	RanCount int                   `json:"ran_count"`
	Failed   int                   `json:"failed"`
	RunIDs   []string              `json:"run_ids"`
	Recovery *recovery.QueueResult `json:"recovery,omitempty"`
}

// Scheduler owns the polling loop. Tick is shared by the loop and by
// one-shot callers such as an external cron.
type Scheduler struct {
	workflows repository.WorkflowStore
	runner    WorkflowRunner
	logger    *logging.Logger

	interval      time.Duration
	recovery      QueueProcessor
	recoveryBatch int
	recorder      Recorder
	now           func() time.Time

	mu      sync.Mutex
	tickMu  sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the polling period.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRecovery drains up to batch recovery events at the end of every tick.
func WithRecovery(p QueueProcessor, batch int) Option {
	return func(s *Scheduler) {
		s.recovery = p
		s.recoveryBatch = batch
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a Scheduler. Nothing runs until Start or Tick.
func NewScheduler(workflows repository.WorkflowStore, runner WorkflowRunner, logger *logging.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		workflows: workflows,
		runner:    runner,
		logger:    logger,
		interval:  DefaultInterval,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tick runs every due workflow once and reschedules it whatever the outcome.
// Concurrent calls are serialised.
func (s *Scheduler) Tick(ctx context.Context) (*TickSummary, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	started := time.Now()
	workflows, err := s.workflows.GetScheduledWorkflows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled workflows: %w", err)
	}

	summary := &TickSummary{RunIDs: []string{}}
	for _, wf := range workflows {
		if err := ctx.Err(); err != nil {
			break
		}
		now := s.now()
		if !IsDue(wf.Schedule, now) {
			continue
		}
		summary.Due++

		log := s.logger.With("workflow_id", wf.ID)
		res, runErr := s.runner.Run(ctx, wf, map[string]interface{}{"triggeredBy": TriggeredBy})
		summary.RanCount++
		switch {
		case runErr != nil:
			summary.Failed++
			log.Error("scheduled run failed", "error", runErr)
		case res.Status == models.RunStatusFailed:
			summary.Failed++
			summary.RunIDs = append(summary.RunIDs, res.RunID)
			log.Warn("scheduled run finished with failure", "run_id", res.RunID, "error", res.Error)
		default:
			summary.RunIDs = append(summary.RunIDs, res.RunID)
		}

		next := *wf.Schedule
		next.LastRunAt = now
		next.NextRunAt = NextRun(wf.Schedule, now)
		if _, err := s.workflows.UpdateWorkflow(context.WithoutCancel(ctx), wf.ID, repository.WorkflowUpdate{Schedule: &next}); err != nil {
			log.Error("failed to reschedule workflow", "error", err)
		}
	}

	if s.recovery != nil && ctx.Err() == nil {
		out, err := s.recovery.ProcessQueue(ctx, s.recoveryBatch)
		if err != nil {
			s.logger.Error("recovery pass failed", "error", err)
		} else {
			summary.Recovery = out
		}
	}

	if s.recorder != nil {
		s.recorder.TickCompleted(summary.Due, summary.Failed, time.Since(started))
	}
	if summary.Due > 0 {
		s.logger.Info("scheduler tick", "due", summary.Due, "ran", summary.RanCount, "failed", summary.Failed)
	}
	return summary, nil
}

// IsDue reports whether a schedule should run at now: next_run_at has
// passed (when set) and a full interval has elapsed since last_run_at
// (when set).
func IsDue(sc *models.ScheduleConfig, now time.Time) bool {
	if sc == nil || !sc.Enabled {
		return false
	}
	if !sc.NextRunAt.IsZero() && now.Before(sc.NextRunAt) {
		return false
	}
	if !sc.LastRunAt.IsZero() && now.Sub(sc.LastRunAt) < sc.Interval() {
		return false
	}
	return true
}

// NextRun is the next activation after now: the cron expression's next
// time when it parses, otherwise now plus the interval.
func NextRun(sc *models.ScheduleConfig, now time.Time) time.Time {
	if sc.CronExpression != "" {
		sched, err := cron.ParseStandard(sc.CronExpression)
		if err == nil {
			return sched.Next(now)
		}
	}
	return now.Add(sc.Interval())
}

// ValidateCron reports whether expr is a valid standard cron expression.
func ValidateCron(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Start launches the polling loop. It ticks immediately and then every interval.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})

	go s.loop(ctx, s.stopped)
	s.logger.Info("scheduler started", "interval", s.interval.String())
	return nil
}

func (s *Scheduler) loop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil {
			s.logger.Error("scheduler tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop cancels the loop and waits for the current tick to finish. It is a
// no-op on a scheduler that is not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel, s.stopped = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
	s.logger.Info("scheduler stopped")
}
