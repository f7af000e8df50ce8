// Package recovery tracks failed steps and retries them with bounded
// exponential backoff, escalating to an operator once retries run out.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sethvargo/go-retry"

	"workflow-orchestrator/internal/logging"
	"workflow-orchestrator/internal/notify"
	"workflow-orchestrator/internal/repository"
	"workflow-orchestrator/pkg/models"
)

// MaxBlockingDelay bounds how long AttemptRetry actually sleeps. Longer
// backoff delays are reported but not slept.
const MaxBlockingDelay = 5 * time.Second

// DefaultClaimTimeout is how long a retry may hold an event before another
// caller may take it over.
const DefaultClaimTimeout = 10 * time.Minute

var (
	// ErrResolved is returned when retrying an event that is already history.
	ErrResolved = errors.New("recovery event already resolved")
	// ErrInProgress is returned when another caller holds the event.
	ErrInProgress = errors.New("recovery event is being retried")
)

// RetryConfig bounds the retries of one event.
type RetryConfig struct {
	MaxAttempts         int     `json:"max_attempts"`
	InitialDelaySeconds float64 `json:"initial_delay_seconds"`
	MaxDelaySeconds     float64 `json:"max_delay_seconds"`
	BackoffMultiplier   float64 `json:"backoff_multiplier"`
}

// DefaultRetryConfig is used by ProcessQueue and whenever a field is unset.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:         3,
		InitialDelaySeconds: 1,
		MaxDelaySeconds:     60,
		BackoffMultiplier:   2,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialDelaySeconds <= 0 {
		c.InitialDelaySeconds = d.InitialDelaySeconds
	}
	if c.MaxDelaySeconds <= 0 {
		c.MaxDelaySeconds = d.MaxDelaySeconds
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	return c
}

// Backoff returns the go-retry backoff for cfg: initial * multiplier^n,
// capped at the maximum delay.
func Backoff(cfg RetryConfig) retry.Backoff {
	cfg = cfg.withDefaults()
	initial := seconds(cfg.InitialDelaySeconds)
	var n float64
	next := retry.BackoffFunc(func() (time.Duration, bool) {
		f := float64(initial) * math.Pow(cfg.BackoffMultiplier, n)
		n++
		if f > math.MaxInt64/2 {
			f = math.MaxInt64 / 2
		}
		return time.Duration(f), false
	})
	return retry.WithCappedDuration(seconds(cfg.MaxDelaySeconds), next)
}

// Delay is the backoff before the given attempt:
// min(initial * multiplier^(attempt-1), max).
func Delay(cfg RetryConfig, attempt int) time.Duration {
	b := Backoff(cfg)
	var d time.Duration
	for i := 0; i < max(attempt, 1); i++ {
		d, _ = b.Next()
	}
	return d
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Retrier re-attempts the operation behind a recovery event.
type Retrier interface {
	Retry(ctx context.Context, event *models.RecoveryEvent) error
}

// RetrierFunc adapts a function to Retrier.
type RetrierFunc func(ctx context.Context, event *models.RecoveryEvent) error

// Retry calls f.
func (f RetrierFunc) Retry(ctx context.Context, event *models.RecoveryEvent) error {
	return f(ctx, event)
}

// Recorder receives recovery outcomes for metrics.
type Recorder interface {
	RecoveryAttempted(outcome models.RecoveryStatus)
}

// RetryResult is the outcome of one AttemptRetry call.
type RetryResult struct {
	EventID   string                `json:"event_id"`
	Success   bool                  `json:"success"`
	Escalated bool                  `json:"escalated"`
	Attempts  int                   `json:"attempts"`
	Status    models.RecoveryStatus `json:"status"`
	Delay     time.Duration         `json:"delay"`
	Error     string                `json:"error,omitempty"`
}

// QueueResult summarises a ProcessQueue pass.
type QueueResult struct {
	Processed int           `json:"processed"`
	Results   []RetryResult `json:"results"`
	Remaining int           `json:"remaining"`
}

// Engine owns the recovery queue.
type Engine struct {
	store    repository.RecoveryStore
	retrier  Retrier
	notifier notify.Notifier
	logger   *logging.Logger
	recorder Recorder
	config   RetryConfig
	claimTTL time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the config ProcessQueue uses.
func WithConfig(cfg RetryConfig) Option {
	return func(e *Engine) { e.config = cfg.withDefaults() }
}

// WithClaimTimeout sets how old a claim must be before it is taken over.
func WithClaimTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.claimTTL = d
		}
	}
}

// WithNotifier sets the escalation channel.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithSleep replaces the backoff wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine. Escalations go to the log unless a notifier is set.
func NewEngine(store repository.RecoveryStore, retrier Retrier, logger *logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		retrier:  retrier,
		notifier: notify.NewLog(logger),
		logger:   logger,
		config:   DefaultRetryConfig(),
		claimTTL: DefaultClaimTimeout,
		sleep:    sleepContext,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the retry config used by ProcessQueue.
func (e *Engine) Config() RetryConfig {
	return e.config
}

// RecordFailure adds a failed step to the active queue at attempt 1.
func (e *Engine) RecordFailure(ctx context.Context, workflowID, runID, stepID, errorType, message string) (string, error) {
	event := &models.RecoveryEvent{
		WorkflowID:   workflowID,
		RunID:        runID,
		StepID:       stepID,
		ErrorType:    errorType,
		ErrorMessage: message,
		Attempt:      1,
		Status:       models.RecoveryStatusPending,
		CreatedAt:    e.now(),
	}
	if err := e.store.CreateRecoveryEvent(ctx, event); err != nil {
		return "", fmt.Errorf("failed to record failure: %w", err)
	}
	e.logger.Info("step failure recorded", "event_id", event.ID, "workflow_id", workflowID, "step_id", stepID, "error_type", errorType)
	return event.ID, nil
}

// AttemptRetry retries one active event. The event is claimed first so
// concurrent callers cannot both retry or both escalate it.
func (e *Engine) AttemptRetry(ctx context.Context, eventID string, cfg RetryConfig) (*RetryResult, error) {
	cfg = cfg.withDefaults()

	event, err := e.store.GetRecoveryEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !event.Active() {
		return nil, fmt.Errorf("%s: %w", eventID, ErrResolved)
	}

	now := e.now()
	claimed, err := e.store.ClaimRecoveryEvent(ctx, eventID, now, now.Add(-e.claimTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to claim recovery event: %w", err)
	}
	if !claimed {
		return nil, fmt.Errorf("%s: %w", eventID, ErrInProgress)
	}
	// re-read under the claim; a previous holder may have bumped the attempt
	if event, err = e.store.GetRecoveryEvent(ctx, eventID); err != nil {
		return nil, err
	}
	log := e.logger.With("event_id", eventID, "workflow_id", event.WorkflowID, "step_id", event.StepID)

	if event.Attempt >= cfg.MaxAttempts {
		return e.escalate(ctx, event, log)
	}

	delay := Delay(cfg, event.Attempt)
	wait := min(delay, MaxBlockingDelay)
	if err := e.sleep(ctx, wait); err != nil {
		// give the claim back so a later call can pick it up
		event.Status = models.RecoveryStatusPending
		event.ClaimedAt = nil
		if uerr := e.store.UpdateRecoveryEvent(context.WithoutCancel(ctx), event); uerr != nil {
			log.Error("failed to release recovery event", "error", uerr)
		}
		return nil, err
	}

	event.Attempt++
	retryErr := e.retrier.Retry(ctx, event)

	result := &RetryResult{EventID: eventID, Attempts: event.Attempt, Delay: delay}
	if retryErr == nil {
		resolved := e.now()
		event.Status = models.RecoveryStatusSucceeded
		event.ResolvedAt = &resolved
		result.Success = true
		log.Info("recovery succeeded", "attempt", event.Attempt)
	} else {
		event.Status = models.RecoveryStatusPending
		event.ErrorMessage = retryErr.Error()
		result.Error = retryErr.Error()
		log.Warn("recovery attempt failed", "attempt", event.Attempt, "error", retryErr)
	}
	result.Status = event.Status
	event.ClaimedAt = nil

	if err := e.store.UpdateRecoveryEvent(context.WithoutCancel(ctx), event); err != nil {
		return nil, fmt.Errorf("failed to update recovery event: %w", err)
	}
	if e.recorder != nil {
		outcome := event.Status
		if outcome == models.RecoveryStatusPending {
			outcome = models.RecoveryStatusFailed
		}
		e.recorder.RecoveryAttempted(outcome)
	}
	return result, nil
}

// escalate moves a claimed event to history and notifies the operator. The
// claim guarantees this runs at most once per event.
func (e *Engine) escalate(ctx context.Context, event *models.RecoveryEvent, log *logging.Logger) (*RetryResult, error) {
	resolved := e.now()
	event.Status = models.RecoveryStatusFailed
	event.Escalated = true
	event.ClaimedAt = nil
	event.ResolvedAt = &resolved
	if err := e.store.UpdateRecoveryEvent(context.WithoutCancel(ctx), event); err != nil {
		return nil, fmt.Errorf("failed to escalate recovery event: %w", err)
	}

	if err := e.notifier.Notify(ctx, notify.Escalation{
		EventID:      event.ID,
		WorkflowID:   event.WorkflowID,
		RunID:        event.RunID,
		StepID:       event.StepID,
		ErrorType:    event.ErrorType,
		ErrorMessage: event.ErrorMessage,
		Attempts:     event.Attempt,
		At:           resolved,
	}); err != nil {
		log.Error("escalation delivery failed", "error", err)
	}
	log.Warn("recovery escalated", "attempts", event.Attempt)

	if e.recorder != nil {
		e.recorder.RecoveryAttempted(models.RecoveryStatusEscalated)
	}
	return &RetryResult{
		EventID:   event.ID,
		Escalated: true,
		Attempts:  event.Attempt,
		Status:    event.Status,
	}, nil
}

// ProcessQueue runs up to maxItems active events, oldest first, through
// AttemptRetry with the engine config. Events held by another caller are
// skipped.
func (e *Engine) ProcessQueue(ctx context.Context, maxItems int) (*QueueResult, error) {
	if maxItems <= 0 {
		maxItems = 10
	}
	active, err := e.store.ListActiveRecoveryEvents(ctx, maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery queue: %w", err)
	}

	out := &QueueResult{Results: []RetryResult{}}
	for _, event := range active {
		if err := ctx.Err(); err != nil {
			break
		}
		// retrying events are claimed elsewhere unless the claim went stale
		res, err := e.AttemptRetry(ctx, event.ID, e.config)
		if errors.Is(err, ErrInProgress) || errors.Is(err, ErrResolved) {
			continue
		}
		if err != nil {
			e.logger.Error("recovery attempt errored", "event_id", event.ID, "error", err)
			out.Results = append(out.Results, RetryResult{EventID: event.ID, Attempts: event.Attempt, Status: event.Status, Error: err.Error()})
			out.Processed++
			continue
		}
		out.Results = append(out.Results, *res)
		out.Processed++
	}

	remaining, err := e.store.ListActiveRecoveryEvents(ctx, remainingScanLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to count recovery queue: %w", err)
	}
	out.Remaining = len(remaining)
	return out, nil
}

// remainingScanLimit bounds the scan used to report the queue depth.
const remainingScanLimit = 10000

// ListActive returns the unresolved events.
func (e *Engine) ListActive(ctx context.Context, limit int) ([]*models.RecoveryEvent, error) {
	return e.store.ListActiveRecoveryEvents(ctx, limit)
}

// ListHistory returns resolved events, newest first.
func (e *Engine) ListHistory(ctx context.Context, limit int) ([]*models.RecoveryEvent, error) {
	return e.store.ListRecoveryHistory(ctx, limit)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
