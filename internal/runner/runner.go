// Package runner executes workflow step graphs and records what happened.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"workflow-orchestrator/internal/logging"
	"workflow-orchestrator/internal/repository"
	"workflow-orchestrator/pkg/models"
)

const (
	// DefaultMaxSteps bounds the number of step executions in one run.
	DefaultMaxSteps = 50
	// DefaultMaxDelay bounds a single delay step.
	DefaultMaxDelay = 300 * time.Second
)

// FailureRecorder is told about every failed step, typically the recovery engine.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, workflowID, runID, stepID, errorType, message string) (string, error)
}

// Recorder receives run and step metrics.
type Recorder interface {
	RunFinished(status models.RunStatus, duration time.Duration)
	StepExecuted(stepType models.StepType, status models.StepStatus)
}

// Runner walks a workflow's step graph depth-first from its first step.
type Runner struct {
	runs     repository.RunStore
	logger   *logging.Logger
	handlers map[models.StepType]StepHandler
	failures FailureRecorder
	metrics  Recorder
	maxSteps int
	visited  bool
}

// Option configures a Runner.
type Option func(*runnerOptions)

type runnerOptions struct {
	maxSteps   int
	maxDelay   time.Duration
	maxTimeout time.Duration
	client     *http.Client
	limiter    *rate.Limiter
	baseURL    *url.URL
	sleep      func(context.Context, time.Duration) error
	failures   FailureRecorder
	metrics    Recorder
	visited    bool
	handlers   []StepHandler
}

// WithMaxSteps overrides the per-run step cap.
func WithMaxSteps(n int) Option {
	return func(o *runnerOptions) {
		if n > 0 {
			o.maxSteps = n
		}
	}
}

// WithMaxDelay overrides the cap applied to delay steps.
func WithMaxDelay(d time.Duration) Option {
	return func(o *runnerOptions) {
		if d > 0 {
			o.maxDelay = d
		}
	}
}

// WithMaxHTTPTimeout overrides the cap applied to http_request steps.
func WithMaxHTTPTimeout(d time.Duration) Option {
	return func(o *runnerOptions) {
		if d > 0 {
			o.maxTimeout = d
		}
	}
}

// WithHTTPClient sets the client used by http_request steps.
func WithHTTPClient(c *http.Client) Option {
	return func(o *runnerOptions) { o.client = c }
}

// WithHTTPRateLimit throttles http_request steps to perSecond requests. Zero disables.
func WithHTTPRateLimit(perSecond float64) Option {
	return func(o *runnerOptions) {
		if perSecond > 0 {
			o.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithHTTPBaseURL resolves relative http_request urls against base.
func WithHTTPBaseURL(base *url.URL) Option {
	return func(o *runnerOptions) { o.baseURL = base }
}

// WithSleep replaces the wait used by delay steps.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(o *runnerOptions) { o.sleep = sleep }
}

// WithFailureRecorder reports failed steps to r.
func WithFailureRecorder(r FailureRecorder) Option {
	return func(o *runnerOptions) { o.failures = r }
}

// WithRecorder reports metrics to r.
func WithRecorder(r Recorder) Option {
	return func(o *runnerOptions) { o.metrics = r }
}

// WithVisitedSet toggles skipping steps already executed in the same run.
// The step cap still applies either way.
func WithVisitedSet(enabled bool) Option {
	return func(o *runnerOptions) { o.visited = enabled }
}

// WithHandler registers h, replacing any built-in handler for its type.
func WithHandler(h StepHandler) Option {
	return func(o *runnerOptions) { o.handlers = append(o.handlers, h) }
}

// NewRunner creates a Runner with the built-in step handlers.
func NewRunner(runs repository.RunStore, logger *logging.Logger, opts ...Option) *Runner {
	o := runnerOptions{
		maxSteps:   DefaultMaxSteps,
		maxDelay:   DefaultMaxDelay,
		maxTimeout: defaultHTTPTimeout,
		sleep:      sleepContext,
		visited:    true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.client == nil {
		o.client = &http.Client{}
	}

	r := &Runner{
		runs:     runs,
		logger:   logger,
		handlers: make(map[models.StepType]StepHandler),
		failures: o.failures,
		metrics:  o.metrics,
		maxSteps: o.maxSteps,
		visited:  o.visited,
	}
	for _, h := range []StepHandler{
		&logHandler{logger: logger},
		&httpHandler{client: o.client, limiter: o.limiter, baseURL: o.baseURL, maxTimeout: o.maxTimeout},
		&emailHandler{},
		&delayHandler{max: o.maxDelay, sleep: o.sleep},
		&conditionHandler{},
	} {
		r.handlers[h.Type()] = h
	}
	for _, h := range o.handlers {
		r.handlers[h.Type()] = h
	}
	return r
}

// SetFailureRecorder wires the failure recorder after construction. The
// recovery engine needs the runner to retry steps, so one side is set late.
func (r *Runner) SetFailureRecorder(f FailureRecorder) {
	r.failures = f
}

// walk is the per-run traversal state.
type walk struct {
	wf       *models.Workflow
	rc       *RunContext
	executed int
	capped   bool
	seen     map[string]bool
	pending  []models.PendingEmailSend
}

// Execution is a run that has been recorded but not yet walked.
type Execution struct {
	r      *Runner
	wf     *models.Workflow
	runCtx map[string]interface{}
	runID  string
	m      *runMachine
}

// RunID is the id of the recorded run.
func (e *Execution) RunID() string { return e.runID }

// Begin records the start of a run of wf and returns it ready to Execute.
func (r *Runner) Begin(ctx context.Context, wf *models.Workflow, runCtx map[string]interface{}) (*Execution, error) {
	if runCtx == nil {
		runCtx = map[string]interface{}{}
	}
	runID, err := r.runs.RecordRunStart(ctx, wf.ID, wf.TenantID, runCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to record run start: %w", err)
	}
	return &Execution{r: r, wf: wf, runCtx: runCtx, runID: runID, m: newRunMachine()}, nil
}

// Run executes wf once. Step failures are recorded and the walk continues;
// only storage failures fail the run. A cancelled ctx stops the walk between
// steps and finishes the run as cancelled.
func (r *Runner) Run(ctx context.Context, wf *models.Workflow, runCtx map[string]interface{}) (*models.RunResult, error) {
	e, err := r.Begin(ctx, wf, runCtx)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx)
}

// Execute walks the step graph and records the run's terminal state. It
// may be called once.
func (e *Execution) Execute(ctx context.Context) (*models.RunResult, error) {
	r, wf, runID, m := e.r, e.wf, e.runID, e.m
	started := time.Now()
	log := r.logger.With("workflow_id", wf.ID, "run_id", runID)

	if err := m.fire(ctx, triggerStart); err != nil {
		return nil, err
	}

	w := &walk{
		wf: wf,
		rc: &RunContext{
			WorkflowID: wf.ID,
			RunID:      runID,
			TenantID:   wf.TenantID,
			Vars:       e.runCtx,
			Results:    map[string]interface{}{},
		},
		seen:    map[string]bool{},
		pending: []models.PendingEmailSend{},
	}

	walkErr := r.record(ctx, w, "", models.EventRunStarted, map[string]interface{}{"step_count": len(wf.Steps)})
	if walkErr == nil && len(wf.Steps) > 0 {
		walkErr = r.visit(ctx, w, &wf.Steps[0])
	}
	if walkErr == nil && ctx.Err() != nil {
		walkErr = ctx.Err()
	}

	result := w.rc.Results
	if len(wf.Steps) == 0 {
		result = map[string]interface{}{"message": "No steps to execute"}
	}

	status := models.RunStatusCompleted
	errMsg := ""
	switch {
	case errors.Is(walkErr, context.Canceled) || errors.Is(walkErr, context.DeadlineExceeded):
		status = models.RunStatusCancelled
		errMsg = walkErr.Error()
	case walkErr != nil:
		status = models.RunStatusFailed
		errMsg = walkErr.Error()
	case len(w.pending) > 0:
		status = models.RunStatusPendingApproval
	}

	if w.capped {
		log.Warn("step cap reached", "max_steps", r.maxSteps)
		// detached so the cap event is kept even when ctx is done
		_ = r.record(context.WithoutCancel(ctx), w, "", models.EventStepCapReached, map[string]interface{}{"max_steps": r.maxSteps})
	}

	endCtx := context.WithoutCancel(ctx)
	if err := m.fire(endCtx, triggerFor(status)); err != nil {
		return nil, err
	}
	_ = r.record(endCtx, w, "", endEvent(status), map[string]interface{}{"status": string(status), "steps_executed": w.executed})
	if err := r.runs.RecordRunEnd(endCtx, runID, status, result, errMsg); err != nil {
		log.Error("failed to record run end", "error", err)
		if status != models.RunStatusFailed {
			status = models.RunStatusFailed
			errMsg = err.Error()
		}
	}

	if r.metrics != nil {
		r.metrics.RunFinished(status, time.Since(started))
	}
	log.Info("run finished", "status", status, "steps_executed", w.executed, "pending_approvals", len(w.pending))

	return &models.RunResult{
		RunID:            runID,
		WorkflowID:       wf.ID,
		Status:           status,
		StepsExecuted:    w.executed,
		Result:           result,
		Error:            errMsg,
		PendingApprovals: w.pending,
	}, nil
}

func endEvent(status models.RunStatus) string {
	switch status {
	case models.RunStatusFailed:
		return models.EventRunFailed
	case models.RunStatusCancelled:
		return models.EventRunCancelled
	default:
		return models.EventRunCompleted
	}
}

func (r *Runner) visit(ctx context.Context, w *walk, step *models.WorkflowStep) error {
	if w.executed >= r.maxSteps {
		w.capped = true
		return nil
	}
	if r.visited && w.seen[step.ID] {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	w.seen[step.ID] = true

	if err := r.record(ctx, w, step.ID, models.EventStepStarted, map[string]interface{}{"type": string(step.Type)}); err != nil {
		return err
	}

	res, stepErr := r.dispatch(ctx, *step, w.rc)
	w.executed++
	w.rc.Results[step.ID] = res.AsMap()
	if r.metrics != nil {
		r.metrics.StepExecuted(step.Type, res.Status)
	}

	switch res.Status {
	case models.StepStatusError:
		if err := r.record(ctx, w, step.ID, models.EventStepFailed, map[string]interface{}{"error": res.Error}); err != nil {
			return err
		}
		r.reportFailure(ctx, w, step, stepErr)
	case models.StepStatusPendingApproval:
		if step.Type == models.StepTypeEmail {
			p := pendingEmail(*step)
			w.pending = append(w.pending, p)
			if err := r.record(ctx, w, step.ID, models.EventPendingEmailSend, map[string]interface{}{
				"to":           p.To,
				"subject":      p.Subject,
				"body_preview": p.BodyPreview,
			}); err != nil {
				return err
			}
		}
	default:
		if err := r.record(ctx, w, step.ID, models.EventStepCompleted, nil); err != nil {
			return err
		}
	}

	for _, nextID := range step.NextStepIDs {
		next := w.wf.StepByID(nextID)
		if next == nil {
			continue
		}
		if err := r.visit(ctx, w, next); err != nil {
			return err
		}
	}
	return nil
}

// dispatch runs the handler for step and folds any error or panic into an
// error result.
func (r *Runner) dispatch(ctx context.Context, step models.WorkflowStep, rc *RunContext) (res models.StepResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("step handler panicked: %v", p)
			res = models.StepResult{Status: models.StepStatusError, Error: err.Error()}
		}
	}()

	h, ok := r.handlers[step.Type]
	if !ok {
		err = fmt.Errorf("unknown step type %q", step.Type)
		return models.StepResult{Status: models.StepStatusError, Error: err.Error()}, err
	}
	res, err = h.Execute(ctx, step, rc)
	if err != nil {
		return models.StepResult{Status: models.StepStatusError, Error: err.Error()}, err
	}
	if res.Status == "" {
		res.Status = models.StepStatusSuccess
	}
	return res, nil
}

func (r *Runner) reportFailure(ctx context.Context, w *walk, step *models.WorkflowStep, stepErr error) {
	if r.failures == nil || stepErr == nil || ctx.Err() != nil {
		return
	}
	if _, err := r.failures.RecordFailure(ctx, w.wf.ID, w.rc.RunID, step.ID, ErrorType(stepErr), stepErr.Error()); err != nil {
		r.logger.Warn("failed to record step failure", "run_id", w.rc.RunID, "step_id", step.ID, "error", err)
	}
}

func (r *Runner) record(ctx context.Context, w *walk, stepID, eventType string, payload map[string]interface{}) error {
	if err := r.runs.RecordStepEvent(ctx, w.rc.RunID, w.wf.ID, stepID, eventType, payload); err != nil {
		return fmt.Errorf("failed to record %s event: %w", eventType, err)
	}
	return nil
}

// ExecuteStep runs a single step outside of any run bookkeeping. It returns
// an error when the step is missing or its handler fails.
func (r *Runner) ExecuteStep(ctx context.Context, wf *models.Workflow, stepID string, runCtx map[string]interface{}) (models.StepResult, error) {
	step := wf.StepByID(stepID)
	if step == nil {
		return models.StepResult{}, fmt.Errorf("step %s not found in workflow %s", stepID, wf.ID)
	}
	if runCtx == nil {
		runCtx = map[string]interface{}{}
	}
	rc := &RunContext{WorkflowID: wf.ID, TenantID: wf.TenantID, Vars: runCtx, Results: map[string]interface{}{}}
	res, err := r.dispatch(ctx, *step, rc)
	if r.metrics != nil {
		r.metrics.StepExecuted(step.Type, res.Status)
	}
	return res, err
}

// ErrorType buckets a step error for recovery bookkeeping.
func ErrorType(err error) string {
	var netErr net.Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.As(err, &netErr):
		return "network"
	default:
		return "step_error"
	}
}
