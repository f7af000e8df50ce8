package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"workflow-orchestrator/internal/logging"
	"workflow-orchestrator/pkg/models"
)

// StepHandler executes one step type. A returned error is recorded as the
// step's error result; it never aborts the run.
type StepHandler interface {
	Type() models.StepType
	Execute(ctx context.Context, step models.WorkflowStep, rc *RunContext) (models.StepResult, error)
}

// RunContext is the execution-scoped state handed to handlers.
type RunContext struct {
	WorkflowID string
	RunID      string
	TenantID   string
	// Vars is the caller supplied run context.
	Vars map[string]interface{}
	// Results holds the results of the steps executed so far, keyed by step id.
	Results map[string]interface{}
}

// document is the JSON view of the run context used by condition steps.
func (rc *RunContext) document() []byte {
	doc := map[string]interface{}{
		"context": rc.Vars,
		"results": rc.Results,
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func success(message string, output map[string]interface{}) models.StepResult {
	return models.StepResult{Status: models.StepStatusSuccess, Message: message, Output: output}
}

// logHandler writes the step message through the application logger.
type logHandler struct {
	logger *logging.Logger
}

func (h *logHandler) Type() models.StepType { return models.StepTypeLog }

func (h *logHandler) Execute(_ context.Context, step models.WorkflowStep, rc *RunContext) (models.StepResult, error) {
	message := step.ConfigString("message")
	kv := []interface{}{"workflow_id", rc.WorkflowID, "run_id", rc.RunID, "step_id", step.ID}
	switch strings.ToLower(step.ConfigString("level")) {
	case "debug":
		h.logger.Debug(message, kv...)
	case "warn", "warning":
		h.logger.Warn(message, kv...)
	case "error":
		h.logger.Error(message, kv...)
	default:
		h.logger.Info(message, kv...)
	}
	return success("Logged", map[string]interface{}{"logged_message": message}), nil
}

// delayHandler pauses the run, bounded by max and interruptible by ctx.
type delayHandler struct {
	max   time.Duration
	sleep func(ctx context.Context, d time.Duration) error
}

func (h *delayHandler) Type() models.StepType { return models.StepTypeDelay }

func (h *delayHandler) Execute(ctx context.Context, step models.WorkflowStep, _ *RunContext) (models.StepResult, error) {
	seconds, _ := step.ConfigNumber("seconds")
	d := cappedSeconds(seconds, h.max)
	if err := h.sleep(ctx, d); err != nil {
		return models.StepResult{}, err
	}
	return success(fmt.Sprintf("Delayed %s", d), map[string]interface{}{"seconds": d.Seconds()}), nil
}

// cappedSeconds converts seconds to a Duration no longer than max. The
// comparison happens before conversion so huge values cannot overflow.
func cappedSeconds(seconds float64, max time.Duration) time.Duration {
	switch {
	case !(seconds > 0):
		return 0
	case seconds >= max.Seconds():
		return max
	default:
		return time.Duration(seconds * float64(time.Second))
	}
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

// emailHandler never sends. It reports the step as awaiting approval and the
// runner turns it into a PENDING_EMAIL_SEND descriptor.
type emailHandler struct{}

func (h *emailHandler) Type() models.StepType { return models.StepTypeEmail }

func (h *emailHandler) Execute(_ context.Context, step models.WorkflowStep, _ *RunContext) (models.StepResult, error) {
	p := pendingEmail(step)
	return models.StepResult{
		Status:  models.StepStatusPendingApproval,
		Message: "Email queued for approval",
		Output: map[string]interface{}{
			"to":           p.To,
			"subject":      p.Subject,
			"body_preview": p.BodyPreview,
		},
	}, nil
}

const bodyPreviewLen = 100

func pendingEmail(step models.WorkflowStep) models.PendingEmailSend {
	body := step.ConfigString("body")
	if r := []rune(body); len(r) > bodyPreviewLen {
		body = string(r[:bodyPreviewLen])
	}
	return models.PendingEmailSend{
		StepID:      step.ID,
		To:          step.ConfigString("to"),
		Subject:     step.ConfigString("subject"),
		BodyPreview: body,
	}
}

// conditionHandler evaluates a gjson path against the run context and step
// results. Without a field the condition is true. Branching is not
// implemented, successors run either way.
type conditionHandler struct{}

func (h *conditionHandler) Type() models.StepType { return models.StepTypeCondition }

func (h *conditionHandler) Execute(_ context.Context, step models.WorkflowStep, rc *RunContext) (models.StepResult, error) {
	field := step.ConfigString("field")
	if field == "" {
		return success("Condition evaluated", map[string]interface{}{"result": true}), nil
	}

	value := gjson.GetBytes(rc.document(), field)
	var result bool
	switch {
	case !value.Exists():
		result = false
	default:
		expected, hasExpected := step.Config["equals"]
		if hasExpected {
			result = fmt.Sprint(value.Value()) == fmt.Sprint(expected)
		} else {
			result = value.Bool() || (value.Type == gjson.String && value.Str != "")
		}
	}

	return success("Condition evaluated", map[string]interface{}{
		"result": result,
		"field":  field,
	}), nil
}
