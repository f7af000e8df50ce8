// Package notify delivers recovery escalations to operators.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"workflow-orchestrator/internal/logging"
)

// Escalation is the structured message sent when a failed step exhausts its retries.
type Escalation struct {
	EventID      string    `json:"event_id"`
	WorkflowID   string    `json:"workflow_id"`
	RunID        string    `json:"run_id"`
	StepID       string    `json:"step_id"`
	ErrorType    string    `json:"error_type"`
	ErrorMessage string    `json:"error_message"`
	Attempts     int       `json:"attempts"`
	At           time.Time `json:"at"`
}

// Text renders the escalation for chat channels.
func (e Escalation) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow step escalated after %d attempts\n", e.Attempts)
	fmt.Fprintf(&b, "workflow: %s\nstep: %s\n", e.WorkflowID, e.StepID)
	if e.RunID != "" {
		fmt.Fprintf(&b, "run: %s\n", e.RunID)
	}
	fmt.Fprintf(&b, "error (%s): %s\nrecovery event: %s", e.ErrorType, e.ErrorMessage, e.EventID)
	return b.String()
}

// Notifier sends escalations somewhere a human will see them.
type Notifier interface {
	Notify(ctx context.Context, e Escalation) error
}

// Log writes escalations to the application log. It is always available.
type Log struct {
	logger *logging.Logger
}

// NewLog returns a Notifier backed by logger.
func NewLog(logger *logging.Logger) *Log {
	return &Log{logger: logger}
}

// Notify logs e at error level.
func (l *Log) Notify(_ context.Context, e Escalation) error {
	l.logger.Error("recovery escalated",
		"event_id", e.EventID,
		"workflow_id", e.WorkflowID,
		"run_id", e.RunID,
		"step_id", e.StepID,
		"error_type", e.ErrorType,
		"error", e.ErrorMessage,
		"attempts", e.Attempts,
	)
	return nil
}

// Multi fans an escalation out to every notifier and joins their errors.
type Multi []Notifier

// Notify delivers e to all notifiers even when some fail.
func (m Multi) Notify(ctx context.Context, e Escalation) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sendAttempts bounds delivery retries to chat channels.
const sendAttempts = 3

// deliver retries send with a short constant backoff.
func deliver(ctx context.Context, send func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(sendAttempts-1, retry.NewConstant(500*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := send(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}
