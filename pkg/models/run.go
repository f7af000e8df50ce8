package models

import (
	"time"
)

// RunStatus is the lifecycle state of a WorkflowRun
type RunStatus string

const (
	RunStatusPending         RunStatus = "pending"
	RunStatusRunning         RunStatus = "running"
	RunStatusCompleted       RunStatus = "completed"
	RunStatusFailed          RunStatus = "failed"
	RunStatusPendingApproval RunStatus = "pending_approval"
	RunStatusCancelled       RunStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusPendingApproval, RunStatusCancelled:
		return true
	}
	return false
}

// StepStatus is the outcome recorded for a single executed step
type StepStatus string

const (
	StepStatusSuccess         StepStatus = "success"
	StepStatusError           StepStatus = "error"
	StepStatusPendingApproval StepStatus = "pending_approval"
)

// WorkflowRun represents one execution attempt of a workflow
type WorkflowRun struct {
	ID         string                 `json:"id"`
	WorkflowID string                 `json:"workflow_id"`
	TenantID   string                 `json:"tenant_id"`
	Status     RunStatus              `json:"status"`
	StartedAt  time.Time              `json:"started_at"`
	EndedAt    *time.Time             `json:"ended_at,omitempty"`
	Context    map[string]interface{} `json:"context"`
	Result     map[string]interface{} `json:"result"`
	Error      string                 `json:"error,omitempty"`
}

// StepResult is what a step handler reports back to the runner.
type StepResult struct {
	Status  StepStatus             `json:"status"`
	Message string                 `json:"message,omitempty"`
	Output  map[string]interface{} `json:"output,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// AsMap converts the result into the JSON-friendly shape stored on runs.
func (r StepResult) AsMap() map[string]interface{} {
	m := map[string]interface{}{"status": string(r.Status)}
	if r.Message != "" {
		m["message"] = r.Message
	}
	for k, v := range r.Output {
		m[k] = v
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	return m
}

// Event types appended to a run's event log.
const (
	EventRunStarted       = "RUN_STARTED"
	EventRunCompleted     = "RUN_COMPLETED"
	EventRunFailed        = "RUN_FAILED"
	EventRunCancelled     = "RUN_CANCELLED"
	EventStepStarted      = "STEP_STARTED"
	EventStepCompleted    = "STEP_COMPLETED"
	EventStepFailed       = "STEP_FAILED"
	EventStepCapReached   = "STEP_CAP_REACHED"
	EventPendingEmailSend = "PENDING_EMAIL_SEND"
)

// StepEvent is an append-only audit record for a run.
type StepEvent struct {
	ID         string                 `json:"id"`
	RunID      string                 `json:"run_id"`
	WorkflowID string                 `json:"workflow_id"`
	StepID     string                 `json:"step_id,omitempty"`
	EventType  string                 `json:"event_type"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// PendingEmailSend describes an email step that was deferred to approval.
type PendingEmailSend struct {
	StepID      string `json:"step_id"`
	To          string `json:"to"`
	Subject     string `json:"subject"`
	BodyPreview string `json:"body_preview"`
}

// RunResult is returned to callers that trigger a run.
type RunResult struct {
	RunID            string                 `json:"run_id"`
	WorkflowID       string                 `json:"workflow_id"`
	Status           RunStatus              `json:"status"`
	StepsExecuted    int                    `json:"steps_executed"`
	Result           map[string]interface{} `json:"result"`
	Error            string                 `json:"error,omitempty"`
	PendingApprovals []PendingEmailSend     `json:"pending_approvals"`
}
