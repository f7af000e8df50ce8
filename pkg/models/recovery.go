package models

import (
	"time"
)

// RecoveryStatus tracks a failed step through the retry queue
type RecoveryStatus string

const (
	RecoveryStatusPending   RecoveryStatus = "pending"
	RecoveryStatusRetrying  RecoveryStatus = "retrying"
	RecoveryStatusSucceeded RecoveryStatus = "succeeded"
	RecoveryStatusFailed    RecoveryStatus = "failed"
	RecoveryStatusEscalated RecoveryStatus = "escalated"
)

// RecoveryEvent records a step failure. It lives in the active queue until
// ResolvedAt is set, after which it is history.
type RecoveryEvent struct {
	ID           string         `json:"id"`
	WorkflowID   string         `json:"workflow_id"`
	RunID        string         `json:"run_id"`
	StepID       string         `json:"step_id"`
	ErrorType    string         `json:"error_type"`
	ErrorMessage string         `json:"error_message"`
	Attempt      int            `json:"attempt"`
	Status       RecoveryStatus `json:"status"`
	Escalated    bool           `json:"escalated"`
	CreatedAt    time.Time      `json:"created_at"`
	ClaimedAt    *time.Time     `json:"claimed_at,omitempty"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
}

// Active reports whether the event is still in the retry queue.
func (e *RecoveryEvent) Active() bool {
	return e.ResolvedAt == nil
}
