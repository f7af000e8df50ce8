package models

import (
	"encoding/json"
	"time"
)

// ImpactLevel classifies the blast radius of a workflow or step. Levels are
// ordered so the larger value is the more dangerous one.
type ImpactLevel int

const (
	ImpactSafe ImpactLevel = iota
	ImpactSoft
	ImpactCritical
)

func (l ImpactLevel) String() string {
	switch l {
	case ImpactSafe:
		return "SAFE"
	case ImpactSoft:
		return "SOFT"
	case ImpactCritical:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

// ParseImpactLevel is the inverse of String. Unknown values map to SAFE.
func ParseImpactLevel(s string) ImpactLevel {
	switch s {
	case "CRITICAL":
		return ImpactCritical
	case "SOFT":
		return ImpactSoft
	}
	return ImpactSafe
}

func (l ImpactLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *ImpactLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*l = ParseImpactLevel(s)
	return nil
}

// ActionStatus is the approval state of a PendingAction
type ActionStatus string

const (
	ActionStatusPending  ActionStatus = "pending"
	ActionStatusApproved ActionStatus = "approved"
	ActionStatusRejected ActionStatus = "rejected"
)

// Action types queued for approval.
const (
	ActionCreateWorkflow = "create_workflow"
	ActionSendEmail      = "send_email"
)

// PendingAction is an approval queue entry. Payload is opaque to the queue.
type PendingAction struct {
	ID              string          `json:"id"`
	ActionType      string          `json:"action_type"`
	Payload         json.RawMessage `json:"payload"`
	Reason          string          `json:"reason"`
	ImpactLevel     ImpactLevel     `json:"impact_level"`
	Status          ActionStatus    `json:"status"`
	OwnerID         string          `json:"owner_id"`
	TenantID        string          `json:"tenant_id"`
	CreatedAt       time.Time       `json:"created_at"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	ProcessedBy     string          `json:"processed_by,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
}

// ApprovalStats counts queue entries per status.
type ApprovalStats struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
}
