// Package models defines the domain models for the workflow orchestrator
package models

import (
	"fmt"
	"time"
)

// StepType identifies which handler executes a workflow step
type StepType string

const (
	StepTypeLog         StepType = "log"
	StepTypeHTTPRequest StepType = "http_request"
	StepTypeEmail       StepType = "email"
	StepTypeDelay       StepType = "delay"
	StepTypeCondition   StepType = "condition"
)

// StepTypes lists every step type the runner knows how to dispatch.
var StepTypes = []StepType{
	StepTypeLog,
	StepTypeHTTPRequest,
	StepTypeEmail,
	StepTypeDelay,
	StepTypeCondition,
}

// Workflow is a tenant-owned chain of steps. Steps[0] is the entry point and
// the rest of the graph is reached through each step's NextStepIDs.
type Workflow struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Steps       []WorkflowStep  `json:"steps"`
	OwnerID     string          `json:"owner_id"`
	TenantID    string          `json:"tenant_id"` // Multi-tenancy isolation
	IsActive    bool            `json:"is_active"`
	Schedule    *ScheduleConfig `json:"schedule,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// WorkflowStep represents a single step in a workflow
type WorkflowStep struct {
	ID          string                 `json:"id"`
	Type        StepType               `json:"type"`
	Name        string                 `json:"name"`
	Config      map[string]interface{} `json:"config"`
	NextStepIDs []string               `json:"next_step_ids"`
}

// ScheduleConfig drives the polling scheduler. Zero timestamps mean "never".
type ScheduleConfig struct {
	Enabled         bool      `json:"enabled"`
	IntervalMinutes int       `json:"interval_minutes"`
	CronExpression  string    `json:"cron_expression,omitempty"`
	LastRunAt       time.Time `json:"last_run_at"`
	NextRunAt       time.Time `json:"next_run_at"`
}

// Interval returns the configured interval as a duration.
func (s *ScheduleConfig) Interval() time.Duration {
	if s == nil || s.IntervalMinutes <= 0 {
		return 0
	}
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// Normalize fills the defaults a freshly submitted workflow may be missing:
// step ids, nil maps and slices, and timestamps. It never changes IsActive.
func (w *Workflow) Normalize(now time.Time) {
	for i := range w.Steps {
		step := &w.Steps[i]
		if step.ID == "" {
			step.ID = fmt.Sprintf("step_%d", i+1)
		}
		if step.Config == nil {
			step.Config = map[string]interface{}{}
		}
		if step.NextStepIDs == nil {
			step.NextStepIDs = []string{}
		}
	}
	if w.Steps == nil {
		w.Steps = []WorkflowStep{}
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = now
	}
}

// StepByID returns the step with the given id, or nil.
func (w *Workflow) StepByID(id string) *WorkflowStep {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// ConfigString reads a string config value, returning "" when absent or not a string.
func (s WorkflowStep) ConfigString(key string) string {
	if v, ok := s.Config[key].(string); ok {
		return v
	}
	return ""
}

// ConfigNumber reads a numeric config value. JSON numbers decode as float64,
// but values built in Go code may be ints.
func (s WorkflowStep) ConfigNumber(key string) (float64, bool) {
	switch v := s.Config[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	}
	return 0, false
}
