package runner

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"

	"workflow-orchestrator/pkg/models"
)

const (
	triggerStart         = "start"
	triggerComplete      = "complete"
	triggerAwaitApproval = "await_approval"
	triggerFail          = "fail"
	triggerCancel        = "cancel"
)

// runMachine guards the run lifecycle:
//
//	pending -> running -> completed | failed | pending_approval | cancelled
//
// Terminal states permit nothing, so any late trigger is rejected.
type runMachine struct {
	fsm *stateless.StateMachine
}

func newRunMachine() *runMachine {
	fsm := stateless.NewStateMachine(models.RunStatusPending)

	fsm.Configure(models.RunStatusPending).
		Permit(triggerStart, models.RunStatusRunning).
		Permit(triggerFail, models.RunStatusFailed).
		Permit(triggerCancel, models.RunStatusCancelled)

	fsm.Configure(models.RunStatusRunning).
		Permit(triggerComplete, models.RunStatusCompleted).
		Permit(triggerAwaitApproval, models.RunStatusPendingApproval).
		Permit(triggerFail, models.RunStatusFailed).
		Permit(triggerCancel, models.RunStatusCancelled)

	fsm.Configure(models.RunStatusCompleted)
	fsm.Configure(models.RunStatusPendingApproval)
	fsm.Configure(models.RunStatusFailed)
	fsm.Configure(models.RunStatusCancelled)

	return &runMachine{fsm: fsm}
}

func (m *runMachine) fire(ctx context.Context, trigger string) error {
	if err := m.fsm.FireCtx(ctx, trigger); err != nil {
		return fmt.Errorf("run state %s rejects %s: %w", m.status(), trigger, err)
	}
	return nil
}

func (m *runMachine) status() models.RunStatus {
	return m.fsm.MustState().(models.RunStatus)
}

// triggerFor maps a terminal status to the trigger that reaches it.
func triggerFor(status models.RunStatus) string {
	switch status {
	case models.RunStatusCompleted:
		return triggerComplete
	case models.RunStatusPendingApproval:
		return triggerAwaitApproval
	case models.RunStatusCancelled:
		return triggerCancel
	default:
		return triggerFail
	}
}
