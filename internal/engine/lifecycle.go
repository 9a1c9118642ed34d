package engine

import (
	"github.com/qmuntal/stateless"

	"auditflow/internal/domain"
)

type trigger string

const (
	triggerMove     trigger = "move"
	triggerComplete trigger = "complete"
	triggerCancel   trigger = "cancel"
)

// lifecycle is the instance state machine: Running moves between nodes
// until it completes or is cancelled; both are terminal.
func lifecycle(status domain.InstanceStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(status)
	sm.Configure(domain.InstanceRunning).
		PermitReentry(triggerMove).
		Permit(triggerComplete, domain.InstanceCompleted).
		Permit(triggerCancel, domain.InstanceCancelled)
	sm.Configure(domain.InstanceCompleted)
	sm.Configure(domain.InstanceCancelled)
	return sm
}

// fire applies t to in.Status.
func fire(in *domain.WorkflowInstance, t trigger) error {
	sm := lifecycle(in.Status)
	if err := sm.Fire(t); err != nil {
		return domain.Conflict("instance %s is %s and cannot %s", in.ID, in.Status, t)
	}
	in.Status = sm.MustState().(domain.InstanceStatus)
	return nil
}
