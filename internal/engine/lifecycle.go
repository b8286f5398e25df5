package engine

import (
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/payrail/orchestrator/internal/model"
)

// Lifecycle triggers. COMPLETED and COMPENSATED permit nothing; FAILED
// permits only the operator redrive back into compensation.
const (
	triggerRun         = "run"
	triggerComplete    = "complete"
	triggerCompensate  = "compensate"
	triggerCompensated = "compensated"
	triggerFail        = "fail"
	triggerRedrive     = "redrive"
)

func newLifecycle(status model.SagaStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(status)

	sm.Configure(model.SagaInitiated).
		Permit(triggerRun, model.SagaRunning)

	sm.Configure(model.SagaRunning).
		Permit(triggerComplete, model.SagaCompleted).
		Permit(triggerCompensate, model.SagaCompensating)

	sm.Configure(model.SagaCompensating).
		Permit(triggerCompensated, model.SagaCompensated).
		Permit(triggerFail, model.SagaFailed)

	sm.Configure(model.SagaFailed).
		Permit(triggerRedrive, model.SagaCompensating)

	return sm
}

// fire moves the instance through the lifecycle machine, rejecting any
// transition the machine does not permit.
func fire(inst *model.SagaInstance, trigger string) error {
	sm := newLifecycle(inst.Status)
	if err := sm.Fire(trigger); err != nil {
		return fmt.Errorf("saga %s: illegal transition %s from %s: %w", inst.SagaID, trigger, inst.Status, err)
	}
	inst.Status = sm.MustState().(model.SagaStatus)
	inst.LastTransitionAt = model.NowMillis()
	return nil
}
