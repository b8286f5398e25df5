// Package engine 编排引擎: drives saga instances forward, runs the reverse
// compensation sweep on failure, and arbitrates concurrent drivers through
// the store's optimistic version.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/payrail/orchestrator/internal/definition"
	"github.com/payrail/orchestrator/internal/events"
	"github.com/payrail/orchestrator/internal/invoker"
	"github.com/payrail/orchestrator/internal/metrics"
	"github.com/payrail/orchestrator/internal/model"
	"github.com/payrail/orchestrator/internal/repository"
	"github.com/payrail/orchestrator/pkg/logger"
	"github.com/payrail/orchestrator/pkg/snowflake"
	"github.com/payrail/orchestrator/pkg/tracing"
)

var (
	ErrUnknownDefinition = errors.New("unknown saga definition")
	ErrSagaNotFound      = errors.New("saga not found")
	ErrNotRedrivable     = errors.New("saga not redrivable")
)

// errLostRace marks an advance that lost the version check to another
// driver. The loser abandons the saga without side effects.
var errLostRace = errors.New("lost transition race")

// Engine executes saga instances. It is safe for concurrent use; any number
// of goroutines (HTTP handlers, the timeout scanner) may call Advance on the
// same saga and exactly one of them makes progress.
type Engine struct {
	store     repository.Store
	defs      *definition.Registry
	invoker   invoker.Invoker
	publisher events.Publisher
	metrics   *metrics.Metrics
	ids       *snowflake.Generator
	log       *logger.Logger
}

func New(store repository.Store, defs *definition.Registry, inv invoker.Invoker,
	pub events.Publisher, m *metrics.Metrics, ids *snowflake.Generator, log *logger.Logger) *Engine {
	return &Engine{
		store:     store,
		defs:      defs,
		invoker:   inv,
		publisher: pub,
		metrics:   m,
		ids:       ids,
		log:       log,
	}
}

// StartRequest carries everything needed to open a new saga instance.
type StartRequest struct {
	DefinitionName string
	Tenant         model.TenantContext
	CorrelationID  string
	IdempotencyKey string
	Payload        map[string]any
	Deadline       time.Duration // overall budget, 0 = unbounded
}

// StartSaga creates a saga instance and dispatches its first step in the
// background. Repeated calls with the same idempotency key return the
// existing instance's ID without creating anything.
func (e *Engine) StartSaga(ctx context.Context, req StartRequest) (string, error) {
	def, ok := e.defs.Get(req.DefinitionName)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDefinition, req.DefinitionName)
	}

	if req.IdempotencyKey != "" {
		existing, err := e.store.InstanceByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			return existing.SagaID, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return "", err
		}
	}

	sagaID := uuid.NewString()
	key := req.IdempotencyKey
	if key == "" {
		key = sagaID
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	now := model.NowMillis()
	inst := &model.SagaInstance{
		SagaID:           sagaID,
		DefinitionName:   def.Name,
		TenantID:         req.Tenant.TenantID,
		BusinessUnitID:   req.Tenant.BusinessUnitID,
		CorrelationID:    req.CorrelationID,
		IdempotencyKey:   key,
		Payload:          payload,
		Status:           model.SagaInitiated,
		StartedAt:        now,
		LastTransitionAt: now,
	}
	if req.Deadline > 0 {
		inst.Deadline = now + req.Deadline.Milliseconds()
	}

	ev := e.newEvent(inst, model.EventSagaStarted, map[string]any{
		"definitionName": def.Name,
	})
	if err := e.store.CreateInstance(ctx, inst, ev); err != nil {
		if errors.Is(err, repository.ErrIdempotencyConflict) {
			// 并发创建撞键: 另一个请求先落库, 复用它的实例
			existing, lerr := e.store.InstanceByIdempotencyKey(ctx, key)
			if lerr != nil {
				return "", lerr
			}
			return existing.SagaID, nil
		}
		return "", err
	}

	e.metrics.SagasStarted.Inc()
	e.publisher.Publish(ctx, ev)
	e.log.WithContext(ctx).Infof("saga started", map[string]interface{}{
		"sagaId":     sagaID,
		"definition": def.Name,
		"tenantId":   inst.TenantID,
	})

	go e.advanceDetached(inst.SagaID, inst.CorrelationID)
	return sagaID, nil
}

// advanceDetached drives a saga on a background context so progress is not
// tied to the originating HTTP request.
func (e *Engine) advanceDetached(sagaID, correlationID string) {
	ctx := logger.ContextWithSagaID(context.Background(), sagaID)
	ctx = logger.ContextWithCorrelationID(ctx, correlationID)
	ctx, span := tracing.StartSpan(ctx, "saga.advance")
	defer span.End()
	if err := e.Advance(ctx, sagaID); err != nil {
		tracing.SetError(ctx, err)
		e.log.WithContext(ctx).WithError(err).Errorf("saga advance failed", map[string]interface{}{
			"sagaId": sagaID,
		})
	}
}

// Advance drives the saga from its persisted state to the next stable point:
// completion, compensation done, or an in-flight step that has not timed out
// yet. It is a no-op on terminal sagas and on version-check losses, so it is
// safe to call from the scanner and from duplicate deliveries alike.
func (e *Engine) Advance(ctx context.Context, sagaID string) error {
	inst, err := e.store.InstanceByID(ctx, sagaID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
		}
		return err
	}
	if inst.Status.Terminal() {
		return nil
	}
	def, ok := e.defs.Get(inst.DefinitionName)
	if !ok {
		return fmt.Errorf("%w: %s (saga %s)", ErrUnknownDefinition, inst.DefinitionName, sagaID)
	}
	steps, err := e.store.Steps(ctx, sagaID)
	if err != nil {
		return err
	}

	if inst.Status == model.SagaInitiated {
		if err := e.transition(ctx, inst, triggerRun, nil, nil); err != nil {
			return e.swallowLostRace(ctx, err)
		}
	}

	switch inst.Status {
	case model.SagaRunning:
		return e.swallowLostRace(ctx, e.runForward(ctx, inst, def, steps))
	case model.SagaCompensating:
		return e.swallowLostRace(ctx, e.runCompensation(ctx, inst, def, steps))
	default:
		return nil
	}
}

// Status returns the saga instance record.
func (e *Engine) Status(ctx context.Context, sagaID string) (*model.SagaInstance, error) {
	inst, err := e.store.InstanceByID(ctx, sagaID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
	}
	return inst, err
}

// Steps returns the saga's step history ordered by sequence.
func (e *Engine) Steps(ctx context.Context, sagaID string) ([]*model.SagaStepRecord, error) {
	if _, err := e.Status(ctx, sagaID); err != nil {
		return nil, err
	}
	return e.store.Steps(ctx, sagaID)
}

// Redrive re-enters compensation on a FAILED saga after an operator fixed
// the underlying fault. The exhausted compensation step gets a fresh retry
// budget; everything already compensated stays untouched.
func (e *Engine) Redrive(ctx context.Context, sagaID string) error {
	inst, err := e.store.InstanceByID(ctx, sagaID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
		}
		return err
	}
	if inst.Status != model.SagaFailed {
		return fmt.Errorf("%w: saga %s is %s", ErrNotRedrivable, sagaID, inst.Status)
	}
	steps, err := e.store.Steps(ctx, sagaID)
	if err != nil {
		return err
	}

	// 重置卡死的补偿步骤
	var stuck *model.SagaStepRecord
	for _, s := range steps {
		if s.Status == model.StepCompensating {
			stuck = s
			break
		}
	}
	if stuck != nil {
		stuck.Attempt = 0
	}
	ev := e.newEvent(inst, model.EventSagaCompensationStarted, map[string]any{
		"redrive": true,
	})
	inst.ErrorDetail = ""
	inst.CompletedAt = 0
	if err := e.transition(ctx, inst, triggerRedrive, stuck, ev); err != nil {
		return e.swallowLostRace(ctx, err)
	}
	e.log.WithContext(ctx).Infof("saga redriven", map[string]interface{}{"sagaId": sagaID})

	go e.advanceDetached(sagaID, inst.CorrelationID)
	return nil
}

// runForward executes steps from the current index. Each attempt is
// persisted before the collaborator is called, so a crash mid-call is
// recovered as a timed-out attempt rather than a silent duplicate.
func (e *Engine) runForward(ctx context.Context, inst *model.SagaInstance,
	def definition.SagaDefinition, steps []*model.SagaStepRecord) error {

	for {
		if inst.Deadline > 0 && model.NowMillis() > inst.Deadline {
			return e.startCompensation(ctx, inst, def, steps, "saga deadline exceeded")
		}
		idx := inst.CurrentStepIndex
		if idx >= len(def.Steps) {
			return e.complete(ctx, inst)
		}
		stepDef := def.Steps[idx]
		rec := stepAt(steps, idx)

		switch {
		case rec == nil:
			rec = &model.SagaStepRecord{
				SagaID:   inst.SagaID,
				Sequence: idx,
				StepName: stepDef.Name,
				Status:   model.StepPending,
			}
			steps = append(steps, rec)
		case rec.Status == model.StepCompleted:
			// 防御: 正常路径下实例索引和步骤状态同事务提交
			inst.CurrentStepIndex = idx + 1
			if err := e.transition(ctx, inst, "", nil, nil); err != nil {
				return err
			}
			continue
		case rec.Status == model.StepRunning:
			// An attempt is (or was) in flight. Act only after its timeout.
			if model.NowMillis() < rec.StartedAt+stepDef.Timeout.Milliseconds() {
				return nil
			}
			rec.Status = model.StepPending
			rec.ErrorDetail = "attempt timed out"
		}

		outcome, err := e.runAttempts(ctx, inst, stepDef, rec, forwardPhase)
		if err != nil {
			return err
		}
		if outcome.Status != invoker.OutcomeSuccess {
			return e.startCompensation(ctx, inst, def, steps, rec.ErrorDetail)
		}
	}
}

// forwardPhase / compensationPhase select which operation of the step
// definition runAttempts drives.
type phase int

const (
	forwardPhase phase = iota
	compensationPhase
)

// runAttempts drives one step's operation to success or exhaustion, using
// the attempt count persisted on the record so retries survive restarts.
// The returned outcome is the final one; an error means the caller must
// stop without classifying (lost race, context cancelled).
func (e *Engine) runAttempts(ctx context.Context, inst *model.SagaInstance,
	stepDef definition.StepDefinition, rec *model.SagaStepRecord, ph phase) (invoker.Outcome, error) {

	operation := stepDef.ForwardOperation
	runningStatus := model.StepRunning
	retryStatus := model.StepPending
	if ph == compensationPhase {
		operation = stepDef.CompensationOperation
		runningStatus = model.StepCompensating
		retryStatus = model.StepCompensating
	}

	remaining := stepDef.MaxRetries - rec.Attempt
	if remaining <= 0 {
		return invoker.Outcome{Status: invoker.OutcomeTransient, Detail: rec.ErrorDetail}, nil
	}

	var final invoker.Outcome
	backoff := retry.WithMaxRetries(uint64(remaining-1),
		retry.WithCappedDuration(stepDef.MaxBackoff, retry.NewExponential(stepDef.BaseBackoff)))

	spanName := "saga.step " + rec.StepName
	if ph == compensationPhase {
		spanName = "saga.compensate " + rec.StepName
	}

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ctx, span := tracing.StartSpan(ctx, spanName)
		defer span.End()

		rec.Attempt++
		rec.Status = runningStatus
		rec.StartedAt = model.NowMillis()

		var startEv *model.SagaEvent
		if ph == forwardPhase && rec.Attempt == 1 {
			startEv = e.stepEvent(inst, rec, model.EventSagaStepStarted, "")
		}
		if err := e.transition(ctx, inst, "", rec, startEv); err != nil {
			return err // non-retryable, aborts retry.Do
		}

		if rec.Attempt > 1 {
			e.metrics.IncStepRetry(rec.StepName)
		}

		started := time.Now()
		final = e.invoker.Invoke(ctx, operation, e.callPayload(inst, rec, ph), stepDef.Timeout)
		e.metrics.ObserveStepLatency(rec.StepName, time.Since(started))

		switch final.Status {
		case invoker.OutcomeSuccess:
			return e.commitSuccess(ctx, inst, rec, final, ph)
		case invoker.OutcomeTransient:
			tracing.SetError(ctx, errors.New(final.Detail))
			rec.Status = retryStatus
			rec.ErrorDetail = final.Detail
			ev := e.stepEvent(inst, rec, model.EventSagaStepFailed, final.Detail)
			if err := e.transition(ctx, inst, "", rec, ev); err != nil {
				return err
			}
			e.log.WithContext(ctx).Warnf("step attempt failed, will retry", map[string]interface{}{
				"sagaId":  inst.SagaID,
				"step":    rec.StepName,
				"attempt": rec.Attempt,
				"detail":  final.Detail,
			})
			return retry.RetryableError(errTransientOutcome)
		default: // permanent
			tracing.SetError(ctx, errors.New(final.Detail))
			rec.ErrorDetail = final.Detail
			return errPermanentOutcome
		}
	})

	switch {
	case err == nil:
		return final, nil
	case errors.Is(err, errPermanentOutcome):
		return final, nil
	case errors.Is(err, errLostRace):
		return invoker.Outcome{}, err
	case errors.Is(err, errTransientOutcome):
		// transient retries exhausted; the last outcome stands
		return final, nil
	case ctx.Err() != nil:
		return invoker.Outcome{}, ctx.Err()
	default:
		return invoker.Outcome{}, err
	}
}

var (
	errPermanentOutcome = errors.New("permanent outcome")
	errTransientOutcome = errors.New("transient outcome")
)

// commitSuccess persists a successful attempt: step done, payload merged,
// and for forward steps the instance index moved on, all in one transition.
func (e *Engine) commitSuccess(ctx context.Context, inst *model.SagaInstance,
	rec *model.SagaStepRecord, out invoker.Outcome, ph phase) error {

	rec.CompletedAt = model.NowMillis()
	rec.ErrorDetail = ""
	rec.ResultData = out.Result

	eventType := model.EventSagaStepCompensated
	if ph == forwardPhase {
		eventType = model.EventSagaStepCompleted
		rec.Status = model.StepCompleted
		inst.CurrentStepIndex = rec.Sequence + 1
		for k, v := range out.Result {
			inst.Payload[k] = v
		}
	} else {
		rec.Status = model.StepCompensated
	}
	return e.transition(ctx, inst, "", rec, e.stepEvent(inst, rec, eventType, ""))
}

// startCompensation flips the saga into the reverse sweep. The step that
// caused it is marked FAILED first; only committed forward work is undone.
func (e *Engine) startCompensation(ctx context.Context, inst *model.SagaInstance,
	def definition.SagaDefinition, steps []*model.SagaStepRecord, reason string) error {

	// Forward work that never completed is failed, not compensated.
	for _, rec := range steps {
		if rec.Status == model.StepRunning || rec.Status == model.StepPending {
			rec.Status = model.StepFailed
			rec.CompletedAt = model.NowMillis()
			ev := e.stepEvent(inst, rec, model.EventSagaStepFailed, rec.ErrorDetail)
			if err := e.transition(ctx, inst, "", rec, ev); err != nil {
				return err
			}
		}
	}

	inst.ErrorDetail = reason
	ev := e.newEvent(inst, model.EventSagaCompensationStarted, map[string]any{
		"reason": reason,
	})
	if err := e.transition(ctx, inst, triggerCompensate, nil, ev); err != nil {
		return err
	}
	e.log.WithContext(ctx).Warnf("saga compensating", map[string]interface{}{
		"sagaId": inst.SagaID,
		"reason": reason,
	})
	return e.runCompensation(ctx, inst, def, steps)
}

// runCompensation sweeps completed forward steps in strict reverse order.
// Steps without a compensating operation are marked SKIPPED; exhausting a
// compensation's retry budget parks the saga in FAILED for manual redrive.
func (e *Engine) runCompensation(ctx context.Context, inst *model.SagaInstance,
	def definition.SagaDefinition, steps []*model.SagaStepRecord) error {

	for i := len(steps) - 1; i >= 0; i-- {
		rec := steps[i]
		switch rec.Status {
		case model.StepCompensated, model.StepSkipped, model.StepFailed:
			continue
		}
		stepDef := def.Steps[rec.Sequence]

		if !stepDef.HasCompensation() {
			rec.Status = model.StepSkipped
			ev := e.stepEvent(inst, rec, model.EventSagaStepSkipped, "")
			if err := e.transition(ctx, inst, "", rec, ev); err != nil {
				return err
			}
			continue
		}

		// Fresh retry budget when the step first enters compensation.
		if rec.Status == model.StepCompleted {
			rec.Attempt = 0
		}
		outcome, err := e.runAttempts(ctx, inst, stepDef, rec, compensationPhase)
		if err != nil {
			return err
		}
		if outcome.Status != invoker.OutcomeSuccess {
			return e.fail(ctx, inst, rec, outcome.Detail)
		}
	}

	inst.CompletedAt = model.NowMillis()
	ev := e.newEvent(inst, model.EventSagaCompensated, nil)
	if err := e.transition(ctx, inst, triggerCompensated, nil, ev); err != nil {
		return err
	}
	e.metrics.IncSagaOutcome(string(model.SagaCompensated))
	e.log.WithContext(ctx).Infof("saga compensated", map[string]interface{}{"sagaId": inst.SagaID})
	return nil
}

func (e *Engine) complete(ctx context.Context, inst *model.SagaInstance) error {
	inst.CompletedAt = model.NowMillis()
	ev := e.newEvent(inst, model.EventSagaCompleted, nil)
	if err := e.transition(ctx, inst, triggerComplete, nil, ev); err != nil {
		return err
	}
	e.metrics.IncSagaOutcome(string(model.SagaCompleted))
	e.log.WithContext(ctx).Infof("saga completed", map[string]interface{}{"sagaId": inst.SagaID})
	return nil
}

// fail parks the saga in FAILED after compensation exhausted its budget.
// The stuck step keeps COMPENSATING so a redrive knows where to resume.
func (e *Engine) fail(ctx context.Context, inst *model.SagaInstance,
	rec *model.SagaStepRecord, detail string) error {

	inst.ErrorDetail = fmt.Sprintf("compensation exhausted at step %s: %s", rec.StepName, detail)
	inst.CompletedAt = model.NowMillis()
	ev := e.newEvent(inst, model.EventSagaFailed, map[string]any{
		"step":   rec.StepName,
		"detail": detail,
	})
	if err := e.transition(ctx, inst, triggerFail, nil, ev); err != nil {
		return err
	}
	e.metrics.IncSagaOutcome(string(model.SagaFailed))
	e.log.WithContext(ctx).Errorf("saga failed, manual redrive required", map[string]interface{}{
		"sagaId": inst.SagaID,
		"step":   rec.StepName,
		"detail": detail,
	})
	return nil
}

// transition commits one atomic state change: optional lifecycle trigger,
// versioned instance update, optional step upsert and event append. A
// version-check loss surfaces as errLostRace and the instance must be
// abandoned by the caller.
func (e *Engine) transition(ctx context.Context, inst *model.SagaInstance,
	trigger string, step *model.SagaStepRecord, event *model.SagaEvent) error {

	if trigger != "" {
		if err := fire(inst, trigger); err != nil {
			return err
		}
	} else {
		inst.LastTransitionAt = model.NowMillis()
	}
	if err := e.store.Transition(ctx, inst, step, event); err != nil {
		if errors.Is(err, repository.ErrConcurrentModification) {
			e.metrics.VersionConflicts.Inc()
			return fmt.Errorf("%w: saga %s", errLostRace, inst.SagaID)
		}
		return err
	}
	if event != nil {
		e.publisher.Publish(ctx, event)
	}
	return nil
}

// swallowLostRace turns a version-check loss into a clean no-op.
func (e *Engine) swallowLostRace(ctx context.Context, err error) error {
	if errors.Is(err, errLostRace) {
		e.log.WithContext(ctx).Debug("another driver advanced the saga, backing off")
		return nil
	}
	return err
}

// callPayload builds the collaborator request body: accumulated saga
// payload, tenant/correlation identity, and a per-(step, direction)
// idempotency key that is stable across retries.
func (e *Engine) callPayload(inst *model.SagaInstance, rec *model.SagaStepRecord, ph phase) map[string]any {
	direction := "forward"
	if ph == compensationPhase {
		direction = "compensate"
	}
	p := make(map[string]any, len(inst.Payload)+6)
	for k, v := range inst.Payload {
		p[k] = v
	}
	if ph == compensationPhase {
		// 补偿需要正向步骤的输出 (如 reservationId)
		for k, v := range rec.ResultData {
			p[k] = v
		}
	}
	p["sagaId"] = inst.SagaID
	p["stepName"] = rec.StepName
	p["tenantId"] = inst.TenantID
	p["businessUnitId"] = inst.BusinessUnitID
	p["correlationId"] = inst.CorrelationID
	p["idempotencyKey"] = fmt.Sprintf("%s:%d:%s", inst.SagaID, rec.Sequence, direction)
	return p
}

func (e *Engine) newEvent(inst *model.SagaInstance, eventType string, data map[string]any) *model.SagaEvent {
	return &model.SagaEvent{
		EventID:        e.ids.MustGenerate(),
		SagaID:         inst.SagaID,
		EventType:      eventType,
		EventData:      data,
		TenantID:       inst.TenantID,
		BusinessUnitID: inst.BusinessUnitID,
		CorrelationID:  inst.CorrelationID,
		OccurredAt:     model.NowMillis(),
	}
}

func (e *Engine) stepEvent(inst *model.SagaInstance, rec *model.SagaStepRecord, eventType, detail string) *model.SagaEvent {
	data := map[string]any{
		"step":     rec.StepName,
		"sequence": rec.Sequence,
		"attempt":  rec.Attempt,
		"status":   string(rec.Status),
	}
	if detail != "" {
		data["detail"] = detail
	}
	return e.newEvent(inst, eventType, data)
}

func stepAt(steps []*model.SagaStepRecord, sequence int) *model.SagaStepRecord {
	for _, s := range steps {
		if s.Sequence == sequence {
			return s
		}
	}
	return nil
}
