// Package model holds the persisted saga records and their lifecycle states.
package model

import "time"

// SagaStatus 实例生命周期状态
type SagaStatus string

const (
	SagaInitiated    SagaStatus = "INITIATED"
	SagaRunning      SagaStatus = "RUNNING"
	SagaCompleted    SagaStatus = "COMPLETED"
	SagaCompensating SagaStatus = "COMPENSATING"
	SagaCompensated  SagaStatus = "COMPENSATED"
	SagaFailed       SagaStatus = "FAILED"
)

// Terminal reports whether no further transitions are permitted.
func (s SagaStatus) Terminal() bool {
	switch s {
	case SagaCompleted, SagaCompensated, SagaFailed:
		return true
	default:
		return false
	}
}

// StepStatus 步骤状态
type StepStatus string

const (
	StepPending      StepStatus = "PENDING"
	StepRunning      StepStatus = "RUNNING"
	StepCompleted    StepStatus = "COMPLETED"
	StepFailed       StepStatus = "FAILED"
	StepCompensating StepStatus = "COMPENSATING"
	StepCompensated  StepStatus = "COMPENSATED"
	StepSkipped      StepStatus = "SKIPPED"
)

// TenantContext identifies the tenant a saga belongs to. Both fields are
// carried on every persisted row for storage-level isolation.
type TenantContext struct {
	TenantID       string `json:"tenantId"`
	BusinessUnitID string `json:"businessUnitId"`
}

// SagaInstance is the authoritative record of one saga execution. It is
// owned by the execution engine and mutated only through versioned
// transitions; rows are never deleted.
type SagaInstance struct {
	SagaID           string         `json:"sagaId"`
	DefinitionName   string         `json:"definitionName"`
	TenantID         string         `json:"tenantId"`
	BusinessUnitID   string         `json:"businessUnitId"`
	CorrelationID    string         `json:"correlationId"`
	IdempotencyKey   string         `json:"idempotencyKey"`
	Payload          map[string]any `json:"payload"`
	Status           SagaStatus     `json:"status"`
	CurrentStepIndex int            `json:"currentStepIndex"`
	Version          int64          `json:"version"`
	StartedAt        int64          `json:"startedAt"`        // unix millis
	CompletedAt      int64          `json:"completedAt"`      // unix millis, 0 while running
	LastTransitionAt int64          `json:"lastTransitionAt"` // unix millis
	Deadline         int64          `json:"deadline"`         // unix millis, 0 = no overall deadline
	ErrorDetail      string         `json:"errorDetail,omitempty"`
}

// Tenant returns the tenant context carried on the instance.
func (i *SagaInstance) Tenant() TenantContext {
	return TenantContext{TenantID: i.TenantID, BusinessUnitID: i.BusinessUnitID}
}

// SagaStepRecord is one step's execution history within a saga instance.
// One record per (sagaId, sequence), updated in place across attempts.
type SagaStepRecord struct {
	SagaID      string         `json:"sagaId"`
	Sequence    int            `json:"sequence"`
	StepName    string         `json:"stepName"`
	Status      StepStatus     `json:"status"`
	Attempt     int            `json:"attempt"`
	StartedAt   int64          `json:"startedAt"`   // unix millis
	CompletedAt int64          `json:"completedAt"` // unix millis
	ResultData  map[string]any `json:"resultData,omitempty"`
	ErrorDetail string         `json:"errorDetail,omitempty"`
}

// Saga lifecycle event types published after each committed transition.
const (
	EventSagaStarted             = "saga.started"
	EventSagaStepStarted         = "saga.step.started"
	EventSagaStepCompleted       = "saga.step.completed"
	EventSagaStepFailed          = "saga.step.failed"
	EventSagaStepCompensated     = "saga.step.compensated"
	EventSagaStepSkipped         = "saga.step.skipped"
	EventSagaCompleted           = "saga.completed"
	EventSagaCompensationStarted = "saga.compensation.started"
	EventSagaCompensated         = "saga.compensated"
	EventSagaFailed              = "saga.failed"
)

// SagaEvent is an immutable append-only audit entry. The instance/step
// tables stay authoritative for control decisions; events are a secondary
// record for external consumers and reconciliation.
type SagaEvent struct {
	EventID        int64          `json:"eventId"`
	SagaID         string         `json:"sagaId"`
	EventType      string         `json:"eventType"`
	EventData      map[string]any `json:"eventData,omitempty"`
	TenantID       string         `json:"tenantId"`
	BusinessUnitID string         `json:"businessUnitId"`
	CorrelationID  string         `json:"correlationId"`
	OccurredAt     int64          `json:"occurredAt"` // unix millis
}

// NowMillis is the single clock used for persisted timestamps.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
