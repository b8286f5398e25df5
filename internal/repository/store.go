// Package repository 数据访问层
package repository

import (
	"context"
	"errors"

	"github.com/payrail/orchestrator/internal/model"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrIdempotencyConflict    = errors.New("idempotency conflict")
	ErrConcurrentModification = errors.New("concurrent modification")
)

// Store is the durable saga state store. The instance row carries an
// optimistic version; Transition commits the instance update, the step
// upsert and the event append in one atomic unit, or fails with
// ErrConcurrentModification when another writer advanced the row first.
type Store interface {
	// CreateInstance persists a new saga instance together with its
	// saga.started event. Returns ErrIdempotencyConflict when an instance
	// already exists for the same idempotency key.
	CreateInstance(ctx context.Context, inst *model.SagaInstance, event *model.SagaEvent) error

	InstanceByID(ctx context.Context, sagaID string) (*model.SagaInstance, error)
	InstanceByIdempotencyKey(ctx context.Context, key string) (*model.SagaInstance, error)

	// Steps returns the step records for a saga ordered by sequence.
	Steps(ctx context.Context, sagaID string) ([]*model.SagaStepRecord, error)

	// Transition applies one state transition: versioned instance update,
	// optional step upsert (nil to skip) and event append. On success the
	// in-memory instance version is bumped to match the stored row.
	Transition(ctx context.Context, inst *model.SagaInstance, step *model.SagaStepRecord, event *model.SagaEvent) error

	// StalledSagaIDs lists non-terminal sagas whose last transition is older
	// than olderThanMillis or whose overall deadline has passed.
	StalledSagaIDs(ctx context.Context, olderThanMillis int64, nowMillis int64, limit int) ([]string, error)
}
