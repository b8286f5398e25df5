package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/payrail/orchestrator/internal/model"
)

// PostgresStore Postgres 状态存储
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore 创建存储
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const uniqueViolation = "23505"

// CreateInstance inserts the instance row and its saga.started event in one
// transaction. A duplicate idempotency key maps to ErrIdempotencyConflict.
func (s *PostgresStore) CreateInstance(ctx context.Context, inst *model.SagaInstance, event *model.SagaEvent) error {
	payload, err := json.Marshal(inst.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO payment_orchestration.saga_instances
			(saga_id, definition_name, tenant_id, business_unit_id, correlation_id,
			 idempotency_key, payload, status, current_step_index, version,
			 started_at_ms, completed_at_ms, last_transition_at_ms, deadline_ms, error_detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = tx.ExecContext(ctx, insert,
		inst.SagaID, inst.DefinitionName, inst.TenantID, inst.BusinessUnitID, inst.CorrelationID,
		inst.IdempotencyKey, payload, inst.Status, inst.CurrentStepIndex, inst.Version,
		inst.StartedAt, inst.CompletedAt, inst.LastTransitionAt, inst.Deadline, inst.ErrorDetail,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrIdempotencyConflict
		}
		return fmt.Errorf("insert instance: %w", err)
	}

	if event != nil {
		if err := insertEvent(ctx, tx, event); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const instanceColumns = `
		saga_id, definition_name, tenant_id, business_unit_id, correlation_id,
		idempotency_key, payload, status, current_step_index, version,
		started_at_ms, completed_at_ms, last_transition_at_ms, deadline_ms, error_detail
`

// InstanceByID 按 sagaId 查询实例
func (s *PostgresStore) InstanceByID(ctx context.Context, sagaID string) (*model.SagaInstance, error) {
	query := `SELECT` + instanceColumns + `
		FROM payment_orchestration.saga_instances
		WHERE saga_id = $1
	`
	return s.queryInstance(ctx, query, sagaID)
}

// InstanceByIdempotencyKey 按幂等键查询实例
func (s *PostgresStore) InstanceByIdempotencyKey(ctx context.Context, key string) (*model.SagaInstance, error) {
	query := `SELECT` + instanceColumns + `
		FROM payment_orchestration.saga_instances
		WHERE idempotency_key = $1
	`
	return s.queryInstance(ctx, query, key)
}

func (s *PostgresStore) queryInstance(ctx context.Context, query string, arg any) (*model.SagaInstance, error) {
	var (
		inst    model.SagaInstance
		payload []byte
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&inst.SagaID, &inst.DefinitionName, &inst.TenantID, &inst.BusinessUnitID, &inst.CorrelationID,
		&inst.IdempotencyKey, &payload, &inst.Status, &inst.CurrentStepIndex, &inst.Version,
		&inst.StartedAt, &inst.CompletedAt, &inst.LastTransitionAt, &inst.Deadline, &inst.ErrorDetail,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query instance: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &inst.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return &inst, nil
}

// Steps 查询执行历史
func (s *PostgresStore) Steps(ctx context.Context, sagaID string) ([]*model.SagaStepRecord, error) {
	query := `
		SELECT saga_id, sequence, step_name, status, attempt,
		       started_at_ms, completed_at_ms, result_data, error_detail
		FROM payment_orchestration.saga_steps
		WHERE saga_id = $1
		ORDER BY sequence
	`
	rows, err := s.db.QueryContext(ctx, query, sagaID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []*model.SagaStepRecord
	for rows.Next() {
		var (
			step   model.SagaStepRecord
			result []byte
		)
		if err := rows.Scan(
			&step.SagaID, &step.Sequence, &step.StepName, &step.Status, &step.Attempt,
			&step.StartedAt, &step.CompletedAt, &result, &step.ErrorDetail,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if len(result) > 0 {
			if err := json.Unmarshal(result, &step.ResultData); err != nil {
				return nil, fmt.Errorf("unmarshal result data: %w", err)
			}
		}
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

// Transition applies one versioned transition atomically.
func (s *PostgresStore) Transition(ctx context.Context, inst *model.SagaInstance, step *model.SagaStepRecord, event *model.SagaEvent) error {
	payload, err := json.Marshal(inst.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// 1. 乐观锁更新实例
	update := `
		UPDATE payment_orchestration.saga_instances
		SET status = $1, current_step_index = $2, payload = $3, version = version + 1,
		    completed_at_ms = $4, last_transition_at_ms = $5, deadline_ms = $6, error_detail = $7
		WHERE saga_id = $8 AND version = $9
	`
	res, err := tx.ExecContext(ctx, update,
		inst.Status, inst.CurrentStepIndex, payload,
		inst.CompletedAt, inst.LastTransitionAt, inst.Deadline, inst.ErrorDetail,
		inst.SagaID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConcurrentModification
	}

	// 2. 步骤记录 upsert（同一 sequence 每次尝试原地更新）
	if step != nil {
		result, err := json.Marshal(step.ResultData)
		if err != nil {
			return fmt.Errorf("marshal result data: %w", err)
		}
		upsert := `
			INSERT INTO payment_orchestration.saga_steps
				(saga_id, sequence, step_name, status, attempt,
				 started_at_ms, completed_at_ms, result_data, error_detail)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (saga_id, sequence) DO UPDATE
			SET status = EXCLUDED.status, attempt = EXCLUDED.attempt,
			    started_at_ms = EXCLUDED.started_at_ms,
			    completed_at_ms = EXCLUDED.completed_at_ms,
			    result_data = EXCLUDED.result_data, error_detail = EXCLUDED.error_detail
		`
		if _, err := tx.ExecContext(ctx, upsert,
			step.SagaID, step.Sequence, step.StepName, step.Status, step.Attempt,
			step.StartedAt, step.CompletedAt, result, step.ErrorDetail,
		); err != nil {
			return fmt.Errorf("upsert step: %w", err)
		}
	}

	// 3. 追加事件
	if event != nil {
		if err := insertEvent(ctx, tx, event); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	inst.Version++
	return nil
}

// StalledSagaIDs 查询超时未推进的实例
func (s *PostgresStore) StalledSagaIDs(ctx context.Context, olderThanMillis int64, nowMillis int64, limit int) ([]string, error) {
	query := `
		SELECT saga_id
		FROM payment_orchestration.saga_instances
		WHERE status IN ('INITIATED', 'RUNNING', 'COMPENSATING')
		  AND (last_transition_at_ms < $1 OR (deadline_ms > 0 AND deadline_ms < $2))
		ORDER BY last_transition_at_ms
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, olderThanMillis, nowMillis, limit)
	if err != nil {
		return nil, fmt.Errorf("query stalled sagas: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan saga id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func insertEvent(ctx context.Context, tx *sql.Tx, event *model.SagaEvent) error {
	data, err := json.Marshal(event.EventData)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	insert := `
		INSERT INTO payment_orchestration.saga_events
			(event_id, saga_id, event_type, event_data,
			 tenant_id, business_unit_id, correlation_id, occurred_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := tx.ExecContext(ctx, insert,
		event.EventID, event.SagaID, event.EventType, data,
		event.TenantID, event.BusinessUnitID, event.CorrelationID, event.OccurredAt,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
