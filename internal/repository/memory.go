package repository

import (
	"context"
	"fmt"
	"sort"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/payrail/orchestrator/internal/model"
)

// MemoryStore is an in-memory Store with the same optimistic-versioning
// semantics as PostgresStore. Used for local development and tests; state
// does not survive a restart.
type MemoryStore struct {
	db *memdb.MemDB
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() (*MemoryStore, error) {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"saga_instances": {
				Name: "saga_instances",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "SagaID"},
					},
					"idempotency_key": {
						Name:    "idempotency_key",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "IdempotencyKey"},
					},
				},
			},
			"saga_steps": {
				Name: "saga_steps",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "SagaID"},
								&memdb.IntFieldIndex{Field: "Sequence"},
							},
						},
					},
					"saga_id": {
						Name:    "saga_id",
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "SagaID"},
					},
				},
			},
			"saga_events": {
				Name: "saga_events",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "EventID"},
					},
					"saga_id": {
						Name:    "saga_id",
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "SagaID"},
					},
				},
			},
		},
	}

	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("build memdb schema: %w", err)
	}
	return &MemoryStore{db: db}, nil
}

func (s *MemoryStore) CreateInstance(ctx context.Context, inst *model.SagaInstance, event *model.SagaEvent) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if existing, err := txn.First("saga_instances", "idempotency_key", inst.IdempotencyKey); err != nil {
		return fmt.Errorf("lookup idempotency key: %w", err)
	} else if existing != nil {
		return ErrIdempotencyConflict
	}

	if err := txn.Insert("saga_instances", cloneInstance(inst)); err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	if event != nil {
		if err := txn.Insert("saga_events", cloneEvent(event)); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}

	txn.Commit()
	return nil
}

func (s *MemoryStore) InstanceByID(ctx context.Context, sagaID string) (*model.SagaInstance, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First("saga_instances", "id", sagaID)
	if err != nil {
		return nil, fmt.Errorf("lookup instance: %w", err)
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	return cloneInstance(raw.(*model.SagaInstance)), nil
}

func (s *MemoryStore) InstanceByIdempotencyKey(ctx context.Context, key string) (*model.SagaInstance, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First("saga_instances", "idempotency_key", key)
	if err != nil {
		return nil, fmt.Errorf("lookup instance: %w", err)
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	return cloneInstance(raw.(*model.SagaInstance)), nil
}

func (s *MemoryStore) Steps(ctx context.Context, sagaID string) ([]*model.SagaStepRecord, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get("saga_steps", "saga_id", sagaID)
	if err != nil {
		return nil, fmt.Errorf("lookup steps: %w", err)
	}

	var steps []*model.SagaStepRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		steps = append(steps, cloneStep(raw.(*model.SagaStepRecord)))
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Sequence < steps[j].Sequence })
	return steps, nil
}

func (s *MemoryStore) Transition(ctx context.Context, inst *model.SagaInstance, step *model.SagaStepRecord, event *model.SagaEvent) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First("saga_instances", "id", inst.SagaID)
	if err != nil {
		return fmt.Errorf("lookup instance: %w", err)
	}
	if raw == nil {
		return ErrNotFound
	}
	if raw.(*model.SagaInstance).Version != inst.Version {
		return ErrConcurrentModification
	}

	next := cloneInstance(inst)
	next.Version++
	if err := txn.Insert("saga_instances", next); err != nil {
		return fmt.Errorf("update instance: %w", err)
	}

	if step != nil {
		if err := txn.Insert("saga_steps", cloneStep(step)); err != nil {
			return fmt.Errorf("upsert step: %w", err)
		}
	}
	if event != nil {
		if err := txn.Insert("saga_events", cloneEvent(event)); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}

	txn.Commit()
	inst.Version++
	return nil
}

func (s *MemoryStore) StalledSagaIDs(ctx context.Context, olderThanMillis int64, nowMillis int64, limit int) ([]string, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get("saga_instances", "id")
	if err != nil {
		return nil, fmt.Errorf("scan instances: %w", err)
	}

	var ids []string
	for raw := it.Next(); raw != nil; raw = it.Next() {
		inst := raw.(*model.SagaInstance)
		if inst.Status.Terminal() {
			continue
		}
		stale := inst.LastTransitionAt < olderThanMillis
		pastDeadline := inst.Deadline > 0 && inst.Deadline < nowMillis
		if !stale && !pastDeadline {
			continue
		}
		ids = append(ids, inst.SagaID)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

// Events returns the append-only event log for a saga, ordered by event ID.
// Not part of the Store interface; used for audit inspection and tests.
func (s *MemoryStore) Events(sagaID string) []*model.SagaEvent {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get("saga_events", "saga_id", sagaID)
	if err != nil {
		return nil
	}
	var events []*model.SagaEvent
	for raw := it.Next(); raw != nil; raw = it.Next() {
		events = append(events, cloneEvent(raw.(*model.SagaEvent)))
	}
	sort.Slice(events, func(i, j int) bool { return events[i].EventID < events[j].EventID })
	return events
}

func cloneInstance(in *model.SagaInstance) *model.SagaInstance {
	out := *in
	out.Payload = cloneMap(in.Payload)
	return &out
}

func cloneStep(in *model.SagaStepRecord) *model.SagaStepRecord {
	out := *in
	out.ResultData = cloneMap(in.ResultData)
	return &out
}

func cloneEvent(in *model.SagaEvent) *model.SagaEvent {
	out := *in
	out.EventData = cloneMap(in.EventData)
	return &out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
