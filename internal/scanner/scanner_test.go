package scanner

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/payrail/orchestrator/internal/metrics"
	"github.com/payrail/orchestrator/internal/model"
	"github.com/payrail/orchestrator/internal/repository"
	"github.com/payrail/orchestrator/pkg/health"
	"github.com/payrail/orchestrator/pkg/logger"
	"github.com/payrail/orchestrator/pkg/redisx"
)

type fakeAdvancer struct {
	mu    sync.Mutex
	seen  []string
	fail  map[string]error
	delay time.Duration // simulates slow recoveries
}

func (a *fakeAdvancer) Advance(ctx context.Context, sagaID string) error {
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, sagaID)
	return a.fail[sagaID]
}

func (a *fakeAdvancer) advanced() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.seen...)
}

func seedSaga(t *testing.T, store *repository.MemoryStore, sagaID string, status model.SagaStatus, lastTransition int64) {
	t.Helper()
	inst := &model.SagaInstance{
		SagaID:           sagaID,
		DefinitionName:   "PAYMENT_FLOW",
		IdempotencyKey:   sagaID,
		Payload:          map[string]any{},
		Status:           status,
		StartedAt:        lastTransition,
		LastTransitionAt: lastTransition,
	}
	ev := &model.SagaEvent{EventID: time.Now().UnixNano(), SagaID: sagaID,
		EventType: model.EventSagaStarted, OccurredAt: lastTransition}
	if err := store.CreateInstance(context.Background(), inst, ev); err != nil {
		t.Fatalf("seed %s: %v", sagaID, err)
	}
}

func newTestScanner(t *testing.T, adv Advancer, lock *redisx.Lock) (*Scanner, *repository.MemoryStore) {
	t.Helper()
	store, err := repository.NewMemoryStore()
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	cfg := Config{Interval: 10 * time.Millisecond, Grace: time.Minute, BatchSize: 10}
	s := New(cfg, store, adv, lock, metrics.New(prometheus.NewRegistry()),
		&health.LoopMonitor{}, logger.New("scanner-test", io.Discard))
	return s, store
}

func TestSweepRecoversOnlyStalledSagas(t *testing.T) {
	adv := &fakeAdvancer{}
	s, store := newTestScanner(t, adv, nil)

	now := model.NowMillis()
	seedSaga(t, store, "stalled-1", model.SagaRunning, now-120_000)
	seedSaga(t, store, "stalled-2", model.SagaCompensating, now-120_000)
	seedSaga(t, store, "fresh", model.SagaRunning, now)
	seedSaga(t, store, "done", model.SagaCompleted, now-120_000)

	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got := adv.advanced()
	if len(got) != 2 {
		t.Fatalf("advanced %v, want the two stalled sagas", got)
	}
	for _, id := range got {
		if id != "stalled-1" && id != "stalled-2" {
			t.Fatalf("unexpected saga recovered: %s", id)
		}
	}
}

func TestSweepContinuesPastAdvanceErrors(t *testing.T) {
	adv := &fakeAdvancer{fail: map[string]error{"bad": errors.New("boom")}}
	s, store := newTestScanner(t, adv, nil)

	now := model.NowMillis()
	seedSaga(t, store, "bad", model.SagaRunning, now-120_000)
	seedSaga(t, store, "good", model.SagaRunning, now-120_000)

	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := adv.advanced(); len(got) != 2 {
		t.Fatalf("one failing saga must not stop the batch, advanced %v", got)
	}
}

func TestSweepSkippedWhenLockHeldElsewhere(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	// another replica holds the leader lock
	if err := client.SetNX(context.Background(), "orchestrator:scanner:lock", "other", time.Minute).Err(); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	adv := &fakeAdvancer{}
	lock := redisx.NewLock(client, "orchestrator:scanner:lock", "me", time.Minute)
	s, store := newTestScanner(t, adv, lock)

	seedSaga(t, store, "stalled", model.SagaRunning, model.NowMillis()-120_000)
	s.runSweep()

	if got := adv.advanced(); len(got) != 0 {
		t.Fatalf("non-leader swept: %v", got)
	}

	// lock released; we become leader and sweep
	mr.Del("orchestrator:scanner:lock")
	s.runSweep()
	if got := adv.advanced(); len(got) != 1 || got[0] != "stalled" {
		t.Fatalf("leader sweep advanced %v, want [stalled]", got)
	}
	// leader releases the lock after the sweep
	if mr.Exists("orchestrator:scanner:lock") {
		t.Fatalf("lock must be released after the sweep")
	}
}

func TestSweepExtendsLeaderLockOnLongBatches(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lock := redisx.NewLock(client, "orchestrator:scanner:lock", "me", time.Minute)
	adv := &fakeAdvancer{delay: 30 * time.Millisecond}
	s, store := newTestScanner(t, adv, lock)
	s.cfg.LockTTL = 40 * time.Millisecond

	now := model.NowMillis()
	seedSaga(t, store, "stalled-1", model.SagaRunning, now-120_000)
	seedSaga(t, store, "stalled-2", model.SagaRunning, now-120_000)

	if ok, err := lock.Acquire(context.Background()); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := adv.advanced(); len(got) != 2 {
		t.Fatalf("advanced %v, want both stalled sagas", got)
	}
	// the slow batch renewed the lease: minute-long acquire TTL replaced by LockTTL
	if ttl := mr.TTL("orchestrator:scanner:lock"); ttl != 40*time.Millisecond {
		t.Fatalf("lock ttl = %s, want the renewed 40ms lease", ttl)
	}
}

func TestSweepAbortsWhenLeaderLockLost(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	// another replica took the lock over
	if err := client.Set(context.Background(), "orchestrator:scanner:lock", "other", time.Minute).Err(); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	adv := &fakeAdvancer{delay: 20 * time.Millisecond}
	lock := redisx.NewLock(client, "orchestrator:scanner:lock", "me", time.Minute)
	s, store := newTestScanner(t, adv, lock)
	s.cfg.LockTTL = 10 * time.Millisecond

	now := model.NowMillis()
	seedSaga(t, store, "stalled-1", model.SagaRunning, now-120_000)
	seedSaga(t, store, "stalled-2", model.SagaRunning, now-120_000)

	if err := s.Sweep(context.Background()); err == nil {
		t.Fatalf("sweep must abort when the lease cannot be renewed")
	}
	if got := adv.advanced(); len(got) != 1 {
		t.Fatalf("advanced %v, want the batch to stop after the lost lock", got)
	}
}

func TestStartRunsSweepsOnSchedule(t *testing.T) {
	adv := &fakeAdvancer{}
	s, store := newTestScanner(t, adv, nil)
	seedSaga(t, store, "stalled", model.SagaRunning, model.NowMillis()-120_000)

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(adv.advanced()) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("scheduled sweep never ran")
}
