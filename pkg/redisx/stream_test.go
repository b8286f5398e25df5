package redisx

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// streamValue extracts a field from miniredis stream entry values, which are
// stored as a flat list of alternating keys and values.
func streamValue(values []string, key string) string {
	for i := 0; i+1 < len(values); i += 2 {
		if values[i] == key {
			return values[i+1]
		}
	}
	return ""
}

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestStreamPublish(t *testing.T) {
	client, mr := newTestClient(t)
	sc := NewStreamClient(client)

	id, err := sc.Publish(context.Background(), "orchestrator:saga:events", map[string]string{
		"eventType": "saga.started",
		"sagaId":    "s-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == "" {
		t.Fatal("expected a stream entry ID")
	}

	entries, err := mr.Stream("orchestrator:saga:events")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	var payload map[string]string
	if err := json.Unmarshal([]byte(streamValue(entries[0].Values, "data")), &payload); err != nil {
		t.Fatalf("failed to decode entry: %v", err)
	}
	if payload["eventType"] != "saga.started" {
		t.Fatalf("expected saga.started, got %s", payload["eventType"])
	}
}

func TestPublishMarshalError(t *testing.T) {
	client, _ := newTestClient(t)
	sc := NewStreamClient(client)

	if _, err := sc.Publish(context.Background(), "s", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}

func TestLockAcquireRelease(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	lock := NewLock(client, "orchestrator:scanner:leader", "worker-1", time.Minute)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected lock to be acquired")
	}

	// A second holder must not steal the lock.
	other := NewLock(client, "orchestrator:scanner:leader", "worker-2", time.Minute)
	ok, err = other.Acquire(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected second acquire to fail")
	}

	// Release by non-holder is a no-op.
	if err := other.Release(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ok, _ = other.Acquire(ctx)
	if ok {
		t.Fatal("lock should still be held by worker-1")
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ok, _ = other.Acquire(ctx)
	if !ok {
		t.Fatal("expected acquire to succeed after release")
	}
}
