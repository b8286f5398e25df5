package snowflake

import (
	"sync"
	"testing"
)

func TestNewRejectsInvalidWorkerID(t *testing.T) {
	if _, err := New(-1); err != ErrInvalidWorkerID {
		t.Fatalf("expected ErrInvalidWorkerID, got %v", err)
	}
	if _, err := New(1024); err != ErrInvalidWorkerID {
		t.Fatalf("expected ErrInvalidWorkerID, got %v", err)
	}
}

func TestGenerateMonotonic(t *testing.T) {
	g, err := New(7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var prev int64
	for i := 0; i < 10000; i++ {
		id, err := g.Generate()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id <= prev {
			t.Fatalf("expected monotonically increasing IDs, got %d after %d", id, prev)
		}
		prev = id
	}
}

func TestGenerateUniqueConcurrent(t *testing.T) {
	g, err := New(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const workers = 8
	const perWorker = 1000

	var mu sync.Mutex
	seen := make(map[int64]struct{}, workers*perWorker)
	var wg sync.WaitGroup
	wg.Add(workers)

	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				id := g.MustGenerate()
				mu.Lock()
				if _, dup := seen[id]; dup {
					mu.Unlock()
					t.Errorf("duplicate ID %d", id)
					return
				}
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestParseRoundTrip(t *testing.T) {
	g, _ := New(42)
	id := g.MustGenerate()

	_, workerID, _ := Parse(id)
	if workerID != 42 {
		t.Fatalf("expected workerID=42, got %d", workerID)
	}
}

func TestGlobalGenerator(t *testing.T) {
	if err := Init(3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id, err := NextID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero ID")
	}
}
