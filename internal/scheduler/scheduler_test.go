package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/coderdj/dispatcher/internal/scheduler"
	"github.com/coderdj/dispatcher/internal/store"
)

type fakeStore struct {
	mu        sync.Mutex
	pending   map[string]store.CommandRecord
	published []store.CommandRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{pending: map[string]store.CommandRecord{}}
}

func (f *fakeStore) Publish(rec store.CommandRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, rec)
	return nil
}

func (f *fakeStore) PendingDelete(key []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, string(key))
	return nil
}

func (f *fakeStore) PendingAll() ([]struct {
	Key []byte
	Rec store.CommandRecord
}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []struct {
		Key []byte
		Rec store.CommandRecord
	}
	for k, v := range f.pending {
		out = append(out, struct {
			Key []byte
			Rec store.CommandRecord
		}{Key: []byte(k), Rec: v})
	}
	return out, nil
}

func (f *fakeStore) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func TestSchedulerFiresDueEntryOnStartup(t *testing.T) {
	fs := newFakeStore()
	fs.pending["k1"] = store.CommandRecord{ID: "cmd-1", FireAt: time.Now().Add(-time.Second)}

	s, err := scheduler.New(fs, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go s.Run(ctx)

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		if fs.publishedCount() == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected the already-due entry to be published, got %d publishes", fs.publishedCount())
}

func TestSchedulerEnqueueFiresAtDelay(t *testing.T) {
	fs := newFakeStore()
	s, err := scheduler.New(fs, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go s.Run(ctx)

	s.Enqueue([]byte("k2"), store.CommandRecord{ID: "cmd-2", FireAt: time.Now().Add(30 * time.Millisecond)})

	if s.Len() != 1 {
		t.Fatalf("expected heap len 1 immediately after enqueue, got %d", s.Len())
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if fs.publishedCount() == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected enqueued entry to fire after its delay")
}
