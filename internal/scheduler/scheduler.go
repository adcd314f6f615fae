// Package scheduler implements the delayed command scheduler (spec.md
// §4.G): a monotonic priority queue on (fire_at, insertion_order) drained
// by one worker goroutine into the outgoing command stream.
package scheduler

import (
	"container/heap"
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/coderdj/dispatcher/internal/observability"
	"github.com/coderdj/dispatcher/internal/store"
)

// entry is one item in the in-memory mirror of the pending-command area:
// enough to know when to fire and how to find the record in the store.
type entry struct {
	fireAt time.Time
	seq    uint64
	key    []byte
	rec    store.CommandRecord
}

// entryHeap is a min-heap on (fireAt, seq), giving FIFO among entries
// sharing the same fire time — the same shape as the pack's own
// container/heap-based timer queue, specialised to (time, sequence) pairs
// instead of (time, callback).
type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].fireAt.Before(h[j].fireAt)
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Publisher is the subset of *store.DB the scheduler needs to drain a
// pending entry into the outgoing stream.
type Publisher interface {
	Publish(rec store.CommandRecord) error
	PendingDelete(key []byte) error
	PendingAll() ([]struct {
		Key []byte
		Rec store.CommandRecord
	}, error)
}

// Scheduler owns the in-memory heap mirroring the pending-command area and
// the single worker goroutine that drains it in fire-time order.
type Scheduler struct {
	store  Publisher
	log    *zap.Logger
	heap   entryHeap
	wakeup chan struct{}
	nextSeq uint64

	metrics *observability.Metrics
}

// SetMetrics attaches the process's metrics registry. Optional: a
// Scheduler with no metrics set simply skips the observation.
func (s *Scheduler) SetMetrics(m *observability.Metrics) {
	s.metrics = m
	s.observeDepth()
}

func (s *Scheduler) observeDepth() {
	if s.metrics != nil {
		s.metrics.SchedulerQueueDepth.Set(float64(s.heap.Len()))
	}
}

// New creates a scheduler and loads the full pending-command area into
// its in-memory heap. Entries already due (fire_at <= now) are published
// as soon as Run starts, satisfying spec.md §4.G's crash-recovery rule;
// entries not yet due simply wait in the heap as they would have in a
// long-running process.
func New(db Publisher, log *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		store:  db,
		log:    log,
		heap:   make(entryHeap, 0),
		wakeup: make(chan struct{}, 1),
	}

	all, err := db.PendingAll()
	if err != nil {
		return nil, err
	}
	for _, e := range all {
		s.nextSeq++
		heap.Push(&s.heap, entry{fireAt: e.Rec.FireAt, seq: s.nextSeq, key: e.Key, rec: e.Rec})
	}
	return s, nil
}

// Enqueue adds a freshly written pending entry to the in-memory heap and
// wakes the worker so it re-evaluates its wait — spec.md §4.G: "an event
// is signalled whenever a new entry is enqueued".
func (s *Scheduler) Enqueue(key []byte, rec store.CommandRecord) {
	s.nextSeq++
	heap.Push(&s.heap, entry{fireAt: rec.FireAt, seq: s.nextSeq, key: key, rec: rec})
	s.observeDepth()
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// Run blocks, draining the heap in fire-time order, until ctx is
// cancelled. It is meant to run on its own goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if s.heap.Len() == 0 {
			select {
			case <-ctx.Done():
				return
			case <-s.wakeup:
				continue
			}
		}

		next := s.heap[0]
		wait := time.Until(next.fireAt)
		if wait <= 0 {
			s.fire(next)
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wakeup:
			timer.Stop()
			continue
		case <-timer.C:
			continue
		}
	}
}

func (s *Scheduler) fire(e entry) {
	heap.Pop(&s.heap)
	s.observeDepth()
	if s.metrics != nil {
		s.metrics.SchedulerDrainLatency.Observe(time.Since(e.fireAt).Seconds())
	}
	if err := s.store.Publish(e.rec); err != nil {
		s.log.Error("scheduler: publish failed, leaving entry pending for retry", zap.String("command", string(e.rec.Command)), zap.Error(err))
		// Put the entry back one second out so the worker sleeps, then retries.
		e.fireAt = time.Now().Add(time.Second)
		heap.Push(&s.heap, e)
		s.observeDepth()
		return
	}
	if err := s.store.PendingDelete(e.key); err != nil {
		s.log.Error("scheduler: pending delete failed after publish", zap.String("command", string(e.rec.Command)), zap.Error(err))
	}
}

// Len reports the number of entries currently held in the in-memory heap,
// exposed for the scheduler queue depth gauge.
func (s *Scheduler) Len() int {
	return s.heap.Len()
}
