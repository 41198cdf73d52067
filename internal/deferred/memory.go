package deferred

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue for tests and single-process deployments.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// ScheduleAt implements Scheduler.
func (q *MemoryQueue) ScheduleAt(_ context.Context, at time.Time, callback string, args Args) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, Entry{
		ID:       uuid.NewString(),
		Callback: callback,
		Args:     copyArgs(args),
		RunAt:    at,
	})
	return nil
}

// IsScheduled implements Scheduler.
func (q *MemoryQueue) IsScheduled(_ context.Context, callback string, args Args) (bool, error) {
	key := Key(callback, args)
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if Key(e.Callback, e.Args) == key {
			return true, nil
		}
	}
	return false, nil
}

// Due implements Queue.
func (q *MemoryQueue) Due(_ context.Context, now time.Time, limit int) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sort.SliceStable(q.entries, func(i, j int) bool {
		return q.entries[i].RunAt.Before(q.entries[j].RunAt)
	})

	var due []Entry
	rest := q.entries[:0]
	for _, e := range q.entries {
		if !e.RunAt.After(now) && (limit <= 0 || len(due) < limit) {
			due = append(due, e)
			continue
		}
		rest = append(rest, e)
	}
	q.entries = rest
	return due, nil
}

// Pending returns a snapshot of queued entries, earliest first.
func (q *MemoryQueue) Pending() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	sort.SliceStable(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	return out
}

// Len is the number of queued entries.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func copyArgs(args Args) Args {
	out := make(Args, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
