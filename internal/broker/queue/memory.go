package queue

import (
	"context"
	"sync"
)

// MemoryQueue is the in-process Queue used in tests and single-node
// deployments.
type MemoryQueue struct {
	mu     sync.Mutex
	ids    []int64
	queued map[int64]struct{}
	closed bool
}

// NewMemory creates an empty in-process queue.
func NewMemory() *MemoryQueue {
	return &MemoryQueue{queued: make(map[int64]struct{})}
}

// Push appends the id unless it is already waiting.
func (q *MemoryQueue) Push(_ context.Context, taskID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if _, ok := q.queued[taskID]; ok {
		return nil
	}
	q.queued[taskID] = struct{}{}
	q.ids = append(q.ids, taskID)
	return nil
}

// Pop removes and returns the oldest id. ok is false when the queue is empty.
func (q *MemoryQueue) Pop(_ context.Context) (int64, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, false, ErrClosed
	}
	if len(q.ids) == 0 {
		return 0, false, nil
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	delete(q.queued, id)
	return id, true, nil
}

// Len returns the number of waiting ids.
func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}
	return len(q.ids), nil
}

// Close drops all waiting ids. The store still has them; a restart's
// reconciler pushes them again.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.ids = nil
	q.queued = nil
	return nil
}
