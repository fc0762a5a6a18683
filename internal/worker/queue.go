package worker

import (
	"sync"

	"github.com/google/uuid"
)

// Queue is the in-memory FIFO of deliveries waiting for a send slot. It
// tracks queued and in-flight ids so the same delivery is never processed
// by two goroutines at once: an id re-enters the queue only after Done.
type Queue struct {
	ch      chan uuid.UUID
	mu      sync.Mutex
	tracked map[uuid.UUID]struct{}
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1024
	}
	return &Queue{
		ch:      make(chan uuid.UUID, size),
		tracked: make(map[uuid.UUID]struct{}),
	}
}

// Enqueue adds a delivery id unless it is already queued or in flight, or
// the queue is full. A false return is not an error: the poll loop will
// pick the row up again later.
func (q *Queue) Enqueue(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.tracked[id]; exists {
		return false
	}

	select {
	case q.ch <- id:
		q.tracked[id] = struct{}{}
		return true
	default:
		return false
	}
}

// C exposes the dequeue channel for the worker loop.
func (q *Queue) C() <-chan uuid.UUID {
	return q.ch
}

// Done releases an id after its attempt fully completed, allowing a later
// re-enqueue.
func (q *Queue) Done(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tracked, id)
}

// Len returns the number of queued (not yet dequeued) deliveries.
func (q *Queue) Len() int {
	return len(q.ch)
}
