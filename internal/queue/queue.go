package queue

import "sync"

const defaultCapacity = 16

// Queue is a thread-safe, unbounded FIFO of invocations.
type Queue struct {
	mu   sync.Mutex
	ring *ring[Invocation]

	// Stats
	totalEnqueued int64
	totalDequeued int64
}

// Stats contains queue statistics.
type Stats struct {
	Count         int
	Capacity      int
	TotalEnqueued int64
	TotalDequeued int64
	ResizeCount   int
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{ring: newRing[Invocation](defaultCapacity)}
}

// Enqueue appends inv to the tail. It always succeeds.
func (q *Queue) Enqueue(inv Invocation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.ring.push(inv)
	q.totalEnqueued++
}

// Dequeue removes the head without blocking.
func (q *Queue) Dequeue() (Invocation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	inv, ok := q.ring.pop()
	if ok {
		q.totalDequeued++
	}
	return inv, ok
}

// DequeueAll removes every entry and returns them in insertion order.
func (q *Queue) DequeueAll() []Invocation {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ring.count == 0 {
		return nil
	}

	out := q.ring.items()
	q.ring.reset()
	q.totalDequeued += int64(len(out))
	return out
}

// Snapshot returns a copy of the entries, head first, without removing them.
func (q *Queue) Snapshot() []Invocation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.items()
}

// Clear drops every entry and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.reset()
}

// Len returns the number of queued invocations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.count
}

// IsEmpty reports whether the queue has no entries.
func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// Stats returns queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Count:         q.ring.count,
		Capacity:      q.ring.capacity,
		TotalEnqueued: q.totalEnqueued,
		TotalDequeued: q.totalDequeued,
		ResizeCount:   q.ring.resizeCount,
	}
}
