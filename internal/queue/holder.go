package queue

import "sync"

// Holder wraps a Queue with the synchronization needed to hand items
// from a producing mux goroutine to consuming callers: a mutex around
// the queue plus a single-slot signal channel poked on every enqueue.
// Consumers drain with Dequeue and block on Available when empty.
type Holder[T any] struct {
	mu sync.Mutex
	q  *Queue[T]

	avail chan struct{}
}

// NewHolder creates a Holder around q.
func NewHolder[T any](q *Queue[T]) *Holder[T] {
	return &Holder[T]{
		q:     q,
		avail: make(chan struct{}, 1),
	}
}

// Enqueue adds item to the queue and wakes one waiting consumer.
func (h *Holder[T]) Enqueue(item T) {
	h.mu.Lock()
	h.q.Enqueue(item)
	h.mu.Unlock()

	select {
	case h.avail <- struct{}{}:
	default:
	}
}

// Dequeue removes and returns the item at the front of the queue, or
// nil if the queue is empty.
func (h *Holder[T]) Dequeue() *T {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.q.Dequeue()
}

// Len returns the count of queued items.
func (h *Holder[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.q.Len()
}

// Available returns the channel consumers block on when the queue is
// empty. A receive means at least one Enqueue happened since the last
// signal; callers must still check Dequeue for nil, as another
// consumer may have won the item.
func (h *Holder[T]) Available() <-chan struct{} {
	return h.avail
}
