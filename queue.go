package workerpool

import (
	"context"
	"sync"
)

type node[T any] struct {
	item T
	next *node[T]
}

// RequestQueue is an unbounded FIFO of requests guarded by one mutex.
//
// The condition variable bound to the mutex is signaled whenever the queue
// becomes non-empty or the shutdown flag changes. The queue never blocks
// internally; deciding whether to wait or to exit belongs to its consumers.
type RequestQueue[T any] struct {
	mu   sync.Mutex
	cond *sync.Cond

	head  *node[T]
	tail  *node[T]
	count int

	doneCreatingRequests bool
}

// NewRequestQueue creates an empty queue.
func NewRequestQueue[T any]() *RequestQueue[T] {
	q := &RequestQueue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends item to the tail and wakes at least one waiter.
func (q *RequestQueue[T]) Enqueue(item T) {
	n := &node[T]{item: item}

	q.mu.Lock()
	if q.tail == nil {
		q.head = n
	} else {
		q.tail.next = n
	}
	q.tail = n
	q.count++
	q.mu.Unlock()

	q.cond.Signal()
}

// Dequeue removes and returns the head item.
// It returns false immediately if the queue is empty.
func (q *RequestQueue[T]) Dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// Size returns the number of queued items.
// The value is advisory: it may be stale by the time the caller sees it.
func (q *RequestQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// SignalDone marks that no more requests are coming and wakes every waiter.
// Calling it more than once has no further effect.
func (q *RequestQueue[T]) SignalDone() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.doneCreatingRequests = true
	q.cond.Broadcast()
}

// Done reports whether SignalDone has been called.
func (q *RequestQueue[T]) Done() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.doneCreatingRequests
}

// Drain removes every queued item and returns them in FIFO order.
func (q *RequestQueue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]T, 0, q.count)
	for {
		item, ok := q.popLocked()
		if !ok {
			return items
		}
		items = append(items, item)
	}
}

// popLocked must be called with q.mu held.
func (q *RequestQueue[T]) popLocked() (T, bool) {
	n := q.head
	if n == nil {
		var zero T
		return zero, false
	}
	q.head = n.next
	if q.head == nil {
		q.tail = nil
	}
	n.next = nil
	q.count--
	return n.item, true
}

// wait blocks on the condition variable. It must be called with q.mu held
// and returns with q.mu held, whether it was woken up or ctx ended.
//
// A wake-up is only a hint: the caller has to re-check the queue afterwards.
func (q *RequestQueue[T]) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// The callback takes the lock before broadcasting, so it cannot fire
	// between the ctx check above and the waiter joining the notify list.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.cond.Wait()
	return ctx.Err()
}
