package connection

import (
	"sync"
)

// queue is an unbounded FIFO. Push never blocks, so it is safe under the manager lock.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	ready  chan struct{}
	closed bool
	sealed bool
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{ready: make(chan struct{}, 1)}
}

// push appends v; returns false once the queue is closed.
func (q *queue[T]) push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.sealed {
		return false
	}
	q.items = append(q.items, v)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until an item is available, the queue is closed or done fires.
func (q *queue[T]) pop(done <-chan struct{}) (T, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			var zero T
			return zero, false
		}
		if len(q.items) > 0 {
			v := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, true
		}
		if q.sealed {
			q.mu.Unlock()
			var zero T
			return zero, false
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-done:
			var zero T
			return zero, false
		}
	}
}

// seal rejects further pushes but lets pop drain what is already queued.
func (q *queue[T]) seal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sealed = true
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// close drops queued items and wakes pop.
func (q *queue[T]) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
