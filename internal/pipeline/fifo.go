package pipeline

import (
	"context"
	"sync"
)

// fifo is an unbounded multi-producer queue. push never blocks; pop waits
// for an item, for close, or for ctx.
type fifo struct {
	mu     sync.Mutex
	items  []item
	closed bool
	notify chan struct{}
}

func newFIFO() *fifo {
	return &fifo{notify: make(chan struct{}, 1)}
}

// push appends it to the tail. It returns false once the queue is closed.
func (q *fifo) push(it item) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, it)
	q.mu.Unlock()
	q.signal()
	return true
}

// pop returns the head item. After close it keeps returning queued items
// until the queue is empty, then reports false.
func (q *fifo) pop(ctx context.Context) (item, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items[0] = item{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return item{}, false
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return item{}, false
		}
	}
}

func (q *fifo) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// drain removes and returns everything still queued.
func (q *fifo) drain() []item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *fifo) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fifo) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *fifo) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
