package engine

import (
	"container/heap"
	"sync"
)

// runHeap orders ready intents by priority, highest first, then by
// submission sequence.
type runHeap []*run

func (h runHeap) Len() int { return len(h) }

func (h runHeap) Less(i, j int) bool {
	if h[i].intent.Priority != h[j].intent.Priority {
		return h[i].intent.Priority > h[j].intent.Priority
	}
	return h[i].seq < h[j].seq
}

func (h runHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *runHeap) Push(x any) { *h = append(*h, x.(*run)) }

func (h *runHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return r
}

// readyQueue is the admission queue.
//
// Pushes may come from any goroutine; the Run loop pops. The signal channel
// has a buffer of one so bursts of pushes coalesce into one wake-up, and it
// is closed by Close to release a waiting Run loop.
type readyQueue struct {
	mu     sync.Mutex
	items  runHeap
	closed bool
	signal chan struct{}
}

func newReadyQueue() *readyQueue {
	return &readyQueue{signal: make(chan struct{}, 1)}
}

// Push adds r. It returns false once the queue is closed.
func (q *readyQueue) Push(r *run) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	heap.Push(&q.items, r)
	q.notifyLocked()
	return true
}

func (q *readyQueue) notifyLocked() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TryPop removes the highest-ranked intent without blocking.
func (q *readyQueue) TryPop() (*run, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return heap.Pop(&q.items).(*run), true
}

// Wait returns a channel that receives when the queue may have work.
func (q *readyQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *readyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *readyQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops further pushes and wakes any waiter.
func (q *readyQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
