package delegate

import (
	"container/heap"
	"context"
	"sync"
)

// item orders by priority rank then submission sequence, so the queue is
// strictly FIFO within a priority band. Entries carry task ids only; the
// processor re-reads live task state under the delegator lock after popping.
type item struct {
	rank int
	seq  uint64
	id   string
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// queue is a blocking priority queue of pending task ids.
type queue struct {
	mu    sync.Mutex
	items itemHeap
	seq   uint64
	wake  chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

// push enqueues a task id. seq 0 allocates a fresh submission sequence;
// passing the sequence returned by an earlier push keeps a requeued task's
// place relative to later submissions in the same priority band.
func (q *queue) push(id string, rank int, seq uint64) uint64 {
	q.mu.Lock()
	if seq == 0 {
		q.seq++
		seq = q.seq
	}
	heap.Push(&q.items, &item{rank: rank, seq: seq, id: id})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return seq
}

// pop removes the highest-priority entry without blocking.
func (q *queue) pop() (string, uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", 0, false
	}
	it := heap.Pop(&q.items).(*item)
	return it.id, it.seq, true
}

// waitPop blocks until an entry is available or the context is cancelled.
func (q *queue) waitPop(ctx context.Context) (string, uint64, bool) {
	for {
		if id, seq, ok := q.pop(); ok {
			return id, seq, true
		}
		select {
		case <-ctx.Done():
			return "", 0, false
		case <-q.wake:
		}
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
