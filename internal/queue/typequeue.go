package queue

import (
	"container/heap"
	"sync"

	"github.com/castdio/castd/internal/models"
)

// entry is a scheduling ticket for one pending job. seq is assigned in
// submission order under the records lock, so equal priorities dequeue
// first-in-first-out even when two jobs share a submission timestamp.
type entry struct {
	id       models.ULID
	priority models.JobPriority
	seq      uint64
}

// entryHeap orders entries by priority descending, then submission order.
type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// typeQueue is the scheduling queue for one job type: a priority heap
// guarded by a mutex, with a condition variable workers wait on while the
// heap is empty. The mutex is held only for heap operations and the wait
// itself, never across any job work.
type typeQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  entryHeap
	closed bool
	drain  bool
}

func newTypeQueue() *typeQueue {
	t := &typeQueue{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// push adds an entry and wakes one waiting worker. Pushing after close is
// harmless: in drain mode the entry is still handed out, otherwise it is
// never popped and the record-level state decides the job's fate.
func (t *typeQueue) push(e entry) {
	t.mu.Lock()
	heap.Push(&t.items, e)
	t.mu.Unlock()
	t.cond.Signal()
}

// pop blocks until an entry is available or the queue is closed. After a
// drain close remaining entries are still handed out until the heap is
// empty; after a hard close pop returns false immediately.
func (t *typeQueue) pop() (entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.items) == 0 && !t.closed {
		t.cond.Wait()
	}
	if t.closed && (!t.drain || len(t.items) == 0) {
		return entry{}, false
	}
	return heap.Pop(&t.items).(entry), true
}

// close stops the queue and wakes every waiting worker. With drain set,
// workers keep popping until the heap is empty before exiting.
func (t *typeQueue) close(drain bool) {
	t.mu.Lock()
	t.closed = true
	t.drain = drain
	t.mu.Unlock()
	t.cond.Broadcast()
}

// size reports the number of queued entries.
func (t *typeQueue) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}
