package scheduler

import (
	"container/heap"
	"sort"
	"sync"
	"time"
)

// Entry is a scheduled retry.
type Entry struct {
	ID  string    `json:"id"`
	Due time.Time `json:"due"`
}

// DelayQueue holds the earliest time each item may be retried. It is the
// single owner of backoff state; an item absent from the queue is not
// delayed.
//
// Thread-safety: all methods are safe for concurrent use.
type DelayQueue struct {
	mu    sync.Mutex
	heap  entryHeap
	index map[string]*heapEntry
}

// NewDelayQueue creates an empty DelayQueue.
func NewDelayQueue() *DelayQueue {
	return &DelayQueue{index: make(map[string]*heapEntry)}
}

// Schedule sets (or replaces) the due time for id.
func (q *DelayQueue) Schedule(id string, due time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.index[id]; ok {
		e.due = due
		heap.Fix(&q.heap, e.pos)
		return
	}
	e := &heapEntry{id: id, due: due}
	heap.Push(&q.heap, e)
	q.index[id] = e
}

// Cancel drops any delay for id.
func (q *DelayQueue) Cancel(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.index[id]; ok {
		heap.Remove(&q.heap, e.pos)
		delete(q.index, id)
	}
}

// Delayed reports whether id must still wait at now.
func (q *DelayQueue) Delayed(id string, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.index[id]
	return ok && e.due.After(now)
}

// Due returns the scheduled time for id.
func (q *DelayQueue) Due(id string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.index[id]; ok {
		return e.due, true
	}
	return time.Time{}, false
}

// PopReady removes and returns the IDs whose due time is at or before now,
// earliest first.
func (q *DelayQueue) PopReady(now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []string
	for q.heap.Len() > 0 && !q.heap[0].due.After(now) {
		e := heap.Pop(&q.heap).(*heapEntry)
		delete(q.index, e.id)
		ready = append(ready, e.id)
	}
	return ready
}

// NextDue returns the earliest due time.
func (q *DelayQueue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		return time.Time{}, false
	}
	return q.heap[0].due, true
}

// Len returns the number of scheduled entries.
func (q *DelayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Snapshot returns all entries ordered by due time.
func (q *DelayQueue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, 0, q.heap.Len())
	for _, e := range q.heap {
		out = append(out, Entry{ID: e.id, Due: e.due})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Due.Equal(out[j].Due) {
			return out[i].ID < out[j].ID
		}
		return out[i].Due.Before(out[j].Due)
	})
	return out
}

// Clear drops every entry.
func (q *DelayQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap = nil
	q.index = make(map[string]*heapEntry)
}

type heapEntry struct {
	id  string
	due time.Time
	pos int
}

type entryHeap []*heapEntry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *entryHeap) Push(x interface{}) {
	e := x.(*heapEntry)
	e.pos = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
