package sync

import (
	"container/heap"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/models"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/sync/queue"
)

// drainOrder is a min-heap of pending candidates in drain order.
type drainOrder []queue.Candidate

func (d drainOrder) Len() int            { return len(d) }
func (d drainOrder) Less(i, j int) bool  { return d[i].Less(d[j]) }
func (d drainOrder) Swap(i, j int)       { d[i], d[j] = d[j], d[i] }
func (d *drainOrder) Push(x interface{}) { *d = append(*d, x.(queue.Candidate)) }
func (d *drainOrder) Pop() interface{} {
	old := *d
	n := len(old)
	c := old[n-1]
	*d = old[:n-1]
	return c
}

// passCursor hands out the items of one pass in drain order. It selects
// once and selects again only when the queue version moves, which happens
// when items are enqueued, reset or recovered during the pass.
type passCursor struct {
	e         *Engine
	attempted map[models.UUID]bool
	order     drainOrder
	version   uint64
	loaded    bool
}

func newPassCursor(e *Engine) *passCursor {
	return &passCursor{e: e, attempted: make(map[models.UUID]bool)}
}

func (p *passCursor) load() {
	p.version = p.e.queue.Version()
	p.order = p.order[:0]
	for _, c := range p.e.queue.Pending() {
		if p.attempted[c.ID] || p.e.sched.Delayed(string(c.ID)) {
			continue
		}
		p.order = append(p.order, c)
	}
	heap.Init(&p.order)
	p.loaded = true
}

// next returns the ID of the next item to deliver, or false when the pass
// has nothing left.
func (p *passCursor) next() (models.UUID, bool) {
	if !p.loaded || p.e.queue.Version() != p.version {
		p.load()
	}
	if p.order.Len() == 0 {
		return "", false
	}
	c := heap.Pop(&p.order).(queue.Candidate)
	p.attempted[c.ID] = true
	return c.ID, true
}
