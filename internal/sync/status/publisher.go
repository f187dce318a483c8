// Package status fans sync status snapshots out to subscribers.
package status

import (
	"fmt"
	"sync"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/logging"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/models"
)

// Source computes the current status snapshot.
type Source func() models.SyncStatus

// Listener receives status snapshots.
type Listener func(models.SyncStatus)

type subscription struct {
	id     uint64
	fn     Listener
	active bool
}

// Publisher notifies subscribers synchronously, in registration order.
type Publisher struct {
	source Source

	mu     sync.Mutex
	subs   []*subscription
	nextID uint64
}

// NewPublisher creates a Publisher reading snapshots from source.
func NewPublisher(source Source) *Publisher {
	return &Publisher{source: source}
}

// Subscribe registers fn and returns its unsubscribe func. Unsubscribing
// is idempotent and safe from inside a callback.
func (p *Publisher) Subscribe(fn Listener) func() {
	p.mu.Lock()
	p.nextID++
	sub := &subscription{id: p.nextID, fn: fn, active: true}
	p.subs = append(p.subs, sub)
	p.mu.Unlock()

	return func() { p.unsubscribe(sub) }
}

func (p *Publisher) unsubscribe(sub *subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !sub.active {
		return
	}
	sub.active = false
	for i, s := range p.subs {
		if s == sub {
			p.subs = append(p.subs[:i:i], p.subs[i+1:]...)
			break
		}
	}
}

// Len returns the number of active subscribers.
func (p *Publisher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// CurrentStatus returns a fresh snapshot.
func (p *Publisher) CurrentStatus() models.SyncStatus {
	return p.source()
}

// Notify computes one snapshot and delivers it to every subscriber that is
// still active when its turn comes.
func (p *Publisher) Notify() {
	p.mu.Lock()
	subs := make([]*subscription, len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()

	if len(subs) == 0 {
		return
	}

	snapshot := p.source()
	for _, sub := range subs {
		p.mu.Lock()
		active := sub.active
		p.mu.Unlock()
		if !active {
			continue
		}
		p.deliver(sub, snapshot)
	}
}

func (p *Publisher) deliver(sub *subscription, snapshot models.SyncStatus) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Status subscriber panicked", fmt.Errorf("%v", r), map[string]interface{}{
				"subscriber": sub.id,
			})
		}
	}()
	sub.fn(snapshot)
}
