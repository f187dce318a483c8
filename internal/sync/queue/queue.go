// Package queue provides the persisted, ordered store of pending sync items.
//
// Every mutating call writes through to the backing kv.Store before it
// returns, so an item acknowledged by Enqueue survives process death. A
// single mutex serializes writers; PersistAll is the only full
// serialization point.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/clock"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/codec"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/errors"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/kv"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/logging"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/models"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/uuid"
)

// KeyPrefix is the kv prefix under which queue records are stored.
const KeyPrefix = "queue/"

// Config holds queue store configuration.
type Config struct {
	MaxSize             int // 0 means unbounded
	DefaultAttemptLimit int
	Codec               codec.Codec
	Clock               clock.Clock
}

// DefaultConfig returns default queue store configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:             10000,
		DefaultAttemptLimit: 5,
		Codec:               codec.JSON{},
		Clock:               clock.Real{},
	}
}

// Stats is a count of items per status.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Syncing   int `json:"syncing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Store manages queued sync items with write-through persistence.
type Store struct {
	mu      sync.RWMutex
	kv      kv.Store
	codec   codec.Codec
	clock   clock.Clock
	maxSize int
	limit   int

	items   map[models.UUID]*models.SyncItem
	order   []models.UUID // ascending Seq
	nextSeq uint64
	counts  map[models.ItemStatus]int
	version uint64
}

// Candidate carries the drain-order fields of a pending item.
type Candidate struct {
	ID        models.UUID
	Priority  models.Priority
	CreatedAt time.Time
	Seq       uint64
}

// Less orders candidates like models.SyncItem.Less.
func (c Candidate) Less(o Candidate) bool {
	a := models.SyncItem{Priority: c.Priority, CreatedAt: c.CreatedAt, Seq: c.Seq}
	b := models.SyncItem{Priority: o.Priority, CreatedAt: o.CreatedAt, Seq: o.Seq}
	return a.Less(&b)
}

// New creates a Store over the given kv.Store. Call LoadAll before use to
// pick up items persisted by a previous process.
func New(store kv.Store, cfg Config) *Store {
	def := DefaultConfig()
	if cfg.Codec == nil {
		cfg.Codec = def.Codec
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	if cfg.DefaultAttemptLimit <= 0 {
		cfg.DefaultAttemptLimit = def.DefaultAttemptLimit
	}

	return &Store{
		kv:      store,
		codec:   cfg.Codec,
		clock:   cfg.Clock,
		maxSize: cfg.MaxSize,
		limit:   cfg.DefaultAttemptLimit,
		items:   make(map[models.UUID]*models.SyncItem),
		nextSeq: 1,
		counts:  make(map[models.ItemStatus]int),
	}
}

// recount moves one item between status counters. Caller holds s.mu.
func (s *Store) recount(from, to models.ItemStatus) {
	if from != "" {
		s.counts[from]--
	}
	if to != "" {
		s.counts[to]++
	}
	if to == models.StatusPending && from != models.StatusSyncing {
		s.version++
	}
}

// itemKey orders records by sequence so a prefix scan yields store order.
func itemKey(item *models.SyncItem) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", KeyPrefix, item.Seq, item.ID))
}

func (s *Store) put(txn kv.Txn, item *models.SyncItem) error {
	data, err := s.codec.Marshal(item)
	if err != nil {
		return errors.Wrap(errors.ErrCodec, "failed to encode sync item", err)
	}
	return txn.Set(itemKey(item), data)
}

// writeLocked persists items in one transaction and deletes the records
// of removed. The caller holds s.mu.
func (s *Store) writeLocked(items []*models.SyncItem, removed []*models.SyncItem) error {
	err := s.kv.Update(func(txn kv.Txn) error {
		for _, item := range items {
			if err := s.put(txn, item); err != nil {
				return err
			}
		}
		for _, item := range removed {
			if err := txn.Delete(itemKey(item)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errors.ErrCodec) {
			return err
		}
		return errors.Wrap(errors.ErrDatabase, "failed to persist sync queue", err)
	}
	return nil
}

// LoadAll replaces the in-memory state with the persisted records.
// Records that cannot be decoded are logged and skipped.
func (s *Store) LoadAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make(map[models.UUID]*models.SyncItem)
	var order []models.UUID
	var maxSeq uint64

	err := s.kv.Scan([]byte(KeyPrefix), func(k, v []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var item models.SyncItem
		if err := s.codec.Unmarshal(v, &item); err != nil {
			logging.Warn("Skipping undecodable sync item",
				map[string]interface{}{"key": string(k), "error": err.Error()})
			return nil
		}
		if _, dup := items[item.ID]; dup {
			logging.Warn("Skipping duplicate sync item record",
				map[string]interface{}{"key": string(k), "item_id": string(item.ID)})
			return nil
		}
		items[item.ID] = &item
		order = append(order, item.ID)
		if item.Seq > maxSeq {
			maxSeq = item.Seq
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to load sync queue", err)
	}

	s.items = items
	s.order = order
	s.nextSeq = maxSeq + 1
	s.counts = make(map[models.ItemStatus]int)
	for _, item := range items {
		s.counts[item.Status]++
	}
	s.version++

	logging.Info("Sync queue loaded", map[string]interface{}{"items": len(items)})
	return nil
}

// PersistAll rewrites every record in a single transaction.
func (s *Store) PersistAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.kv.Update(func(txn kv.Txn) error {
		if err := kv.DeletePrefix(txn, []byte(KeyPrefix)); err != nil {
			return err
		}
		for _, id := range s.order {
			if err := s.put(txn, s.items[id]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to persist sync queue", err)
	}
	return nil
}

// Enqueue validates item, assigns its identity and persists it as pending.
// The stored copy is independent of the caller's value.
func (s *Store) Enqueue(ctx context.Context, item *models.SyncItem) (models.UUID, error) {
	if item == nil {
		return "", errors.New(errors.ErrInvalid, "sync item is nil")
	}
	if !item.Action.Valid() {
		return "", errors.Newf(errors.ErrInvalid, "unknown action %q", item.Action)
	}
	if item.Priority == "" {
		item.Priority = models.PriorityMedium
	}
	if !item.Priority.Valid() {
		return "", errors.Newf(errors.ErrInvalid, "unknown priority %q", item.Priority)
	}
	if item.Target == "" {
		return "", errors.New(errors.ErrInvalid, "target is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.maxSize > 0 && len(s.items) >= s.maxSize {
		return "", errors.Newf(errors.ErrQueueFull, "queue is full (max size: %d)", s.maxSize)
	}

	stored := item.Clone()
	if stored.ID == "" {
		stored.ID = models.UUID(uuid.New())
	}
	if _, exists := s.items[stored.ID]; exists {
		return "", errors.Newf(errors.ErrDuplicate, "sync item %s already queued", stored.ID)
	}

	now := s.clock.Now()
	stored.Seq = s.nextSeq
	stored.Status = models.StatusPending
	stored.Attempt = 0
	stored.LastError = ""
	if stored.AttemptLimit <= 0 {
		stored.AttemptLimit = s.limit
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	if err := s.writeLocked([]*models.SyncItem{stored}, nil); err != nil {
		return "", err
	}

	s.nextSeq++
	s.items[stored.ID] = stored
	s.order = append(s.order, stored.ID)
	s.recount("", models.StatusPending)

	logging.Debug("Sync item enqueued", map[string]interface{}{
		"item_id":  string(stored.ID),
		"kind":     stored.Kind,
		"action":   string(stored.Action),
		"priority": string(stored.Priority),
	})
	return stored.ID, nil
}

// Get returns a copy of the item with the given ID.
func (s *Store) Get(id models.UUID) (*models.SyncItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, errors.Newf(errors.ErrNotFound, "sync item %s not found", id)
	}
	return item.Clone(), nil
}

// List returns copies of all items in store order.
func (s *Store) List() []*models.SyncItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]*models.SyncItem, 0, len(s.order))
	for _, id := range s.order {
		items = append(items, s.items[id].Clone())
	}
	return items
}

// ListByStatus returns copies of the items with the given status in store order.
func (s *Store) ListByStatus(status models.ItemStatus) []*models.SyncItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []*models.SyncItem
	for _, id := range s.order {
		if item := s.items[id]; item.Status == status {
			items = append(items, item.Clone())
		}
	}
	return items
}

// Size returns the number of items in the store.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// GetStats returns item counts per status.
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Total:     len(s.items),
		Pending:   s.counts[models.StatusPending],
		Syncing:   s.counts[models.StatusSyncing],
		Completed: s.counts[models.StatusCompleted],
		Failed:    s.counts[models.StatusFailed],
	}
}

// Pending returns the drain-order fields of every pending item in store
// order. Payloads are not copied.
func (s *Store) Pending() []Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Candidate, 0, s.counts[models.StatusPending])
	for _, id := range s.order {
		item := s.items[id]
		if item.Status != models.StatusPending {
			continue
		}
		out = append(out, Candidate{ID: item.ID, Priority: item.Priority, CreatedAt: item.CreatedAt, Seq: item.Seq})
	}
	return out
}

// Version changes whenever an item becomes pending other than by a failed
// delivery attempt: enqueue, reset, recovery and reload.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// mutate applies fn to a copy of the item, persists the copy and only then
// swaps it into memory.
func (s *Store) mutate(ctx context.Context, id models.UUID, fn func(item *models.SyncItem) error) (*models.SyncItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	current, ok := s.items[id]
	if !ok {
		return nil, errors.Newf(errors.ErrNotFound, "sync item %s not found", id)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.clock.Now()

	if err := s.writeLocked([]*models.SyncItem{next}, nil); err != nil {
		return nil, err
	}
	s.items[id] = next
	if current.Status != next.Status {
		s.recount(current.Status, next.Status)
	}
	return next.Clone(), nil
}

func transition(item *models.SyncItem, to models.ItemStatus) error {
	if !item.Status.CanTransition(to) {
		return errors.Newf(errors.ErrInvalidTransition,
			"sync item %s cannot move from %s to %s", item.ID, item.Status, to)
	}
	item.Status = to
	return nil
}

// UpdateStatus moves an item to status. A non-empty errMsg is recorded as
// the item's last error; completing an item clears it.
func (s *Store) UpdateStatus(ctx context.Context, id models.UUID, status models.ItemStatus, errMsg string) error {
	_, err := s.mutate(ctx, id, func(item *models.SyncItem) error {
		if err := transition(item, status); err != nil {
			return err
		}
		if errMsg != "" {
			item.LastError = errMsg
		}
		if status == models.StatusCompleted {
			item.LastError = ""
		}
		return nil
	})
	return err
}

// MarkSyncing moves a pending item to syncing.
func (s *Store) MarkSyncing(ctx context.Context, id models.UUID) (*models.SyncItem, error) {
	return s.mutate(ctx, id, func(item *models.SyncItem) error {
		return transition(item, models.StatusSyncing)
	})
}

// MarkCompleted moves a syncing item to completed.
func (s *Store) MarkCompleted(ctx context.Context, id models.UUID) (*models.SyncItem, error) {
	return s.mutate(ctx, id, func(item *models.SyncItem) error {
		if err := transition(item, models.StatusCompleted); err != nil {
			return err
		}
		item.LastError = ""
		return nil
	})
}

// MarkFailure records a failed delivery attempt of a syncing item. The item
// returns to pending while attempts remain and becomes failed once its
// attempt count reaches the limit.
func (s *Store) MarkFailure(ctx context.Context, id models.UUID, errMsg string) (*models.SyncItem, error) {
	return s.mutate(ctx, id, func(item *models.SyncItem) error {
		if item.Status != models.StatusSyncing {
			return errors.Newf(errors.ErrInvalidTransition,
				"sync item %s is %s, not syncing", item.ID, item.Status)
		}
		if item.Attempt < item.AttemptLimit {
			item.Attempt++
		}
		item.LastError = errMsg
		if item.Attempt >= item.AttemptLimit {
			item.Status = models.StatusFailed
			return nil
		}
		item.Status = models.StatusPending
		return nil
	})
}

// mutateAll applies fn to every item matching status in one transaction
// and returns the number of items changed.
func (s *Store) mutateAll(ctx context.Context, status models.ItemStatus, fn func(item *models.SyncItem)) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := s.clock.Now()
	var changed []*models.SyncItem
	for _, id := range s.order {
		item := s.items[id]
		if item.Status != status {
			continue
		}
		next := item.Clone()
		fn(next)
		next.UpdatedAt = now
		changed = append(changed, next)
	}
	if len(changed) == 0 {
		return 0, nil
	}

	if err := s.writeLocked(changed, nil); err != nil {
		return 0, err
	}
	for _, item := range changed {
		s.items[item.ID] = item
		if item.Status != status {
			s.recount(status, item.Status)
		}
	}
	if status == models.StatusSyncing && len(changed) > 0 {
		s.version++
	}
	return len(changed), nil
}

// ResetFailed moves every failed item back to pending with a fresh attempt
// budget.
func (s *Store) ResetFailed(ctx context.Context) (int, error) {
	n, err := s.mutateAll(ctx, models.StatusFailed, func(item *models.SyncItem) {
		item.Status = models.StatusPending
		item.Attempt = 0
		item.LastError = ""
	})
	if n > 0 {
		logging.Info("Reset failed sync items for retry", map[string]interface{}{"count": n})
	}
	return n, err
}

// RecoverSyncing moves items left syncing by an interrupted pass back to
// pending. Their attempt counts are unchanged.
func (s *Store) RecoverSyncing(ctx context.Context) (int, error) {
	n, err := s.mutateAll(ctx, models.StatusSyncing, func(item *models.SyncItem) {
		item.Status = models.StatusPending
	})
	if n > 0 {
		logging.Info("Recovered interrupted sync items", map[string]interface{}{"count": n})
	}
	return n, err
}

// removeLocked deletes the records of the given items. Caller holds s.mu.
func (s *Store) removeLocked(victims []*models.SyncItem) error {
	if len(victims) == 0 {
		return nil
	}
	if err := s.writeLocked(nil, victims); err != nil {
		return err
	}

	gone := make(map[models.UUID]bool, len(victims))
	for _, v := range victims {
		gone[v.ID] = true
		delete(s.items, v.ID)
		s.recount(v.Status, "")
	}
	order := s.order[:0]
	for _, id := range s.order {
		if !gone[id] {
			order = append(order, id)
		}
	}
	s.order = order
	return nil
}

// Remove deletes a single item.
func (s *Store) Remove(ctx context.Context, id models.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	item, ok := s.items[id]
	if !ok {
		return errors.Newf(errors.ErrNotFound, "sync item %s not found", id)
	}
	return s.removeLocked([]*models.SyncItem{item})
}

// RemoveCompleted deletes every completed item in one batch.
func (s *Store) RemoveCompleted(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var victims []*models.SyncItem
	for _, id := range s.order {
		if item := s.items[id]; item.Status == models.StatusCompleted {
			victims = append(victims, item)
		}
	}
	if err := s.removeLocked(victims); err != nil {
		return 0, err
	}
	return len(victims), nil
}

// Clear removes all items.
func (s *Store) Clear(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := len(s.items)
	if err := s.kv.Update(func(txn kv.Txn) error {
		return kv.DeletePrefix(txn, []byte(KeyPrefix))
	}); err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to clear sync queue", err)
	}

	s.items = make(map[models.UUID]*models.SyncItem)
	s.order = nil
	s.counts = make(map[models.ItemStatus]int)

	logging.Info("Sync queue cleared", map[string]interface{}{"removed": n})
	return n, nil
}
