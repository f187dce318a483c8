// Package telemetry batches analytics events and flushes them to a sink.
//
// Collection is opt-in: a disabled Batcher drops every event it is handed.
// Flush sends the whole batch in one call; success removes exactly the
// events that were sent and failure keeps all of them. Delivery is
// at-least-once, so a sink that fails after partially accepting a batch
// will see duplicates on the next flush.
package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/clock"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/errors"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/kv"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/logging"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/models"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/uuid"
)

// BatchKey is the KV key the batch snapshot is saved under.
const BatchKey = "telemetry/batch"

// Sink delivers a batch of events.
type Sink interface {
	Send(ctx context.Context, events []models.TelemetryEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, events []models.TelemetryEvent) error

func (f SinkFunc) Send(ctx context.Context, events []models.TelemetryEvent) error {
	return f(ctx, events)
}

// NopSink accepts and discards every batch.
type NopSink struct{}

func (NopSink) Send(context.Context, []models.TelemetryEvent) error { return nil }

// Config holds batcher configuration.
type Config struct {
	Enabled       bool          `mapstructure:"enabled"`
	MaxEvents     int           `mapstructure:"max_events"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	FlushTimeout  time.Duration `mapstructure:"flush_timeout"`
}

// DefaultConfig returns default batcher configuration. Telemetry is off
// until the user opts in.
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		MaxEvents:     1000,
		FlushInterval: time.Minute,
		FlushTimeout:  10 * time.Second,
	}
}

// Batcher buffers events in memory until flushed.
type Batcher struct {
	sink   Sink
	store  kv.Store
	clock  clock.Clock
	online func() bool
	cfg    Config

	mu      sync.Mutex
	events  []models.TelemetryEvent
	enabled bool
	dropped int

	flushMu sync.Mutex
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithStore sets the KV store used by Save and Load.
func WithStore(store kv.Store) Option {
	return func(b *Batcher) { b.store = store }
}

// WithClock sets the clock used to stamp events.
func WithClock(c clock.Clock) Option {
	return func(b *Batcher) { b.clock = c }
}

// WithOnlineCheck gates the periodic flush in Run.
func WithOnlineCheck(fn func() bool) Option {
	return func(b *Batcher) { b.online = fn }
}

// NewBatcher creates a Batcher sending to sink.
func NewBatcher(sink Sink, cfg Config, opts ...Option) *Batcher {
	def := DefaultConfig()
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = def.MaxEvents
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	if sink == nil {
		sink = NopSink{}
	}

	b := &Batcher{
		sink:    sink,
		clock:   clock.Real{},
		online:  func() bool { return true },
		cfg:     cfg,
		enabled: cfg.Enabled,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Enabled reports whether events are being collected.
func (b *Batcher) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

// SetEnabled opts in or out. Opting out discards the pending batch.
func (b *Batcher) SetEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = enabled
	if !enabled {
		b.events = nil
	}
}

// Record appends event to the batch. A missing ID or timestamp is filled
// in. When the batch is full the oldest event is dropped.
func (b *Batcher) Record(event models.TelemetryEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.enabled {
		return
	}
	if event.ID == "" {
		event.ID = models.UUID(uuid.New())
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = b.clock.Now()
	}

	if len(b.events) >= b.cfg.MaxEvents {
		over := len(b.events) - b.cfg.MaxEvents + 1
		b.events = append(b.events[:0:0], b.events[over:]...)
		b.dropped += over
	}
	b.events = append(b.events, event)
}

// Track records a named event with properties marshalled as its payload.
func (b *Batcher) Track(name string, properties map[string]interface{}) {
	var payload json.RawMessage
	if len(properties) > 0 {
		data, err := json.Marshal(properties)
		if err != nil {
			logging.Warn("Dropping telemetry event with unencodable properties", map[string]interface{}{
				"event": name,
				"error": err.Error(),
			})
			return
		}
		payload = data
	}
	b.Record(models.TelemetryEvent{Name: name, Payload: payload})
}

// Pending returns the number of buffered events.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Dropped returns how many events were evicted by the size bound.
func (b *Batcher) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Events returns a copy of the pending batch.
func (b *Batcher) Events() []models.TelemetryEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.TelemetryEvent(nil), b.events...)
}

// Clear discards the pending batch.
func (b *Batcher) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
}

// Flush sends the current batch. Only one flush runs at a time.
func (b *Batcher) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	batch := b.Events()
	if len(batch) == 0 {
		return nil
	}

	if err := b.sink.Send(ctx, batch); err != nil {
		logging.Warn("Telemetry flush failed, batch retained", map[string]interface{}{
			"events": len(batch),
			"error":  err.Error(),
		})
		return errors.Wrap(errors.ErrTelemetryFlush, "send telemetry batch", err)
	}

	sent := make(map[models.UUID]struct{}, len(batch))
	for _, e := range batch {
		sent[e.ID] = struct{}{}
	}

	b.mu.Lock()
	kept := b.events[:0:0]
	for _, e := range b.events {
		if _, ok := sent[e.ID]; !ok {
			kept = append(kept, e)
		}
	}
	b.events = kept
	b.mu.Unlock()

	logging.Debug("Telemetry flushed", map[string]interface{}{"events": len(batch)})
	return nil
}

// Run flushes every FlushInterval while the online check passes.
func (b *Batcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !b.online() || b.Pending() == 0 {
				continue
			}
			flushCtx, cancel := context.WithTimeout(ctx, b.cfg.FlushTimeout)
			_ = b.Flush(flushCtx)
			cancel()
		}
	}
}

// Save snapshots the pending batch to the KV store.
func (b *Batcher) Save(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	events := b.Events()
	if len(events) == 0 {
		return b.store.Delete([]byte(BatchKey))
	}
	data, err := json.Marshal(events)
	if err != nil {
		return errors.Wrap(errors.ErrCodec, "encode telemetry batch", err)
	}
	if err := b.store.Set([]byte(BatchKey), data); err != nil {
		return errors.Wrap(errors.ErrDatabase, "save telemetry batch", err)
	}
	return nil
}

// Load restores a saved batch, replacing anything pending.
func (b *Batcher) Load(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	data, err := b.store.Get([]byte(BatchKey))
	if err == kv.ErrKeyNotFound {
		return nil
	}
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "load telemetry batch", err)
	}

	var events []models.TelemetryEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return errors.Wrap(errors.ErrCodec, "decode telemetry batch", err)
	}
	if len(events) > b.cfg.MaxEvents {
		events = events[len(events)-b.cfg.MaxEvents:]
	}

	b.mu.Lock()
	b.events = events
	b.mu.Unlock()
	return nil
}
