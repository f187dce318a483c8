// Package conflict resolves conflicts reported by the remote service when a
// queued mutation is delivered, and records each one for later review.
package conflict

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/clock"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/logging"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/models"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/uuid"
)

// Recorder persists conflict records.
type Recorder interface {
	RecordConflict(ctx context.Context, log *models.ConflictLog) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, log *models.ConflictLog) error

func (f RecorderFunc) RecordConflict(ctx context.Context, log *models.ConflictLog) error {
	return f(ctx, log)
}

// LogRecorder writes conflict records to the structured log.
type LogRecorder struct{}

func (LogRecorder) RecordConflict(_ context.Context, log *models.ConflictLog) error {
	logging.Info("Conflict recorded", map[string]interface{}{
		"conflict_id": string(log.ID),
		"item_id":     string(log.ItemID),
		"kind":        log.Kind,
		"target":      log.Target,
		"strategy":    log.Strategy,
	})
	return nil
}

const defaultRecordBuffer = 64

// Resolver applies a Strategy and emits a ConflictLog per resolution.
// Records are handed to the Recorder from a background goroutine so that a
// slow recorder never stalls a drain pass; when the buffer is full the
// record is dropped with a warning.
type Resolver struct {
	strategy Strategy
	recorder Recorder
	clock    clock.Clock

	records chan *models.ConflictLog
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	mu      sync.Mutex
	dropped int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRecorder sets where conflict records go.
func WithRecorder(r Recorder) Option {
	return func(res *Resolver) { res.recorder = r }
}

// WithBuffer sets the record buffer size.
func WithBuffer(n int) Option {
	return func(res *Resolver) {
		if n > 0 {
			res.records = make(chan *models.ConflictLog, n)
		}
	}
}

// WithClock sets the clock used to stamp records.
func WithClock(c clock.Clock) Option {
	return func(res *Resolver) { res.clock = c }
}

// NewResolver creates a Resolver. A nil strategy selects client-wins.
func NewResolver(strategy Strategy, opts ...Option) *Resolver {
	if strategy == nil {
		strategy = ClientWins{}
	}
	r := &Resolver{
		strategy: strategy,
		recorder: LogRecorder{},
		clock:    clock.Real{},
		records:  make(chan *models.ConflictLog, defaultRecordBuffer),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.drain()
	return r
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() Strategy {
	return r.strategy
}

// ResolveResult represents the outcome of conflict resolution.
type ResolveResult struct {
	Outcome
	Strategy    ResolutionStrategy
	ConflictLog *models.ConflictLog
}

// Resolve decides the conflict for local against serverState.
func (r *Resolver) Resolve(local *models.SyncItem, serverState json.RawMessage) (*ResolveResult, error) {
	if local == nil {
		return nil, ErrInvalidConflict
	}

	outcome, err := r.strategy.Resolve(local, serverState)
	if err != nil {
		return nil, err
	}

	entry := &models.ConflictLog{
		ID:              models.UUID(uuid.New()),
		ItemID:          local.ID,
		Kind:            local.Kind,
		Target:          local.Target,
		Strategy:        string(r.strategy.Name()),
		LocalPayload:    copyRaw(local.Payload),
		ServerState:     copyRaw(serverState),
		ResolvedPayload: copyRaw(outcome.Payload),
		DetectedAt:      r.clock.Now().UnixMilli(),
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"item_id":  string(local.ID),
		"target":   local.Target,
		"strategy": string(r.strategy.Name()),
		"apply":    outcome.Apply,
	})

	r.emit(entry)

	return &ResolveResult{
		Outcome:     outcome,
		Strategy:    r.strategy.Name(),
		ConflictLog: entry,
	}, nil
}

func (r *Resolver) emit(entry *models.ConflictLog) {
	select {
	case <-r.done:
		r.drop(entry, "Resolver closed, dropping conflict record")
		return
	default:
	}

	select {
	case r.records <- entry:
	default:
		r.drop(entry, "Conflict record buffer full, dropping record")
	}
}

func (r *Resolver) drop(entry *models.ConflictLog, msg string) {
	r.mu.Lock()
	r.dropped++
	r.mu.Unlock()
	logging.Warn(msg, map[string]interface{}{"item_id": string(entry.ItemID)})
}

func (r *Resolver) drain() {
	defer close(r.stopped)
	for {
		select {
		case entry := <-r.records:
			r.record(entry)
		case <-r.done:
			// Flush whatever is already buffered.
			for {
				select {
				case entry := <-r.records:
					r.record(entry)
				default:
					return
				}
			}
		}
	}
}

func (r *Resolver) record(entry *models.ConflictLog) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordConflict(context.Background(), entry); err != nil {
		logging.Error("Failed to record conflict", err,
			map[string]interface{}{"item_id": string(entry.ItemID)})
	}
}

// Dropped returns how many records were discarded because the buffer was
// full or the resolver was closed.
func (r *Resolver) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close flushes buffered records and stops the record goroutine.
func (r *Resolver) Close() {
	r.once.Do(func() { close(r.done) })
	<-r.stopped
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: local item must be non-nil"}
	ErrUnknownStrategy = &ConflictError{Message: "unknown conflict resolution strategy"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
