// Package sync drains the persisted queue to the remote service whenever
// the device is online.
//
// One Engine owns the queue, the retry scheduler and the status publisher.
// Drain passes are mutually exclusive; triggers that arrive while a pass is
// running are coalesced into a single follow-up pass.
package sync

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/clock"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/errors"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/kv"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/logging"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/models"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/sync/conflict"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/sync/connectivity"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/sync/queue"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/sync/scheduler"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/sync/status"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/telemetry"
)

// LastSyncKey is the KV key holding the last completed pass time.
const LastSyncKey = "meta/last_sync"

// Trigger reasons.
const (
	ReasonReconnect = "reconnect"
	ReasonEnqueue   = "enqueue"
	ReasonManual    = "manual"
	ReasonRetry     = "retry"
	ReasonStart     = "start"
	ReasonCoalesced = "coalesced"
)

// Transport delivers one change to the remote service. ok reports success;
// a non-nil conflict carries the server state of a rejected change.
type Transport interface {
	Send(ctx context.Context, action models.Action, target string, payload json.RawMessage) (ok bool, conflict json.RawMessage, err error)
}

// ResolutionApplier is implemented by transports that can push a resolved
// conflict back to the server.
type ResolutionApplier interface {
	ApplyResolution(ctx context.Context, item *models.SyncItem, resolved json.RawMessage) error
}

// Connectivity is the reachability source the engine follows.
type Connectivity interface {
	IsOnline() bool
	OnReconnect(fn func())
	Subscribe() (<-chan connectivity.Transition, func())
}

// Config holds engine configuration.
type Config struct {
	TransportTimeout time.Duration `mapstructure:"transport_timeout"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	Clock            clock.Clock   `mapstructure:"-"`
}

// DefaultConfig returns default engine configuration.
func DefaultConfig() Config {
	sc := scheduler.DefaultSchedulerConfig()
	return Config{
		TransportTimeout: 30 * time.Second,
		TickInterval:     sc.TickInterval,
		BackoffBase:      sc.Backoff.Base,
		BackoffMax:       sc.Backoff.Max,
		Clock:            clock.Real{},
	}
}

// Deps are the collaborators an Engine is built from. Queue, Store,
// Transport and Connectivity are required.
type Deps struct {
	Queue        *queue.Store
	Store        kv.Store
	Transport    Transport
	Connectivity Connectivity
	Resolver     *conflict.Resolver
	Telemetry    *telemetry.Batcher
}

// EnqueueRequest describes a change to queue.
type EnqueueRequest struct {
	Kind         string          `json:"kind"`
	Action       models.Action   `json:"action"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Target       string          `json:"target"`
	Priority     models.Priority `json:"priority"`
	AttemptLimit int             `json:"attempt_limit"`
}

// PassResult summarizes one drain pass.
type PassResult struct {
	Reason    string        `json:"reason"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Attempted int           `json:"attempted"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Retrying  int           `json:"retrying"`
	Conflicts int           `json:"conflicts"`
	Removed   int           `json:"removed"`
	Aborted   bool          `json:"aborted"`
}

// Engine coordinates draining the queue.
type Engine struct {
	queue     *queue.Store
	store     kv.Store
	transport Transport
	conn      Connectivity
	resolver  *conflict.Resolver
	telemetry *telemetry.Batcher
	sched     *scheduler.Scheduler
	publisher *status.Publisher
	clock     clock.Clock
	cfg       Config

	triggers chan string

	mu        stdsync.Mutex
	syncing   bool
	rerun     bool
	running   bool
	completed int
	lastSync  *time.Time
	lastPass  *PassResult
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// New builds an Engine. It does not start background work; call Start.
func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Queue == nil || deps.Store == nil || deps.Transport == nil || deps.Connectivity == nil {
		return nil, errors.New(errors.ErrConfig, "sync engine requires queue, store, transport and connectivity")
	}

	def := DefaultConfig()
	if cfg.TransportTimeout <= 0 {
		cfg.TransportTimeout = def.TransportTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	if deps.Resolver == nil {
		deps.Resolver = conflict.NewResolver(conflict.ClientWins{})
	}

	e := &Engine{
		queue:     deps.Queue,
		store:     deps.Store,
		transport: deps.Transport,
		conn:      deps.Connectivity,
		resolver:  deps.Resolver,
		telemetry: deps.Telemetry,
		clock:     cfg.Clock,
		cfg:       cfg,
		triggers:  make(chan string, 1),
	}
	e.publisher = status.NewPublisher(e.snapshot)
	e.sched = scheduler.NewScheduler(e.trigger, e.shouldTick, &scheduler.SchedulerConfig{
		TickInterval: cfg.TickInterval,
		Backoff:      scheduler.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		Clock:        cfg.Clock,
	})
	e.conn.OnReconnect(func() { e.trigger(ReasonReconnect) })

	return e, nil
}

// Start restores persisted state and starts the background loops.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := e.restore(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(runCtx)

	e.mu.Lock()
	e.running = true
	e.cancel = cancel
	e.group = group
	e.mu.Unlock()

	e.sched.Start(gctx)

	transitions, unsubscribe := e.conn.Subscribe()
	group.Go(func() error {
		defer unsubscribe()
		for {
			select {
			case <-gctx.Done():
				return nil
			case _, ok := <-transitions:
				if !ok {
					return nil
				}
				e.publisher.Notify()
			}
		}
	})
	group.Go(func() error {
		e.loop(gctx)
		return nil
	})

	logging.Info("Sync engine started", map[string]interface{}{
		"queued": e.queue.Size(),
		"online": e.conn.IsOnline(),
	})

	e.publisher.Notify()
	if e.conn.IsOnline() {
		e.trigger(ReasonStart)
	}
	return nil
}

// restore loads the queue, recovers interrupted items and rebuilds retry
// delays from each item's last update.
func (e *Engine) restore(ctx context.Context) error {
	if err := e.queue.LoadAll(ctx); err != nil {
		return err
	}
	if _, err := e.queue.RecoverSyncing(ctx); err != nil {
		return err
	}

	rebuilt := 0
	for _, item := range e.queue.ListByStatus(models.StatusPending) {
		if item.Attempt > 0 {
			e.sched.ScheduleRetryFrom(string(item.ID), item.Attempt, item.UpdatedAt)
			rebuilt++
		}
	}

	if last, err := e.loadLastSync(); err != nil {
		logging.Warn("Could not read last sync time", map[string]interface{}{"error": err.Error()})
	} else if last != nil {
		e.mu.Lock()
		e.lastSync = last
		e.mu.Unlock()
	}

	if e.telemetry != nil {
		if err := e.telemetry.Load(ctx); err != nil {
			logging.Warn("Could not restore telemetry batch", map[string]interface{}{"error": err.Error()})
		}
	}

	if rebuilt > 0 {
		logging.Info("Rebuilt retry delays", map[string]interface{}{"items": rebuilt})
	}
	return nil
}

// Stop stops background work, waits for an active pass and persists the
// telemetry batch. The resolver stays open so the engine can be started
// again; its owner closes it.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel, group := e.cancel, e.group
	e.mu.Unlock()

	cancel()
	e.sched.Stop()
	err := group.Wait()

	if e.telemetry != nil {
		if saveErr := e.telemetry.Save(context.Background()); saveErr != nil {
			logging.Warn("Could not save telemetry batch", map[string]interface{}{"error": saveErr.Error()})
		}
	}
	logging.Info("Sync engine stopped", nil)
	return err
}

func (e *Engine) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-e.triggers:
			if _, err := e.runPass(ctx, reason); err != nil && !errors.Is(err, errors.ErrSyncInProgress) {
				logging.Warn("Sync pass did not run", map[string]interface{}{
					"reason": reason,
					"error":  err.Error(),
				})
			}
		}
	}
}

// trigger requests a pass. It never blocks; a pending request absorbs
// further ones.
func (e *Engine) trigger(reason string) {
	select {
	case e.triggers <- reason:
	default:
	}
}

// shouldTick gates the periodic trigger on an idle, online engine with at
// least one pending item whose retry delay has elapsed.
func (e *Engine) shouldTick() bool {
	e.mu.Lock()
	idle := !e.syncing
	e.mu.Unlock()
	if !idle || !e.conn.IsOnline() {
		return false
	}
	return e.hasEligible()
}

func (e *Engine) hasEligible() bool {
	for _, c := range e.queue.Pending() {
		if !e.sched.Delayed(string(c.ID)) {
			return true
		}
	}
	return false
}

// Enqueue persists a new change and returns its ID. A high priority item
// triggers an immediate pass when online and idle.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (models.UUID, error) {
	id, err := e.queue.Enqueue(ctx, &models.SyncItem{
		Kind:         req.Kind,
		Action:       req.Action,
		Payload:      req.Payload,
		Target:       req.Target,
		Priority:     req.Priority,
		AttemptLimit: req.AttemptLimit,
	})
	if err != nil {
		return "", err
	}

	e.publisher.Notify()

	if req.Priority == models.PriorityHigh && e.conn.IsOnline() && !e.IsSyncing() {
		e.trigger(ReasonEnqueue)
	}
	return id, nil
}

// RetryFailed resets every failed item and triggers a pass when online.
func (e *Engine) RetryFailed(ctx context.Context) (int, error) {
	failed := e.queue.ListByStatus(models.StatusFailed)
	n, err := e.queue.ResetFailed(ctx)
	if err != nil {
		return 0, err
	}
	for _, item := range failed {
		e.sched.Cancel(string(item.ID))
	}
	if n > 0 {
		e.publisher.Notify()
		if e.conn.IsOnline() {
			e.trigger(ReasonRetry)
		}
	}
	return n, nil
}

// ManualSync runs a pass synchronously. It returns nil without running
// when a pass is already active.
func (e *Engine) ManualSync(ctx context.Context) (*PassResult, error) {
	if !e.conn.IsOnline() {
		return nil, errors.New(errors.ErrSyncOffline, "cannot sync while offline")
	}
	result, err := e.runPass(ctx, ReasonManual)
	if errors.Is(err, errors.ErrSyncInProgress) {
		return nil, nil
	}
	return result, err
}

// ClearAll drops every queued item, all retry delays and the telemetry batch.
func (e *Engine) ClearAll(ctx context.Context) (int, error) {
	n, err := e.queue.Clear(ctx)
	if err != nil {
		return 0, err
	}
	e.sched.Clear()
	if e.telemetry != nil {
		e.telemetry.Clear()
		if err := e.telemetry.Save(ctx); err != nil {
			logging.Warn("Could not clear saved telemetry batch", map[string]interface{}{"error": err.Error()})
		}
	}

	logging.Info("Sync queue cleared", map[string]interface{}{"items": n})
	e.publisher.Notify()
	return n, nil
}

// Subscribe registers fn for status updates.
func (e *Engine) Subscribe(fn func(models.SyncStatus)) func() {
	return e.publisher.Subscribe(fn)
}

// CurrentStatus returns a fresh status snapshot.
func (e *Engine) CurrentStatus() models.SyncStatus {
	return e.publisher.CurrentStatus()
}

// IsSyncing reports whether a pass is active.
func (e *Engine) IsSyncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// LastPass returns the result of the most recent pass.
func (e *Engine) LastPass() *PassResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastPass == nil {
		return nil
	}
	p := *e.lastPass
	return &p
}

// Items returns every queued item in store order.
func (e *Engine) Items() []*models.SyncItem {
	return e.queue.List()
}

// Item returns one queued item.
func (e *Engine) Item(id models.UUID) (*models.SyncItem, error) {
	return e.queue.Get(id)
}

// Scheduler exposes the retry scheduler for inspection.
func (e *Engine) Scheduler() *scheduler.Scheduler {
	return e.sched
}

// Telemetry returns the telemetry batcher, or nil.
func (e *Engine) Telemetry() *telemetry.Batcher {
	return e.telemetry
}

func (e *Engine) snapshot() models.SyncStatus {
	stats := e.queue.GetStats()

	e.mu.Lock()
	st := models.SyncStatus{
		PendingItems:   stats.Pending,
		SyncingItems:   stats.Syncing,
		FailedItems:    stats.Failed,
		CompletedItems: e.completed,
		TotalItems:     stats.Total,
		IsSyncing:      e.syncing,
	}
	if e.lastSync != nil {
		last := *e.lastSync
		st.LastSyncAt = &last
	}
	e.mu.Unlock()

	st.IsOnline = e.conn.IsOnline()
	if next, ok := e.sched.NextRetry(); ok {
		st.NextRetryAt = &next
	}
	return st
}

func (e *Engine) runPass(ctx context.Context, reason string) (*PassResult, error) {
	e.mu.Lock()
	if e.syncing {
		e.rerun = true
		e.mu.Unlock()
		return nil, errors.New(errors.ErrSyncInProgress, "sync pass already running")
	}
	e.syncing = true
	e.rerun = false
	e.mu.Unlock()

	result := &PassResult{Reason: reason, StartTime: e.clock.Now()}
	e.publisher.Notify()

	defer func() {
		if result.EndTime.IsZero() {
			result.EndTime = e.clock.Now()
		}
		result.Duration = result.EndTime.Sub(result.StartTime)

		e.mu.Lock()
		e.syncing = false
		e.lastPass = result
		rerun := e.rerun
		e.rerun = false
		e.mu.Unlock()

		e.publisher.Notify()
		if rerun && ctx.Err() == nil {
			e.trigger(ReasonCoalesced)
		}
	}()

	if !e.conn.IsOnline() {
		result.Aborted = true
		return result, nil
	}

	if n, err := e.queue.RecoverSyncing(ctx); err != nil {
		return result, err
	} else if n > 0 {
		e.publisher.Notify()
	}

	cursor := newPassCursor(e)
	for {
		if ctx.Err() != nil {
			result.Aborted = true
			break
		}
		id, ok := cursor.next()
		if !ok {
			break
		}

		marked, err := e.queue.MarkSyncing(ctx, id)
		if err != nil {
			// Removed or reset concurrently.
			logging.Debug("Skipping sync item", map[string]interface{}{
				"item_id": string(id),
				"error":   err.Error(),
			})
			continue
		}
		e.publisher.Notify()

		if !e.conn.IsOnline() {
			logging.Info("Connectivity lost, aborting sync pass", map[string]interface{}{
				"item_id": string(id),
			})
			result.Aborted = true
			break
		}

		result.Attempted++
		e.process(ctx, marked, result)
		e.publisher.Notify()
	}

	removed, err := e.queue.RemoveCompleted(context.Background())
	if err != nil {
		logging.Error("Failed to remove completed sync items", err, nil)
	}
	result.Removed = removed

	e.flushTelemetry(ctx, result)

	result.EndTime = e.clock.Now()
	if !result.Aborted {
		e.recordLastSync(result.EndTime)
	}

	fields := map[string]interface{}{
		"reason":    reason,
		"attempted": result.Attempted,
		"completed": result.Completed,
		"retrying":  result.Retrying,
		"failed":    result.Failed,
		"conflicts": result.Conflicts,
		"aborted":   result.Aborted,
	}
	if result.Attempted == 0 {
		logging.Debug("Sync pass found nothing to deliver", fields)
	} else {
		logging.Info("Sync pass finished", fields)
	}
	return result, nil
}

// process delivers one syncing item and records the outcome.
func (e *Engine) process(ctx context.Context, item *models.SyncItem, result *PassResult) {
	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.TransportTimeout)
	ok, serverState, err := e.transport.Send(sendCtx, item.Action, item.Target, item.Payload)
	cancel()

	switch {
	case err == nil && ok:
		e.complete(item, result)

	case err == nil && serverState != nil:
		if err := e.resolve(ctx, item, serverState); err != nil {
			e.fail(item, err, result)
			return
		}
		result.Conflicts++
		e.complete(item, result)

	case ctx.Err() != nil:
		// Shutdown or caller cancellation: the item stays syncing and the
		// next pass recovers it without spending an attempt.
		result.Aborted = true

	default:
		if err == nil {
			err = errors.New(errors.ErrSyncFailed, "transport rejected the change")
		}
		e.fail(item, err, result)
	}
}

func (e *Engine) resolve(ctx context.Context, item *models.SyncItem, serverState json.RawMessage) error {
	res, err := e.resolver.Resolve(item, serverState)
	if err != nil {
		return errors.Wrap(errors.ErrSyncConflict, "resolve conflict", err)
	}
	if !res.Apply {
		return nil
	}
	applier, ok := e.transport.(ResolutionApplier)
	if !ok {
		return nil
	}

	applyCtx, cancel := context.WithTimeout(ctx, e.cfg.TransportTimeout)
	defer cancel()
	if err := applier.ApplyResolution(applyCtx, item, res.Payload); err != nil {
		return errors.Wrap(errors.ErrSyncConflict, "apply conflict resolution", err)
	}
	return nil
}

// Bookkeeping writes use a background context so an outcome is recorded
// even when the pass context was cancelled mid-send.

func (e *Engine) complete(item *models.SyncItem, result *PassResult) {
	if _, err := e.queue.MarkCompleted(context.Background(), item.ID); err != nil {
		logging.Error("Failed to mark sync item completed", err, map[string]interface{}{
			"item_id": string(item.ID),
		})
		return
	}
	e.sched.Cancel(string(item.ID))

	e.mu.Lock()
	e.completed++
	e.mu.Unlock()
	result.Completed++
}

func (e *Engine) fail(item *models.SyncItem, cause error, result *PassResult) {
	updated, err := e.queue.MarkFailure(context.Background(), item.ID, cause.Error())
	if err != nil {
		logging.Error("Failed to record sync failure", err, map[string]interface{}{
			"item_id": string(item.ID),
		})
		return
	}

	fields := map[string]interface{}{
		"item_id": string(item.ID),
		"attempt": updated.Attempt,
		"limit":   updated.AttemptLimit,
		"error":   cause.Error(),
	}

	if updated.Status == models.StatusFailed {
		e.sched.Cancel(string(item.ID))
		result.Failed++
		logging.ErrorWithCode("Sync item failed permanently", string(errors.CodeOf(cause)), cause, fields)
		return
	}

	due := e.sched.ScheduleRetry(string(item.ID), updated.Attempt)
	fields["retry_at"] = due.Format(time.RFC3339)
	result.Retrying++
	logging.Warn("Sync item failed, will retry", fields)
}

func (e *Engine) recordLastSync(at time.Time) {
	e.mu.Lock()
	e.lastSync = &at
	e.mu.Unlock()

	data, err := at.UTC().MarshalText()
	if err == nil {
		err = e.store.Set([]byte(LastSyncKey), data)
	}
	if err != nil {
		logging.Warn("Could not persist last sync time", map[string]interface{}{"error": err.Error()})
	}
}

func (e *Engine) loadLastSync() (*time.Time, error) {
	data, err := e.store.Get([]byte(LastSyncKey))
	if err == kv.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t time.Time
	if err := t.UnmarshalText(data); err != nil {
		return nil, err
	}
	return &t, nil
}

func (e *Engine) flushTelemetry(ctx context.Context, result *PassResult) {
	if e.telemetry == nil {
		return
	}
	if result.Attempted > 0 {
		e.telemetry.Track("sync.pass", map[string]interface{}{
			"reason":    result.Reason,
			"attempted": result.Attempted,
			"completed": result.Completed,
			"failed":    result.Failed,
			"conflicts": result.Conflicts,
		})
	}
	if !e.conn.IsOnline() || e.telemetry.Pending() == 0 || ctx.Err() != nil {
		return
	}
	flushCtx, cancel := context.WithTimeout(ctx, e.cfg.TransportTimeout)
	defer cancel()
	// Failures keep the batch for the next pass.
	_ = e.telemetry.Flush(flushCtx)
}
