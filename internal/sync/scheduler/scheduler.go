// Package scheduler owns the timing side of synchronization: the periodic
// tick that wakes the coordinator while online, and the retry delay queue
// that wakes it again when a backoff delay elapses.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/clock"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/logging"
)

// Trigger reasons passed to the TriggerFunc.
const (
	ReasonTick    = "tick"
	ReasonBackoff = "backoff"
)

// TriggerFunc requests a drain pass. It must not block.
type TriggerFunc func(reason string)

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	TickInterval time.Duration // How often to check for work while online (default: 30 seconds)
	Backoff      Backoff
	Clock        clock.Clock
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		TickInterval: 30 * time.Second,
		Backoff:      DefaultBackoff(),
		Clock:        clock.Real{},
	}
}

// Scheduler wakes the coordinator on a fixed tick and when retry delays
// elapse.
type Scheduler struct {
	trigger    TriggerFunc
	shouldTick func() bool
	delays     *DelayQueue
	backoff    Backoff
	clock      clock.Clock
	interval   time.Duration

	nudge  chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.RWMutex
	isRunning bool
	lastTick  time.Time
}

// NewScheduler creates a new Scheduler. shouldTick gates the periodic
// trigger (typically "online, idle and queue non-empty"); nil always ticks.
func NewScheduler(trigger TriggerFunc, shouldTick func() bool, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if config.Clock == nil {
		config.Clock = clock.Real{}
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultSchedulerConfig().TickInterval
	}
	if shouldTick == nil {
		shouldTick = func() bool { return true }
	}

	return &Scheduler{
		trigger:    trigger,
		shouldTick: shouldTick,
		delays:     NewDelayQueue(),
		backoff:    config.Backoff,
		clock:      config.Clock,
		interval:   config.TickInterval,
		nudge:      make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// Start starts the tick and retry loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(2)
	go s.tickLoop(ctx)
	go s.retryLoop(ctx)

	logging.Info("Sync scheduler started", map[string]interface{}{
		"tick_interval": s.interval.String(),
	})
}

// Stop stops the loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Sync scheduler stopped", nil)
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.clock.NewTimer(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C():
			ticker.Reset(s.interval)
			s.mu.Lock()
			s.lastTick = s.clock.Now()
			s.mu.Unlock()

			if !s.shouldTick() {
				continue
			}
			s.trigger(ReasonTick)
		}
	}
}

// retryLoop sleeps until the earliest retry is due, releases every due
// entry and asks for a pass. Schedule and Cancel nudge it to re-arm.
func (s *Scheduler) retryLoop(ctx context.Context) {
	defer s.wg.Done()

	timer := s.clock.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := time.Hour
		if due, ok := s.delays.NextDue(); ok {
			wait = due.Sub(s.clock.Now())
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C():
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.nudge:
		case <-timer.C():
			if ready := s.delays.PopReady(s.clock.Now()); len(ready) > 0 {
				logging.Debug("Retry delay elapsed", map[string]interface{}{"items": len(ready)})
				s.trigger(ReasonBackoff)
			}
		}
	}
}

func (s *Scheduler) wake() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// ScheduleRetry delays id by the backoff for attempt, measured from now,
// and returns the due time.
func (s *Scheduler) ScheduleRetry(id string, attempt int) time.Time {
	return s.ScheduleRetryFrom(id, attempt, s.clock.Now())
}

// ScheduleRetryFrom delays id by the backoff for attempt measured from
// from. Used to rebuild delays after a restart from the item's last update.
func (s *Scheduler) ScheduleRetryFrom(id string, attempt int, from time.Time) time.Time {
	due := from.Add(s.backoff.Delay(attempt))
	s.delays.Schedule(id, due)
	s.wake()
	return due
}

// Cancel drops any pending retry delay for id.
func (s *Scheduler) Cancel(id string) {
	s.delays.Cancel(id)
	s.wake()
}

// Clear drops all retry delays.
func (s *Scheduler) Clear() {
	s.delays.Clear()
	s.wake()
}

// Delayed reports whether id is still waiting on its backoff.
func (s *Scheduler) Delayed(id string) bool {
	return s.delays.Delayed(id, s.clock.Now())
}

// NextRetry returns the earliest scheduled retry.
func (s *Scheduler) NextRetry() (time.Time, bool) {
	return s.delays.NextDue()
}

// Delays exposes the retry delay queue for inspection.
func (s *Scheduler) Delays() *DelayQueue {
	return s.delays
}

// Backoff returns the configured backoff policy.
func (s *Scheduler) Backoff() Backoff {
	return s.backoff
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning    bool       `json:"is_running"`
	TickInterval string     `json:"tick_interval"`
	LastTick     *time.Time `json:"last_tick,omitempty"`
	Scheduled    int        `json:"scheduled_retries"`
	NextRetry    *time.Time `json:"next_retry,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:    s.isRunning,
		TickInterval: s.interval.String(),
	}
	if !s.lastTick.IsZero() {
		last := s.lastTick
		status.LastTick = &last
	}
	s.mu.RUnlock()

	status.Scheduled = s.delays.Len()
	if next, ok := s.delays.NextDue(); ok {
		status.NextRetry = &next
	}
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
