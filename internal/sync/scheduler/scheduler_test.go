// Package scheduler tests for retry backoff and background scheduling.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/clock"
)

// =====================================================
// Backoff Tests
// =====================================================

// TestBackoff_Delay verifies base*2^attempt capped at Max.
func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 0},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{60, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

// TestBackoff_monotonic verifies delays never decrease and never exceed the cap.
func TestBackoff_monotonic(t *testing.T) {
	for _, b := range []Backoff{DefaultBackoff(), {Base: 3 * time.Millisecond, Max: time.Minute}, {Base: time.Second}} {
		prev := time.Duration(0)
		for attempt := 0; attempt < 200; attempt++ {
			d := b.Delay(attempt)
			if d < prev {
				t.Fatalf("Delay(%d) = %v < Delay(%d) = %v", attempt, d, attempt-1, prev)
			}
			if b.Max > 0 && d > b.Max {
				t.Fatalf("Delay(%d) = %v exceeds cap %v", attempt, d, b.Max)
			}
			if d < 0 {
				t.Fatalf("Delay(%d) overflowed: %v", attempt, d)
			}
			prev = d
		}
	}
}

// =====================================================
// DelayQueue Tests
// =====================================================

// TestDelayQueue_ordering verifies entries are released earliest first.
func TestDelayQueue_ordering(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q := NewDelayQueue()

	q.Schedule("c", base.Add(3*time.Second))
	q.Schedule("a", base.Add(1*time.Second))
	q.Schedule("b", base.Add(2*time.Second))

	if next, ok := q.NextDue(); !ok || !next.Equal(base.Add(time.Second)) {
		t.Errorf("NextDue() = %v, %v", next, ok)
	}
	if !q.Delayed("a", base) {
		t.Error("a should be delayed at base")
	}
	if q.Delayed("a", base.Add(time.Second)) {
		t.Error("a should not be delayed once due")
	}
	if q.Delayed("unknown", base) {
		t.Error("unscheduled ids are never delayed")
	}

	ready := q.PopReady(base.Add(2 * time.Second))
	if len(ready) != 2 || ready[0] != "a" || ready[1] != "b" {
		t.Errorf("PopReady() = %v, want [a b]", ready)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

// TestDelayQueue_rescheduleAndCancel verifies replacement semantics.
func TestDelayQueue_rescheduleAndCancel(t *testing.T) {
	base := time.Unix(1000, 0)
	q := NewDelayQueue()

	q.Schedule("a", base.Add(time.Minute))
	q.Schedule("b", base.Add(2*time.Minute))
	q.Schedule("a", base.Add(3*time.Minute))

	snap := q.Snapshot()
	if len(snap) != 2 || snap[0].ID != "b" || snap[1].ID != "a" {
		t.Errorf("Snapshot() = %+v", snap)
	}
	if due, ok := q.Due("a"); !ok || !due.Equal(base.Add(3*time.Minute)) {
		t.Errorf("Due(a) = %v, %v", due, ok)
	}

	q.Cancel("b")
	q.Cancel("missing")
	if q.Len() != 1 {
		t.Errorf("Len() = %d after Cancel, want 1", q.Len())
	}

	q.Clear()
	if _, ok := q.NextDue(); ok {
		t.Error("NextDue() should be empty after Clear()")
	}
}

// =====================================================
// Scheduler Tests
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()
	if config.TickInterval != 30*time.Second {
		t.Errorf("TickInterval = %v, want 30s", config.TickInterval)
	}
	if config.Backoff.Max != time.Hour {
		t.Errorf("Backoff.Max = %v, want 1h", config.Backoff.Max)
	}
}

// TestScheduler_StartStop verifies lifecycle idempotency.
func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(func(string) {}, nil, nil)

	s.Stop() // without Start
	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx)
	if !s.IsRunning() {
		t.Error("IsRunning() = false after Start()")
	}
	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop()")
	}
}

// TestScheduler_tickRespectsGate verifies the periodic trigger is gated.
func TestScheduler_tickRespectsGate(t *testing.T) {
	var ticks atomic.Int32
	var open atomic.Bool

	s := NewScheduler(func(reason string) {
		if reason == ReasonTick {
			ticks.Add(1)
		}
	}, open.Load, &SchedulerConfig{TickInterval: 5 * time.Millisecond})

	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(40 * time.Millisecond)
	if n := ticks.Load(); n != 0 {
		t.Fatalf("gated scheduler triggered %d times", n)
	}

	open.Store(true)
	deadline := time.Now().Add(time.Second)
	for ticks.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ticks.Load() == 0 {
		t.Error("open gate never triggered")
	}
	if s.GetStatus().LastTick == nil {
		t.Error("GetStatus().LastTick should be set")
	}
}

// TestScheduler_retryFires verifies a scheduled retry triggers once due.
func TestScheduler_retryFires(t *testing.T) {
	var mu sync.Mutex
	var reasons []string

	s := NewScheduler(func(reason string) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	}, func() bool { return false }, &SchedulerConfig{
		TickInterval: time.Hour,
		Backoff:      Backoff{Base: 10 * time.Millisecond, Max: time.Second},
	})

	s.Start(context.Background())
	defer s.Stop()

	due := s.ScheduleRetry("item-1", 1)
	if !s.Delayed("item-1") {
		t.Error("item should be delayed right after scheduling")
	}
	if st := s.GetStatus(); st.Scheduled != 1 || st.NextRetry == nil || !st.NextRetry.Equal(due) {
		t.Errorf("GetStatus() = %+v", st)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(reasons)
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || reasons[0] != ReasonBackoff {
		t.Fatalf("reasons = %v, want [backoff]", reasons)
	}
	if s.Delayed("item-1") {
		t.Error("item should be released after the delay")
	}
}

// TestScheduler_fakeClockDelay verifies delays are measured on the injected clock.
func TestScheduler_fakeClockDelay(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	s := NewScheduler(func(string) {}, nil, &SchedulerConfig{
		Backoff: Backoff{Base: time.Second, Max: time.Minute},
		Clock:   clk,
	})

	due := s.ScheduleRetry("a", 2)
	if !due.Equal(start.Add(4 * time.Second)) {
		t.Errorf("due = %v, want start+4s", due)
	}
	if !s.Delayed("a") {
		t.Error("a should be delayed")
	}
	clk.Advance(4 * time.Second)
	if s.Delayed("a") {
		t.Error("a should be eligible once the fake clock reaches the due time")
	}

	restored := s.ScheduleRetryFrom("b", 1, start.Add(-10*time.Second))
	if !restored.Equal(start.Add(-8 * time.Second)) {
		t.Errorf("ScheduleRetryFrom() = %v", restored)
	}
	s.Cancel("b")
	s.Clear()
	if s.Delays().Len() != 0 {
		t.Error("Clear() should drop all delays")
	}
}

// TestScheduler_retryWakesOnFakeClock verifies the retry wake-up follows the
// injected clock rather than wall time.
func TestScheduler_retryWakesOnFakeClock(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	fired := make(chan string, 4)
	s := NewScheduler(func(reason string) { fired <- reason }, func() bool { return false }, &SchedulerConfig{
		TickInterval: 24 * time.Hour,
		Backoff:      Backoff{Base: time.Minute, Max: time.Hour},
		Clock:        clk,
	})
	s.Start(context.Background())
	defer s.Stop()

	s.ScheduleRetry("a", 0)

	select {
	case reason := <-fired:
		t.Fatalf("triggered %q before the fake clock moved", reason)
	case <-time.After(50 * time.Millisecond):
	}

	// The loop may re-arm just after an advance, so keep nudging the clock
	// in small steps until the wake-up arrives.
	clk.Advance(time.Minute)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case reason := <-fired:
			if reason != ReasonBackoff {
				t.Fatalf("reason = %q, want %q", reason, ReasonBackoff)
			}
			if s.Delays().Len() != 0 {
				t.Error("released entry should leave the delay queue")
			}
			return
		case <-deadline:
			t.Fatal("retry never fired after advancing the fake clock")
		case <-time.After(10 * time.Millisecond):
			clk.Advance(time.Second)
		}
	}
}
