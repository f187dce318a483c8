// Package connectivity provides unit tests for the connectivity monitor.
package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestMonitor_initiallyOffline(t *testing.T) {
	m := NewMonitor(nil, Config{})
	assert.False(t, m.IsOnline())
	assert.Equal(t, AssumeOffline, m.cfg.Unknown)
}

func TestMonitor_immediateCommitWithoutDebounce(t *testing.T) {
	m := NewMonitor(nil, Config{StableFor: 0})

	var wakes atomic.Int32
	m.OnReconnect(func() { wakes.Add(1) })

	m.Report(true)
	assert.True(t, m.IsOnline())
	assert.EqualValues(t, 1, wakes.Load())

	// Repeating the stable state is not a transition.
	m.Report(true)
	assert.EqualValues(t, 1, wakes.Load())

	m.Report(false)
	assert.False(t, m.IsOnline())
	assert.EqualValues(t, 1, wakes.Load(), "going offline never wakes")

	m.Report(true)
	assert.EqualValues(t, 2, wakes.Load())
}

func TestMonitor_flappingInsideWindowIsIgnored(t *testing.T) {
	m := NewMonitor(nil, Config{StableFor: 50 * time.Millisecond})
	defer m.Stop()

	var wakes atomic.Int32
	m.OnReconnect(func() { wakes.Add(1) })

	for i := 0; i < 5; i++ {
		m.Report(true)
		m.Report(false)
	}
	time.Sleep(120 * time.Millisecond)
	assert.False(t, m.IsOnline())
	assert.Zero(t, wakes.Load())

	m.Report(true)
	m.Report(true)
	assert.False(t, m.IsOnline(), "not committed before the window elapses")
	eventually(t, m.IsOnline)

	time.Sleep(60 * time.Millisecond)
	assert.EqualValues(t, 1, wakes.Load(), "one wake per transition")
}

func TestMonitor_subscribe(t *testing.T) {
	m := NewMonitor(nil, Config{})
	ch, cancel := m.Subscribe()

	m.Report(true)
	m.Report(false)

	tr := <-ch
	assert.True(t, tr.Online)
	tr = <-ch
	assert.False(t, tr.Online)
	assert.False(t, m.ChangedAt().IsZero())

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	// Delivery after cancel must not panic.
	m.Report(true)
}

func TestMonitor_unknownPolicy(t *testing.T) {
	offline := NewMonitor(nil, Config{Unknown: AssumeOffline})
	offline.Report(true)
	offline.ReportError(errors.New("probe timed out"))
	assert.False(t, offline.IsOnline())

	online := NewMonitor(nil, Config{Unknown: AssumeOnline})
	online.ReportError(errors.New("dns failure"))
	assert.True(t, online.IsOnline())
}

func TestMonitor_probeTimeout(t *testing.T) {
	blocking := ProberFunc(func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})
	m := NewMonitor(blocking, Config{ProbeTimeout: 20 * time.Millisecond})
	m.Report(true)

	start := time.Now()
	m.Probe(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, m.IsOnline(), "timeout is unknown, treated as offline")
}

func TestMonitor_runProbesPeriodically(t *testing.T) {
	var calls atomic.Int32
	var reachable atomic.Bool
	prober := ProberFunc(func(ctx context.Context) (bool, error) {
		calls.Add(1)
		return reachable.Load(), nil
	})

	m := NewMonitor(prober, Config{ProbeInterval: 10 * time.Millisecond})
	var wakes atomic.Int32
	m.OnReconnect(func() { wakes.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	eventually(t, func() bool { return calls.Load() >= 2 })
	assert.False(t, m.IsOnline())

	reachable.Store(true)
	eventually(t, m.IsOnline)

	cancel()
	require.NoError(t, <-done)
	assert.EqualValues(t, 1, wakes.Load())
}

func TestHTTPProber(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNoContent)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(int(status.Load()))
	}))

	p := NewHTTPProber(srv.URL, nil)
	ok, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	status.Store(http.StatusNotFound)
	ok, err = p.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "any non-5xx response means reachable")

	status.Store(http.StatusBadGateway)
	ok, err = p.Probe(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	srv.Close()
	_, err = p.Probe(context.Background())
	assert.Error(t, err)
}
