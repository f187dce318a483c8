// Package connectivity tracks whether the remote service is reachable and
// wakes the sync coordinator when connectivity comes back.
//
// Raw observations (probe results or platform signals) only become the
// stable state after holding for StableFor. Flapping inside that window
// produces no transition, and the reconnect hooks run exactly once per
// committed offline to online transition.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/logging"
)

// UnknownPolicy decides how an unknown probe result is interpreted.
type UnknownPolicy string

const (
	// AssumeOffline treats unknown as unreachable; the next probe recovers.
	AssumeOffline UnknownPolicy = "assume_offline"
	// AssumeOnline treats unknown as reachable and lets transport
	// timeouts surface the truth.
	AssumeOnline UnknownPolicy = "assume_online"
)

// Config holds monitor configuration.
type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	StableFor     time.Duration
	Unknown       UnknownPolicy
}

// DefaultConfig returns default monitor configuration.
func DefaultConfig() Config {
	return Config{
		ProbeInterval: 15 * time.Second,
		ProbeTimeout:  5 * time.Second,
		StableFor:     2 * time.Second,
		Unknown:       AssumeOffline,
	}
}

// Transition is a committed change of the stable state.
type Transition struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// Monitor holds the stable connectivity state.
type Monitor struct {
	prober Prober
	cfg    Config

	mu        sync.Mutex
	online    bool
	pending   bool // a candidate state is waiting out StableFor
	candidate bool
	gen       uint64
	timer     *time.Timer
	changedAt time.Time

	hooks  []func()
	subs   map[int]chan Transition
	nextID int
}

// NewMonitor creates a Monitor. The initial state is offline. prober may
// be nil when state is only fed through Report.
func NewMonitor(prober Prober, cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.StableFor < 0 {
		cfg.StableFor = 0
	}
	if cfg.Unknown == "" {
		cfg.Unknown = def.Unknown
	}
	return &Monitor{
		prober: prober,
		cfg:    cfg,
		subs:   make(map[int]chan Transition),
	}
}

// IsOnline returns the stable state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// ChangedAt returns when the stable state last changed.
func (m *Monitor) ChangedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changedAt
}

// OnReconnect registers fn to run after every offline to online
// transition. Hooks run synchronously on the committing goroutine and must
// not block.
func (m *Monitor) OnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Subscribe returns a channel of committed transitions and a cancel func.
// Slow subscribers miss transitions rather than blocking the monitor.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan Transition, 8)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Report feeds a definite reachability observation.
func (m *Monitor) Report(online bool) {
	m.observe(online)
}

// ReportError feeds an unknown observation, interpreted by the policy.
func (m *Monitor) ReportError(err error) {
	logging.Debug("Connectivity probe inconclusive", map[string]interface{}{
		"error":  err.Error(),
		"policy": string(m.cfg.Unknown),
	})
	m.observe(m.cfg.Unknown == AssumeOnline)
}

func (m *Monitor) observe(raw bool) {
	m.mu.Lock()

	if raw == m.online {
		// Back to the stable state before the window elapsed.
		m.cancelLocked()
		m.mu.Unlock()
		return
	}
	if m.pending && m.candidate == raw {
		m.mu.Unlock()
		return
	}

	m.cancelLocked()
	m.pending = true
	m.candidate = raw
	m.gen++
	gen := m.gen

	if m.cfg.StableFor == 0 {
		m.mu.Unlock()
		m.commit(gen)
		return
	}
	m.timer = time.AfterFunc(m.cfg.StableFor, func() { m.commit(gen) })
	m.mu.Unlock()
}

func (m *Monitor) cancelLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.pending = false
	m.gen++
}

func (m *Monitor) commit(gen uint64) {
	m.mu.Lock()
	if !m.pending || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.pending = false
	m.timer = nil
	m.online = m.candidate
	m.changedAt = time.Now()

	tr := Transition{Online: m.online, At: m.changedAt}
	hooks := append([]func(){}, m.hooks...)
	subs := make([]chan Transition, 0, len(m.subs))
	for _, ch := range m.subs {
		subs = append(subs, ch)
	}
	// Deliver while holding the lock so a concurrent cancel cannot close a
	// channel mid-send; sends never block.
	for _, ch := range subs {
		select {
		case ch <- tr:
		default:
		}
	}
	m.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"online": tr.Online})

	if tr.Online {
		for _, fn := range hooks {
			fn()
		}
	}
}

// Probe runs one bounded probe and feeds its result.
func (m *Monitor) Probe(ctx context.Context) {
	if m.prober == nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	ok, err := m.prober.Probe(probeCtx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.ReportError(err)
		return
	}
	m.Report(ok)
}

// Run probes immediately and then every ProbeInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if m.prober == nil {
		<-ctx.Done()
		m.Stop()
		return nil
	}

	m.Probe(ctx)

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return nil
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Stop cancels any pending transition.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
}
