// Package channel keeps long-lived change subscriptions alive. Each
// subscription has its own delivery lane and a reconnect state machine
// (idle, scheduled, connecting, open) with at most one pending timer.
package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"marketsync/internal/clock"
	"marketsync/internal/feed"
)

const (
	DefaultBackoff        = 5 * time.Second
	DefaultSettle         = 1 * time.Second
	DefaultGrace          = 1 * time.Second
	DefaultConnectTimeout = 15 * time.Second

	minGrace = 1 * time.Second
)

type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusError      Status = "error"
	StatusClosed     Status = "closed"
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseScheduled  Phase = "scheduled"
	PhaseConnecting Phase = "connecting"
	PhaseOpen       Phase = "open"
)

type Config struct {
	// Backoff is the fixed delay before a reconnect attempt.
	Backoff time.Duration
	// Settle is the pause between tearing a subscription down and
	// re-opening it.
	Settle time.Duration
	// Grace is how long OnForeground waits before checking channel health.
	// It is never shorter than one second.
	Grace time.Duration
	// ConnectTimeout bounds a single Subscribe call.
	ConnectTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.Settle < 0 {
		c.Settle = 0
	} else if c.Settle == 0 {
		c.Settle = DefaultSettle
	}
	if c.Grace < minGrace {
		c.Grace = minGrace
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Info is a read-only view of one subscription.
type Info struct {
	ID           uint64
	Key          feed.Key
	Status       Status
	Phase        Phase
	LastActivity time.Time
	Attempts     int
}

// Handle identifies an open subscription.
type Handle struct {
	id  uint64
	key feed.Key
}

func (h *Handle) Key() feed.Key { return h.key }

type Manager struct {
	ctx       context.Context
	transport feed.Transport
	cfg       Config
	logger    *slog.Logger

	mu         sync.Mutex
	subs       map[uint64]*subscription
	next       uint64
	graceTimer clock.Timer
}

// NewManager creates a manager whose lanes live until ctx is done.
func NewManager(ctx context.Context, transport feed.Transport, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		ctx:       ctx,
		transport: transport,
		cfg:       cfg,
		logger:    cfg.Logger,
		subs:      make(map[uint64]*subscription),
	}
}

type subscription struct {
	id      uint64
	key     feed.Key
	deliver func(ctx context.Context, c feed.Change, live func() bool)
	reopened func(ctx context.Context)

	mu           sync.Mutex
	status       Status
	phase        Phase
	lastActivity time.Time
	attempts     int
	closed       bool
	// opened is set once the first stream is up; later streams are reopens.
	opened bool

	// sched invalidates timers: a timer callback only acts if sched still
	// holds the value it was armed with.
	sched uint64
	timer clock.Timer

	// gen changes on every teardown so lanes and in-flight enrichment of
	// a previous stream can tell they are stale.
	gen    uint64
	stream feed.Stream
	cancel context.CancelFunc
}

func (s *subscription) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.gen == gen
}

func (s *subscription) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.id,
		Key:          s.key,
		Status:       s.status,
		Phase:        s.phase,
		LastActivity: s.lastActivity,
		Attempts:     s.attempts,
	}
}

func (m *Manager) open(key feed.Key, deliver func(ctx context.Context, c feed.Change, live func() bool), reopened func(ctx context.Context)) *Handle {
	m.mu.Lock()
	m.next++
	s := &subscription{
		id:       m.next,
		key:      key,
		deliver:  deliver,
		reopened: reopened,
		status:   StatusConnecting,
		phase:    PhaseConnecting,
	}
	m.subs[s.id] = s
	m.mu.Unlock()

	m.connect(s, 0)
	return &Handle{id: s.id, key: key}
}

// Close stops delivery on h immediately and never reconnects it. Results
// of enrichment still in flight are discarded. Closing twice is harmless.
func (m *Manager) Close(h *Handle) {
	m.mu.Lock()
	s, ok := m.subs[h.id]
	delete(m.subs, h.id)
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.closed = true
	s.status = StatusClosed
	s.phase = PhaseIdle
	s.sched++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	m.teardownLocked(s)
	s.mu.Unlock()

	m.logger.Debug("channel closed", "key", s.key.String())
}

// CloseAll closes every subscription.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.subs))
	for _, s := range m.subs {
		handles = append(handles, &Handle{id: s.id, key: s.key})
	}
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	m.mu.Unlock()

	for _, h := range handles {
		m.Close(h)
	}
}

// Info returns the state of h, or false once it is closed.
func (m *Manager) Info(h *Handle) (Info, bool) {
	m.mu.Lock()
	s, ok := m.subs[h.id]
	m.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

// Snapshot returns the state of every live subscription.
func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.info())
	}
	return out
}

// OnForeground waits the grace period and then reconnects channels whose
// status is closed or error. Open and connecting channels are left alone.
// Repeated calls within the grace period collapse into one check.
func (m *Manager) OnForeground() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.graceTimer != nil {
		m.graceTimer.Stop()
	}
	m.graceTimer = m.cfg.Clock.AfterFunc(m.cfg.Grace, m.checkHealth)
}

func (m *Manager) checkHealth() {
	m.mu.Lock()
	m.graceTimer = nil
	subs := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		if !s.closed && (s.status == StatusClosed || s.status == StatusError) {
			m.logger.Info("reconnecting unhealthy channel after resume", "key", s.key.String(), "status", s.status)
			m.scheduleLocked(s, 0)
		}
		s.mu.Unlock()
	}
}

// scheduleLocked arms the single reconnect timer of s, cancelling any
// previous one.
func (m *Manager) scheduleLocked(s *subscription, d time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.sched++
	token := s.sched
	s.phase = PhaseScheduled
	s.timer = m.cfg.Clock.AfterFunc(d, func() { m.reconnect(s, token) })
}

// reconnect tears the old stream down and arms the settle timer.
func (m *Manager) reconnect(s *subscription, token uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.sched != token {
		return
	}
	m.teardownLocked(s)
	s.status = StatusConnecting
	s.phase = PhaseConnecting
	s.sched++
	next := s.sched
	s.timer = m.cfg.Clock.AfterFunc(m.cfg.Settle, func() { m.connect(s, next) })
}

// teardownLocked is idempotent.
func (m *Manager) teardownLocked(s *subscription) {
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			m.logger.Debug("closing stale stream", "key", s.key.String(), "error", err)
		}
		s.stream = nil
	}
}

func (m *Manager) connect(s *subscription, token uint64) {
	s.mu.Lock()
	if s.closed || s.sched != token {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.status = StatusConnecting
	s.phase = PhaseConnecting
	gen := s.gen
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
	stream, err := m.transport.Subscribe(ctx, s.key)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.gen != gen || s.sched != token {
		if stream != nil {
			_ = stream.Close()
		}
		return
	}
	if err != nil {
		s.status = StatusError
		s.attempts++
		m.logger.Warn("subscribe failed, retrying", "key", s.key.String(), "attempt", s.attempts, "in", m.cfg.Backoff, "error", err)
		m.scheduleLocked(s, m.cfg.Backoff)
		return
	}

	laneCtx, laneCancel := context.WithCancel(m.ctx)
	s.stream = stream
	s.cancel = laneCancel
	s.status = StatusOpen
	s.phase = PhaseOpen
	s.attempts = 0
	s.lastActivity = m.cfg.Clock.Now()
	reopen := s.opened && s.reopened != nil
	s.opened = true

	go m.lane(laneCtx, s, gen, stream)
	if reopen {
		// Rows written while the channel was down never reach the new
		// stream, so the owner reloads them.
		m.logger.Info("channel reopened", "key", s.key.String())
		go s.reopened(laneCtx)
	}
}

// lane delivers the changes of one stream generation in arrival order.
func (m *Manager) lane(ctx context.Context, s *subscription, gen uint64, stream feed.Stream) {
	live := func() bool { return s.current(gen) }

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-stream.Changes():
			if !ok {
				m.onSignal(s, gen, feed.SignalError)
				return
			}
			if !live() {
				return
			}
			s.mu.Lock()
			s.lastActivity = m.cfg.Clock.Now()
			s.mu.Unlock()
			s.deliver(ctx, c, live)
		case sig := <-stream.Signals():
			m.drain(ctx, s, stream, live)
			m.onSignal(s, gen, sig)
			return
		}
	}
}

// drain delivers changes the stream buffered before it signalled.
func (m *Manager) drain(ctx context.Context, s *subscription, stream feed.Stream, live func() bool) {
	for {
		select {
		case c, ok := <-stream.Changes():
			if !ok || !live() {
				return
			}
			s.deliver(ctx, c, live)
		default:
			return
		}
	}
}

func (m *Manager) onSignal(s *subscription, gen uint64, sig feed.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.gen != gen {
		return
	}

	switch sig {
	case feed.SignalError, feed.SignalTimedOut:
		s.status = StatusError
		s.attempts++
		m.logger.Warn("channel dropped, reconnect scheduled", "key", s.key.String(), "signal", sig, "in", m.cfg.Backoff)
		m.scheduleLocked(s, m.cfg.Backoff)
	case feed.SignalClosed:
		// Left for the foreground health check.
		m.teardownLocked(s)
		s.status = StatusClosed
		s.phase = PhaseIdle
		m.logger.Info("channel closed by transport", "key", s.key.String())
	}
}
