// Package reconnect drives automatic recovery of a dropped client session:
// bounded retry attempts against the last known room id, exponential backoff
// between attempts, and explicit user-triggered retry once the budget is
// spent. It owns no transport; callers inject the join operation.
package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Phase names a state of the reconnection machine.
type Phase int

const (
	// Idle means no recovery is in progress or wanted.
	Idle Phase = iota
	// Reconnecting means an attempt is in flight or scheduled.
	Reconnecting
	// Failed means the attempt budget is exhausted; only an explicit
	// Retry starts a new round.
	Failed
	// Connected means the last attempt succeeded.
	Connected
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// State is a snapshot of the machine, including the attempt counter while
// reconnecting ("attempt k of N" in the UI).
type State struct {
	Phase       Phase
	Attempt     int
	MaxAttempts int
}

// JoinFunc performs one join attempt against a room.
type JoinFunc func(ctx context.Context, roomID string) error

// Config holds retry tunables.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the default retry policy: five attempts, one second
// initial backoff, doubling, capped at thirty seconds.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Manager runs the recovery state machine for one client session.
type Manager struct {
	cfg   Config
	clock clockwork.Clock
	join  JoinFunc

	mu          sync.Mutex
	state       State
	roomID      string
	gen         uint64
	cancelRound context.CancelFunc
	running     bool
	subs        map[int]func(State)
	nextSub     int

	notify    chan State
	closeOnce sync.Once
}

// NewManager creates an idle manager. A nil clock selects the real clock.
func NewManager(cfg Config, clock clockwork.Clock, join JoinFunc) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	m := &Manager{
		cfg:    cfg,
		clock:  clock,
		join:   join,
		state:  State{Phase: Idle, MaxAttempts: cfg.MaxAttempts},
		subs:   make(map[int]func(State)),
		notify: make(chan State, 64),
	}
	go m.notifyLoop()
	return m
}

// Close stops the notifier. The manager must not be used afterwards.
func (m *Manager) Close() {
	m.Cancel()
	m.closeOnce.Do(func() { close(m.notify) })
}

// notifyLoop delivers state transitions to subscribers in order.
func (m *Manager) notifyLoop() {
	for st := range m.notify {
		m.mu.Lock()
		listeners := make([]func(State), 0, len(m.subs))
		for _, fn := range m.subs {
			listeners = append(listeners, fn)
		}
		m.mu.Unlock()

		for _, fn := range listeners {
			fn(st)
		}
	}
}

// State returns the current machine snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a state listener and returns its unsubscribe func.
// The listener immediately receives the current state.
func (m *Manager) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	current := m.state
	m.mu.Unlock()

	fn(current)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Start begins automatic recovery toward the given room. It is a no-op if a
// round is already running.
func (m *Manager) Start(roomID string) {
	m.mu.Lock()
	if m.running || m.state.Phase == Failed {
		m.mu.Unlock()
		return
	}
	m.beginRoundLocked(roomID)
	m.mu.Unlock()
}

// Retry starts a fresh round after Failed, on explicit user action.
func (m *Manager) Retry() {
	m.mu.Lock()
	if m.running || m.state.Phase != Failed {
		m.mu.Unlock()
		return
	}
	m.beginRoundLocked(m.roomID)
	m.mu.Unlock()
}

// beginRoundLocked arms a new attempt round. Caller holds m.mu. Each round
// carries the generation it was armed under; a state write from a round whose
// generation has moved on is discarded, so a join attempt that resolves after
// Cancel (or after a newer Start) can never commit its result.
func (m *Manager) beginRoundLocked(roomID string) {
	m.roomID = roomID
	m.gen++
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelRound = cancel
	m.running = true
	m.setStateLocked(State{Phase: Reconnecting, Attempt: 1, MaxAttempts: m.cfg.MaxAttempts})
	go func(gen uint64) {
		defer cancel()
		m.run(ctx, gen, roomID)
	}(m.gen)
}

// Cancel aborts recovery: in-flight timers stop, the current attempt's
// context is cancelled, and no further attempt starts. The result of an
// attempt already in flight is discarded even if it lands after a later
// Start. Used for "continue offline" and "join a new game".
func (m *Manager) Cancel() {
	m.mu.Lock()
	m.gen++
	if m.cancelRound != nil {
		m.cancelRound()
		m.cancelRound = nil
	}
	m.running = false
	m.setStateLocked(State{Phase: Idle, MaxAttempts: m.cfg.MaxAttempts})
	m.mu.Unlock()
}

// run executes one full attempt round.
func (m *Manager) run(ctx context.Context, gen uint64, roomID string) {
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.setStateLocked(State{Phase: Reconnecting, Attempt: attempt, MaxAttempts: m.cfg.MaxAttempts})
		m.mu.Unlock()

		log.Info().
			Int("attempt", attempt).
			Int("max_attempts", m.cfg.MaxAttempts).
			Str("room_id", roomID).
			Msg("attempting reconnect")

		err := m.join(ctx, roomID)

		m.mu.Lock()
		if m.gen != gen {
			// Superseded while the attempt was in flight; its outcome no
			// longer matters.
			m.mu.Unlock()
			return
		}
		if err == nil {
			m.running = false
			m.cancelRound = nil
			m.setStateLocked(State{Phase: Connected, MaxAttempts: m.cfg.MaxAttempts})
			m.mu.Unlock()
			log.Info().Int("attempt", attempt).Msg("reconnect succeeded")
			return
		}
		m.mu.Unlock()

		log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")

		if attempt == m.cfg.MaxAttempts {
			break
		}

		timer := m.clock.NewTimer(m.backoff(attempt))
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			stopAndDrainTimer(timer)
			return
		}
	}

	m.mu.Lock()
	if m.gen == gen {
		m.running = false
		m.cancelRound = nil
		m.setStateLocked(State{Phase: Failed, Attempt: m.cfg.MaxAttempts, MaxAttempts: m.cfg.MaxAttempts})
		log.Warn().Int("max_attempts", m.cfg.MaxAttempts).Msg("reconnect attempts exhausted")
	}
	m.mu.Unlock()
}

// backoff returns the wait before the next attempt: doubling from the
// initial interval, capped.
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.cfg.MaxBackoff {
			return m.cfg.MaxBackoff
		}
	}
	if d > m.cfg.MaxBackoff {
		return m.cfg.MaxBackoff
	}
	return d
}

// setStateLocked records a transition and queues subscriber notification.
// Caller holds m.mu; listeners run on the notify loop without it.
func (m *Manager) setStateLocked(st State) {
	if m.state == st {
		return
	}
	m.state = st
	select {
	case m.notify <- st:
	default:
		log.Warn().Msg("reconnect state notify buffer full, dropping update")
	}
}

// stopAndDrainTimer stops a timer and drains its channel so an already-fired
// timer cannot leak a goroutine.
func stopAndDrainTimer(t clockwork.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}
