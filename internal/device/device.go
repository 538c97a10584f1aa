// Package device assembles one playing device: the game store, the peer
// session, the message router, the reconnection manager, tab sync, and the
// persistence gate, wired the way a UI layer consumes them. Devices are
// constructed explicitly and carry their own lifecycle; nothing here is a
// process-wide singleton, so tests can run as many independent devices as
// they like.
package device

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/bedudley/swatch-it/internal/game"
	"github.com/bedudley/swatch-it/internal/peer"
	"github.com/bedudley/swatch-it/internal/persist"
	"github.com/bedudley/swatch-it/internal/protocol"
	"github.com/bedudley/swatch-it/internal/reconnect"
	"github.com/bedudley/swatch-it/internal/tabsync"
)

// Phase names the user-visible connection condition; each maps to a
// different recommended action in the UI.
type Phase string

const (
	PhaseDisconnected   Phase = "disconnected"
	PhaseConnecting     Phase = "connecting"
	PhaseConnected      Phase = "connected"
	PhaseReconnecting   Phase = "reconnecting"
	PhaseFailed         Phase = "failed"
	PhaseSessionExpired Phase = "session_expired"
)

// ConnectionState is the summary the UI renders in its connection banner.
type ConnectionState struct {
	Phase            Phase
	Role             peer.Role
	RoomID           string
	ConnectedDevices int
	Attempt          int
	MaxAttempts      int
}

// Config wires a device.
type Config struct {
	// RelayURL is the rendezvous base, e.g. "ws://relay.example.com:8080".
	RelayURL string
	// StatePath is the sqlite file backing durable local state.
	StatePath string
	// EntryURL is the URL this device was opened with; a room query
	// parameter marks it as a joining client and skips hydration.
	EntryURL string

	Peer      peer.Config
	Reconnect reconnect.Config
	Clock     clockwork.Clock
}

// Device is one participant in a game: the sole device in single-device
// play, or the host or a client in multi-device play.
type Device struct {
	Store *game.Store
	Tabs  *tabsync.Channel

	session *peer.Session
	recon   *reconnect.Manager
	router  *protocol.Router
	gate    *persist.Gate
	db      *persist.Store
	clock   clockwork.Clock

	mu             sync.Mutex
	onNavigate     func(path string)
	onConnChange   func(ConnectionState)
	sessionExpired bool
	connecting     bool

	done      chan struct{}
	closeOnce sync.Once
}

// New constructs a device. Zero-value Peer/Reconnect configs take defaults.
func New(cfg Config) (*Device, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Peer.URL == "" {
		cfg.Peer = peer.DefaultConfig(cfg.RelayURL)
	}
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect = reconnect.DefaultConfig()
	}

	db, err := persist.Open(cfg.StatePath)
	if err != nil {
		return nil, err
	}

	d := &Device{
		Store:   game.NewStore(clock),
		Tabs:    tabsync.NewChannel(),
		session: peer.NewSession(cfg.Peer),
		db:      db,
		clock:   clock,
		done:    make(chan struct{}),
	}
	d.gate = persist.NewGate(db, clock, persist.JoinRoomFromURL(cfg.EntryURL))
	d.recon = reconnect.NewManager(cfg.Reconnect, clock, d.rejoin)
	d.router = protocol.NewRouter(protocol.RouterConfig{
		Store: d.Store,
		Role:  func() game.Mode { return d.Store.State().Mode },
		Relay: d.session,
		Navigate: func(path string) {
			d.mu.Lock()
			fn := d.onNavigate
			d.mu.Unlock()
			if fn != nil {
				fn(path)
			}
		},
	})

	d.Store.SetBroadcast(d.broadcastDelta)
	d.Store.SetOnChange(d.persistState)
	d.recon.Subscribe(func(reconnect.State) { d.notifyConnChange() })

	return d, nil
}

// Start runs the persistence gate and begins consuming session events. If a
// resumable client session was hydrated, it tries to rejoin; a failed
// resume hands over to the reconnection manager. A join-link device is left
// idle: the caller drives Join so it can surface the outcome.
func (d *Device) Start(ctx context.Context) error {
	res, err := d.gate.Hydrate(d.Store)
	if err != nil {
		return err
	}

	go d.eventLoop(ctx)

	if res.SessionExpired {
		d.mu.Lock()
		d.sessionExpired = true
		d.mu.Unlock()
		d.notifyConnChange()
		return nil
	}

	if res.Session.Mode == game.ModeClient && res.Session.RoomID != "" {
		log.Info().Str("room_id", res.Session.RoomID).Msg("resuming client session")
		d.setConnecting(true)
		err := d.session.JoinHost(ctx, res.Session.RoomID)
		d.setConnecting(false)
		if err != nil {
			log.Warn().Err(err).Msg("session resume failed, starting auto-reconnect")
			d.recon.Start(res.Session.RoomID)
			return nil
		}
		d.Store.TouchConnected()
		d.requestState()
	}

	return nil
}

// Close tears the device down.
func (d *Device) Close() error {
	d.closeOnce.Do(func() { close(d.done) })
	d.recon.Close()
	d.session.Disconnect()
	d.Tabs.Close()
	return d.db.Close()
}

// EnableHost turns this device into the authoritative host and returns the
// room id to share with clients.
func (d *Device) EnableHost(ctx context.Context) (string, error) {
	d.setConnecting(true)
	roomID, err := d.session.EnableHost(ctx)
	d.setConnecting(false)
	if err != nil {
		return "", err
	}
	d.Store.SetMode(game.ModeHost, roomID)
	d.Store.TouchConnected()
	return roomID, nil
}

// Join connects this device to a host's room as a client. First-ever join
// failures are returned to the caller, never auto-retried.
func (d *Device) Join(ctx context.Context, roomID string) error {
	d.setConnecting(true)
	err := d.session.JoinHost(ctx, roomID)
	d.setConnecting(false)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.sessionExpired = false
	d.mu.Unlock()
	d.Store.SetMode(game.ModeClient, roomID)
	d.Store.TouchConnected()
	d.requestState()
	return nil
}

// ContinueOffline abandons the multi-device session for good: reconnection
// stops, the transport closes, and the stored room id is cleared so no
// later auto-attempt fires.
func (d *Device) ContinueOffline() {
	d.recon.Cancel()
	d.session.Disconnect()
	d.Store.SetMode(game.ModeDisabled, "")
	if err := d.gate.ClearSession(); err != nil {
		log.Warn().Err(err).Msg("failed to clear stored session")
	}
	d.mu.Lock()
	d.sessionExpired = false
	d.mu.Unlock()
	d.notifyConnChange()
}

// RetryReconnect starts a fresh reconnection round after Failed, on
// explicit user action.
func (d *Device) RetryReconnect() {
	d.recon.Retry()
}

// Navigate tells the other devices in the session to change view.
func (d *Device) Navigate(path string) {
	if !d.session.Active() {
		return
	}
	if err := d.session.Broadcast(protocol.NewNavigate(path)); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to send navigation")
	}
}

// SendAction ships a named mutation to the session instead of a state
// delta. The local store is not touched; callers mutate it separately.
func (d *Device) SendAction(name string, payload any) error {
	m, err := protocol.NewAction(name, payload)
	if err != nil {
		return err
	}
	return d.session.Broadcast(m)
}

// OnNavigate installs the UI's view-change callback.
func (d *Device) OnNavigate(fn func(path string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onNavigate = fn
}

// OnConnectionChange installs the UI's connection-banner callback.
func (d *Device) OnConnectionChange(fn func(ConnectionState)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onConnChange = fn
}

// ConnectionState summarizes the session for the UI.
func (d *Device) ConnectionState() ConnectionState {
	d.mu.Lock()
	expired := d.sessionExpired
	connecting := d.connecting
	d.mu.Unlock()

	status := d.session.Status()
	rs := d.recon.State()
	st := d.Store.State()

	cs := ConnectionState{
		Role:             status.Role,
		RoomID:           st.HostRoomID,
		ConnectedDevices: status.ConnectedDevices,
		MaxAttempts:      rs.MaxAttempts,
	}

	switch {
	case expired:
		cs.Phase = PhaseSessionExpired
	case rs.Phase == reconnect.Reconnecting:
		cs.Phase = PhaseReconnecting
		cs.Attempt = rs.Attempt
	case rs.Phase == reconnect.Failed:
		cs.Phase = PhaseFailed
		cs.Attempt = rs.Attempt
	case status.Connected:
		cs.Phase = PhaseConnected
	case connecting:
		cs.Phase = PhaseConnecting
	default:
		cs.Phase = PhaseDisconnected
	}
	if cs.Role == peer.RoleDisabled && st.Mode != game.ModeDisabled {
		cs.Role = peer.Role(st.Mode)
	}
	return cs
}

// eventLoop consumes the session's multiplexed event stream.
func (d *Device) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case ev := <-d.session.Events():
			d.handleEvent(ev)
		}
	}
}

func (d *Device) handleEvent(ev peer.Event) {
	switch ev.Kind {
	case peer.EventMessage:
		d.router.HandleFrom(ev.PeerID, ev.Message)

	case peer.EventPeerJoined:
		// Catch the late joiner up before it asks.
		snap := protocol.NewStateUpdate(d.Store.Snapshot())
		if err := d.session.SendTo(ev.PeerID, snap); err != nil {
			log.Warn().Err(err).Str("peer_id", ev.PeerID).Msg("failed to push snapshot to new client")
		}

	case peer.EventPeerLeft:
		// Roster-only knowledge: the host never learns why a client went.

	case peer.EventStatus:
		if ev.Status.Connected {
			d.Store.TouchConnected()
		} else if ev.Status.Role == peer.RoleClient {
			st := d.Store.State()
			if st.Mode == game.ModeClient && st.HostRoomID != "" {
				d.recon.Start(st.HostRoomID)
			}
		}
		d.notifyConnChange()
	}
}

// rejoin is the reconnection manager's join attempt. The context belongs to
// the attempt round and is cancelled when the user walks away.
func (d *Device) rejoin(ctx context.Context, roomID string) error {
	if err := d.session.JoinHost(ctx, roomID); err != nil {
		return err
	}
	return d.commitRejoin(ctx)
}

// commitRejoin finishes a reconnect attempt whose attach succeeded. A round
// cancelled while the attach was in flight is torn back down instead of
// resuming.
func (d *Device) commitRejoin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		d.session.Disconnect()
		return err
	}
	d.Store.TouchConnected()
	d.requestState()
	return nil
}

// requestState asks the host for a fresh snapshot. The host also pushes one
// on attach, so this is belt and braces against a lost push.
func (d *Device) requestState() {
	if err := d.session.Broadcast(protocol.NewRequestState()); err != nil {
		log.Warn().Err(err).Msg("failed to request state from host")
	}
}

// broadcastDelta fans a local mutation out to the session and local tabs.
// Runs under the store lock, which is what makes mutate-then-broadcast
// atomic with respect to other local writers.
func (d *Device) broadcastDelta(delta game.StateDelta) {
	if d.session.Active() {
		if err := d.session.Broadcast(protocol.NewStateUpdate(delta)); err != nil {
			log.Debug().Err(err).Msg("state broadcast skipped")
		}
	}
	d.Tabs.Broadcast(delta)
}

// persistState routes every state change through the persistence gate.
func (d *Device) persistState(s game.State) {
	if err := d.gate.Persist(s); err != nil {
		log.Warn().Err(err).Msg("failed to persist state")
	}
}

func (d *Device) setConnecting(v bool) {
	d.mu.Lock()
	d.connecting = v
	d.mu.Unlock()
	d.notifyConnChange()
}

func (d *Device) notifyConnChange() {
	d.mu.Lock()
	fn := d.onConnChange
	d.mu.Unlock()
	if fn != nil {
		fn(d.ConnectionState())
	}
}
