// Package peer maintains one device's connection to a game room through the
// rendezvous relay. A session plays one of two roles: the host owns the room
// and a roster of client peers, a client holds exactly one channel to the
// host. All game semantics stay above this layer; the session moves sync
// messages and reports connection status.
package peer

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/bedudley/swatch-it/internal/protocol"
	"github.com/bedudley/swatch-it/internal/rendezvous"
)

// Role identifies which side of the sync topology a session plays.
type Role string

const (
	RoleDisabled Role = "disabled"
	RoleHost     Role = "host"
	RoleClient   Role = "client"
)

// Status is the connection summary pushed to subscribers on every roster or
// connectivity change.
type Status struct {
	Connected        bool
	PeerID           string
	Role             Role
	ConnectedDevices int
}

// EventKind discriminates session events.
type EventKind int

const (
	// EventStatus reports a connectivity or roster change.
	EventStatus EventKind = iota
	// EventPeerJoined reports a client channel reaching open (host only).
	EventPeerJoined
	// EventPeerLeft reports a client going away (host only).
	EventPeerLeft
	// EventMessage carries a decoded inbound sync message.
	EventMessage
)

// Event is one entry on the session's multiplexed event stream. The message
// router and the reconnection manager both consume the same stream, so
// listener wiring happens exactly once.
type Event struct {
	Kind    EventKind
	Status  Status
	PeerID  string
	Message protocol.Message
}

// Config holds session tunables.
type Config struct {
	// URL is the rendezvous base, e.g. "ws://relay.example.com:8080".
	URL string

	// DialTimeout bounds connection establishment end to end: dial,
	// upgrade, and the relay's attach confirmation.
	DialTimeout time.Duration

	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	EventBuffer    int
}

// DefaultConfig returns session defaults.
func DefaultConfig(relayURL string) Config {
	return Config{
		URL:            relayURL,
		DialTimeout:    15 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 512 * 1024,
		EventBuffer:    256,
	}
}

// Session is one device's transport into a room.
type Session struct {
	cfg Config

	mu        sync.Mutex
	role      Role
	connected bool
	roomID    string
	peerID    string
	roster    map[string]bool
	ws        *websocket.Conn
	send      chan []byte
	sendOpen  bool

	events chan Event
}

// NewSession creates an idle session.
func NewSession(cfg Config) *Session {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	return &Session{
		cfg:    cfg,
		role:   RoleDisabled,
		roster: make(map[string]bool),
		events: make(chan Event, cfg.EventBuffer),
	}
}

// Events returns the session's multiplexed event stream.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Status returns the current connection summary.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	return Status{
		Connected:        s.connected,
		PeerID:           s.peerID,
		Role:             s.role,
		ConnectedDevices: len(s.roster),
	}
}

// Active reports whether the session holds a role, connected or not.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role != RoleDisabled
}

// EnableHost registers a new room with the relay and returns its id. Fails
// with ErrAlreadyInitialized if the session already holds a role, and with a
// ConnectionError if the relay cannot be reached or does not confirm the
// room within the dial timeout; on failure all partial transport state is
// torn down.
func (s *Session) EnableHost(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.role != RoleDisabled {
		s.mu.Unlock()
		return "", ErrAlreadyInitialized
	}
	s.mu.Unlock()

	ws, frame, err := s.attach(ctx, s.cfg.URL+"/ws/host", rendezvous.FrameRoomCreated)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.role != RoleDisabled {
		// Lost the race against a concurrent enable; discard this dial.
		s.mu.Unlock()
		ws.Close()
		return "", ErrAlreadyInitialized
	}
	s.role = RoleHost
	s.connected = true
	s.roomID = frame.Room
	s.peerID = frame.Room
	s.roster = make(map[string]bool)
	s.startPumpsLocked(ws)
	status := s.statusLocked()
	s.mu.Unlock()

	log.Info().Str("room_id", frame.Room).Msg("host room registered")
	s.emit(Event{Kind: EventStatus, Status: status})
	return frame.Room, nil
}

// JoinHost attaches to an existing room as a client. It resolves once the
// relay confirms the channel to the host is open. An idle session or a
// disconnected client session may join; anything else fails with
// ErrAlreadyInitialized.
func (s *Session) JoinHost(ctx context.Context, roomID string) error {
	s.mu.Lock()
	if s.role == RoleHost || (s.role == RoleClient && s.connected) {
		s.mu.Unlock()
		return ErrAlreadyInitialized
	}
	s.mu.Unlock()

	joinURL := s.cfg.URL + "/ws/join?room=" + url.QueryEscape(roomID)
	ws, frame, err := s.attach(ctx, joinURL, rendezvous.FrameJoined)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.role == RoleHost || (s.role == RoleClient && s.connected) {
		s.mu.Unlock()
		ws.Close()
		return ErrAlreadyInitialized
	}
	s.role = RoleClient
	s.connected = true
	s.roomID = roomID
	s.peerID = frame.Peer
	s.roster = make(map[string]bool)
	s.startPumpsLocked(ws)
	status := s.statusLocked()
	s.mu.Unlock()

	log.Info().Str("room_id", roomID).Str("peer_id", frame.Peer).Msg("joined host room")
	s.emit(Event{Kind: EventStatus, Status: status})
	return nil
}

// attach dials the relay and waits for its confirmation frame, all inside
// the dial timeout. Any failure closes the socket and maps to a
// ConnectionError.
func (s *Session) attach(ctx context.Context, wsURL string, want rendezvous.FrameType) (*websocket.Conn, rendezvous.Frame, error) {
	timeout := s.cfg.DialTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, rendezvous.Frame{}, connErr("dial rendezvous", err)
	}

	ws.SetReadLimit(s.cfg.MaxMessageSize)
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(timeout)
	}
	ws.SetReadDeadline(deadline)

	_, data, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, rendezvous.Frame{}, connErr("await rendezvous confirmation", err)
	}

	frame, err := rendezvous.DecodeFrame(data)
	if err != nil {
		ws.Close()
		return nil, rendezvous.Frame{}, connErr("await rendezvous confirmation", err)
	}
	if frame.Type == rendezvous.FrameError {
		ws.Close()
		return nil, rendezvous.Frame{}, connErr("rendezvous refused", fmt.Errorf("%s", frame.Reason))
	}
	if frame.Type != want {
		ws.Close()
		return nil, rendezvous.Frame{}, connErr("rendezvous handshake", fmt.Errorf("unexpected frame %q", frame.Type))
	}

	return ws, frame, nil
}

// startPumpsLocked spins up the read/write goroutines for a fresh socket.
// Caller holds s.mu.
func (s *Session) startPumpsLocked(ws *websocket.Conn) {
	s.ws = ws
	s.send = make(chan []byte, 256)
	s.sendOpen = true
	go s.writePump(ws, s.send)
	go s.readPump(ws)
}

// Disconnect tears down all transport state and resets the role to
// disabled. It is idempotent and always succeeds.
func (s *Session) Disconnect() {
	s.mu.Lock()
	ws := s.ws
	s.ws = nil
	if s.sendOpen {
		close(s.send)
		s.sendOpen = false
	}
	wasActive := s.role != RoleDisabled
	s.role = RoleDisabled
	s.connected = false
	s.roomID = ""
	s.peerID = ""
	s.roster = make(map[string]bool)
	status := s.statusLocked()
	s.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	if wasActive {
		log.Info().Msg("peer session disconnected")
		s.emit(Event{Kind: EventStatus, Status: status})
	}
}

// RoomID returns the room this session hosts or joined; empty when idle.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Broadcast sends a message to every peer this session can reach: the whole
// roster for a host, the host for a client.
func (s *Session) Broadcast(m protocol.Message) error {
	return s.BroadcastExcept("", m)
}

// BroadcastExcept sends to everyone except the named peer. On a client the
// exclusion is meaningless (the host is the only peer) and the message goes
// to the host.
func (s *Session) BroadcastExcept(except string, m protocol.Message) error {
	s.mu.Lock()
	role := s.role
	connected := s.connected
	targets := make([]string, 0, len(s.roster))
	for id := range s.roster {
		if id != except {
			targets = append(targets, id)
		}
	}
	s.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	switch role {
	case RoleHost:
		data, err := m.Encode()
		if err != nil {
			return err
		}
		for _, id := range targets {
			s.sendFrame(rendezvous.Frame{Type: rendezvous.FrameData, Peer: id, Data: data})
		}
		return nil
	case RoleClient:
		return s.sendToHost(m)
	default:
		return ErrNotConnected
	}
}

// SendTo delivers a message to one specific client (host only).
func (s *Session) SendTo(peerID string, m protocol.Message) error {
	s.mu.Lock()
	role := s.role
	connected := s.connected
	known := s.roster[peerID]
	s.mu.Unlock()

	if !connected || role != RoleHost {
		return ErrNotConnected
	}
	if !known {
		return fmt.Errorf("peer: unknown peer %q", peerID)
	}

	data, err := m.Encode()
	if err != nil {
		return err
	}
	s.sendFrame(rendezvous.Frame{Type: rendezvous.FrameData, Peer: peerID, Data: data})
	return nil
}

func (s *Session) sendToHost(m protocol.Message) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	s.sendFrame(rendezvous.Frame{Type: rendezvous.FrameData, Data: data})
	return nil
}

// sendFrame queues a frame for the write pump; drops with a diagnostic if
// the transport is gone or saturated. Delivery is at-most-once by design.
func (s *Session) sendFrame(f rendezvous.Frame) {
	data, err := rendezvous.EncodeFrame(f)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode outbound frame")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sendOpen {
		return
	}
	select {
	case s.send <- data:
	default:
		log.Warn().Msg("peer send buffer full, dropping message")
	}
}

func (s *Session) writePump(ws *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-send:
			ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Msg("peer write failed")
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump decodes inbound relay frames into session events until the
// socket dies, then flips the session to disconnected. The role and the
// roster survive the drop: a host keeps its room view, a client keeps the
// client role so the reconnection manager can take over.
func (s *Session) readPump(ws *websocket.Conn) {
	ws.SetReadLimit(s.cfg.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			s.markDisconnected(ws)
			return
		}
		ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		frame, err := rendezvous.DecodeFrame(data)
		if err != nil {
			log.Warn().Err(err).Msg("dropping malformed relay frame")
			continue
		}
		s.handleFrame(frame)
	}
}

func (s *Session) handleFrame(f rendezvous.Frame) {
	switch f.Type {
	case rendezvous.FramePeerJoined:
		s.mu.Lock()
		s.roster[f.Peer] = true
		status := s.statusLocked()
		s.mu.Unlock()
		log.Info().Str("peer_id", f.Peer).Int("connected_devices", status.ConnectedDevices).Msg("client connected")
		s.emit(Event{Kind: EventPeerJoined, PeerID: f.Peer})
		s.emit(Event{Kind: EventStatus, Status: status})

	case rendezvous.FramePeerLeft:
		s.mu.Lock()
		delete(s.roster, f.Peer)
		status := s.statusLocked()
		s.mu.Unlock()
		log.Info().Str("peer_id", f.Peer).Int("connected_devices", status.ConnectedDevices).Msg("client disconnected")
		s.emit(Event{Kind: EventPeerLeft, PeerID: f.Peer})
		s.emit(Event{Kind: EventStatus, Status: status})

	case rendezvous.FrameData:
		m, err := protocol.Decode(f.Data)
		if err != nil {
			log.Warn().Err(err).Str("peer_id", f.Peer).Msg("ignoring malformed sync message")
			return
		}
		s.emit(Event{Kind: EventMessage, PeerID: f.Peer, Message: m})

	case rendezvous.FrameError:
		log.Warn().Str("reason", f.Reason).Msg("relay reported error")

	default:
		log.Warn().Str("type", string(f.Type)).Msg("ignoring unknown relay frame")
	}
}

// markDisconnected flips connected off for the socket that just died,
// unless a newer socket already replaced it.
func (s *Session) markDisconnected(ws *websocket.Conn) {
	s.mu.Lock()
	if s.ws != ws {
		s.mu.Unlock()
		return
	}
	s.ws = nil
	if s.sendOpen {
		close(s.send)
		s.sendOpen = false
	}
	s.connected = false
	status := s.statusLocked()
	role := s.role
	s.mu.Unlock()

	if role != RoleDisabled {
		log.Warn().Str("role", string(role)).Msg("peer transport lost")
		s.emit(Event{Kind: EventStatus, Status: status})
	}
}

// emit pushes an event, dropping with a diagnostic when the consumer has
// fallen far behind.
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		log.Warn().Int("kind", int(ev.Kind)).Msg("session event buffer full, dropping event")
	}
}
