package rendezvous

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	qrcode "github.com/skip2/go-qrcode"
)

// Config holds tunables for relay connections.
type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool

	// PublicURL is the externally reachable base URL used to build join
	// links (and their QR codes), e.g. "https://play.example.com".
	PublicURL string
}

// DefaultConfig returns relay defaults. The message ceiling is sized for a
// full state snapshot carrying a pack with embedded media references.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  512 * 1024,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			// Devices join from arbitrary networks; the room id is the
			// only admission credential.
			return true
		},
	}
}

// Server tracks rooms and relays frames between each room's host and its
// clients.
type Server struct {
	mu    sync.RWMutex
	rooms map[string]*room

	upgrader websocket.Upgrader
	cfg      Config
}

// room is one host plus its connected clients.
type room struct {
	id string

	mu      sync.RWMutex
	host    *relayConn
	clients map[string]*relayConn
}

// relayConn is a single websocket attached to the relay.
type relayConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	srv  *Server

	mu     sync.Mutex
	closed bool
}

// NewServer creates a relay server.
func NewServer(cfg Config) *Server {
	return &Server{
		rooms: make(map[string]*room),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		cfg: cfg,
	}
}

// RegisterRoutes attaches the relay's HTTP surface to a mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/host", s.HandleHost)
	mux.HandleFunc("/ws/join", s.HandleJoin)
	mux.HandleFunc("GET /rooms/{id}/qr", s.HandleRoomQR)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}

// HandleHost upgrades a host connection, allocates a room, and starts
// relaying until the host goes away.
func (s *Server) HandleHost(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade host connection")
		return
	}

	rm := &room{
		id:      uuid.New().String(),
		clients: make(map[string]*relayConn),
	}
	rm.host = s.newConn(ws)

	s.mu.Lock()
	s.rooms[rm.id] = rm
	s.mu.Unlock()

	go rm.host.writePump(s.cfg)

	if !rm.host.sendFrame(Frame{Type: FrameRoomCreated, Room: rm.id}) {
		s.closeRoom(rm, "relay error")
		return
	}

	log.Info().
		Str("room_id", rm.id).
		Str("remote_addr", r.RemoteAddr).
		Msg("room created")

	s.hostReadPump(rm)
}

// HandleJoin upgrades a client connection and attaches it to an existing
// room. Unknown rooms are refused before the upgrade so the dial fails fast.
func (s *Server) HandleJoin(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		http.Error(w, "room is required", http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	rm, exists := s.rooms[roomID]
	s.mu.RUnlock()
	if !exists {
		http.Error(w, "unknown room", http.StatusNotFound)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to upgrade client connection")
		return
	}

	client := s.newConn(ws)
	client.id = uuid.New().String()

	rm.mu.Lock()
	// The room may have died between lookup and attach.
	if rm.host == nil {
		rm.mu.Unlock()
		ws.Close()
		return
	}
	rm.clients[client.id] = client
	total := len(rm.clients)
	rm.mu.Unlock()

	go client.writePump(s.cfg)

	client.sendFrame(Frame{Type: FrameJoined, Room: rm.id, Peer: client.id})
	rm.hostConn().sendFrame(Frame{Type: FramePeerJoined, Peer: client.id})

	log.Info().
		Str("room_id", rm.id).
		Str("peer_id", client.id).
		Int("total_clients", total).
		Msg("client joined room")

	s.clientReadPump(rm, client)
}

// HandleRoomQR serves a QR code PNG encoding the join link for a room.
func (s *Server) HandleRoomQR(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")

	s.mu.RLock()
	_, exists := s.rooms[roomID]
	s.mu.RUnlock()
	if !exists {
		http.Error(w, "unknown room", http.StatusNotFound)
		return
	}

	base := s.cfg.PublicURL
	if base == "" {
		base = "http://" + r.Host
	}
	joinURL := base + "/join?room=" + roomID

	png, err := qrcode.Encode(joinURL, qrcode.Medium, 256)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to encode join QR")
		http.Error(w, "failed to generate QR code", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(png); err != nil {
		log.Error().Err(err).Msg("failed to write QR response")
	}
}

// Stats returns counts of active rooms and connections.
func (s *Server) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := 0
	for _, rm := range s.rooms {
		rm.mu.RLock()
		clients += len(rm.clients)
		rm.mu.RUnlock()
	}
	return map[string]int{
		"active_rooms":  len(s.rooms),
		"total_clients": clients,
	}
}

// hostReadPump forwards host frames to their addressed client until the host
// connection dies, then tears the room down.
func (s *Server) hostReadPump(rm *room) {
	host := rm.hostConn()
	defer s.closeRoom(rm, "host disconnected")

	host.configureRead(s.cfg)
	for {
		_, data, err := host.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("room_id", rm.id).Msg("unexpected host close")
			}
			return
		}
		host.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		f, err := DecodeFrame(data)
		if err != nil {
			log.Warn().Err(err).Str("room_id", rm.id).Msg("dropping malformed host frame")
			continue
		}
		if f.Type != FrameData || f.Peer == "" {
			continue
		}

		rm.mu.RLock()
		target := rm.clients[f.Peer]
		rm.mu.RUnlock()
		if target == nil {
			continue
		}
		target.sendFrame(Frame{Type: FrameData, Data: f.Data})
	}
}

// clientReadPump forwards client frames to the host, stamped with the
// sender's peer id, until the client connection dies.
func (s *Server) clientReadPump(rm *room, client *relayConn) {
	defer func() {
		rm.mu.Lock()
		_, present := rm.clients[client.id]
		delete(rm.clients, client.id)
		rm.mu.Unlock()
		client.close()

		if present {
			if host := rm.hostConn(); host != nil {
				host.sendFrame(Frame{Type: FramePeerLeft, Peer: client.id})
			}
			log.Info().Str("room_id", rm.id).Str("peer_id", client.id).Msg("client left room")
		}
	}()

	client.configureRead(s.cfg)
	for {
		_, data, err := client.ws.ReadMessage()
		if err != nil {
			return
		}
		client.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		f, err := DecodeFrame(data)
		if err != nil {
			log.Warn().Err(err).Str("peer_id", client.id).Msg("dropping malformed client frame")
			continue
		}
		if f.Type != FrameData {
			continue
		}

		host := rm.hostConn()
		if host == nil {
			return
		}
		host.sendFrame(Frame{Type: FrameData, Peer: client.id, Data: f.Data})
	}
}

// closeRoom disconnects everyone in a room and forgets it.
func (s *Server) closeRoom(rm *room, reason string) {
	s.mu.Lock()
	delete(s.rooms, rm.id)
	s.mu.Unlock()

	rm.mu.Lock()
	host := rm.host
	rm.host = nil
	clients := make([]*relayConn, 0, len(rm.clients))
	for _, c := range rm.clients {
		clients = append(clients, c)
	}
	rm.clients = make(map[string]*relayConn)
	rm.mu.Unlock()

	for _, c := range clients {
		c.sendFrame(Frame{Type: FrameError, Reason: reason})
		c.close()
	}
	if host != nil {
		host.close()
	}

	log.Info().Str("room_id", rm.id).Str("reason", reason).Int("clients", len(clients)).Msg("room closed")
}

func (rm *room) hostConn() *relayConn {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.host
}

func (s *Server) newConn(ws *websocket.Conn) *relayConn {
	return &relayConn{
		id:   uuid.New().String(),
		ws:   ws,
		send: make(chan []byte, 256),
		srv:  s,
	}
}

func (c *relayConn) configureRead(cfg Config) {
	c.ws.SetReadLimit(cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		return nil
	})
}

// sendFrame queues a frame; reports false if the peer is gone or too slow.
func (c *relayConn) sendFrame(f Frame) bool {
	if c == nil {
		return false
	}
	data, err := EncodeFrame(f)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode relay frame")
		return false
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
		return true
	default:
		c.mu.Unlock()
		log.Warn().Str("conn_id", c.id).Msg("relay send buffer full, closing connection")
		c.close()
		return false
	}
}

func (c *relayConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// writePump drains the send queue onto the socket and keeps the connection
// alive with pings.
func (c *relayConn) writePump(cfg Config) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("relay write failed")
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
