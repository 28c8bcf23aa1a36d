package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/syng-dev/syng-go/internal/logging"
	"github.com/syng-dev/syng-go/internal/protocol"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 90 * time.Second
	pingInterval = 30 * time.Second

	// maxMessageSize bounds a single frame; source configs beyond this are
	// sent chunked by the client.
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The web UI is served from arbitrary venue hosts; the room secret is
	// the trust boundary, not the Origin header.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Session is one connected websocket: a playback client, a web client, or
// an elevated admin session.
type Session struct {
	ID string

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	room    string
	isAdmin bool
}

// Room returns the room this session has joined, or "".
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// IsAdmin reports whether the session presented the room secret.
func (s *Session) IsAdmin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isAdmin
}

func (s *Session) setRoom(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room = room
}

func (s *Session) setAdmin(admin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isAdmin = admin
}

// Send writes one envelope to the session. Writes are serialized per
// session so broadcasts and replies never interleave mid-frame.
func (s *Session) Send(env protocol.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(env)
}

// EventHandler consumes one inbound envelope from a session. room on
// disconnect is the room the session was in when the socket dropped.
type EventHandler interface {
	HandleEvent(sess *Session, env protocol.Envelope)
	HandleDisconnect(sess *Session, room string)
}

// Hub owns all live sessions and their room membership, and fans state
// broadcasts out per room in order.
type Hub struct {
	log     zerolog.Logger
	handler EventHandler

	mu       sync.Mutex
	sessions map[string]*Session
	rooms    map[string]map[string]*Session
}

// NewHub creates a hub dispatching inbound events to handler.
func NewHub(handler EventHandler) *Hub {
	return &Hub{
		log:      logging.WithComponent("hub"),
		handler:  handler,
		sessions: map[string]*Session{},
		rooms:    map[string]map[string]*Session{},
	}
}

// ServeWS upgrades an HTTP request and runs the session's read loop until
// disconnect. Events from one session are handled in arrival order.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := &Session{ID: uuid.NewString(), conn: conn}
	h.mu.Lock()
	h.sessions[sess.ID] = sess
	h.mu.Unlock()
	h.log.Debug().Str("sid", sess.ID).Msg("session connected")

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	stopPing := make(chan struct{})
	go h.pingLoop(sess, stopPing)

	defer func() {
		close(stopPing)
		h.drop(sess)
		conn.Close()
	}()

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("sid", sess.ID).Msg("session read error")
			}
			return
		}
		h.handler.HandleEvent(sess, env)
	}
}

func (h *Hub) pingLoop(sess *Session, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sess.writeMu.Lock()
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := sess.conn.WriteMessage(websocket.PingMessage, nil)
			sess.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (h *Hub) drop(sess *Session) {
	room := sess.Room()
	h.Leave(sess)
	h.mu.Lock()
	delete(h.sessions, sess.ID)
	h.mu.Unlock()
	h.handler.HandleDisconnect(sess, room)
	h.log.Debug().Str("sid", sess.ID).Msg("session disconnected")
}

// Join adds the session to a room, leaving any previous one.
func (h *Hub) Join(sess *Session, room string) {
	h.Leave(sess)
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = map[string]*Session{}
		h.rooms[room] = members
	}
	members[sess.ID] = sess
	h.mu.Unlock()
	sess.setRoom(room)
}

// Leave removes the session from its room, if any.
func (h *Hub) Leave(sess *Session) {
	room := sess.Room()
	if room == "" {
		return
	}
	h.mu.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, sess.ID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
	sess.setRoom("")
	sess.setAdmin(false)
}

// Broadcast sends one envelope to every session in a room. Broadcasts to
// the same room are ordered by the caller's serialization (the room lock).
func (h *Hub) Broadcast(room string, env protocol.Envelope) {
	h.mu.Lock()
	members := make([]*Session, 0, len(h.rooms[room]))
	for _, sess := range h.rooms[room] {
		members = append(members, sess)
	}
	h.mu.Unlock()

	for _, sess := range members {
		if err := sess.Send(env); err != nil {
			h.log.Debug().Err(err).Str("sid", sess.ID).Msg("broadcast send failed")
		}
	}
}

// SendTo delivers one envelope to a single session by id. Returns false if
// the session is gone.
func (h *Hub) SendTo(sid string, env protocol.Envelope) bool {
	h.mu.Lock()
	sess, ok := h.sessions[sid]
	h.mu.Unlock()
	if !ok {
		return false
	}
	if err := sess.Send(env); err != nil {
		h.log.Debug().Err(err).Str("sid", sid).Msg("send failed")
		return false
	}
	return true
}

// EvictRoom disconnects every member of a room. Used by admin remove-room.
func (h *Hub) EvictRoom(room string) {
	h.mu.Lock()
	members := make([]*Session, 0, len(h.rooms[room]))
	for _, sess := range h.rooms[room] {
		members = append(members, sess)
	}
	delete(h.rooms, room)
	h.mu.Unlock()

	for _, sess := range members {
		sess.setRoom("")
		sess.setAdmin(false)
		_ = sess.conn.Close()
	}
}
