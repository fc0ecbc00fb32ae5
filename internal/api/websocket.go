package api

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"multiplayer/internal/debugdraw"
	"multiplayer/internal/game"
	"multiplayer/internal/netentity"
	"multiplayer/internal/replication"
	"multiplayer/internal/session"
)

const (
	// MaxWSConnectionsTotal is the default cap on attached sessions.
	MaxWSConnectionsTotal = 500

	// MaxWSConnectionsPerIP is the default per-IP session cap.
	MaxWSConnectionsPerIP = 10

	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = pongWait * 9 / 10

	maxNameLength = 32

	// A client that keeps sending packets the session rejects is cut off.
	maxPacketErrors = 16
)

// World is the part of game.Engine the hub drives.
type World interface {
	NextConnectionID() netentity.ConnectionID
	Join(conn netentity.ConnectionID, name string, attach game.AttachFunc) (netentity.ConstHandle, error)
	Leave(conn netentity.ConnectionID)
	Exclusive(fn func())
}

var _ World = (*game.Engine)(nil)

// HubConfig bounds the hub.
type HubConfig struct {
	Session        session.Config
	MaxConnections int
	MaxPerIP       int
	Origins        []string
}

type hubClient struct {
	conn *websocket.Conn
	sess *session.Session
	ip   string
}

// SessionHub accepts websocket connections and binds each to a game session.
//
// Per connection, the handler goroutine reads client packets into the
// session and a writer goroutine sends whatever the tick queued. The engine
// tick goroutine is the only one that touches replication state.
type SessionHub struct {
	world    World
	cfg      HubConfig
	upgrader websocket.Upgrader
	limiter  *ConnectionLimiter

	mu      sync.RWMutex
	clients map[netentity.ConnectionID]*hubClient
}

func NewSessionHub(world World, cfg HubConfig) *SessionHub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = MaxWSConnectionsTotal
	}
	if cfg.MaxPerIP <= 0 {
		cfg.MaxPerIP = MaxWSConnectionsPerIP
	}
	origins := NewOriginChecker(cfg.Origins)
	h := &SessionHub{
		world:   world,
		cfg:     cfg,
		limiter: NewConnectionLimiter(cfg.MaxPerIP),
		clients: make(map[netentity.ConnectionID]*hubClient),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origins.Allowed(origin) {
				return true
			}
			log.Printf("⚠️ WebSocket connection rejected from origin: %s", origin)
			RecordConnectionRejected("origin")
			return false
		},
	}
	return h
}

// ClientCount returns the number of attached sessions.
func (h *SessionHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *SessionHub) register(c *hubClient) {
	h.mu.Lock()
	h.clients[c.sess.ID()] = c
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("📱 Client %d connected from %s (%d total)", c.sess.ID(), c.ip, count)
	UpdateWSConnections(count)
}

func (h *SessionHub) unregister(c *hubClient) {
	h.mu.Lock()
	_, ok := h.clients[c.sess.ID()]
	delete(h.clients, c.sess.ID())
	count := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}

	c.sess.Close()
	c.conn.Close()
	h.world.Leave(c.sess.ID())
	h.limiter.Release(c.ip)
	log.Printf("📱 Client %d disconnected (%d remaining)", c.sess.ID(), count)
	UpdateWSConnections(count)
}

// HandleWebSocket upgrades the request, joins the world and serves the
// session until either side closes.
func (h *SessionHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := GetClientIP(r)

	if total := h.ClientCount(); total >= h.cfg.MaxConnections {
		log.Printf("⚠️ WebSocket connection rejected: total limit reached (%d)", total)
		RecordConnectionRejected("ws_total_limit")
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}
	if !h.limiter.Acquire(ip) {
		log.Printf("⚠️ WebSocket connection rejected from %s: per-IP limit reached", ip)
		RecordConnectionRejected("ws_ip_limit")
		http.Error(w, "Too many connections from your IP", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		h.limiter.Release(ip)
		return
	}

	id := h.world.NextConnectionID()
	name := sanitizeName(r.URL.Query().Get("name"), id)
	sess := session.New(id, name, h.cfg.Session, &sessionMetrics{})

	if _, err := h.world.Join(id, name, sess.Attach); err != nil {
		log.Printf("⚠️ Join failed for %s (%s): %v", name, ip, err)
		RecordConnectionRejected("join")
		reason := "join failed"
		if errors.Is(err, game.ErrWorldFull) {
			reason = "world is full"
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason), time.Now().Add(writeWait))
		conn.Close()
		h.limiter.Release(ip)
		return
	}

	c := &hubClient{conn: conn, sess: sess, ip: ip}
	h.register(c)
	go h.writePump(c)
	h.readPump(c)
}

// readPump feeds client packets to the session until the socket fails.
func (h *SessionHub) readPump(c *hubClient) {
	defer h.unregister(c)

	c.conn.SetReadLimit(replication.HeaderSize + replication.MaxPacketSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	errCount := 0
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("⚠️ Read error on connection %d: %v", c.sess.ID(), err)
			}
			return
		}
		IncrementWSMessages("in")
		if kind != websocket.BinaryMessage {
			continue
		}
		if err := c.sess.HandlePacket(data); err != nil {
			if errors.Is(err, session.ErrClosed) {
				return
			}
			errCount++
			if errCount >= maxPacketErrors {
				log.Printf("⚠️ Dropping connection %d after %d bad packets, last: %v", c.sess.ID(), errCount, err)
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseProtocolError, "bad packets"), time.Now().Add(writeWait))
				return
			}
		}
	}
}

// writePump sends queued packets and keeps the connection alive with pings.
func (h *SessionHub) writePump(c *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case pkt := <-c.sess.Outgoing():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, pkt); err != nil {
				c.sess.Close()
				return
			}
			c.sess.SentBytes(len(pkt))
			IncrementWSMessages("out")

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.sess.Close()
				return
			}

		case <-c.sess.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// Shutdown closes every session. The engine is told through Leave as each
// reader exits.
func (h *SessionHub) Shutdown() {
	h.mu.RLock()
	clients := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.sess.Close()
	}
}

// =============================================================================
// INSPECTION
// =============================================================================

// Sessions returns every session's stats ordered by connection id.
func (h *SessionHub) Sessions() []session.Stats {
	h.mu.RLock()
	out := make([]session.Stats, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c.sess.Stats())
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Connection < out[j].Connection })
	return out
}

func (h *SessionHub) lookup(id netentity.ConnectionID) (*session.Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	if !ok {
		return nil, false
	}
	return c.sess, true
}

// SessionStats returns one session's stats.
func (h *SessionHub) SessionStats(id netentity.ConnectionID) (session.Stats, bool) {
	s, ok := h.lookup(id)
	if !ok {
		return session.Stats{}, false
	}
	return s.Stats(), true
}

// WindowEntry is one entity of a connection's current replication set.
type WindowEntry struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Role     string  `json:"role"`
	Priority float32 `json:"priority"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// Window lists a connection's replication set. It reads tick-owned state,
// so it runs under the engine lock.
func (h *SessionHub) Window(id netentity.ConnectionID) ([]WindowEntry, bool) {
	s, ok := h.lookup(id)
	if !ok {
		return nil, false
	}
	var out []WindowEntry
	h.world.Exclusive(func() {
		win := s.Window()
		if win == nil {
			return
		}
		set := win.ReplicationSet()
		out = make([]WindowEntry, 0, len(set))
		for _, handle := range set.Handles() {
			e := handle.Entity()
			if e == nil {
				continue
			}
			data := set[handle]
			out = append(out, WindowEntry{
				ID:       handle.NetEntityID().String(),
				Name:     e.Name,
				Role:     data.Role.String(),
				Priority: data.Priority,
				X:        e.X,
				Y:        e.Y,
			})
		}
	})
	return out, true
}

// RenderWindow draws a connection's window centred on its avatar.
func (h *SessionHub) RenderWindow(id netentity.ConnectionID, size int, w io.Writer) error {
	s, ok := h.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownConnection, id)
	}
	var err error
	h.world.Exclusive(func() {
		win := s.Window()
		if win == nil {
			err = fmt.Errorf("%w: %d not attached", ErrUnknownConnection, id)
			return
		}
		var x, y float64
		if e := s.Avatar().Entity(); e != nil {
			x, y = e.X, e.Y
		}
		err = debugdraw.RenderWindow(win, debugdraw.ViewAround(x, y, win.Config().ViewRadius), size, w)
	})
	return err
}

// sanitizeName keeps printable characters, cuts the name to maxNameLength
// bytes on a rune boundary and falls back to player-<id>.
func sanitizeName(name string, id netentity.ConnectionID) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) {
			return r
		}
		return -1
	}, strings.TrimSpace(name))
	for len(name) > maxNameLength {
		_, size := utf8.DecodeLastRuneInString(name)
		name = name[:len(name)-size]
	}
	if name == "" {
		return fmt.Sprintf("player-%d", id)
	}
	return name
}
