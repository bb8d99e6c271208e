package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/mathduel/go/internal/duel/engine"
)

// Message is the envelope written to UI sockets.
type Message struct {
	Type  string       `json:"type"` // "view" or "error"
	View  *engine.View `json:"view,omitempty"`
	Error string       `json:"error,omitempty"`
	Code  string       `json:"code,omitempty"`
}

// Hub fans rendered views out to every connected UI socket. It implements
// engine.Renderer; a burst of renders is coalesced to the newest view.
type Hub struct {
	connections map[*Connection]bool
	mu          sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	latestMu sync.Mutex
	latest   *engine.View
	notify   chan struct{}

	broadcasts atomic.Int64
}

// Connection is one UI socket.
type Connection struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan []byte
	ConnectedAt time.Time

	hub      *Hub
	dispatch func(ctx context.Context, cmd Command) error
	closed   bool
}

// ConnectionConfig holds configuration for UI sockets.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default socket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			// The bridge listens for a local UI only.
			return true
		},
	}
}

// ConnectionStats summarizes the hub.
type ConnectionStats struct {
	TotalConnections int   `json:"total_connections"`
	ViewsBroadcast   int64 `json:"views_broadcast"`
}

func NewHub(config ConnectionConfig) *Hub {
	return &Hub{
		connections: make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
		notify: make(chan struct{}, 1),
	}
}

// Start broadcasts views until ctx is cancelled.
func (h *Hub) Start(ctx context.Context) {
	log.Info().Msg("view hub started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("view hub shutting down")
			h.closeAll()
			return
		case <-h.notify:
			h.latestMu.Lock()
			v := h.latest
			h.latestMu.Unlock()
			if v != nil {
				h.broadcast(Message{Type: "view", View: v})
			}
		}
	}
}

// Render queues v for broadcast. It never blocks.
func (h *Hub) Render(v engine.View) {
	h.latestMu.Lock()
	h.latest = &v
	h.latestMu.Unlock()

	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// UpgradeConnection upgrades an HTTP request to a UI socket. Commands read
// from the socket are passed to dispatch; initial is sent first.
func (h *Hub) UpgradeConnection(w http.ResponseWriter, r *http.Request, initial engine.View, dispatch func(ctx context.Context, cmd Command) error) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		Conn:        conn,
		Send:        make(chan []byte, 64),
		ConnectedAt: time.Now(),
		hub:         h,
		dispatch:    dispatch,
	}
	h.register(connection)
	connection.send(Message{Type: "view", View: &initial})

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("remote", r.RemoteAddr).
		Msg("UI socket connected")
	return nil
}

func (h *Hub) register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Int("total_connections", len(h.connections)).
		Msg("connection registered")
}

func (h *Hub) unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.connections[conn]; exists {
		delete(h.connections, conn)
		conn.closed = true
		close(conn.Send)

		log.Info().Str("connection_id", conn.ID).Msg("connection unregistered")
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for conn := range h.connections {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		h.unregister(conn)
	}
}

func (h *Hub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal view for broadcast")
		return
	}

	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.connections))
	for conn := range h.connections {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		if !conn.trySend(data) {
			// Connection is slow/dead, close it
			log.Warn().Str("connection_id", conn.ID).Msg("connection send buffer full, closing connection")
			h.unregister(conn)
			conn.Conn.Close()
		}
	}
	h.broadcasts.Add(1)

	log.Debug().Int("connections", len(targets)).Msg("view broadcasted")
}

// Stats returns statistics about active connections.
func (h *Hub) Stats() ConnectionStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return ConnectionStats{
		TotalConnections: len(h.connections),
		ViewsBroadcast:   h.broadcasts.Load(),
	}
}

// trySend queues data unless the connection is closed or its buffer is full.
func (c *Connection) trySend(data []byte) bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.closed {
		return true
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Connection) send(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to marshal message")
		return
	}
	if !c.trySend(data) {
		log.Warn().Str("connection_id", c.ID).Msg("dropping message for slow connection")
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.hub.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.hub.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected WebSocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	}
}

// handleClientMessage runs one keypad or lobby command. Failures are sent
// back to this socket only; views arrive through the broadcast.
func (c *Connection) handleClientMessage(message []byte) {
	var cmd Command
	if err := json.Unmarshal(message, &cmd); err != nil {
		c.send(Message{Type: "error", Error: "malformed command", Code: "invalid_argument"})
		return
	}

	log.Debug().Str("connection_id", c.ID).Str("op", cmd.Op).Msg("received client command")

	if err := c.dispatch(context.Background(), cmd); err != nil {
		c.send(Message{Type: "error", Error: err.Error(), Code: errorCode(err).String()})
	}
}
