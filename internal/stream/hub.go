// Package stream pushes bus events to connected admin consoles over
// WebSocket.
package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trustgate/internal/events"
)

// Frame is the wire format for messages sent over the WebSocket.
type Frame struct {
	Type    string       `json:"type"` // event, hello
	Payload events.Event `json:"payload,omitzero"`
}

const (
	sendBuffer   = 64
	readLimit    = 4096
	pongWait     = 90 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// ─── WebSocket Hub ────────────────────────────────────────────────────────

// Hub fans bus events out to every connected client.
type Hub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	cancel  func()
}

// client is one admin connection with its filters.
type client struct {
	conn   *websocket.Conn
	send   chan Frame
	done   chan struct{}
	once   sync.Once
	filter events.Filter
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

// NewHub creates a hub and subscribes it to every event on bus.
func NewHub(bus *events.Bus, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
	h.cancel = bus.Subscribe(events.Filter{}, h.broadcast)
	return h
}

// ServeHTTP upgrades an authenticated admin request.
//
// Query parameters:
//   - device: only events for this device_uuid
//   - min_severity: info (default), warning or critical
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	minSeverity := events.SeverityInfo
	if s := r.URL.Query().Get("min_severity"); s != "" {
		minSeverity = events.ParseSeverity(s)
	}

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn: conn,
		send: make(chan Frame, sendBuffer),
		done: make(chan struct{}),
		filter: events.Filter{
			DeviceUUID:  r.URL.Query().Get("device"),
			MinSeverity: minSeverity,
		},
	}

	// hello goes out before the client can receive broadcasts
	c.send <- Frame{Type: "hello"}
	go h.writeLoop(c)

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Info("event stream client connected", zap.String("remote", r.RemoteAddr))

	h.readLoop(c)

	h.remove(c)
	h.log.Info("event stream client disconnected", zap.String("remote", r.RemoteAddr))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.stop()
	c.conn.Close()
}

// readLoop drains client messages so control frames are processed.
func (h *Hub) readLoop(c *client) {
	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("event stream read error", zap.Error(err))
			}
			return
		}
	}
}

// writeLoop owns all writes to the connection, including pings.
func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			b, err := json.Marshal(f)
			if err != nil {
				h.log.Error("encode stream frame", zap.Error(err))
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

// broadcast queues e for every matching client. Clients that cannot keep
// up are disconnected rather than blocking the publisher.
func (h *Hub) broadcast(e events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		if !c.filter.Match(e) {
			continue
		}
		select {
		case c.send <- Frame{Type: "event", Payload: e}:
		default:
			h.log.Warn("dropping slow event stream client")
			delete(h.clients, c)
			c.stop()
			c.conn.Close()
		}
	}
}

// ActiveConnections returns the number of active WebSocket connections.
func (h *Hub) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll terminates all active WebSocket connections and refuses new ones.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	h.cancel()
	for c := range h.clients {
		c.stop()
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second),
		)
		c.conn.Close()
		delete(h.clients, c)
	}
}
