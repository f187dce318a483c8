package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/logging"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/models"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/uuid"
)

// WebSocket event types.
const (
	EventSyncStatus = "sync.status"
	EventSyncPass   = "sync.pass"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin allows non-browser clients and pages served from loopback.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1" || strings.EqualFold(u.Host, r.Host)
}

// Envelope wraps all WebSocket messages.
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// wsClient is one WebSocket connection.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu       sync.Mutex
	filtered bool
	events   map[string]bool
}

func (c *wsClient) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.filtered || c.events[eventType]
}

// Hub tracks connected clients and fans messages out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*wsClient
	closed  bool
}

// NewHub creates a Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*wsClient)}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	logging.Debug("WebSocket client connected", map[string]interface{}{
		"client": c.id,
		"total":  len(h.clients),
	})
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
		logging.Debug("WebSocket client disconnected", map[string]interface{}{
			"client": c.id,
			"total":  len(h.clients),
		})
	}
}

// Broadcast sends an envelope to every client interested in messageType.
// Clients whose buffer is full are disconnected.
func (h *Hub) Broadcast(messageType string, data interface{}) {
	bytes, err := json.Marshal(Envelope{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		logging.Error("Failed to marshal websocket message", err, nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		if !c.wants(messageType) {
			continue
		}
		select {
		case c.send <- bytes:
		default:
			delete(h.clients, id)
			close(c.send)
		}
	}
}

// BroadcastStatus pushes a status snapshot.
func (h *Hub) BroadcastStatus(st models.SyncStatus) {
	h.Broadcast(EventSyncStatus, st)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}

// readPump handles client control messages until the connection drops.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("WebSocket read error", map[string]interface{}{"error": err.Error()})
			}
			return
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			c.filtered = true
			if c.events == nil {
				c.events = make(map[string]bool)
			}
			for _, e := range msg.Events {
				c.events[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})

		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.events, e)
			}
			c.mu.Unlock()

		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// reply queues a control response without blocking the read loop.
func (c *wsClient) reply(body map[string]interface{}) {
	body["timestamp"] = time.Now().Unix()
	bytes, err := json.Marshal(body)
	if err != nil {
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- bytes:
	default:
	}
}

// writePump writes queued messages and keeps the connection alive.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS upgrades the request and attaches the client to the hub. The
// current status is sent first when snapshot is non-nil.
func (h *Hub) ServeWS(snapshot func() models.SyncStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		client := &wsClient{
			id:   uuid.New(),
			conn: conn,
			send: make(chan []byte, sendBuffer),
			hub:  h,
		}
		if snapshot != nil {
			if bytes, err := json.Marshal(Envelope{
				Type:      EventSyncStatus,
				Data:      snapshot(),
				Timestamp: time.Now().Unix(),
			}); err == nil {
				client.send <- bytes
			}
		}

		if !h.register(client) {
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
