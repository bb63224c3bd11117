// Package monitor streams client events to websocket observers. It
// consumes the same public callbacks any caller of the gatt package
// would; it has no privileged hooks into the client.
package monitor

import (
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one observable client event, serialized as JSON.
type Event struct {
	Type   string    `json:"type"` // "status" or "notification"
	Index  int       `json:"index,omitempty"`
	Status string    `json:"status,omitempty"`
	Data   string    `json:"data,omitempty"` // hex-encoded payload
	Time   time.Time `json:"time"`
}

// StatusEvent builds a connection-status event.
func StatusEvent(err error) Event {
	status := "ok"
	if err != nil {
		status = err.Error()
	}
	return Event{Type: "status", Status: status, Time: time.Now()}
}

// NotificationEvent builds a characteristic-notification event. The
// payload is hex-encoded and never parsed.
func NotificationEvent(index int, value []byte, err error) Event {
	ev := Event{Type: "notification", Index: index, Data: hex.EncodeToString(value), Time: time.Now()}
	if err != nil {
		ev.Status = err.Error()
	}
	return ev
}

// Hub broadcasts events to all connected websocket clients.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*websocket.Conn]bool),
	}
}

// Handler upgrades the request to a websocket and keeps the connection
// registered until the peer goes away.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("[MONITOR] upgrade failed", "error", err)
			return
		}
		slog.Info("[MONITOR] observer connected", "remote", conn.RemoteAddr())

		h.mu.Lock()
		h.clients[conn] = true
		h.mu.Unlock()

		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
			slog.Info("[MONITOR] observer disconnected", "remote", conn.RemoteAddr())
		}()

		// Observers only listen; drain until read fails.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

// Broadcast sends an event to every connected observer. Connections that
// fail to accept the write are dropped.
func (h *Hub) Broadcast(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
