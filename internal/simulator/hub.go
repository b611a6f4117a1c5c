package simulator

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Hub fans broadcast frames out to every connected subscriber. Connection
// adds, removals, and writes all funnel through Run's select loop, so no
// two goroutines ever write the same connection.
type Hub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte

	mu   sync.RWMutex
	done chan struct{}
}

// NewHub creates an empty hub. Nothing is delivered until Run is started.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
	}
}

// Run dispatches registrations and broadcasts until ctx is cancelled, then
// closes every remaining connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close() //nolint:errcheck
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			zap.L().Info("simulator: subscriber connected", zap.Int("subscribers", n))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close() //nolint:errcheck
			}
			n := len(h.clients)
			h.mu.Unlock()
			zap.L().Info("simulator: subscriber disconnected", zap.Int("subscribers", n))

		case frame := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					zap.L().Warn("simulator: dropping unwritable subscriber", zap.Error(err))
					delete(h.clients, conn)
					conn.Close() //nolint:errcheck
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register hands a freshly upgraded connection to the hub. The connection is
// closed immediately if the hub has already shut down.
func (h *Hub) Register(conn *websocket.Conn) {
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close() //nolint:errcheck
	}
}

// Unregister removes a connection and closes it.
func (h *Hub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Broadcast queues a frame for delivery to every subscriber. Frames sent
// after shutdown are silently dropped.
func (h *Hub) Broadcast(frame []byte) {
	select {
	case h.broadcast <- frame:
	case <-h.done:
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
