package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The hub binds to loopback only, so any local origin is fine.
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

const (
	writeTimeout = 5 * time.Second
	sendBuffer   = 64
)

// subscriber is one connected client. All writes to the conn happen on its
// write pump goroutine; gorilla conns do not allow concurrent writers.
type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// Hub fans stream events out to connected WebSocket clients. A slow or dead
// client is dropped rather than allowed to stall the relays.
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	logger zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subs:   make(map[*subscriber]struct{}),
		logger: logger.With().Str("component", "event-hub").Logger(),
	}
}

// Handler upgrades the request to a WebSocket and registers the connection.
// The read loop exists only to notice the peer closing.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn().Err(err).Msg("Failed to upgrade event subscriber connection")
			return
		}

		sub := &subscriber{
			conn: conn,
			send: make(chan []byte, sendBuffer),
			done: make(chan struct{}),
		}
		h.mu.Lock()
		h.subs[sub] = struct{}{}
		count := len(h.subs)
		h.mu.Unlock()
		h.logger.Info().Int("subscribers", count).Msg("Event subscriber connected")

		go h.writePump(sub)
		go h.readLoop(sub)
	}
}

// writePump is the only goroutine that writes to the conn.
func (h *Hub) writePump(sub *subscriber) {
	defer sub.conn.Close()
	for {
		select {
		case <-sub.done:
			sub.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeTimeout))
			return
		case payload := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := sub.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.drop(sub)
				return
			}
		}
	}
}

func (h *Hub) readLoop(sub *subscriber) {
	defer h.drop(sub)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Msg("Event subscriber closed unexpectedly")
			}
			return
		}
	}
}

func (h *Hub) drop(sub *subscriber) {
	sub.once.Do(func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		close(sub.done)
		h.logger.Info().Msg("Event subscriber disconnected")
	})
}

// Publish marshals the event once and queues it to every subscriber's write
// pump. A subscriber whose buffer is full is dropped; relays never block on
// a consumer.
func (h *Hub) Publish(ev StreamEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to marshal stream event")
		return
	}

	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		select {
		case <-sub.done:
		case sub.send <- payload:
		default:
			h.drop(sub)
		}
	}
}

// SubscriberCount returns the number of connected clients.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.drop(sub)
	}
}
