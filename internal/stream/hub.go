package stream

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"airsense-cloud/internal/observability/metrics"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	clientBacklog  = 16
	maxInboundSize = 512
)

// Hub fans observation events out to connected websocket clients. Delivery
// is best effort: a client that cannot keep up is dropped.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *log.Logger

	mu      sync.Mutex
	clients map[chan []byte]struct{}
}

// NewHub constructs a hub.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[chan []byte]struct{}),
	}
}

// Publish wraps the payload in an envelope and broadcasts it. Errors are
// logged and swallowed; ingestion never waits on subscribers.
func (h *Hub) Publish(_ context.Context, event string, payload any) {
	if h == nil {
		return
	}
	envelope, err := BuildEnvelope(event, payload)
	if err != nil {
		h.logger.Printf("stream: build envelope: %v", err)
		return
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		h.logger.Printf("stream: marshal envelope: %v", err)
		return
	}
	h.broadcast(raw)
	metrics.IncEventPublished(event)
}

// SubscriberCount reports the number of connected clients.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) subscribe() chan []byte {
	ch := make(chan []byte, clientBacklog)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

// broadcast delivers to every client without blocking. Channel membership
// and close both happen under the mutex, so a send never races a close.
func (h *Hub) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- payload:
		default:
			// Full backlog means the client stalled; drop it rather
			// than block the broadcast.
			delete(h.clients, ch)
			close(ch)
		}
	}
}

// ServeHTTP upgrades the request and streams events until the client goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("stream: upgrade: %v", err)
		return
	}

	ch := h.subscribe()
	done := make(chan struct{})

	// Inbound frames are ignored, but the read loop is what notices a
	// dropped client.
	go func() {
		defer close(done)
		conn.SetReadLimit(maxInboundSize)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		h.unsubscribe(ch)
		_ = conn.Close()
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "slow consumer"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
