// Package stream pushes settlement events to WebSocket clients. The engine
// publishes order updates, fills, and position snapshots to per-user Redis
// channels; the hub subscribes to all of them and fans each event out to the
// connected clients of that user only.
package stream

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
)

// Channel patterns published by the Redis index.
const (
	patternOrders    = "pub:orders:*"
	patternFills     = "pub:fills:*"
	patternPositions = "pub:positions:*"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// Envelope wraps one settlement event for the wire.
type Envelope struct {
	Kind   string          `json:"kind"` // orders, fills, positions
	UserID string          `json:"user_id"`
	Seq    int64           `json:"seq"`
	TS     time.Time       `json:"ts"`
	Data   json.RawMessage `json:"data"`
}

type client struct {
	conn   *websocket.Conn
	userID string
	send   chan []byte
}

// Hub relays Redis pubsub events to WebSocket clients keyed by user.
type Hub struct {
	rdb *goredis.Client

	mu      sync.RWMutex
	clients map[*client]bool
	seq     atomic.Int64
}

// NewHub creates a Hub. Run must be started for events to flow.
func NewHub(rdb *goredis.Client) *Hub {
	return &Hub{
		rdb:     rdb,
		clients: make(map[*client]bool),
	}
}

// Run subscribes to the settlement channels and fans events out until ctx
// is cancelled.
func (h *Hub) Run(ctx context.Context) {
	pubsub := h.rdb.PSubscribe(ctx, patternOrders, patternFills, patternPositions)
	defer pubsub.Close()

	log.Println("[stream] subscribed to settlement pubsub channels")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(msg.Channel, []byte(msg.Payload))
		}
	}
}

// splitChannel parses "pub:orders:u1" into ("orders", "u1").
func splitChannel(channel string) (kind, userID string) {
	parts := strings.SplitN(channel, ":", 3)
	if len(parts) != 3 {
		return "", ""
	}
	return parts[1], parts[2]
}

// broadcast envelopes one event and delivers it to the clients of the
// target user. Slow clients lose events rather than stall the hub.
func (h *Hub) broadcast(channel string, payload []byte) {
	kind, userID := splitChannel(channel)
	if kind == "" {
		return
	}

	env, err := json.Marshal(Envelope{
		Kind:   kind,
		UserID: userID,
		Seq:    h.seq.Add(1),
		TS:     time.Now().UTC(),
		Data:   json.RawMessage(payload),
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.userID != userID {
			continue
		}
		select {
		case c.send <- env:
		default:
		}
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams the user's settlement events.
// The user_id query parameter selects the event scope.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, `{"error":"user_id is required"}`, http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[stream] ws upgrade error: %v", err)
		return
	}
	c := &client{conn: conn, userID: userID, send: make(chan []byte, 256)}
	h.register(c)
	log.Printf("[stream] client connected: user=%s addr=%s", userID, r.RemoteAddr)

	go h.writePump(c)
	h.readPump(c)
}

// writePump delivers events until the send channel closes.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames and tears the connection down on error.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
		log.Printf("[stream] client disconnected: user=%s", c.userID)
	}()
	c.conn.SetReadLimit(1024)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
