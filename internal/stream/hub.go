package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/refreshg/Vian/internal/analytics"
	"github.com/refreshg/Vian/internal/sla"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth.
	sendBufSize = 16
)

// Event names.
const (
	EventSnapshot = "snapshot"
	EventUpdate   = "update"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin checks belong to the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Update is the latest polled figures of one category.
type Update struct {
	Category string        `json:"category"`
	At       time.Time     `json:"at"`
	SLA      sla.Summary   `json:"slaMetrics"`
	KPI      analytics.KPI `json:"kpi"`
}

// Message is the JSON envelope sent to clients.
type Message struct {
	Event string   `json:"event"`
	Data  []Update `json:"data"`
}

// Hub tracks connected clients and the latest update per category.
// It is safe for concurrent use.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	latest  map[string]Update
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// New returns an empty Hub.
func New() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		latest:  make(map[string]Update),
	}
}

// PublishReport records the figures for category and broadcasts them.
func (h *Hub) PublishReport(category string, summary sla.Summary, kpi analytics.KPI, at time.Time) {
	u := Update{Category: category, At: at, SLA: summary, KPI: kpi}
	data, err := json.Marshal(Message{Event: EventUpdate, Data: []Update{u}})
	if err != nil {
		slog.Error("stream: marshal update", "category", category, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest[category] = u
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Outgoing buffer full; drop the client.
			h.drop(c)
		}
	}
}

// Latest returns the most recent update of every category, ordered by
// category.
func (h *Hub) Latest() []Update {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latestLocked()
}

func (h *Hub) latestLocked() []Update {
	out := make([]Update, 0, len(h.latest))
	for _, u := range h.latest {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b Update) int { return strings.Compare(a.Category, b.Category) })
	return out
}

// Run blocks until ctx is cancelled, then closes all connections.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.drop(c)
	}
}

// ServeHTTP upgrades the connection, sends the current snapshot and then
// streams updates until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBufSize)}
	h.register(c)
	defer h.unregister(c)

	go c.writePump()
	c.readPump()
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// register queues the current snapshot for c and adds it to the broadcast
// set in one step so no update is missed in between.
func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if data, err := json.Marshal(Message{Event: EventSnapshot, Data: h.latestLocked()}); err == nil {
		c.send <- data
	}
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	h.drop(c)
	h.mu.Unlock()
}

// drop removes c and closes its send channel. h.mu must be held.
func (h *Hub) drop(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// writePump forwards queued messages and sends periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes control frames and returns when the connection closes.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
