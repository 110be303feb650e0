package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"microcrop-processor/internal/metrics"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 4 << 10
	wsSendBuffer = 16
)

// wsMessage is the envelope for everything the server sends.
type wsMessage struct {
	Type      string    `json:"type"`
	PlotID    string    `json:"plot_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type wsClient struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	plotID string // empty for alert-stream clients
	once   sync.Once
}

// close removes the client from the hub exactly once and tears the
// connection down. The send channel is never closed; both loops exit through
// done or a connection error, so a concurrent broadcast can never panic.
func (c *wsClient) close() {
	c.once.Do(func() {
		c.hub.remove(c)
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) enqueue(msg wsMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Str("type", msg.Type).Msg("websocket message marshal failed")
		return
	}
	select {
	case c.send <- raw:
	default:
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case raw := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) readLoop() {
	defer c.close()
	c.conn.SetReadLimit(wsMaxMessage)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handle(raw)
	}
}

// handle answers the small client protocol: ping gets a pong, subscribe gets
// an ack, invalid JSON gets an error, anything else is echoed back.
func (c *wsClient) handle(raw []byte) {
	now := time.Now().UTC()

	var msg struct {
		Type   string `json:"type"`
		PlotID string `json:"plot_id"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.enqueue(wsMessage{Type: "error", Message: "invalid json", Timestamp: now})
		return
	}
	switch msg.Type {
	case "ping":
		c.enqueue(wsMessage{Type: "pong", Timestamp: now})
	case "subscribe":
		plot := msg.PlotID
		if plot == "" {
			plot = c.plotID
		}
		c.enqueue(wsMessage{Type: "subscribed", PlotID: plot, Timestamp: now})
	default:
		c.enqueue(wsMessage{Type: "echo", Data: json.RawMessage(raw), Timestamp: now})
	}
}

// Hub fans events out to per-plot rooms and a global alert stream. Send
// buffers are bounded; a peer that stops reading gets evicted rather than
// stalling a broadcast.
type Hub struct {
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	rooms  map[string]map[*wsClient]struct{}
	alerts map[*wsClient]struct{}
}

func NewHub(allowedOrigins []string) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		rooms:  make(map[string]map[*wsClient]struct{}),
		alerts: make(map[*wsClient]struct{}),
	}
}

// originChecker mirrors the CORS origin list. Non-browser clients send no
// Origin header and are always admitted.
func originChecker(allowed []string) func(*http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(o)] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

// ServePlot upgrades a per-plot stream connection.
func (h *Hub) ServePlot(w http.ResponseWriter, r *http.Request) {
	plotID := chi.URLParam(r, "plot")
	if plotID == "" {
		http.Error(w, "missing plot id", http.StatusBadRequest)
		return
	}
	h.serve(w, r, plotID)
}

// ServeAlerts upgrades a global alert-stream connection.
func (h *Hub) ServeAlerts(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "")
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, plotID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Debug().Err(err).Msg("websocket upgrade rejected")
		return
	}

	c := &wsClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		done:   make(chan struct{}),
		plotID: plotID,
	}
	h.add(c)
	c.enqueue(wsMessage{Type: "connection", PlotID: plotID, Message: "connected", Timestamp: time.Now().UTC()})

	go c.writeLoop()
	go c.readLoop()
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.plotID != "" {
		room, ok := h.rooms[c.plotID]
		if !ok {
			room = make(map[*wsClient]struct{})
			h.rooms[c.plotID] = room
		}
		room[c] = struct{}{}
	} else {
		h.alerts[c] = struct{}{}
	}
	metrics.WSClients.Inc()
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.plotID != "" {
		if room, ok := h.rooms[c.plotID]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, c.plotID)
			}
		}
	} else {
		delete(h.alerts, c)
	}
	metrics.WSClients.Dec()
}

// Broadcast sends an event to the plot's subscribers.
func (h *Hub) Broadcast(event, plotID string, payload any) {
	raw, ok := h.envelope(event, plotID, payload)
	if !ok {
		return
	}
	h.fan(plotID, false, raw)
	metrics.WSBroadcasts.WithLabelValues(event).Inc()
}

// Alert reaches the plot's subscribers and the global alert stream.
func (h *Hub) Alert(event, plotID string, payload any) {
	raw, ok := h.envelope(event, plotID, payload)
	if !ok {
		return
	}
	h.fan(plotID, true, raw)
	metrics.WSBroadcasts.WithLabelValues(event).Inc()
}

func (h *Hub) envelope(event, plotID string, payload any) ([]byte, bool) {
	raw, err := json.Marshal(wsMessage{Type: event, PlotID: plotID, Data: payload, Timestamp: time.Now().UTC()})
	if err != nil {
		log.Warn().Err(err).Str("event", event).Msg("websocket payload marshal failed")
		return nil, false
	}
	return raw, true
}

// fan delivers under the read lock; a full send buffer marks the client
// stalled, and stalled clients are closed once the lock drops.
func (h *Hub) fan(plotID string, includeAlerts bool, raw []byte) {
	var stalled []*wsClient

	h.mu.RLock()
	for c := range h.rooms[plotID] {
		select {
		case c.send <- raw:
		default:
			stalled = append(stalled, c)
		}
	}
	if includeAlerts {
		for c := range h.alerts {
			select {
			case c.send <- raw:
			default:
				stalled = append(stalled, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range stalled {
		log.Debug().Str("plot_id", c.plotID).Msg("evicting stalled websocket client")
		c.close()
	}
}
