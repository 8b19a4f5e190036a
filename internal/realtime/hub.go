// Package realtime streams escrow events to WebSocket subscribers.
//
// The hub is an eventlog.Publisher: every committed transition is pushed
// to connected clients whose subscription matches. Delivery is best effort;
// clients that fall behind are dropped and can recover from the event log.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/settlegate/internal/eventlog"
	"github.com/mbd888/settlegate/internal/metrics"
)

const (
	// DefaultMaxClients bounds concurrent connections.
	DefaultMaxClients = 10000

	sendBuffer   = 64
	maxMessage   = 4 * 1024
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// Subscription selects events for a client. Each non-empty list must
// match; an empty Subscription receives everything.
type Subscription struct {
	EscrowIDs []string         `json:"escrowIds,omitempty"`
	Types     []eventlog.Type  `json:"types,omitempty"`
	Actors    []eventlog.Actor `json:"actors,omitempty"`
}

// Matches reports whether e passes the filter.
func (s Subscription) Matches(e *eventlog.Event) bool {
	return matchAny(s.EscrowIDs, e.EscrowID) &&
		matchAny(s.Types, e.Type) &&
		matchAny(s.Actors, e.Actor)
}

func matchAny[T comparable](list []T, v T) bool {
	if len(list) == 0 {
		return true
	}
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// SubscriptionFromQuery reads comma separated escrow, type and actor
// query parameters, e.g. /ws/events?escrow=esc_1&type=funded,settled.
func SubscriptionFromQuery(q url.Values) Subscription {
	var s Subscription
	s.EscrowIDs = splitList(q.Get("escrow"))
	for _, t := range splitList(q.Get("type")) {
		s.Types = append(s.Types, eventlog.Type(t))
	}
	for _, a := range splitList(q.Get("actor")) {
		s.Actors = append(s.Actors, eventlog.Actor(a))
	}
	return s
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Message is the envelope for everything the hub writes.
type Message struct {
	Type         string          `json:"type"` // "event" or "subscribed"
	Event        *eventlog.Event `json:"event,omitempty"`
	Subscription *Subscription   `json:"subscription,omitempty"`
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu  sync.RWMutex
	sub Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

func (c *Client) setSubscription(s Subscription) {
	c.mu.Lock()
	c.sub = s
	c.mu.Unlock()
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connected int   `json:"connected"`
	Peak      int64 `json:"peak"`
	Accepted  int64 `json:"accepted"`
	Events    int64 `json:"events"`
	Dropped   int64 `json:"dropped"`
}

// Option configures a Hub.
type Option func(*Hub)

// WithAllowedOrigins restricts browser upgrades to origins. Same-host
// origins and requests without an Origin header are always accepted.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		for _, o := range origins {
			o = strings.TrimRight(strings.TrimSpace(o), "/")
			if o == "*" {
				h.anyOrigin = true
			}
			h.origins[o] = true
		}
	}
}

// WithMaxClients overrides DefaultMaxClients.
func WithMaxClients(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxClients = n
		}
	}
}

// Hub fans events out to clients. Run owns the client set.
type Hub struct {
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	origins    map[string]bool
	anyOrigin  bool
	maxClients int

	broadcast  chan *eventlog.Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*Client]struct{}

	peak     atomic.Int64
	accepted atomic.Int64
	events   atomic.Int64
	dropped  atomic.Int64
}

// NewHub creates a hub. Call Run before accepting connections.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger:     logger.With("component", "realtime"),
		origins:    make(map[string]bool),
		maxClients: DefaultMaxClients,
		broadcast:  make(chan *eventlog.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.anyOrigin || h.origins[origin] {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// Run owns the client set until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	h.logger.Info("realtime hub started")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.accepted.Add(1)
			if int64(n) > h.peak.Load() {
				h.peak.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.ack(c)
			h.logger.Debug("client connected", "clients", n)

		case c := <-h.unregister:
			h.remove(c)

		case e := <-h.broadcast:
			h.events.Add(1)
			h.fanout(e)
		}
	}
}

func (h *Hub) fanout(e *eventlog.Event) {
	data, err := json.Marshal(Message{Type: "event", Event: e})
	if err != nil {
		h.logger.Error("failed to encode event", "escrowId", e.EscrowID, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().Matches(e) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.dropped.Add(1)
		h.remove(c)
		h.logger.Warn("dropping slow websocket client")
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// Broadcast queues e for delivery without blocking the caller.
func (h *Hub) Broadcast(e *eventlog.Event) {
	select {
	case h.broadcast <- e:
	default:
		h.dropped.Add(1)
		h.logger.Warn("broadcast queue full, dropping event", "escrowId", e.EscrowID, "type", e.Type)
	}
}

// Publish implements eventlog.Publisher.
func (h *Hub) Publish(_ context.Context, e *eventlog.Event) error {
	h.Broadcast(e)
	return nil
}

var _ eventlog.Publisher = (*Hub)(nil)

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		Connected: n,
		Peak:      h.peak.Load(),
		Accepted:  h.accepted.Load(),
		Events:    h.events.Load(),
		Dropped:   h.dropped.Load(),
	}
}

// HandleWebSocket upgrades the request and attaches a client. The initial
// subscription comes from the query string.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		sub:  SubscriptionFromQuery(r.URL.Query()),
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// ack confirms the active subscription to the client.
func (h *Hub) ack(c *Client) {
	sub := c.subscription()
	data, err := json.Marshal(Message{Type: "subscribed", Subscription: &sub})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// readPump applies subscription updates sent by the client.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(msg, &sub); err != nil {
			continue
		}
		c.setSubscription(sub)
		c.hub.ack(c)
	}
}

// writePump is the only writer on conn.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
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
