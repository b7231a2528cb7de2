// Package realtime streams scoring results to dashboard clients over
// WebSocket. Clients receive every result by default and may narrow the
// stream by sending a Subscription message. New clients first get a replay of
// the most recent results so a freshly opened dashboard is not empty.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/fraudlens/internal/fraud"
	"github.com/mbd888/fraudlens/internal/metrics"
)

// Defaults for Hub options.
const (
	DefaultMaxClients = 1000
	DefaultReplay     = 20

	sendBuffer   = 256
	readLimit    = 64 * 1024
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

type EventType string

const (
	EventScoreResult    EventType = "score_result"
	EventDegradedResult EventType = "degraded_result"
)

// Event is one message on the stream.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// ScorePayload is the Data of score_result and degraded_result events.
type ScorePayload struct {
	ID               string                `json:"id"`
	Type             fraud.TransactionType `json:"transactionType"`
	Amount           float64               `json:"amount"`
	FraudProbability float64               `json:"fraudProbability"`
	RiskLevel        fraud.RiskLevel       `json:"riskLevel"`
	Flagged          bool                  `json:"flagged"`
	ModelVersion     string                `json:"modelVersion"`
	Degraded         bool                  `json:"degraded"`
}

// Subscription filters for a client. Zero values do not filter.
type Subscription struct {
	AllEvents    bool                    `json:"allEvents"`
	EventTypes   []EventType             `json:"eventTypes"`
	FlaggedOnly  bool                    `json:"flaggedOnly"`
	MinRiskLevel fraud.RiskLevel         `json:"minRiskLevel"`
	TxTypes      []fraud.TransactionType `json:"transactionTypes"`
}

// Matches reports whether event passes the filter.
func (s Subscription) Matches(event *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, event.Type) {
		return false
	}
	p, ok := event.Data.(ScorePayload)
	if !ok {
		return true
	}
	switch {
	case s.FlaggedOnly && !p.Flagged:
		return false
	case s.MinRiskLevel != "" && !p.RiskLevel.AtLeast(s.MinRiskLevel):
		return false
	case len(s.TxTypes) > 0 && !slices.Contains(s.TxTypes, p.Type):
		return false
	}
	return true
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

// encoded is an event with its wire form, kept for replay.
type encoded struct {
	event *Event
	msg   []byte
}

// Hub fans events out to connected clients.
type Hub struct {
	logger     *slog.Logger
	now        func() time.Time
	maxClients int
	replaySize int
	upgrader   websocket.Upgrader

	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run exits

	mu      sync.RWMutex
	clients map[*Client]struct{}
	recent  []encoded // owned by Run

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// Option configures a Hub.
type Option func(*Hub)

// WithAllowedOrigins lets browsers on these origins connect. "*" allows any.
// Same-host origins and clients that send no Origin are always allowed.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) { h.upgrader.CheckOrigin = checkOrigin(origins) }
}

// WithMaxClients caps concurrent connections.
func WithMaxClients(n int) Option {
	return func(h *Hub) { h.maxClients = n }
}

// WithReplay sets how many recent events a new client receives. 0 disables
// replay.
func WithReplay(n int) Option {
	return func(h *Hub) { h.replaySize = n }
}

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// NewHub creates a hub. Call Run to start it.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger:     logger,
		now:        time.Now,
		maxClients: DefaultMaxClients,
		replaySize: DefaultReplay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(nil),
		},
		broadcast:  make(chan *Event, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	wildcard := slices.Contains(allowed, "*")
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || wildcard || slices.Contains(allowed, origin) {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}

// Run owns client registration and fan-out until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.removeLocked(c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.replay(c)
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(c)
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.fanOut(event)
		}
	}
}

// removeLocked requires h.mu held for writing.
func (h *Hub) removeLocked(c *Client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send) // writePump sends a close frame
	}
}

func (h *Hub) fanOut(event *Event) {
	h.totalEvents.Add(1)
	msg, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("encode event", "type", event.Type, "error", err)
		return
	}
	if h.replaySize > 0 {
		h.recent = append(h.recent, encoded{event, msg})
		if len(h.recent) > h.replaySize {
			h.recent = h.recent[len(h.recent)-h.replaySize:]
		}
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().Matches(event) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, c := range slow {
			h.removeLocked(c)
		}
		h.mu.Unlock()
		h.logger.Warn("dropped slow websocket clients", "count", len(slow))
	}
}

// replay queues recent matching events to a client that is not yet visible
// to fanOut.
func (h *Hub) replay(c *Client) {
	sub := c.subscription()
	for _, e := range h.recent {
		if !sub.Matches(e.event) {
			continue
		}
		select {
		case c.send <- e.msg:
		default:
			return
		}
	}
}

// Broadcast queues an event, dropping it when the queue is full.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
	}
}

// BroadcastScore publishes a scoring result. Degraded results go out as
// degraded_result.
func (h *Hub) BroadcastScore(rec *fraud.ScoreRecord) {
	if rec == nil || rec.Result == nil {
		return
	}
	typ := EventScoreResult
	if rec.Degraded {
		typ = EventDegradedResult
	}
	h.Broadcast(&Event{
		Type:      typ,
		Timestamp: h.now().UTC(),
		Data: ScorePayload{
			ID:               rec.ID,
			Type:             rec.Input.Type,
			Amount:           rec.Input.Amount,
			FraudProbability: rec.Result.FraudProbability,
			RiskLevel:        rec.Result.RiskLevel,
			Flagged:          rec.Result.Flagged,
			ModelVersion:     rec.Result.ModelVersion,
			Degraded:         rec.Degraded,
		},
	})
}

// Stats are counters reported by the hub.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalEvents      int64 `json:"totalEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		ConnectedClients: n,
		TotalEvents:      h.totalEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades the request and attaches the connection.
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
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		sub:  Subscription{AllEvents: true},
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

// readPump applies subscription updates until the connection fails.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			c.hub.logger.Debug("ignoring malformed subscription", "error", err)
			continue
		}
		if sub.MinRiskLevel != "" && sub.MinRiskLevel.Severity() < 0 {
			c.hub.logger.Debug("ignoring subscription with unknown risk level", "level", sub.MinRiskLevel)
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
}

// writePump drains send and keeps the connection alive with pings.
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
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
