package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-replay/internal/bridges/p20hd"
	"github.com/nerrad567/gray-logic-replay/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-replay/internal/infrastructure/logging"
)

// Message types on the /ws connection.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// outboxSize bounds the frames queued per client. A slow reader loses
// frames rather than stalling the bridge.
const outboxSize = 256

// channels lists what a client may subscribe to.
var channels = []string{
	p20hd.ChannelStatus,
	p20hd.ChannelState,
	p20hd.ChannelDeviceError,
	p20hd.ChannelRejected,
}

// WSMessage is the frame exchanged in both directions.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload names the channels of a subscribe or unsubscribe.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// SnapshotFunc returns the current value of a channel, if it has one.
// Subscribers receive it straight away instead of waiting for the next change.
type SnapshotFunc func(channel string) (any, bool)

// Hub fans session events out to WebSocket clients. It satisfies the
// bridge's Broadcaster interface.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu       sync.RWMutex
	clients  map[*WSClient]struct{}
	gauge    prometheus.Gauge // optional
	snapshot SnapshotFunc     // optional
}

// WSClient is one upgraded connection.
type WSClient struct {
	hub     *Hub
	conn    *websocket.Conn
	subject string // token subject, empty when auth is off

	mu     sync.Mutex
	outbox chan []byte
	closed bool
	subs   map[string]bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS middleware has already vetted the origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// SetClientGauge mirrors the client count into g.
func (h *Hub) SetClientGauge(g prometheus.Gauge) {
	h.mu.Lock()
	h.gauge = g
	h.mu.Unlock()
}

// SetSnapshot installs the source of initial values for new subscriptions.
func (h *Hub) SetSnapshot(fn SnapshotFunc) {
	h.mu.Lock()
	h.snapshot = fn
	h.mu.Unlock()
}

// Run blocks until ctx is done, then drops every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	gone := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		gone = append(gone, c)
	}
	clear(h.clients)
	h.syncGaugeLocked()
	h.mu.Unlock()

	for _, c := range gone {
		c.shut()
		c.conn.Close()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.syncGaugeLocked()
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n, "subject", c.subject)
}

func (h *Hub) remove(c *WSClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.syncGaugeLocked()
	n := len(h.clients)
	h.mu.Unlock()
	c.shut()
	h.logger.Debug("websocket client disconnected", "clients", n)
}

func (h *Hub) syncGaugeLocked() {
	if h.gauge != nil {
		h.gauge.Set(float64(len(h.clients)))
	}
}

// Broadcast sends payload to every client subscribed to channel.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := encodeFrame(WSMessage{Type: WSTypeEvent, EventType: channel, Payload: payload})
	if err != nil {
		h.logger.Error("encoding websocket event failed", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.deliver(channel, data) {
			sent++
		}
	}
	if sent > 0 {
		h.logger.Debug("websocket event sent", "channel", channel, "recipients", sent)
	}
}

func (h *Hub) currentValue(channel string) (any, bool) {
	h.mu.RLock()
	fn := h.snapshot
	h.mu.RUnlock()
	if fn == nil {
		return nil, false
	}
	return fn(channel)
}

// handleWebSocket upgrades the request. authMiddleware has already
// checked the token when auth is on.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	subject, _ := r.Context().Value(ctxKeySubject).(string) //nolint:errcheck // empty when auth is off
	c := &WSClient{
		hub:     s.Hub(),
		conn:    conn,
		subject: subject,
		outbox:  make(chan []byte, outboxSize),
		subs:    make(map[string]bool),
	}
	c.hub.add(c)

	ping := time.Duration(s.wsCfg.PingInterval) * time.Second
	pong := time.Duration(s.wsCfg.PongTimeout) * time.Second
	go c.writeLoop(ping, pong)
	go c.readLoop(int64(s.wsCfg.MaxMessageSize), ping+pong)
}

// channelSnapshot serves the current status and state to new subscribers.
func (s *Server) channelSnapshot(channel string) (any, bool) {
	switch channel {
	case p20hd.ChannelStatus:
		return map[string]any{"status": s.session.Status()}, true
	case p20hd.ChannelState:
		return s.session.State().Snapshot(), true
	}
	return nil, false
}

func (c *WSClient) readLoop(limit int64, idle time.Duration) {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(limit)
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(idle)) }
	extend("") //nolint:errcheck // a failed deadline surfaces as a read error
	c.conn.SetPongHandler(extend)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		extend("") //nolint:errcheck // as above
		c.dispatch(data)
	}
}

func (c *WSClient) writeLoop(ping, writeWait time.Duration) {
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // write reports the failure
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.outbox:
			if !ok {
				write(websocket.CloseMessage, nil) //nolint:errcheck // closing anyway
				return
			}
			if write(websocket.TextMessage, data) != nil {
				return
			}
		case <-ticker.C:
			if write(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

func (c *WSClient) dispatch(data []byte) {
	var msg struct {
		Type    string             `json:"type"`
		ID      string             `json:"id"`
		Payload WSSubscribePayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply(WSMessage{Type: WSTypeError, Payload: errorBody("malformed message")})
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.subscribe(msg.ID, msg.Payload.Channels)
	case WSTypeUnsubscribe:
		c.mu.Lock()
		for _, ch := range msg.Payload.Channels {
			delete(c.subs, ch)
		}
		c.mu.Unlock()
		c.reply(WSMessage{Type: WSTypeResponse, ID: msg.ID, Payload: map[string]any{"unsubscribed": msg.Payload.Channels}})
	case WSTypePing:
		c.reply(WSMessage{Type: WSTypePong, ID: msg.ID})
	default:
		c.reply(WSMessage{Type: WSTypeError, ID: msg.ID, Payload: errorBody("unknown message type: " + msg.Type)})
	}
}

// subscribe is all-or-nothing: one unknown channel rejects the request.
func (c *WSClient) subscribe(id string, names []string) {
	for _, ch := range names {
		if !slices.Contains(channels, ch) {
			c.reply(WSMessage{Type: WSTypeError, ID: id, Payload: errorBody("unknown channel: " + ch)})
			return
		}
	}

	c.mu.Lock()
	for _, ch := range names {
		c.subs[ch] = true
	}
	c.mu.Unlock()
	c.hub.logger.Info("websocket client subscribed", "channels", names, "subject", c.subject)
	c.reply(WSMessage{Type: WSTypeResponse, ID: id, Payload: map[string]any{"subscribed": names}})

	for _, ch := range names {
		if v, ok := c.hub.currentValue(ch); ok {
			c.reply(WSMessage{Type: WSTypeEvent, EventType: ch, Payload: v})
		}
	}
}

// deliver queues data when the client is subscribed to channel.
func (c *WSClient) deliver(channel string, data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.subs[channel] {
		return false
	}
	return c.enqueueLocked(data)
}

func (c *WSClient) reply(msg WSMessage) {
	data, err := encodeFrame(msg)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.enqueueLocked(data)
	c.mu.Unlock()
}

// enqueueLocked drops the frame when the outbox is full or shut.
func (c *WSClient) enqueueLocked(data []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.outbox <- data:
		return true
	default:
		return false
	}
}

// shut closes the outbox once so writeLoop sends a close frame and exits.
func (c *WSClient) shut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.outbox)
	}
}

func encodeFrame(msg WSMessage) ([]byte, error) {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return json.Marshal(msg)
}

func errorBody(message string) map[string]string {
	return map[string]string{"message": message}
}
