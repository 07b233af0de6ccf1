package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/beamline-core/internal/infrastructure/config"
	"github.com/nerrad567/beamline-core/internal/infrastructure/logging"
	"github.com/nerrad567/beamline-core/internal/notify"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256

	// wsAllDevices subscribes a client to every device.
	wsAllDevices = "*"
)

// WSMessage represents a message sent to/from a WebSocket client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Event     string `json:"event,omitempty"`
	Device    string `json:"device,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload for subscribe/unsubscribe messages.
type WSSubscribePayload struct {
	Devices []string `json:"devices"`
}

// Hub manages WebSocket connections and fans device events out to the
// clients subscribed to each device.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	devices Devices
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]struct{}
	mu            sync.RWMutex
}

// NewHub creates a new WebSocket hub. devices is used to replay current
// device events to new subscribers and may be nil.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger, devices Devices) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		devices: devices,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until the context is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "client", client.id, "clients", h.ClientCount())
}

// Unregister removes a client from the hub.
// Only the goroutine that removes the client from the map closes its send
// channel.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "client", client.id, "clients", h.ClientCount())
}

// Publish is a notify.Callback forwarding a device event to subscribed
// clients. It never blocks: a client whose buffer is full misses the event.
func (h *Hub) Publish(ev notify.Event) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if client.isSubscribed(ev.Source) {
			client.trySend(data)
		}
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

func encodeEvent(ev notify.Event) ([]byte, error) {
	return json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		Event:     ev.Name,
		Device:    ev.Source,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Payload:   ev.Payload,
	})
}

// handleWebSocket upgrades the HTTP connection to a WebSocket connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.isAllowedOrigin(origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		id:            uuid.NewString(),
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}

	s.hub.Register(client)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

func wsTimings(cfg config.WebSocketConfig) (ping, pong time.Duration) {
	ping = time.Duration(cfg.PingInterval) * time.Second
	if ping <= 0 {
		ping = 30 * time.Second
	}
	pong = time.Duration(cfg.PongTimeout) * time.Second
	if pong <= 0 {
		pong = 10 * time.Second
	}
	return ping, pong
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	if cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	}
	pingInterval, pongWait := wsTimings(cfg)
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "client", c.id, "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "client", c.id, "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval, pongWait := wsTimings(cfg)
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming WebSocket message.
func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.handleSubscribe(msg)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func decodeSubscribe(msg WSMessage) (WSSubscribePayload, bool) {
	var sub WSSubscribePayload
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return sub, false
	}
	if err := json.Unmarshal(raw, &sub); err != nil || len(sub.Devices) == 0 {
		return sub, false
	}
	return sub, true
}

// handleSubscribe adds devices to the client's subscriptions and replays
// each device's current events, so the client starts from known state.
func (c *WSClient) handleSubscribe(msg WSMessage) {
	sub, ok := decodeSubscribe(msg)
	if !ok {
		c.sendError(msg.ID, "invalid subscribe payload")
		return
	}

	var unknown []string
	accepted := make([]string, 0, len(sub.Devices))
	for _, name := range sub.Devices {
		if name != wsAllDevices && c.hub.devices != nil {
			if _, err := c.hub.devices.Get(name); err != nil {
				unknown = append(unknown, name)
				continue
			}
		}
		accepted = append(accepted, name)
	}

	c.mu.Lock()
	for _, name := range accepted {
		c.subscriptions[name] = struct{}{}
	}
	c.mu.Unlock()

	c.hub.logger.Debug("websocket client subscribed", "client", c.id, "devices", accepted)
	resp := map[string]any{"subscribed": accepted}
	if len(unknown) > 0 {
		resp["unknown"] = unknown
	}
	c.sendResponse(msg.ID, WSTypeResponse, resp)
	c.replay(accepted)
}

func (c *WSClient) replay(names []string) {
	if c.hub.devices == nil {
		return
	}
	for _, a := range c.hub.devices.List() {
		match := false
		for _, name := range names {
			if name == wsAllDevices || name == a.Name() {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		for _, ev := range a.Bus().Snapshot() {
			if data, err := encodeEvent(ev); err == nil {
				c.trySend(data)
			}
		}
	}
}

// handleUnsubscribe removes devices from the client's subscriptions.
func (c *WSClient) handleUnsubscribe(msg WSMessage) {
	sub, ok := decodeSubscribe(msg)
	if !ok {
		c.sendError(msg.ID, "invalid unsubscribe payload")
		return
	}

	c.mu.Lock()
	for _, name := range sub.Devices {
		delete(c.subscriptions, name)
	}
	c.mu.Unlock()

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"unsubscribed": sub.Devices,
	})
}

// trySend queues data for the client without blocking. A closed channel
// (client disconnected during broadcast) or a full buffer drops the message.
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
	}
}

// isSubscribed reports whether the client follows device.
func (c *WSClient) isSubscribed(device string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.subscriptions[wsAllDevices]; ok {
		return true
	}
	_, ok := c.subscriptions[device]
	return ok
}

// sendResponse sends a response message to the client.
func (c *WSClient) sendResponse(id, msgType string, payload any) {
	msg := WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendError sends an error message to the client.
func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}
