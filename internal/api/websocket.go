package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-hub/internal/core"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-hub/internal/service"
	"github.com/nerrad567/gray-logic-hub/internal/subscription"
)

// WebSocket message types.
const (
	WSTypeSubscribeEvents   = "subscribe_events"
	WSTypeUnsubscribeEvents = "unsubscribe_events"
	WSTypeGetStates         = "get_states"
	WSTypeCallService       = "call_service"
	WSTypeFireEvent         = "fire_event"
	WSTypePing              = "ping"
	WSTypePong              = "pong"
	WSTypeEvent             = "event"
	WSTypeResult            = "result"
	WSTypeError             = "error"

	// wsSendBufferSize is the per-client outbound message buffer size
	// when the config leaves it unset.
	wsSendBufferSize = 256

	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
)

// WSMessage represents a message sent to/from a WebSocket client.
//
// Requests carry a client-chosen ID; every reply, and every event of a
// subscription, echoes the ID of the request that caused it.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload narrows a subscribe_events request to some entities.
type WSSubscribePayload struct {
	EntityIDs []string `json:"entity_ids"`
}

// WSUnsubscribePayload names the subscription to end by its request ID.
type WSUnsubscribePayload struct {
	Subscription string `json:"subscription"`
}

// WSCallServicePayload is the payload of a call_service request.
type WSCallServicePayload struct {
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"service_data"`
}

// Hub tracks WebSocket connections.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	hub  *Hub
	srv  *Server
	conn *websocket.Conn
	send chan []byte
	done chan struct{} // closed together with send

	mu            sync.Mutex
	subscriptions map[string]*subscription.Subscriber // keyed by request ID
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
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
	h.logger.Debug("websocket client connected", "clients", h.ClientCount())
}

// Unregister removes a client from the hub.
// Only the goroutine that successfully removes the client from the map
// closes the send channel, preventing double-close panics during shutdown.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		client.closeChannels()
	}
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
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
		client.closeChannels()
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

// handleWebSocket upgrades the HTTP connection to a WebSocket connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	buffer := s.wsCfg.SendBuffer
	if buffer <= 0 {
		buffer = wsSendBufferSize
	}
	client := newWSClient(s.hub, s, conn, buffer)
	s.hub.Register(client)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

func newWSClient(hub *Hub, srv *Server, conn *websocket.Conn, buffer int) *WSClient {
	return &WSClient{
		hub:           hub,
		srv:           srv,
		conn:          conn,
		send:          make(chan []byte, buffer),
		done:          make(chan struct{}),
		subscriptions: make(map[string]*subscription.Subscriber),
	}
}

// closeChannels is called once, by whichever hub path removes the client.
func (c *WSClient) closeChannels() {
	close(c.send)
	if c.done != nil {
		close(c.done)
	}
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.unsubscribeAll()
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
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any client message resets the read deadline (keeps connection alive
		// even if browser doesn't respond to protocol-level pings).
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
				// Hub closed the channel
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

// wsTimings returns the keepalive intervals, defaulting unset values.
func wsTimings(cfg config.WebSocketConfig) (pingInterval, pongWait time.Duration) {
	pingInterval = time.Duration(cfg.PingInterval) * time.Second
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	pongWait = time.Duration(cfg.PongTimeout) * time.Second
	if pongWait <= 0 {
		pongWait = defaultPongTimeout
	}
	return pingInterval, pongWait
}

// handleMessage processes an incoming WebSocket message.
func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribeEvents:
		c.handleSubscribe(msg)
	case WSTypeUnsubscribeEvents:
		c.handleUnsubscribe(msg)
	case WSTypeGetStates:
		c.sendResponse(msg.ID, WSTypeResult, c.srv.store.All())
	case WSTypeCallService:
		c.handleCallService(msg)
	case WSTypeFireEvent:
		c.handleFireEvent(msg)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// handleSubscribe starts a subscription keyed by the request ID. An empty
// event_type subscribes to every event.
func (c *WSClient) handleSubscribe(msg WSMessage) {
	if msg.ID == "" {
		c.sendError("", "subscribe_events requires an id")
		return
	}

	var sub WSSubscribePayload
	if err := decodePayload(msg.Payload, &sub); err != nil {
		c.sendError(msg.ID, "invalid subscribe payload")
		return
	}

	filter := subscription.Filter{EntityIDs: sub.EntityIDs}
	if msg.EventType != "" {
		filter.EventTypes = []string{msg.EventType}
	}

	c.mu.Lock()
	if _, exists := c.subscriptions[msg.ID]; exists {
		c.mu.Unlock()
		c.sendError(msg.ID, "subscription id already in use")
		return
	}
	subscriber := c.srv.subs.Subscribe(filter)
	c.subscriptions[msg.ID] = subscriber
	c.mu.Unlock()

	go c.forward(msg.ID, subscriber)

	c.hub.logger.Debug("websocket client subscribed",
		"subscription", msg.ID,
		"event_type", msg.EventType,
	)
	c.sendResponse(msg.ID, WSTypeResult, map[string]any{
		"subscription": msg.ID,
	})
}

// handleUnsubscribe ends a subscription started by this client.
func (c *WSClient) handleUnsubscribe(msg WSMessage) {
	var req WSUnsubscribePayload
	if err := decodePayload(msg.Payload, &req); err != nil {
		c.sendError(msg.ID, "invalid unsubscribe payload")
		return
	}

	c.mu.Lock()
	subscriber, ok := c.subscriptions[req.Subscription]
	delete(c.subscriptions, req.Subscription)
	c.mu.Unlock()

	if !ok {
		c.sendError(msg.ID, "unknown subscription: "+req.Subscription)
		return
	}
	c.srv.subs.Unsubscribe(subscriber.ID())

	c.sendResponse(msg.ID, WSTypeResult, map[string]any{
		"unsubscribed": req.Subscription,
	})
}

func (c *WSClient) handleCallService(msg WSMessage) {
	var req WSCallServicePayload
	if err := decodePayload(msg.Payload, &req); err != nil {
		c.sendError(msg.ID, "invalid call_service payload")
		return
	}

	call := service.Call{
		Domain:  req.Domain,
		Service: req.Service,
		Data:    req.ServiceData,
		Context: core.NewContext("", ""),
	}
	changed, err := c.srv.services.Call(context.Background(), call)
	if err != nil {
		c.sendError(msg.ID, err.Error())
		return
	}
	if changed == nil {
		changed = []*core.Entity{}
	}
	c.sendResponse(msg.ID, WSTypeResult, map[string]any{
		"changed_states": changed,
		"context":        call.Context,
	})
}

func (c *WSClient) handleFireEvent(msg WSMessage) {
	var data map[string]any
	if err := decodePayload(msg.Payload, &data); err != nil {
		c.sendError(msg.ID, "event data must be an object")
		return
	}

	ev, err := c.srv.store.Fire(msg.EventType, data, core.Context{})
	if err != nil {
		c.sendError(msg.ID, err.Error())
		return
	}
	c.sendResponse(msg.ID, WSTypeResult, map[string]any{
		"context": ev.Context,
	})
}

// forward relays a subscription's events until it ends. It waits for room
// in the client's buffer, so a client that stops reading backs up into the
// subscriber queue and the registry terminates it as a slow consumer. A
// subscription the registry terminated is reported to the client.
func (c *WSClient) forward(id string, subscriber *subscription.Subscriber) {
	for ev := range subscriber.Events() {
		data, ok := c.encode(WSMessage{
			Type:      WSTypeEvent,
			ID:        id,
			EventType: ev.EventType,
			Timestamp: ev.TimeFired.Format(time.RFC3339Nano),
			Payload:   ev,
		})
		if !ok {
			continue
		}
		if !c.deliver(data) {
			return
		}
	}

	err := subscriber.Err()
	if err == nil {
		return
	}

	c.mu.Lock()
	if c.subscriptions[id] == subscriber {
		delete(c.subscriptions, id)
	}
	c.mu.Unlock()

	c.hub.logger.Warn("websocket subscription terminated", "subscription", id, "error", err)
	if data, ok := c.encode(WSMessage{
		Type:      WSTypeError,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   map[string]string{"message": fmt.Sprintf("subscription ended: %v", err)},
	}); ok {
		c.deliver(data)
	}
}

// unsubscribeAll ends every subscription of a disconnecting client.
func (c *WSClient) unsubscribeAll() {
	c.mu.Lock()
	subs := c.subscriptions
	c.subscriptions = make(map[string]*subscription.Subscriber)
	c.mu.Unlock()

	for _, subscriber := range subs {
		c.srv.subs.Unsubscribe(subscriber.ID())
	}
}

// deliver blocks until data is queued for the client or the client is gone.
func (c *WSClient) deliver(data []byte) (ok bool) {
	defer func() {
		if recover() != nil { // send on a channel closed by the hub
			ok = false
		}
	}()

	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	}
}

// trySend attempts to send data to the client's send channel.
// It silently handles closed channels (client disconnected during broadcast)
// and full buffers (slow client).
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		// Client buffer full, skip
	}
}

func (c *WSClient) sendMessage(msg WSMessage) {
	if data, ok := c.encode(msg); ok {
		c.trySend(data)
	}
}

func (c *WSClient) encode(msg WSMessage) ([]byte, bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.Error("failed to marshal websocket message", "type", msg.Type, "id", msg.ID, "error", err)
		return nil, false
	}
	return data, true
}

// sendResponse sends a response message to the client.
// Routes through trySend to safely handle closed channels during shutdown.
func (c *WSClient) sendResponse(id, msgType string, payload any) {
	c.sendMessage(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
}

// sendError sends an error message to the client.
func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}

// decodePayload re-decodes a generic payload into v. A missing payload
// leaves v untouched.
func decodePayload(payload, v any) error {
	if payload == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
