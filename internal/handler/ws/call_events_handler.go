package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callsignal-backend/internal/domain"
	"callsignal-backend/internal/middleware"
	redisrepo "callsignal-backend/internal/repository/redis"
	"callsignal-backend/pkg/constants"
	"callsignal-backend/pkg/logger"
	"callsignal-backend/pkg/metrics"
	"callsignal-backend/pkg/response"
)

// EventTypeCall carries a full call snapshot
const EventTypeCall = "call"

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512
	sendBuffer     = 32
)

// CallEvent is the only message the hub writes
type CallEvent struct {
	Type string              `json:"type"`
	Call *domain.CallSession `json:"call"`
}

// CallReader authorizes a subscriber and supplies the first snapshot
type CallReader interface {
	GetCall(ctx context.Context, userID, callID uuid.UUID) (*domain.CallSession, error)
}

// CallSubscriber opens a Pub/Sub subscription for one call
type CallSubscriber interface {
	Subscribe(ctx context.Context, callID uuid.UUID) (*redis.PubSub, error)
}

// CallEventHub pushes call snapshots to the participants' WebSocket
// connections as soon as any instance changes the call. Polling stays the
// source of truth; the stream only shortens the delay.
type CallEventHub struct {
	// Registered clients per call; owned by run
	calls map[uuid.UUID]map[*CallEventClient]bool

	// Cancel functions for call subscriptions
	subscriptionCancels map[uuid.UUID]context.CancelFunc

	subscriber CallSubscriber
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader

	register   chan *CallEventClient
	unregister chan *CallEventClient
	broadcast  chan *domain.CallSession
	done       chan struct{}
	closeOnce  sync.Once

	maxConnections int
	semaphore      chan struct{}
	connections    atomic.Int64
}

// CallEventClient is one subscribed WebSocket connection
type CallEventClient struct {
	hub    *CallEventHub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
	callID uuid.UUID
}

// HubConfig configures the hub
type HubConfig struct {
	AllowedOrigins []string
	MaxConnections int
}

// NewCallEventHub creates the hub and starts its loop. subscriber and m may be nil.
func NewCallEventHub(subscriber CallSubscriber, m *metrics.Metrics, cfg HubConfig) *CallEventHub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}
	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = true
	}

	hub := &CallEventHub{
		calls:               make(map[uuid.UUID]map[*CallEventClient]bool),
		subscriptionCancels: make(map[uuid.UUID]context.CancelFunc),
		subscriber:          subscriber,
		metrics:             m,
		register:            make(chan *CallEventClient),
		unregister:          make(chan *CallEventClient),
		broadcast:           make(chan *domain.CallSession, 256),
		done:                make(chan struct{}),
		maxConnections:      cfg.MaxConnections,
		semaphore:           make(chan struct{}, cfg.MaxConnections),
	}
	hub.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			// Non-browser clients send no Origin.
			origin := r.Header.Get("Origin")
			return origin == "" || origins[origin]
		},
	}

	go hub.run()

	return hub
}

// Close stops the hub: every connection is sent a close frame and every call
// subscription is cancelled. Safe to call more than once.
func (h *CallEventHub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *CallEventHub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.calls {
				for client := range clients {
					h.drop(client)
				}
			}
			return

		case client := <-h.register:
			if h.calls[client.callID] == nil {
				h.calls[client.callID] = make(map[*CallEventClient]bool)

				ctx, cancel := context.WithCancel(context.Background())
				h.subscriptionCancels[client.callID] = cancel
				go h.subscribeToCall(ctx, client.callID)
			}
			h.calls[client.callID][client] = true

		case client := <-h.unregister:
			h.drop(client)

		case call := <-h.broadcast:
			clients := h.calls[call.ID]
			if len(clients) == 0 {
				continue
			}
			data, err := json.Marshal(CallEvent{Type: EventTypeCall, Call: call})
			if err != nil {
				logger.Warn("Failed to marshal call event", zap.Error(err))
				continue
			}
			for client := range clients {
				select {
				case client.send <- data:
				default:
					// Slow consumer; it reconnects and re-reads the snapshot.
					h.drop(client)
				}
			}
		}
	}
}

// drop removes client and tears down the call subscription when it was the last
func (h *CallEventHub) drop(client *CallEventClient) {
	clients, ok := h.calls[client.callID]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	close(client.send)

	if len(clients) == 0 {
		if cancel, ok := h.subscriptionCancels[client.callID]; ok {
			cancel()
			delete(h.subscriptionCancels, client.callID)
		}
		delete(h.calls, client.callID)
	}
}

// subscribeToCall relays Redis Pub/Sub updates of one call into the hub
func (h *CallEventHub) subscribeToCall(ctx context.Context, callID uuid.UUID) {
	if h.subscriber == nil {
		return
	}

	pubsub, err := h.subscriber.Subscribe(ctx, callID)
	if err != nil {
		logger.Debug("Call subscription unavailable, serving local updates only",
			zap.String("call_id", callID.String()),
			zap.Error(err))
		return
	}
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		logger.Warn("Failed to subscribe to Redis channel",
			zap.String("call_id", callID.String()),
			zap.Error(err))
		return
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			call, err := redisrepo.DecodeCall(msg.Payload)
			if err != nil {
				logger.Warn("Failed to decode call update",
					zap.String("call_id", callID.String()),
					zap.Error(err))
				continue
			}
			select {
			case h.broadcast <- call:
			case <-ctx.Done():
				return
			case <-h.done:
				return
			}
		}
	}
}

// Deliver fans a snapshot out to this instance's subscribers only
func (h *CallEventHub) Deliver(call *domain.CallSession) {
	select {
	case h.broadcast <- call.Clone():
	case <-h.done:
	}
}

// ConnectionCount returns the number of open connections
func (h *CallEventHub) ConnectionCount() int {
	return int(h.connections.Load())
}

func (h *CallEventHub) trackConnection(delta int64) {
	n := h.connections.Add(delta)
	if h.metrics != nil {
		h.metrics.SetWebSocketConnections(int(n))
	}
}

// ServeWS upgrades a participant's request and streams the call's snapshots,
// starting with the current one. reader decides who is a participant.
// GET /v1/calls/ws?call_id=
func (h *CallEventHub) ServeWS(reader CallReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.serve(c, reader)
	}
}

func (h *CallEventHub) serve(c *gin.Context, reader CallReader) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		response.Error(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Server at capacity, please try again later")
		return
	}
	upgraded := false
	defer func() {
		if !upgraded {
			<-h.semaphore
		}
	}()

	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	callID, err := uuid.Parse(c.Query("call_id"))
	if err != nil {
		response.ValidationError(c, "call_id must be a valid UUID")
		return
	}

	snapshot, err := reader.GetCall(c.Request.Context(), userID, callID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed",
			zap.String("call_id", callID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}
	upgraded = true

	client := &CallEventClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		userID: userID,
		callID: callID,
	}
	if data, err := json.Marshal(CallEvent{Type: EventTypeCall, Call: snapshot}); err == nil {
		client.send <- data
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		<-h.semaphore
		return
	}
	h.trackConnection(1)

	go client.writePump()
	go client.readPump()
}

// readPump only services control frames; subscribers never send data
func (c *CallEventClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		c.hub.trackConnection(-1)
		<-c.hub.semaphore
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("call_id", c.callID.String()),
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}
	}
}

func (c *CallEventClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			if c.hub.metrics != nil {
				c.hub.metrics.RecordWebSocketMessage("out")
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Publisher is what the call service publishes through
type Publisher interface {
	PublishCall(ctx context.Context, call *domain.CallSession) error
}

// FallbackPublisher publishes through primary and, when that fails (Redis
// degraded or absent), delivers to this instance's subscribers directly
type FallbackPublisher struct {
	primary Publisher
	hub     *CallEventHub
}

// NewFallbackPublisher creates a FallbackPublisher. primary may be nil.
func NewFallbackPublisher(primary Publisher, hub *CallEventHub) *FallbackPublisher {
	return &FallbackPublisher{primary: primary, hub: hub}
}

// PublishCall implements the call service's Publisher
func (p *FallbackPublisher) PublishCall(ctx context.Context, call *domain.CallSession) error {
	if p.primary != nil {
		err := p.primary.PublishCall(ctx, call)
		if err == nil {
			return nil
		}
		logger.Debug("Publishing locally", zap.String("call_id", call.ID.String()), zap.Error(err))
	}
	p.hub.Deliver(call)
	return nil
}
