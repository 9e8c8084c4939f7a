package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/cress/domain"
	"github.com/satriahrh/cress/domain/entities"
	"github.com/satriahrh/cress/internal/metrics"
	"github.com/satriahrh/cress/usecase"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	// The UI is served from anywhere on the local network.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// VoiceController is the voice call surface the hub drives
type VoiceController interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Snapshot() entities.VoiceSnapshot
	Subscribe() (<-chan entities.VoiceSnapshot, func())
}

// ChatService is the text chat surface the hub drives
type ChatService interface {
	Send(ctx context.Context, text string, onUpdate usecase.MessageListener) (entities.ChatMessage, error)
	Subscribe(fn usecase.MessageListener) func()
}

// ModeService switches the interaction mode
type ModeService interface {
	Mode() entities.Mode
	SetMode(ctx context.Context, mode entities.Mode) error
}

// Hub maintains the set of active UI clients and fans state out to them.
type Hub struct {
	// Registered clients.
	clients map[*Client]struct{}

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Outbound payloads for every client.
	broadcast chan []byte

	voice     VoiceController
	chat      ChatService
	modes     ModeService
	validator *MessageValidator
	watchdog  *IdleWatchdog

	logger  *zap.Logger
	metrics *metrics.Metrics

	// ctx bounds the work clients start; set by Run
	mu  sync.RWMutex
	ctx context.Context
}

// NewHub creates a new WebSocket hub. watchdog may be nil.
func NewHub(
	voice VoiceController,
	chat ChatService,
	modes ModeService,
	watchdog *IdleWatchdog,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, sendBuffer),
		voice:      voice,
		chat:       chat,
		modes:      modes,
		validator:  NewMessageValidator(),
		watchdog:   watchdog,
		logger:     logger,
		metrics:    m,
		ctx:        context.Background(),
	}
}

// Run starts the hub's main loop and returns when ctx ends
func (h *Hub) Run(ctx context.Context) {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()

	snapshots, unsubscribeVoice := h.voice.Subscribe()
	defer unsubscribeVoice()

	unsubscribeChat := h.chat.Subscribe(func(msg entities.ChatMessage) {
		h.Broadcast(CreateChatUpdateMessage(msg))
	})
	defer unsubscribeChat()

	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.clientsChanged()
			client.sendJSON(CreateVoiceStateMessage(h.voice.Snapshot()))
			client.sendJSON(CreateModeMessage(h.modes.Mode()))
			h.logger.Info("Client registered", zap.String("client", client.name))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
				h.clientsChanged()
			}
			h.logger.Info("Client unregistered", zap.String("client", client.name))

		case snapshot, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			h.fanOut(mustMarshal(CreateVoiceStateMessage(snapshot)))

		case payload := <-h.broadcast:
			h.fanOut(payload)
		}
	}
}

func (h *Hub) fanOut(payload []byte) {
	if payload == nil {
		return
	}
	for client := range h.clients {
		if !client.enqueue(payload) {
			h.logger.Warn("Dropping slow client", zap.String("client", client.name))
			delete(h.clients, client)
			client.close()
			h.clientsChanged()
		}
	}
}

func (h *Hub) clientsChanged() {
	h.metrics.SetWebsocketClients(len(h.clients))
	if h.watchdog != nil {
		h.watchdog.ClientsChanged(len(h.clients))
	}
}

func (h *Hub) shutdown() {
	for client := range h.clients {
		delete(h.clients, client)
		client.close()
	}
	h.metrics.SetWebsocketClients(0)
}

// Broadcast queues a message for every client. It never blocks; when the
// queue is full the message is dropped.
func (h *Hub) Broadcast(msg interface{}) {
	payload := mustMarshal(msg)
	if payload == nil {
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn("Broadcast queue full, dropping message")
	}
}

func (h *Hub) context() context.Context {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ctx
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	// Name from the client token
	name string

	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// HandleWebSocket upgrades the request and serves an authenticated client
func HandleWebSocket(hub *Hub, c echo.Context, clientName string, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		name:   clientName,
		logger: logger.With(zap.String("client", clientName)),
	}

	select {
	case hub.register <- client:
	case <-hub.context().Done():
		conn.Close()
		return nil
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}

func (c *Client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) sendJSON(msg interface{}) {
	if payload := mustMarshal(msg); payload != nil && !c.enqueue(payload) {
		c.logger.Warn("Client send buffer full, dropping message")
	}
}

func (c *Client) sendError(code string, err error) {
	c.sendJSON(CreateErrorMessage(code, err.Error(), ""))
}

// readPump pumps messages from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.context().Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		if messageType != websocket.TextMessage {
			c.logger.Warn("Received unsupported message type", zap.Int("type", messageType))
			continue
		}
		c.processMessage(message)
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
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
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processMessage dispatches one validated client message
func (c *Client) processMessage(message []byte) {
	msg, err := c.hub.validator.ValidateMessage(message)
	if err != nil {
		c.logger.Warn("Invalid client message", zap.Error(err))
		c.sendError("invalid_message", err)
		return
	}

	switch m := msg.(type) {
	case *PingMessage:
		c.sendJSON(CreatePongMessage(m.Data))
	case *VoiceCommandMessage:
		if m.Type == MessageTypeVoiceConnect {
			c.goAsync(c.handleVoiceConnect)
		} else {
			c.goAsync(c.handleVoiceDisconnect)
		}
	case *ChatSendMessage:
		c.goAsync(func(ctx context.Context) { c.handleChatSend(ctx, m.Text) })
	case *SetModeMessage:
		c.goAsync(func(ctx context.Context) { c.handleSetMode(ctx, m.Mode) })
	}
}

// goAsync runs fn off the read loop so a long turn or dial does not stall pongs
func (c *Client) goAsync(fn func(ctx context.Context)) {
	go fn(c.hub.context())
}

func (c *Client) handleVoiceConnect(ctx context.Context) {
	if err := c.hub.voice.Connect(ctx); err != nil {
		// the voice snapshot already carries the user facing message
		c.logger.Info("Voice connect failed", zap.Error(err))
		c.sendError(voiceErrorCode(err), err)
	}
}

func (c *Client) handleVoiceDisconnect(ctx context.Context) {
	if err := c.hub.voice.Disconnect(ctx); err != nil {
		c.logger.Warn("Voice disconnect failed", zap.Error(err))
		c.sendError("voice_disconnect_failed", err)
	}
}

func (c *Client) handleChatSend(ctx context.Context, text string) {
	_, err := c.hub.chat.Send(ctx, text, nil)
	if err == nil {
		return
	}

	code := "chat_failed"
	var configErr *domain.ConfigError
	switch {
	case errors.Is(err, usecase.ErrTurnInProgress):
		code = "chat_busy"
	case errors.Is(err, usecase.ErrEmptyMessage):
		code = "invalid_message"
	case errors.As(err, &configErr):
		code = "config_error"
	}
	c.logger.Warn("Chat send failed", zap.String("code", code), zap.Error(err))
	c.sendError(code, err)
}

func (c *Client) handleSetMode(ctx context.Context, mode entities.Mode) {
	if err := c.hub.modes.SetMode(ctx, mode); err != nil {
		c.logger.Warn("Set mode failed", zap.Error(err))
		c.sendError("set_mode_failed", err)
		return
	}
	c.hub.Broadcast(CreateModeMessage(c.hub.modes.Mode()))
}

func voiceErrorCode(err error) string {
	var configErr *domain.ConfigError
	var permissionErr *domain.PermissionError
	switch {
	case errors.As(err, &configErr):
		return "config_error"
	case errors.As(err, &permissionErr):
		return "permission_denied"
	default:
		return "voice_connect_failed"
	}
}

func mustMarshal(msg interface{}) []byte {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return payload
}
