package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"asset-monitor/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256
)

const (
	MessagePriceAlert = "price_alert"
	MessageRiskAlert  = "risk_alert"
)

// Envelope is the frame pushed to websocket clients.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// WebSocketHub bridges AlertHub events to connected browsers. Each client
// holds one price and one risk subscription for its user.
type WebSocketHub struct {
	alerts     *AlertHub
	clients    map[*WebSocketClient]bool
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	done       chan struct{}
	log        *zap.Logger
}

type WebSocketClient struct {
	hub    *WebSocketHub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	subs   []string

	mu     sync.Mutex
	closed bool
}

func NewWebSocketHub(alerts *AlertHub, log *zap.Logger) *WebSocketHub {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocketHub{
		alerts:     alerts,
		clients:    make(map[*WebSocketClient]bool),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run owns the client set until ctx is cancelled.
func (h *WebSocketHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			client.subs = []string{
				h.alerts.SubscribePrice(client.userID, func(a models.PriceAlert) {
					client.push(MessagePriceAlert, a)
				}),
				h.alerts.SubscribeRisk(client.userID, func(a models.RiskAlert) {
					client.push(MessageRiskAlert, a)
				}),
			}
			h.log.Info("websocket client connected",
				zap.String("user_id", client.userID),
				zap.Int("clients", len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
				h.log.Info("websocket client disconnected",
					zap.String("user_id", client.userID),
					zap.Int("clients", len(h.clients)))
			}
		}
	}
}

func (h *WebSocketHub) drop(client *WebSocketClient) {
	for _, id := range client.subs {
		h.alerts.Unregister(id)
	}
	delete(h.clients, client)
	client.close()
}

// RegisterClient hands conn to the hub. It returns nil once the hub has
// stopped.
func (h *WebSocketHub) RegisterClient(conn *websocket.Conn, userID string) *WebSocketClient {
	client := &WebSocketClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		userID: userID,
	}
	select {
	case h.register <- client:
		return client
	case <-h.done:
		return nil
	}
}

func (h *WebSocketHub) leave(c *WebSocketClient) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// push runs on the emitting goroutine and must not block it. A client whose
// buffer is full is disconnected.
func (c *WebSocketClient) push(kind string, data any) {
	message, err := json.Marshal(Envelope{Type: kind, Data: data})
	if err != nil {
		c.hub.log.Error("marshal alert", zap.String("type", kind), zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- message:
	default:
		go c.hub.leave(c)
	}
}

func (c *WebSocketClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *WebSocketClient) ReadPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("websocket read", zap.String("user_id", c.userID), zap.Error(err))
			}
			break
		}
	}
}

func (c *WebSocketClient) WritePump() {
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

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
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
