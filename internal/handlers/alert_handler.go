package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"asset-monitor/internal/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// AlertHandler streams the caller's price and risk alerts over a websocket.
type AlertHandler struct {
	hub *services.WebSocketHub
	log *zap.Logger
}

func NewAlertHandler(hub *services.WebSocketHub, log *zap.Logger) *AlertHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AlertHandler{hub: hub, log: log}
}

func (h *AlertHandler) Stream(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.log.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	client := h.hub.RegisterClient(conn, userID)
	if client == nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
