package handler

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/bookgen/api/internal/notify"
	"github.com/bookgen/api/pkg/response"
)

type NotificationHandler struct {
	hub *notify.Hub
}

func NewNotificationHandler(hub *notify.Hub) *NotificationHandler {
	return &NotificationHandler{hub: hub}
}

// Upgrade checks a /ws/notifications request before the websocket handshake
func (h *NotificationHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if c.Query("user_id") == "" && c.Query("job_id") == "" {
		return response.ValidationError(c, "user_id or job_id is required", nil)
	}
	return c.Next()
}

// Subscribe handles GET /ws/notifications
func (h *NotificationHandler) Subscribe() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		h.hub.HandleConnection(c, c.Query("user_id"), c.Query("job_id"))
	})
}
