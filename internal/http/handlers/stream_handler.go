// README: Server-sent events stream of the caller's booking state changes.
package handlers

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"movzz/internal/http/middleware"
	"movzz/internal/modules/notify"
	"movzz/internal/types"
)

const keepAliveInterval = 25 * time.Second

type StreamHandler struct {
	hub *notify.Hub
}

func NewStreamHandler(hub *notify.Hub) *StreamHandler {
	return &StreamHandler{hub: hub}
}

func (h *StreamHandler) Stream(c *gin.Context) {
	updates, unsubscribe := h.hub.Subscribe(types.ID(middleware.CallerUID(c)))
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("ready", "{}")
	c.Writer.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case payload, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent(notify.EventStateChanged, string(payload))
			return true
		case <-ticker.C:
			c.SSEvent("ping", "{}")
			return true
		}
	})
}
