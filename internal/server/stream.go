package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/windsayl/internal/notifications"
)

type notificationEventPayload struct {
	Source       string                     `json:"source"`
	Timestamp    time.Time                  `json:"timestamp"`
	Notification notifications.Notification `json:"notification"`
}

type heartbeatEventPayload struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// handleNotificationStream holds a server-sent event stream open and relays the
// actor's new notifications until the client disconnects.
func (h *httpHandler) handleNotificationStream(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": messageUnauthorized})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, actor.Handle)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	h.writeHeartbeat(c)
	h.logger.Debug("notification stream opened", zap.String("handle", actor.Handle))

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("notification stream closed", zap.String("handle", actor.Handle))
			return
		case message, open := <-stream:
			if !open {
				return
			}
			c.SSEvent(message.EventType, notificationEventPayload{
				Source:       realtimeSourceBackend,
				Timestamp:    message.Timestamp,
				Notification: message.Notification,
			})
			c.Writer.Flush()
		case <-ticker.C:
			h.writeHeartbeat(c)
		}
	}
}

func (h *httpHandler) writeHeartbeat(c *gin.Context) {
	c.SSEvent(realtimeEventHeartbeat, heartbeatEventPayload{
		Source:    realtimeSourceBackend,
		Timestamp: time.Now().UTC(),
	})
	c.Writer.Flush()
}
