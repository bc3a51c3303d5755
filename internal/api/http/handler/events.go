package handler

import (
	"io"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-overlay/internal/events"
	"github.com/gin-gonic/gin"
)

const heartbeatInterval = 15 * time.Second

type Subscriber interface {
	Subscribe(topics ...string) (<-chan events.Notification, func())
}

// EventsHandler streams the caller's tenant notifications as server-sent
// events. The topic set comes from the token, never from the request.
type EventsHandler struct {
	hub       Subscriber
	heartbeat time.Duration
}

func NewEventsHandler(hub Subscriber) *EventsHandler {
	return &EventsHandler{hub: hub, heartbeat: heartbeatInterval}
}

func (h *EventsHandler) Stream(ctx *gin.Context) {
	tenantID, ok := requireTenant(ctx)
	if !ok {
		return
	}

	feed, cancel := h.hub.Subscribe(events.TenantTopics(tenantID)...)
	defer cancel()

	slog.Info("Event stream opened", "tenant_id", tenantID, "client_ip", ctx.ClientIP())
	defer slog.Info("Event stream closed", "tenant_id", tenantID)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	ctx.Header("Cache-Control", "no-cache")
	ctx.Header("X-Accel-Buffering", "no")
	ctx.Stream(func(w io.Writer) bool {
		select {
		case n, ok := <-feed:
			if !ok {
				return false
			}
			ctx.SSEvent(string(n.Kind), n)
			return true
		case <-ticker.C:
			ctx.SSEvent("heartbeat", gin.H{"at": time.Now().UTC()})
			return true
		case <-ctx.Request.Context().Done():
			return false
		}
	})
}
