package websocket

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/chatbroker/chatbroker/internal/common/logger"
	"github.com/chatbroker/chatbroker/internal/events/bus"
)

// Gateway bundles the hub, the bus feed, and the HTTP handler for the live
// event stream.
type Gateway struct {
	Hub     *Hub
	Feed    *EventFeed
	Handler *Handler
	logger  *logger.Logger
}

// Provide creates the WebSocket gateway and subscribes it to the event bus.
// The hub loop still has to be started with Run.
func Provide(ctx context.Context, eventBus bus.EventBus, log *logger.Logger) *Gateway {
	hub := NewHub(log)
	feed := RegisterEventFeed(ctx, eventBus, hub, log)
	handler := NewHandler(hub, log)

	return &Gateway{
		Hub:     hub,
		Feed:    feed,
		Handler: handler,
		logger:  log,
	}
}

// SetupRoutes adds the WebSocket routes to the Gin engine
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws/events", g.Handler.HandleConnection)
}

// Run drives the hub loop until ctx is cancelled. It always returns nil so it
// can run under an errgroup without tearing down its siblings.
func (g *Gateway) Run(ctx context.Context) error {
	g.Hub.Run(ctx)
	return nil
}
