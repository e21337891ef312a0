package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/chatbroker/chatbroker/internal/broker/admission"
	"github.com/chatbroker/chatbroker/internal/broker/dispatch"
	"github.com/chatbroker/chatbroker/internal/broker/ingest"
	"github.com/chatbroker/chatbroker/internal/broker/repository"
	"github.com/chatbroker/chatbroker/internal/broker/session"
	"github.com/chatbroker/chatbroker/internal/common/logger"
	"github.com/chatbroker/chatbroker/internal/events/bus"
)

// SetupRoutes configures the broker API routes.
func SetupRoutes(router *gin.Engine, adm *admission.Controller, mgr *session.Manager,
	disp *dispatch.Dispatcher, ing *ingest.Ingestor, repo *repository.Repository,
	eventBus bus.EventBus, log *logger.Logger) {
	handler := NewHandler(adm, mgr, disp, ing, repo, eventBus, log)

	router.GET("/", handler.Root)
	router.GET("/health", handler.Health)

	api := router.Group("/api")
	{
		sessions := api.Group("/sessions")
		{
			sessions.POST("/create", handler.CreateSession)
			sessions.POST("/:sessionId/complete", handler.CompleteSession)
			sessions.GET("/:sessionId/status", handler.SessionStatus)
		}

		tasks := api.Group("/tasks")
		{
			tasks.GET("/next_id", handler.NextTaskID)
			tasks.GET("/pending", handler.PendingTasks)
			tasks.GET("/:taskId/send_info", handler.SendInfo)
		}

		messages := api.Group("/messages")
		{
			messages.POST("/batch", handler.MessageBatch)
		}
	}
}
