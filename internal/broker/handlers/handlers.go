// Package handlers exposes the broker over HTTP: admission, completion and
// status for producers, the pull-based task feed for RPA workers, and the
// message batch upload for capture agents.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chatbroker/chatbroker/internal/broker/admission"
	"github.com/chatbroker/chatbroker/internal/broker/dispatch"
	"github.com/chatbroker/chatbroker/internal/broker/ingest"
	"github.com/chatbroker/chatbroker/internal/broker/models"
	"github.com/chatbroker/chatbroker/internal/broker/repository"
	"github.com/chatbroker/chatbroker/internal/broker/session"
	apperrors "github.com/chatbroker/chatbroker/internal/common/errors"
	"github.com/chatbroker/chatbroker/internal/common/logger"
	"github.com/chatbroker/chatbroker/internal/events/bus"
	v1 "github.com/chatbroker/chatbroker/pkg/api/v1"
)

const apiVersion = "1.0.0"

// Handler bundles the broker components behind the HTTP surface.
type Handler struct {
	admission  *admission.Controller
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher
	ingestor   *ingest.Ingestor
	repo       *repository.Repository
	bus        bus.EventBus
	logger     *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(adm *admission.Controller, sessions *session.Manager, disp *dispatch.Dispatcher,
	ing *ingest.Ingestor, repo *repository.Repository, eventBus bus.EventBus, log *logger.Logger) *Handler {
	return &Handler{
		admission:  adm,
		sessions:   sessions,
		dispatcher: disp,
		ingestor:   ing,
		repo:       repo,
		bus:        eventBus,
		logger:     log,
	}
}

// Root reports liveness.
// GET /
func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "chatbroker API is running",
		"version": apiVersion,
	})
}

// Health reports store reachability, event bus status, per-status task counts
// and the live queue depth.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	counts, err := h.repo.CountTasksByStatus(c.Request.Context())
	if err != nil {
		h.logger.Error("Health check failed to reach the store", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}

	busStatus := "connected"
	if !h.bus.IsConnected() {
		busStatus = "disconnected"
	}
	resp := gin.H{
		"status":    "healthy",
		"event_bus": busStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"tasks":     counts,
	}
	// The queue is advisory; failing to read its depth is not a health fault.
	if depth, err := h.dispatcher.QueueDepth(c.Request.Context()); err == nil {
		resp["queue_depth"] = depth
	} else {
		h.logger.Warn("Health check failed to read queue depth", zap.Error(err))
	}
	c.JSON(http.StatusOK, resp)
}

// CreateSession admits a producer's bid for a conversation slot.
// POST /api/sessions/create
func (h *Handler) CreateSession(c *gin.Context) {
	var req v1.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.Err(apperrors.CodeValidation, err.Error()))
		return
	}

	res, err := h.admission.Admit(c.Request.Context(), &admission.Request{
		AccountID:          req.AccountID,
		ShopID:             req.ShopID,
		ShopName:           req.ShopName,
		Platform:           req.Platform,
		TaskType:           models.TaskType(req.TaskType),
		ExternalTaskID:     req.ExternalTaskID,
		SendContent:        req.SendContent,
		MaxInactiveMinutes: req.MaxInactiveMinutes,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	if res.Outcome == admission.OutcomeConflict {
		c.JSON(http.StatusConflict, v1.ErrWithData(apperrors.CodeUnavailable,
			fmt.Sprintf("account '%s' already owns a session with shop '%s'", req.AccountID, req.ShopID),
			v1.ConflictData{
				ConflictSessionID: res.Conflict.ID,
				ConflictTaskType:  string(res.Conflict.TaskType),
			}))
		return
	}

	// Accepted and replayed requests look identical to the producer.
	c.JSON(http.StatusOK, v1.OK("会话任务创建成功", v1.CreateSessionData{
		SessionID:      res.Session.ID,
		ExternalTaskID: res.Task.ExternalTaskID,
		TaskType:       string(res.Session.TaskType),
		Priority:       res.Session.Priority,
		CreatedAt:      res.Session.CreatedAt,
	}))
}

// CompleteSession reports the outcome of the session's outstanding send.
// POST /api/sessions/:sessionId/complete
func (h *Handler) CompleteSession(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req v1.CompleteSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.Err(apperrors.CodeValidation, err.Error()))
		return
	}

	sess, err := h.dispatcher.Complete(c.Request.Context(), sessionID, req.Success, req.ErrorMessage)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, v1.OK("会话任务完成成功", v1.CompleteSessionData{
		SessionID:   sess.ID,
		Success:     req.Success,
		State:       string(sess.State),
		CompletedAt: time.Now().UTC(),
	}))
}

// SessionStatus returns one session's detail.
// GET /api/sessions/:sessionId/status
func (h *Handler) SessionStatus(c *gin.Context) {
	sess, err := h.sessions.Get(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.OK("获取会话状态成功", sess.ToStatusData()))
}

// NextTaskID pops the next queued task id. An empty queue is not an error:
// workers poll on their own schedule.
// GET /api/tasks/next_id
func (h *Handler) NextTaskID(c *gin.Context) {
	taskID, ok, err := h.dispatcher.NextTaskID(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, v1.Response{
			Success: false,
			Message: "当前没有待处理的任务",
			Data:    v1.NextTaskData{},
		})
		return
	}

	id := strconv.FormatInt(taskID, 10)
	now := time.Now().UTC()
	c.JSON(http.StatusOK, v1.OK("获取任务成功", v1.NextTaskData{TaskID: &id, Timestamp: &now}))
}

// SendInfo returns the payload for one send and flips the task to SENT on
// first read.
// GET /api/tasks/:taskId/send_info
func (h *Handler) SendInfo(c *gin.Context) {
	taskID, err := strconv.ParseInt(c.Param("taskId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, v1.Err(apperrors.CodeValidation, "task_id must be an integer"))
		return
	}

	task, err := h.dispatcher.GetSendInfo(c.Request.Context(), taskID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, v1.OK("获取发送信息成功", v1.SendInfoData{
		SendContent: task.SendContent,
		SendURL:     task.SendURL,
		ShopName:    task.ShopName,
	}))
}

// PendingTasks lists undispatched send tasks, most urgent first.
// GET /api/tasks/pending?limit=N
func (h *Handler) PendingTasks(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil {
		c.JSON(http.StatusBadRequest, v1.Err(apperrors.CodeValidation, "limit must be an integer"))
		return
	}

	pending, err := h.dispatcher.ListPending(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}

	data := v1.PendingTasksData{
		Tasks: make([]v1.PendingTask, 0, len(pending)),
		Count: len(pending),
		Limit: limit,
	}
	for _, p := range pending {
		data.Tasks = append(data.Tasks, p.Task.ToPendingAPI(p.Priority))
	}
	c.JSON(http.StatusOK, v1.OK("获取待处理任务成功", data))
}

// MessageBatch ingests one captured conversation slice.
// POST /api/messages/batch
func (h *Handler) MessageBatch(c *gin.Context) {
	var req v1.MessageBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.Err(apperrors.CodeValidation, err.Error()))
		return
	}

	msgs, parseErrs := ingest.ParseBatch(req.Messages)
	if len(msgs) == 0 {
		c.JSON(http.StatusBadRequest, v1.Err(apperrors.CodeValidation, "no parseable messages in batch"))
		return
	}

	res, err := h.ingestor.Ingest(c.Request.Context(), &ingest.Request{
		ShopName:           req.ShopName,
		Platform:           req.Platform,
		AccountID:          req.AccountID,
		MaxInactiveMinutes: req.MaxInactiveMinutes,
		Messages:           msgs,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, v1.OK("消息批处理成功", v1.MessageBatchData{
		Processed:         res.Processed,
		Skipped:           res.Skipped,
		ActiveSessionID:   res.ActiveSessionID,
		SessionOperations: res.SessionOperations,
		Errors:            append(res.Errors, parseErrs...),
	}))
}

// respondError maps component errors onto the envelope. Unexpected errors
// never leak details to the caller.
func (h *Handler) respondError(c *gin.Context, err error) {
	log := h.logger.WithContext(c.Request.Context())

	// A context deadline firing mid-operation surfaces as a timeout, not as a
	// generic internal error.
	if errors.Is(err, context.DeadlineExceeded) {
		err = apperrors.DeadlineExceeded(c.Request.URL.Path)
	}

	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		log.Error("Unexpected handler error",
			zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.JSON(http.StatusInternalServerError, v1.Err(apperrors.CodeInternal, "内部服务器错误"))
		return
	}

	if appErr.HTTPStatus >= http.StatusInternalServerError {
		log.Error("Request failed",
			zap.String("path", c.Request.URL.Path),
			zap.String("code", appErr.Code),
			zap.Error(appErr))
	}
	c.JSON(appErr.HTTPStatus, v1.Err(appErr.Code, appErr.Message))
}
