package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/z-korp/daydreams/dispatcher/internal/db"
	"github.com/z-korp/daydreams/dispatcher/internal/engine"
	"github.com/z-korp/daydreams/dispatcher/internal/event"
	"github.com/z-korp/daydreams/dispatcher/internal/flow"
)

// ─── Dispatch ───

type dispatchRequest struct {
	Source string             `json:"source" binding:"required"`
	Items  []flow.ContentItem `json:"items" binding:"required,min=1"`
}

type dispatchResponse struct {
	Outputs []engine.OutputRecord `json:"outputs"`
}

func (s *Server) handleDispatch(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	}

	outputs, err := s.dispatcher.Run(c.Request.Context(), req.Items, req.Source)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, engine.ErrFanOutLimit) {
			status = http.StatusUnprocessableEntity
		}
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "outputs": outputs})
		return
	}
	if outputs == nil {
		outputs = []engine.OutputRecord{}
	}
	c.JSON(http.StatusOK, dispatchResponse{Outputs: outputs})
}

// ─── Tasks ───

type createTaskRequest struct {
	HandlerName string          `json:"handler_name" binding:"required"`
	Data        json.RawMessage `json:"data"`
	NextRunAt   *time.Time      `json:"next_run_at"`
	IntervalMs  int64           `json:"interval_ms"`
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.IntervalMs < 0 {
		abortWithError(c, http.StatusBadRequest, "interval_ms must not be negative")
		return
	}

	runAt := time.Now()
	if req.NextRunAt != nil {
		runAt = *req.NextRunAt
	}
	taskReq := flow.TaskRequest{HandlerName: req.HandlerName, Data: req.Data, NextRunAt: runAt, IntervalMs: req.IntervalMs}

	id, err := s.store.CreateTask(c.Request.Context(), taskReq.HandlerName, taskReq.Data, taskReq.NextRunAt, taskReq.Interval())
	if err != nil {
		s.logger.Errorw("Failed to create task", "handler", req.HandlerName, "error", err)
		abortWithError(c, http.StatusInternalServerError, "failed to create task")
		return
	}
	s.eventBus.Publish(&event.Event{
		Type:    event.TypeTasksScheduled,
		Source:  "api",
		Handler: req.HandlerName,
		TaskID:  id,
		Data:    map[string]any{"count": 1},
	})
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) handleListTasks(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			abortWithError(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	tasks, err := s.store.ListTasks(c.Request.Context(), c.Query("status"), limit)
	if err != nil {
		s.logger.Errorw("Failed to list tasks", "error", err)
		abortWithError(c, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*db.ScheduledTask{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.store.GetTask(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrTaskNotFound) {
		abortWithError(c, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Errorw("Failed to get task", "task_id", c.Param("id"), "error", err)
		abortWithError(c, http.StatusInternalServerError, "failed to get task")
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleDeleteTasks(c *gin.Context) {
	if err := s.store.DeleteAll(c.Request.Context()); err != nil {
		s.logger.Errorw("Failed to delete tasks", "error", err)
		abortWithError(c, http.StatusInternalServerError, "failed to delete tasks")
		return
	}
	c.Status(http.StatusNoContent)
}

// ─── Ledger ───

func (s *Server) handleListSteps(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"steps": s.ledger.Steps()})
}

func (s *Server) handleGetStep(c *gin.Context) {
	step, ok := s.ledger.GetStepByID(c.Param("id"))
	if !ok {
		abortWithError(c, http.StatusNotFound, "step not found")
		return
	}
	c.JSON(http.StatusOK, step)
}

// ─── Events ───

// handleEvents streams bus events as server-sent events. ?thread_id= narrows
// the stream to one thread.
func (s *Server) handleEvents(c *gin.Context) {
	threadID := c.Query("thread_id")
	s.logger.Infow("EventStream started", "thread_id", threadID)

	channel := "*"
	if threadID != "" {
		channel = "thread:" + threadID
	}

	ch := make(chan *event.Event, 100)
	unsubscribe := s.eventBus.Subscribe(channel, func(evt *event.Event) {
		select {
		case ch <- evt:
		default:
			// Channel full, drop event (client too slow)
			s.logger.Warnw("Event dropped, client too slow", "event_type", evt.Type)
		}
	})
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	ctx := c.Request.Context()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			s.logger.Infow("EventStream closed", "thread_id", threadID)
			return false
		case evt := <-ch:
			c.SSEvent(evt.Type, evt)
			return true
		}
	})
}
