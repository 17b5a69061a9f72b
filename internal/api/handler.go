// Package api exposes the engine's control surface: start, wake, pause and
// resume per-workspace compute, plus queue, health and metrics endpoints.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lumotrack/audience-engine/internal/orchestrate"
)

type WorkspaceResponse struct {
	WorkspaceID string `json:"workspaceId"`
	Status      string `json:"status"`
}

type QueueSizeResponse struct {
	Size     int `json:"size"`
	Capacity int `json:"capacity"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type Handler struct {
	registry *orchestrate.Registry
	queue    *orchestrate.Queue
	router   *gin.Engine
	log      *zap.Logger
}

func NewHandler(registry *orchestrate.Registry, queue *orchestrate.Queue, log *zap.Logger) *Handler {
	h := &Handler{
		registry: registry,
		queue:    queue,
		router:   gin.Default(),
		log:      log,
	}

	h.registerRoutes()

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.router.GET("/health", h.healthCheck)
	h.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := h.router.Group("/api/v1")
	v1.POST("/workspaces/:id/start", h.startWorkspace)
	v1.POST("/workspaces/:id/recompute", h.recomputeWorkspace)
	v1.POST("/workspaces/:id/pause", h.pauseWorkspace)
	v1.POST("/workspaces/:id/resume", h.resumeWorkspace)
	v1.GET("/queue/size", h.queueSize)
}

func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// startWorkspace handles POST /api/v1/workspaces/:id/start. Starting a
// workspace whose loop is already running is a no-op.
func (h *Handler) startWorkspace(c *gin.Context) {
	workspaceID := c.Param("id")

	started := h.registry.Start(workspaceID)
	status := "already_running"
	if started {
		status = "started"
		h.log.Info("Workspace compute started", zap.String("workspace_id", workspaceID))
	}

	c.JSON(http.StatusAccepted, WorkspaceResponse{
		WorkspaceID: workspaceID,
		Status:      status,
	})
}

// recomputeWorkspace handles POST /api/v1/workspaces/:id/recompute. It wakes
// a running loop early, or enqueues the workspace when no loop is running.
func (h *Handler) recomputeWorkspace(c *gin.Context) {
	workspaceID := c.Param("id")

	if h.registry.Wake(workspaceID) {
		c.JSON(http.StatusAccepted, WorkspaceResponse{
			WorkspaceID: workspaceID,
			Status:      "woken",
		})
		return
	}

	h.queue.Enqueue(workspaceID)
	c.JSON(http.StatusAccepted, WorkspaceResponse{
		WorkspaceID: workspaceID,
		Status:      "enqueued",
	})
}

func (h *Handler) pauseWorkspace(c *gin.Context) {
	workspaceID := c.Param("id")

	if !h.registry.Pause(workspaceID) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "workspace has no running compute loop",
		})
		return
	}

	h.log.Info("Workspace compute paused", zap.String("workspace_id", workspaceID))
	c.JSON(http.StatusOK, WorkspaceResponse{
		WorkspaceID: workspaceID,
		Status:      "paused",
	})
}

func (h *Handler) resumeWorkspace(c *gin.Context) {
	workspaceID := c.Param("id")

	if !h.registry.Resume(workspaceID) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "workspace has no running compute loop",
		})
		return
	}

	h.log.Info("Workspace compute resumed", zap.String("workspace_id", workspaceID))
	c.JSON(http.StatusOK, WorkspaceResponse{
		WorkspaceID: workspaceID,
		Status:      "resumed",
	})
}

func (h *Handler) queueSize(c *gin.Context) {
	c.JSON(http.StatusOK, QueueSizeResponse{
		Size:     h.queue.Size(),
		Capacity: h.queue.Capacity(),
	})
}
