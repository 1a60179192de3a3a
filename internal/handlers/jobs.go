package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/watchedlabs/vframe/internal/jobs"
	"github.com/watchedlabs/vframe/internal/pkg/logger"
	"github.com/watchedlabs/vframe/internal/types"
)

// statusLogTail is how many trailing log lines GET /status returns.
const statusLogTail = 50

type JobHandler struct {
	log      *logger.Logger
	registry *jobs.Registry
	maxItems int
}

func NewJobHandler(log *logger.Logger, registry *jobs.Registry, maxItems int) *JobHandler {
	return &JobHandler{
		log:      log.With("handler", "JobHandler"),
		registry: registry,
		maxItems: maxItems,
	}
}

type processRequest struct {
	Items []types.WorkItem `json:"items"`
}

// Process accepts a batch of work items and returns the job id immediately;
// the work runs asynchronously under the registry's concurrency cap.
func (h *JobHandler) Process(c *gin.Context) {
	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.Items) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "items must not be empty"})
		return
	}
	if len(req.Items) > h.maxItems {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many items in one request"})
		return
	}
	for _, item := range req.Items {
		if strings.TrimSpace(item.Platform) == "" || strings.TrimSpace(item.Code) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "every item needs platform and code"})
			return
		}
	}

	job := h.registry.Submit(req.Items)
	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID.String()})
}

// Status returns the compact polling view: status, progress and the last
// few log lines.
func (h *JobHandler) Status(c *gin.Context) {
	job, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   job.Status(),
		"progress": job.Progress(),
		"log_tail": job.LogTail(statusLogTail),
	})
}

// GetJob returns the full job record including the buffered log and any
// finally-failed items.
func (h *JobHandler) GetJob(c *gin.Context) {
	job, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       job.Status(),
		"progress":     job.Progress(),
		"items":        job.Items,
		"logs":         job.Logs(),
		"failed_items": job.FailedItems(),
		"created_at":   job.CreatedAt,
	})
}

func (h *JobHandler) lookup(c *gin.Context) (*jobs.Job, bool) {
	id, err := uuid.Parse(c.Param("jobId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job id"})
		return nil, false
	}
	job, ok := h.registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job id"})
		return nil, false
	}
	return job, true
}

// NewHealthHandler builds the unauthenticated liveness probe; it reports the
// service identity alongside the plain ok.
func NewHealthHandler(collection, version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"collection": collection,
			"version":    version,
		})
	}
}
