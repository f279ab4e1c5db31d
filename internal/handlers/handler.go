package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"signalcore/internal/models"
	"signalcore/internal/orchestrator"
	"signalcore/internal/store"
)

// JobQueue is the part of the job queue exposed to operators.
type JobQueue interface {
	ListFailed(ctx context.Context, limit int) ([]models.Job, error)
	Retry(ctx context.Context, id uint) error
}

// Handler serves the ops API of a scheduler process.
type Handler struct {
	Signals  store.SignalStore
	Jobs     JobQueue
	Snapshot func() orchestrator.Snapshot
}

// Health reports liveness of the HTTP server itself.
func (h *Handler) Health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// pagination reads page and page_size query params, defaulting to 1 and 10.
func pagination(c *gin.Context) (page, pageSize int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "10"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}
