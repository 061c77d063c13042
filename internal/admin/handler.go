package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joshu-sajeev/kapublish/common"
	"github.com/joshu-sajeev/kapublish/internal/config"
	"github.com/joshu-sajeev/kapublish/internal/store"
	"github.com/joshu-sajeev/kapublish/middleware"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterMetrics mounts the public queue metrics read.
func (h *Handler) RegisterMetrics(r gin.IRouter) {
	r.GET("/metrics/queue", h.QueueMetrics)
}

// RegisterAdmin mounts the operator routes. Callers put auth in front.
func (h *Handler) RegisterAdmin(r gin.IRouter) {
	r.GET("/queues", h.Overview)
	r.GET("/queues/jobs", h.ListJobs)
	r.GET("/queues/jobs/:id", h.GetJob)
	r.POST("/queues/jobs/:id/requeue", h.Requeue)
	r.POST("/queues/jobs/:id/cancel", h.Cancel)
	r.POST("/queues/purge", h.Purge)
}

func (h *Handler) QueueMetrics(c *gin.Context) {
	resp, err := h.service.QueueMetrics(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Overview(c *gin.Context) {
	resp, err := h.service.Overview(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ListJobs handles GET /admin/queues/jobs?state=&sourceId=&limit=&offset=.
func (h *Handler) ListJobs(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		c.Error(err)
		return
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		c.Error(err)
		return
	}

	resp, err := h.service.ListJobs(c.Request.Context(), store.ListFilter{
		State:    config.JobState(c.Query("state")),
		SourceID: c.Query("sourceId"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetJob(c *gin.Context) {
	resp, err := h.service.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Requeue(c *gin.Context) {
	resp, err := h.service.Requeue(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Cancel(c *gin.Context) {
	resp, err := h.service.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type purgeRequest struct {
	OlderThan string `json:"olderThan" validate:"required"`
}

// Purge handles POST /admin/queues/purge with {"olderThan":"720h"}.
func (h *Handler) Purge(c *gin.Context) {
	var req purgeRequest
	if !middleware.Bind(c, &req) {
		return
	}

	olderThan, err := time.ParseDuration(req.OlderThan)
	if err != nil {
		c.Error(common.NewAPIError(http.StatusBadRequest, "olderThan must be a duration such as 720h", map[string]any{
			"olderThan": req.OlderThan,
		}))
		return
	}

	resp, err := h.service.Purge(c.Request.Context(), olderThan)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, common.NewAPIError(http.StatusBadRequest, key+" must be an integer", map[string]any{key: raw})
	}
	return n, nil
}
