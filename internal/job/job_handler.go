package job

import (
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/joshu-sajeev/kapublish/common"
	"github.com/joshu-sajeev/kapublish/internal/dto"
)

type JobHandler struct {
	service JobServiceInterface
}

func NewJobHandler(s JobServiceInterface) *JobHandler {
	return &JobHandler{service: s}
}

var _ JobHandlerInterface = (*JobHandler)(nil)

// Create handles POST /api/dkg/assets. Only JSON syntax is checked here;
// admission and field validation happen in the service, in that order.
// Acceptance is asynchronous: 202 with the job id and state.
func (h *JobHandler) Create(c *gin.Context) {
	var req dto.PublishRequest

	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.Error(common.Errf(http.StatusBadRequest, "invalid json: %v", err).WithCode(common.CodeInvalidJSON))
		return
	}

	resp, err := h.service.Enqueue(c.Request.Context(), &req)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

// Get handles GET /api/dkg/assets/:id.
func (h *JobHandler) Get(c *gin.Context) {
	resp, err := h.service.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// RegisterRoutes mounts the intake routes on r.
func (h *JobHandler) RegisterRoutes(r gin.IRouter) {
	r.POST("/assets", h.Create)
	r.GET("/assets/:id", h.Get)
}
