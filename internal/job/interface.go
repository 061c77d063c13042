package job

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/joshu-sajeev/kapublish/internal/dto"
)

// JobServiceInterface is the one enqueue/status path shared by the HTTP
// intake and the agent tool.
type JobServiceInterface interface {
	Enqueue(ctx context.Context, req *dto.PublishRequest) (*dto.EnqueueResponse, error)
	GetStatus(ctx context.Context, id string) (*dto.JobResponseDTO, error)
}

// JobHandlerInterface defines the contract for HTTP request handlers.
type JobHandlerInterface interface {
	Create(c *gin.Context)
	Get(c *gin.Context)
}
