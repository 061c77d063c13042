package job

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/joshu-sajeev/kapublish/common"
	"github.com/joshu-sajeev/kapublish/internal/admission"
	"github.com/joshu-sajeev/kapublish/internal/config"
	"github.com/joshu-sajeev/kapublish/internal/dto"
	"github.com/joshu-sajeev/kapublish/internal/metrics"
	"github.com/joshu-sajeev/kapublish/internal/models"
	"github.com/joshu-sajeev/kapublish/internal/queue"
	"github.com/joshu-sajeev/kapublish/internal/store"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// Submission outcomes, used as metric labels.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
)

type JobService struct {
	store     store.JobStore
	admission *admission.Controller
	queue     *queue.Queue
	defaults  Defaults
	metrics   metrics.Metrics
	log       *zap.SugaredLogger
}

type Option func(*JobService)

func WithMetrics(m metrics.Metrics) Option {
	return func(s *JobService) { s.metrics = m }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *JobService) { s.log = log }
}

// NewJobService wires the facade. s may be nil when the store is not
// configured; every call then answers 503. q is only used to wake idle
// workers and may be nil.
func NewJobService(s store.JobStore, adm *admission.Controller, q *queue.Queue, d Defaults, opts ...Option) *JobService {
	svc := &JobService{
		store:     s,
		admission: adm,
		queue:     q,
		defaults:  d,
		metrics:   metrics.Noop{},
		log:       zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

var _ JobServiceInterface = (*JobService)(nil)

// Enqueue runs admission, then validation, then creates the job. A source id
// that already has a job in flight resolves to that job instead of an error.
func (s *JobService) Enqueue(ctx context.Context, req *dto.PublishRequest) (*dto.EnqueueResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, requestCanceled(err)
	}

	if err := s.admission.Admit(ctx); err != nil {
		return nil, err
	}
	if s.store == nil {
		return nil, common.DependencyUnavailable("store")
	}

	norm, err := ValidateRequest(req, s.defaults)
	if err != nil {
		s.metrics.IncSubmitted(OutcomeInvalid)
		return nil, err
	}

	payload, err := json.Marshal(norm)
	if err != nil {
		return nil, common.Errf(http.StatusInternalServerError, "failed to encode job payload")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, common.Errf(http.StatusInternalServerError, "failed to allocate job id")
	}

	job := &models.Job{
		ID:          id.String(),
		SourceID:    norm.SourceID,
		Source:      norm.Source,
		Payload:     datatypes.JSON(payload),
		State:       config.JobStateQueued,
		MaxAttempts: norm.MaxAttempts,
		Priority:    norm.Priority,
	}

	if err := s.store.Create(ctx, job); err != nil {
		var dup *store.DuplicateSourceError
		switch {
		case errors.As(err, &dup):
			s.metrics.IncSubmitted(OutcomeDuplicate)
			s.log.Infow("duplicate submission resolved to existing job",
				"source_id", norm.SourceID, "job_id", dup.Existing.ID, "state", dup.Existing.State)
			return &dto.EnqueueResponse{ID: dup.Existing.ID, Status: dup.Existing.State, Duplicate: true}, nil
		case isContextErr(err):
			return nil, requestCanceled(err)
		default:
			s.log.Errorw("creating job failed", "source_id", norm.SourceID, "error", err)
			return nil, common.DependencyUnavailable("store")
		}
	}

	if s.queue != nil {
		s.queue.Signal()
	}
	s.metrics.IncSubmitted(OutcomeAccepted)
	s.log.Infow("job accepted", "job_id", job.ID, "source_id", job.SourceID, "priority", job.Priority)

	return &dto.EnqueueResponse{ID: job.ID, Status: job.State}, nil
}

// GetStatus returns the current view of a job for polling callers.
func (s *JobService) GetStatus(ctx context.Context, id string) (*dto.JobResponseDTO, error) {
	if err := ctx.Err(); err != nil {
		return nil, requestCanceled(err)
	}
	if s.store == nil {
		return nil, common.DependencyUnavailable("store")
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, common.NewAPIError(http.StatusBadRequest, "invalid job id", map[string]any{"id": id})
	}

	job, err := s.store.Get(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrJobNotFound):
			return nil, common.Errf(http.StatusNotFound, "job %s not found", id)
		case isContextErr(err):
			return nil, requestCanceled(err)
		default:
			s.log.Errorw("reading job failed", "job_id", id, "error", err)
			return nil, common.DependencyUnavailable("store")
		}
	}

	resp := ToResponse(job)
	return &resp, nil
}

// ToResponse projects a stored job onto the wire shape shared by the status
// endpoint, the agent tool and the admin surface.
func ToResponse(job *models.Job) dto.JobResponseDTO {
	resp := dto.JobResponseDTO{
		ID:            job.ID,
		SourceID:      job.SourceID,
		Source:        job.Source,
		Payload:       json.RawMessage(job.Payload),
		Status:        job.State,
		Attempts:      job.Attempts,
		MaxAttempts:   job.MaxAttempts,
		Priority:      job.Priority,
		NextAttemptAt: job.NextAttemptAt,
		ClaimedBy:     job.ClaimedBy,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}
	if len(job.LastError) > 0 {
		var e dto.JobError
		if json.Unmarshal(job.LastError, &e) == nil {
			resp.LastError = &e
		}
	}
	if len(job.Result) > 0 {
		var r dto.PublishResult
		if json.Unmarshal(job.Result, &r) == nil {
			resp.Result = &r
		}
	}
	return resp
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func requestCanceled(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return common.Errf(http.StatusRequestTimeout, "request timeout")
	}
	return common.Errf(http.StatusRequestTimeout, "request was canceled")
}
