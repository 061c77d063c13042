// Package admin is the operator surface over the job store: counts,
// throughput, job inspection and the few manual state changes operators
// are allowed to make.
package admin

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joshu-sajeev/kapublish/common"
	"github.com/joshu-sajeev/kapublish/internal/config"
	"github.com/joshu-sajeev/kapublish/internal/dto"
	"github.com/joshu-sajeev/kapublish/internal/job"
	"github.com/joshu-sajeev/kapublish/internal/queue"
	"github.com/joshu-sajeev/kapublish/internal/store"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Operator actions are narrower than the state machine: ACTIVE -> QUEUED
// exists for crash recovery, not for operators.
var (
	requeueFrom = []config.JobState{config.JobStateFailed}
	cancelFrom  = []config.JobState{config.JobStateQueued, config.JobStateRetryPending}
)

// Settings are the static figures echoed by the overview.
type Settings struct {
	Workers          int
	MaxQueueDepth    int
	MaxInFlight      int
	ThroughputWindow time.Duration
}

type Service struct {
	store    store.JobStore
	queue    *queue.Queue
	settings Settings
	log      *zap.SugaredLogger
	now      func() time.Time
}

type Option func(*Service)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Service) { s.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds the admin service. A nil store makes every call report
// the surface unavailable.
func NewService(s store.JobStore, q *queue.Queue, settings Settings, opts ...Option) *Service {
	if settings.ThroughputWindow <= 0 {
		settings.ThroughputWindow = 5 * time.Minute
	}
	svc := &Service{
		store:    s,
		queue:    q,
		settings: settings,
		log:      zap.NewNop().Sugar(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// available refuses to serve from a store that is missing or unreachable,
// so callers never see stale or made-up figures.
func (s *Service) available(ctx context.Context) error {
	if s.store == nil {
		return common.Errf(http.StatusServiceUnavailable, "admin surface unavailable: job store not configured")
	}
	if err := s.store.Ping(ctx); err != nil {
		s.log.Warnw("job store unreachable", "error", err)
		return common.Errf(http.StatusServiceUnavailable, "admin surface unavailable: job store unreachable")
	}
	return nil
}

func (s *Service) QueueMetrics(ctx context.Context) (*dto.QueueMetricsDTO, error) {
	if err := s.available(ctx); err != nil {
		return nil, err
	}

	counts, err := s.store.CountsByState(ctx)
	if err != nil {
		return nil, s.storeError(err, "counting jobs")
	}

	window := s.settings.ThroughputWindow
	completed, err := s.store.CountCompletedSince(ctx, s.now().Add(-window))
	if err != nil {
		return nil, s.storeError(err, "counting completed jobs")
	}

	return &dto.QueueMetricsDTO{
		Counts:              dto.NewStateCounts(counts),
		ThroughputPerMinute: float64(completed) / window.Minutes(),
	}, nil
}

func (s *Service) Overview(ctx context.Context) (*dto.QueueOverviewDTO, error) {
	m, err := s.QueueMetrics(ctx)
	if err != nil {
		return nil, err
	}
	return &dto.QueueOverviewDTO{
		QueueMetricsDTO: *m,
		Workers:         s.settings.Workers,
		MaxQueueDepth:   s.settings.MaxQueueDepth,
		MaxInFlight:     s.settings.MaxInFlight,
	}, nil
}

// ListJobs pages through jobs oldest first, optionally narrowed by state or
// source id.
func (s *Service) ListJobs(ctx context.Context, filter store.ListFilter) (*dto.JobListDTO, error) {
	if filter.State != "" && !filter.State.Valid() {
		return nil, common.NewAPIError(http.StatusBadRequest, "unknown state", map[string]any{
			"provided": filter.State,
			"allowed":  config.AllJobStates,
		})
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, common.Errf(http.StatusBadRequest, "limit and offset must not be negative")
	}
	if filter.Limit == 0 {
		filter.Limit = defaultPageSize
	}
	filter.Limit = min(filter.Limit, maxPageSize)

	if err := s.available(ctx); err != nil {
		return nil, err
	}

	jobs, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, s.storeError(err, "listing jobs")
	}

	out := &dto.JobListDTO{Jobs: make([]dto.JobResponseDTO, 0, len(jobs)), Limit: filter.Limit, Offset: filter.Offset}
	for i := range jobs {
		out.Jobs = append(out.Jobs, job.ToResponse(&jobs[i]))
	}
	return out, nil
}

func (s *Service) GetJob(ctx context.Context, id string) (*dto.JobResponseDTO, error) {
	if err := s.available(ctx); err != nil {
		return nil, err
	}

	j, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, s.storeError(err, "reading job")
	}
	resp := job.ToResponse(j)
	return &resp, nil
}

// Requeue sends a failed job back to the queue with a fresh retry budget.
// It is the only way out of FAILED.
func (s *Service) Requeue(ctx context.Context, id string) (*dto.JobResponseDTO, error) {
	return s.operate(ctx, id, "requeue", requeueFrom, config.JobStateQueued, func(j *dto.JobResponseDTO) store.Transition {
		return store.Transition{
			From:           j.Status,
			To:             config.JobStateQueued,
			Attempts:       store.Ptr(0),
			ClearLastError: true,
		}
	})
}

// Cancel withdraws a job that has not been dispatched yet. An ACTIVE job has
// already been sent to the network and cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id string) (*dto.JobResponseDTO, error) {
	return s.operate(ctx, id, "cancel", cancelFrom, config.JobStateCancelled, func(j *dto.JobResponseDTO) store.Transition {
		return store.Transition{From: j.Status, To: config.JobStateCancelled}
	})
}

func (s *Service) operate(
	ctx context.Context,
	id, action string,
	from []config.JobState,
	to config.JobState,
	build func(*dto.JobResponseDTO) store.Transition,
) (*dto.JobResponseDTO, error) {
	current, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(from, current.Status) {
		return nil, illegalTransition(action, current.Status, to)
	}

	err = s.store.Transition(ctx, id, build(current))
	var dup *store.DuplicateSourceError
	switch {
	case err == nil:
	case errors.As(err, &dup):
		return nil, common.NewAPIError(http.StatusConflict, "another job for this source id is in flight", map[string]any{
			"sourceId":      dup.SourceID,
			"existingJobId": dup.Existing.ID,
			"existingState": dup.Existing.State,
		}).WithCode(common.CodeDuplicateActiveSource)
	case errors.Is(err, store.ErrStateConflict):
		// lost a race with a worker or another operator
		latest, getErr := s.store.Get(ctx, id)
		if getErr != nil {
			return nil, s.storeError(getErr, "re-reading job")
		}
		return nil, illegalTransition(action, latest.State, to)
	case errors.Is(err, store.ErrIllegalTransition):
		return nil, illegalTransition(action, current.Status, to)
	default:
		return nil, s.storeError(err, action)
	}

	if to == config.JobStateQueued && s.queue != nil {
		s.queue.Signal()
	}
	s.log.Infow("operator action", "action", action, "job_id", id, "source_id", current.SourceID,
		"from", current.Status, "to", to, "previous_attempts", current.Attempts)

	return s.GetJob(ctx, id)
}

// Purge deletes terminal jobs last touched more than olderThan ago.
func (s *Service) Purge(ctx context.Context, olderThan time.Duration) (*dto.PurgeResultDTO, error) {
	if olderThan <= 0 {
		return nil, common.NewAPIError(http.StatusBadRequest, "olderThan must be positive", map[string]any{"olderThan": olderThan.String()})
	}
	if err := s.available(ctx); err != nil {
		return nil, err
	}

	cutoff := s.now().Add(-olderThan).UTC()
	n, err := s.store.PurgeTerminal(ctx, cutoff)
	if err != nil {
		return nil, s.storeError(err, "purging jobs")
	}
	s.log.Infow("operator purge", "deleted", n, "cutoff", cutoff)
	return &dto.PurgeResultDTO{Deleted: n, Cutoff: cutoff}, nil
}

func illegalTransition(action string, from, to config.JobState) error {
	return common.NewAPIError(http.StatusConflict, "illegal state transition", map[string]any{
		"action": action,
		"from":   from,
		"to":     to,
	}).WithCode(common.CodeIllegalTransition)
}

func (s *Service) storeError(err error, op string) error {
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		return common.Errf(http.StatusNotFound, "job not found")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return common.Errf(http.StatusRequestTimeout, "request timeout")
	default:
		s.log.Errorw("admin store call failed", "op", op, "error", err)
		return common.Errf(http.StatusServiceUnavailable, "admin surface unavailable: %s failed", op)
	}
}
