package admin

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/joshu-sajeev/kapublish/common"
	"github.com/joshu-sajeev/kapublish/internal/config"
	"github.com/joshu-sajeev/kapublish/internal/dto"
	"github.com/joshu-sajeev/kapublish/internal/mocks"
	"github.com/joshu-sajeev/kapublish/internal/models"
	"github.com/joshu-sajeev/kapublish/internal/queue"
	"github.com/joshu-sajeev/kapublish/internal/storage/postgres"
	"github.com/joshu-sajeev/kapublish/internal/storage/storetest"
	"github.com/joshu-sajeev/kapublish/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testSettings = Settings{Workers: 4, MaxQueueDepth: 100, MaxInFlight: 8, ThroughputWindow: 5 * time.Minute}

func newTestService(t *testing.T, opts ...Option) (*Service, *postgres.JobRepository, *queue.Queue) {
	repo := storetest.NewRepository(t)
	q := queue.New(repo)
	return NewService(repo, q, testSettings, opts...), repo, q
}

func claim(t *testing.T, repo *postgres.JobRepository, j *models.Job) {
	t.Helper()
	require.NoError(t, repo.Transition(context.Background(), j.ID, store.Transition{
		From: config.JobStateQueued, To: config.JobStateActive, ClaimedBy: "test/1",
	}))
}

func complete(t *testing.T, repo *postgres.JobRepository, j *models.Job) {
	t.Helper()
	claim(t, repo, j)
	require.NoError(t, repo.Transition(context.Background(), j.ID, store.Transition{
		From: config.JobStateActive, To: config.JobStateCompleted, Attempts: store.Ptr(1),
		Result: &dto.PublishResult{NetworkID: "did:dkg:x/" + j.SourceID, Status: "COMPLETED"},
	}))
}

func fail(t *testing.T, repo *postgres.JobRepository, j *models.Job) {
	t.Helper()
	claim(t, repo, j)
	require.NoError(t, repo.Transition(context.Background(), j.ID, store.Transition{
		From: config.JobStateActive, To: config.JobStateFailed, Attempts: store.Ptr(3),
		LastError: &dto.JobError{Kind: dto.ErrorKindRetryExhausted, Reason: "node returned 503", Attempts: 3, At: time.Now().UTC()},
	}))
}

func apiError(t *testing.T, err error) common.APIError {
	t.Helper()
	var apiErr common.APIError
	require.True(t, errors.As(err, &apiErr), "expected APIError, got %v", err)
	return apiErr
}

func TestService_QueueMetrics(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t)

	for _, src := range []string{"a", "b", "c"} {
		complete(t, repo, storetest.Seed(t, repo, src, 50))
	}
	fail(t, repo, storetest.Seed(t, repo, "d", 50))
	claim(t, repo, storetest.Seed(t, repo, "e", 50))
	storetest.Seed(t, repo, "f", 50)

	m, err := svc.QueueMetrics(ctx)
	require.NoError(t, err)

	assert.Equal(t, dto.StateCounts{Queued: 1, Active: 1, Completed: 3, Failed: 1}, m.Counts)
	assert.InDelta(t, 0.6, m.ThroughputPerMinute, 1e-9)

	overview, err := svc.Overview(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, overview.Workers)
	assert.Equal(t, 100, overview.MaxQueueDepth)
	assert.Equal(t, m.Counts, overview.Counts)
}

func TestService_ThroughputOnlyCountsWindow(t *testing.T) {
	svc, repo, _ := newTestService(t, WithClock(func() time.Time { return time.Now().Add(time.Hour) }))
	complete(t, repo, storetest.Seed(t, repo, "old", 50))

	m, err := svc.QueueMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Counts.Completed)
	assert.Zero(t, m.ThroughputPerMinute)
}

func TestService_Unavailable(t *testing.T) {
	down := new(mocks.JobStoreMock)
	down.On("Ping", mock.Anything).Return(errors.New("dial tcp: connection refused"))

	tests := []struct {
		name string
		svc  *Service
	}{
		{"no store", NewService(nil, nil, testSettings)},
		{"store unreachable", NewService(down, nil, testSettings)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			calls := map[string]func() error{
				"metrics":  func() error { _, err := tt.svc.QueueMetrics(ctx); return err },
				"overview": func() error { _, err := tt.svc.Overview(ctx); return err },
				"list":     func() error { _, err := tt.svc.ListJobs(ctx, store.ListFilter{}); return err },
				"get":      func() error { _, err := tt.svc.GetJob(ctx, "x"); return err },
				"requeue":  func() error { _, err := tt.svc.Requeue(ctx, "x"); return err },
				"cancel":   func() error { _, err := tt.svc.Cancel(ctx, "x"); return err },
				"purge":    func() error { _, err := tt.svc.Purge(ctx, time.Hour); return err },
			}
			for name, call := range calls {
				apiErr := apiError(t, call())
				assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status, name)
				assert.Equal(t, common.CodeUnavailable, apiErr.Code, name)
			}
		})
	}
}

func TestService_ListJobs(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t)

	complete(t, repo, storetest.Seed(t, repo, "a", 50))
	storetest.Seed(t, repo, "b", 50)
	storetest.Seed(t, repo, "c", 50)

	all, err := svc.ListJobs(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all.Jobs, 3)
	assert.Equal(t, defaultPageSize, all.Limit)

	queued, err := svc.ListJobs(ctx, store.ListFilter{State: config.JobStateQueued})
	require.NoError(t, err)
	require.Len(t, queued.Jobs, 2)
	assert.Equal(t, "b", queued.Jobs[0].SourceID)

	bySource, err := svc.ListJobs(ctx, store.ListFilter{SourceID: "a"})
	require.NoError(t, err)
	require.Len(t, bySource.Jobs, 1)
	require.NotNil(t, bySource.Jobs[0].Result)

	page, err := svc.ListJobs(ctx, store.ListFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, "b", page.Jobs[0].SourceID)

	capped, err := svc.ListJobs(ctx, store.ListFilter{Limit: 10_000})
	require.NoError(t, err)
	assert.Equal(t, maxPageSize, capped.Limit)

	_, err = svc.ListJobs(ctx, store.ListFilter{State: "running"})
	assert.Equal(t, http.StatusBadRequest, apiError(t, err).Status)

	_, err = svc.ListJobs(ctx, store.ListFilter{Offset: -1})
	assert.Equal(t, http.StatusBadRequest, apiError(t, err).Status)
}

func TestService_Requeue(t *testing.T) {
	ctx := context.Background()
	svc, repo, q := newTestService(t)

	failed := storetest.Seed(t, repo, "failed", 50)
	fail(t, repo, failed)

	got, err := svc.Requeue(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, config.JobStateQueued, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Nil(t, got.LastError)

	// back in the dispatch order
	next, err := q.Next(ctx, "test/2")
	require.NoError(t, err)
	assert.Equal(t, failed.ID, next.ID)
}

func TestService_RequeueRefusals(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t)

	completed := storetest.Seed(t, repo, "completed", 50)
	complete(t, repo, completed)

	active := storetest.Seed(t, repo, "active", 50)
	claim(t, repo, active)

	queued := storetest.Seed(t, repo, "queued", 50)

	// a failed job whose source id has been resubmitted since
	superseded := storetest.Seed(t, repo, "resubmitted", 50)
	fail(t, repo, superseded)
	fresh := storetest.Seed(t, repo, "resubmitted", 50)

	tests := []struct {
		name       string
		id         string
		wantStatus int
		wantCode   string
	}{
		{"from completed", completed.ID, http.StatusConflict, common.CodeIllegalTransition},
		{"from active", active.ID, http.StatusConflict, common.CodeIllegalTransition},
		{"from queued", queued.ID, http.StatusConflict, common.CodeIllegalTransition},
		{"source busy", superseded.ID, http.StatusConflict, common.CodeDuplicateActiveSource},
		{"unknown", "01890a5d-ac96-774b-bcce-b302099a8057", http.StatusNotFound, common.CodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Requeue(ctx, tt.id)
			apiErr := apiError(t, err)
			assert.Equal(t, tt.wantStatus, apiErr.Status)
			assert.Equal(t, tt.wantCode, apiErr.Code)
		})
	}

	// refusals leave jobs where they were
	got, err := repo.Get(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, config.JobStateActive, got.State)

	got, err = repo.Get(ctx, superseded.ID)
	require.NoError(t, err)
	assert.Equal(t, config.JobStateFailed, got.State)
	assert.Equal(t, 3, got.Attempts)

	got, err = repo.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, config.JobStateQueued, got.State)
}

func TestService_RequeueLosesRace(t *testing.T) {
	st := new(mocks.JobStoreMock)
	job := &models.Job{ID: "j1", SourceID: "s", State: config.JobStateFailed}
	requeued := &models.Job{ID: "j1", SourceID: "s", State: config.JobStateQueued}

	st.On("Ping", mock.Anything).Return(nil)
	st.On("Get", mock.Anything, "j1").Return(job, nil).Once()
	st.On("Transition", mock.Anything, "j1", mock.Anything).Return(store.ErrStateConflict)
	st.On("Get", mock.Anything, "j1").Return(requeued, nil).Once()

	svc := NewService(st, nil, testSettings)
	_, err := svc.Requeue(context.Background(), "j1")

	apiErr := apiError(t, err)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, config.JobStateQueued, apiErr.Fields["from"])
	st.AssertExpectations(t)
}

func TestService_Cancel(t *testing.T) {
	ctx := context.Background()
	svc, repo, q := newTestService(t)

	queued := storetest.Seed(t, repo, "queued", 50)
	active := storetest.Seed(t, repo, "active", 90)
	claim(t, repo, active)

	got, err := svc.Cancel(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, config.JobStateCancelled, got.Status)

	_, err = q.Next(ctx, "test/2")
	assert.ErrorIs(t, err, queue.ErrQueueEmpty)

	_, err = svc.Cancel(ctx, active.ID)
	apiErr := apiError(t, err)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, common.CodeIllegalTransition, apiErr.Code)

	_, err = svc.Cancel(ctx, queued.ID)
	assert.Equal(t, http.StatusConflict, apiError(t, err).Status)
}

func TestService_CancelRetryPending(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t)

	j := storetest.Seed(t, repo, "retry", 50)
	claim(t, repo, j)
	next := time.Now().Add(time.Hour).UTC()
	require.NoError(t, repo.Transition(ctx, j.ID, store.Transition{
		From: config.JobStateActive, To: config.JobStateRetryPending, Attempts: store.Ptr(1),
		LastError:     &dto.JobError{Kind: dto.ErrorKindRetryable, Reason: "busy", Attempts: 1, At: time.Now().UTC()},
		NextAttemptAt: &next,
	}))

	got, err := svc.Cancel(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, config.JobStateCancelled, got.Status)
	assert.Nil(t, got.NextAttemptAt)
}

func TestService_Purge(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t, WithClock(func() time.Time { return time.Now().Add(48 * time.Hour) }))

	complete(t, repo, storetest.Seed(t, repo, "done", 50))
	fail(t, repo, storetest.Seed(t, repo, "broken", 50))
	storetest.Seed(t, repo, "waiting", 50)

	_, err := svc.Purge(ctx, 0)
	assert.Equal(t, http.StatusBadRequest, apiError(t, err).Status)

	res, err := svc.Purge(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Deleted)

	jobs, err := repo.List(ctx, store.ListFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "waiting", jobs[0].SourceID)
}
