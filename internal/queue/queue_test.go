package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joshu-sajeev/kapublish/internal/config"
	"github.com/joshu-sajeev/kapublish/internal/mocks"
	"github.com/joshu-sajeev/kapublish/internal/models"
	"github.com/joshu-sajeev/kapublish/internal/storage/storetest"
	"github.com/joshu-sajeev/kapublish/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestQueue_Next_PriorityOrder(t *testing.T) {
	ctx := context.Background()
	repo := storetest.NewRepository(t)
	q := New(repo)

	storetest.Seed(t, repo, "p10", 10)
	storetest.Seed(t, repo, "p90", 90)
	storetest.Seed(t, repo, "p50", 50)

	var order []string
	for i := 0; i < 3; i++ {
		job, err := q.Next(ctx, "w-1")
		require.NoError(t, err)
		assert.Equal(t, config.JobStateActive, job.State)
		assert.Equal(t, "w-1", job.ClaimedBy)
		order = append(order, job.SourceID)
	}
	assert.Equal(t, []string{"p90", "p50", "p10"}, order)

	_, err := q.Next(ctx, "w-1")
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestQueue_Next_FIFOWithinPriority(t *testing.T) {
	ctx := context.Background()
	repo := storetest.NewRepository(t)
	q := New(repo)

	for i := 0; i < 5; i++ {
		storetest.Seed(t, repo, fmt.Sprintf("job-%d", i), 50)
	}

	for i := 0; i < 5; i++ {
		job, err := q.Next(ctx, "w-1")
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("job-%d", i), job.SourceID)
	}
}

func TestQueue_Next_SkipsRetryNotYetDue(t *testing.T) {
	ctx := context.Background()
	repo := storetest.NewRepository(t)
	now := time.Now().UTC()
	q := New(repo, WithClock(func() time.Time { return now }))

	job := storetest.Seed(t, repo, "backoff", 90)
	require.NoError(t, repo.Transition(ctx, job.ID, store.Transition{From: config.JobStateQueued, To: config.JobStateActive}))
	require.NoError(t, repo.Transition(ctx, job.ID, store.Transition{
		From: config.JobStateActive, To: config.JobStateRetryPending,
		Attempts: store.Ptr(1), NextAttemptAt: store.Ptr(now.Add(time.Minute)),
	}))
	storetest.Seed(t, repo, "fresh", 10)

	got, err := q.Next(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.SourceID)

	_, err = q.Next(ctx, "w-1")
	assert.ErrorIs(t, err, ErrQueueEmpty)

	now = now.Add(2 * time.Minute)
	got, err = q.Next(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, "backoff", got.SourceID)
	assert.Equal(t, 1, got.Attempts)
}

func TestQueue_Next_ConcurrentClaimsNeverDouble(t *testing.T) {
	ctx := context.Background()
	repo := storetest.NewRepository(t)
	q := New(repo, WithBatch(4))

	const jobs = 30
	for i := 0; i < jobs; i++ {
		storetest.Seed(t, repo, fmt.Sprintf("src-%d", i), i%3*40)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[string]int{}
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			for {
				job, err := q.Next(ctx, name)
				if errors.Is(err, ErrContended) {
					continue
				}
				if err != nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}(fmt.Sprintf("w-%d", w))
	}
	wg.Wait()

	assert.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s handed out %d times", id, n)
	}
}

func TestQueue_Next_LostClaimMovesToNextCandidate(t *testing.T) {
	ctx := context.Background()
	st := new(mocks.JobStoreMock)
	q := New(st)

	first := models.Job{ID: "a", State: config.JobStateQueued}
	second := models.Job{ID: "b", State: config.JobStateQueued}
	st.On("ListReady", ctx, mock.Anything, defaultBatch).Return([]models.Job{first, second}, nil).Once()
	st.On("Transition", ctx, "a", mock.Anything).Return(errors.Wrap(store.ErrStateConflict, "job a")).Once()
	st.On("Transition", ctx, "b", mock.MatchedBy(func(tr store.Transition) bool {
		return tr.To == config.JobStateActive && tr.ClaimedBy == "w-9"
	})).Return(nil).Once()
	st.On("Get", ctx, "b").Return(&models.Job{ID: "b", State: config.JobStateActive}, nil).Once()

	job, err := q.Next(ctx, "w-9")
	require.NoError(t, err)
	assert.Equal(t, "b", job.ID)
	st.AssertExpectations(t)
}

func TestQueue_Next_FullPagesOfLostClaimsReportContention(t *testing.T) {
	ctx := context.Background()
	st := new(mocks.JobStoreMock)
	q := New(st, WithBatch(2))

	page := []models.Job{
		{ID: "a", State: config.JobStateQueued},
		{ID: "b", State: config.JobStateQueued},
	}
	st.On("ListReady", ctx, mock.Anything, 2).Return(page, nil).Times(maxRounds)
	st.On("Transition", ctx, mock.Anything, mock.Anything).Return(store.ErrStateConflict)

	_, err := q.Next(ctx, "w-1")
	assert.ErrorIs(t, err, ErrContended)
	assert.NotErrorIs(t, err, ErrQueueEmpty)
	st.AssertExpectations(t)
}

func TestQueue_Next_ShortPageOfLostClaimsIsEmpty(t *testing.T) {
	ctx := context.Background()
	st := new(mocks.JobStoreMock)
	q := New(st, WithBatch(2))

	st.On("ListReady", ctx, mock.Anything, 2).Return([]models.Job{{ID: "a", State: config.JobStateQueued}}, nil).Once()
	st.On("Transition", ctx, "a", mock.Anything).Return(store.ErrStateConflict).Once()

	_, err := q.Next(ctx, "w-1")
	assert.ErrorIs(t, err, ErrQueueEmpty)
	st.AssertExpectations(t)
}

func TestQueue_Next_StoreError(t *testing.T) {
	ctx := context.Background()
	st := new(mocks.JobStoreMock)
	st.On("ListReady", ctx, mock.Anything, defaultBatch).Return(nil, errors.New("db down"))

	_, err := New(st).Next(ctx, "w-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrQueueEmpty)
	assert.Contains(t, err.Error(), "db down")
}

func TestQueue_Depth(t *testing.T) {
	ctx := context.Background()
	repo := storetest.NewRepository(t)
	q := New(repo)

	storetest.Seed(t, repo, "a", 1)
	storetest.Seed(t, repo, "b", 1)
	_, err := q.Next(ctx, "w")
	require.NoError(t, err)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestQueue_SignalWakesWaiter(t *testing.T) {
	q := New(new(mocks.JobStoreMock))

	done := make(chan error, 1)
	go func() { done <- q.Wait(context.Background(), time.Hour) }()

	q.Signal()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}

	// signals coalesce and never block
	q.Signal()
	q.Signal()
}

func TestQueue_WaitHonoursContext(t *testing.T) {
	q := New(new(mocks.JobStoreMock))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, q.Wait(ctx, time.Hour), context.Canceled)
}
