// Package queue is the dispatch view over the job store. It holds no state of
// its own beyond a wake-up signal: what is "next" is always whatever the store
// says is ready.
package queue

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joshu-sajeev/kapublish/internal/config"
	"github.com/joshu-sajeev/kapublish/internal/models"
	"github.com/joshu-sajeev/kapublish/internal/store"
)

var (
	ErrQueueEmpty = errors.New("no job ready for dispatch")
	// ErrContended means every candidate Next looked at was claimed by someone
	// else first and more ready jobs may remain. Callers should try again
	// without parking.
	ErrContended = errors.New("dispatch candidates all claimed concurrently")
)

const (
	defaultBatch = 16
	maxRounds    = 3
)

type Queue struct {
	store store.JobStore
	batch int
	now   func() time.Time
	wake  chan struct{}
}

type Option func(*Queue)

// WithBatch sets how many candidates one Next call considers per store read.
func WithBatch(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.batch = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(s store.JobStore, opts ...Option) *Queue {
	q := &Queue{
		store: s,
		batch: defaultBatch,
		now:   time.Now,
		wake:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Next claims the highest-priority ready job for claimer by moving it to
// ACTIVE. A candidate lost to another claimer is skipped, not retried.
func (q *Queue) Next(ctx context.Context, claimer string) (*models.Job, error) {
	for round := 0; round < maxRounds; round++ {
		candidates, err := q.store.ListReady(ctx, q.now(), q.batch)
		if err != nil {
			return nil, errors.Wrap(err, "list dispatch candidates")
		}

		for _, c := range candidates {
			err := q.store.Transition(ctx, c.ID, store.Transition{
				From:      c.State,
				To:        config.JobStateActive,
				ClaimedBy: claimer,
			})
			switch {
			case err == nil:
				return q.store.Get(ctx, c.ID)
			case errors.Is(err, store.ErrStateConflict), errors.Is(err, store.ErrJobNotFound):
				continue
			default:
				return nil, errors.Wrapf(err, "claim job %s", c.ID)
			}
		}

		// a short page means there is nothing further behind the losses
		if len(candidates) < q.batch {
			return nil, ErrQueueEmpty
		}
	}
	return nil, ErrContended
}

// Depth is the number of jobs waiting for a worker, including those backing off.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	counts, err := q.store.CountsByState(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "queue depth")
	}
	return counts[config.JobStateQueued] + counts[config.JobStateRetryPending], nil
}

// Signal wakes one idle worker. It never blocks.
func (q *Queue) Signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Wait parks an idle worker until Signal, d elapses, or ctx ends.
func (q *Queue) Wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-q.wake:
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
