// Package store defines the Durable Job Store contract shared by the
// dispatcher, the queue view, the facade and the admin surface.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joshu-sajeev/kapublish/internal/config"
	"github.com/joshu-sajeev/kapublish/internal/dto"
	"github.com/joshu-sajeev/kapublish/internal/models"
)

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrStateConflict means the compare-and-set on state lost: the row was
	// no longer in the expected state. Callers re-read and decide.
	ErrStateConflict     = errors.New("job state changed concurrently")
	ErrIllegalTransition = errors.New("illegal state transition")
)

// DuplicateSourceError is returned by Create when a job for the same source
// id is still in flight (or terminal within the dedup window).
type DuplicateSourceError struct {
	SourceID string
	Existing *models.Job
}

func (e *DuplicateSourceError) Error() string {
	return fmt.Sprintf("source id %q already has job %s (%s)", e.SourceID, e.Existing.ID, e.Existing.State)
}

// Transition describes a compare-and-set state change plus the fields that
// change with it. Nil pointers leave the column untouched.
type Transition struct {
	From config.JobState
	To   config.JobState

	Attempts       *int
	LastError      *dto.JobError
	ClearLastError bool
	Result         *dto.PublishResult
	NextAttemptAt  *time.Time
	ClaimedBy      string

	// ExpectClaimedBy, when set, narrows the compare-and-set to rows still
	// claimed by that worker. A worker recording its own outcome passes its id
	// so a job recovered and reclaimed elsewhere is left alone.
	ExpectClaimedBy string
}

type ListFilter struct {
	State    config.JobState
	SourceID string
	Limit    int
	Offset   int
}

type JobStore interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	Transition(ctx context.Context, id string, t Transition) error
	List(ctx context.Context, filter ListFilter) ([]models.Job, error)
	CountsByState(ctx context.Context) (map[config.JobState]int64, error)
	ListReady(ctx context.Context, now time.Time, limit int) ([]models.Job, error)
	CountCompletedSince(ctx context.Context, since time.Time) (int64, error)
	RecoverStaleActive(ctx context.Context, cutoff time.Time) (int64, error)
	RecoverClaimedBy(ctx context.Context, prefix string) (int64, error)
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// Ptr is a small helper for optional Transition fields.
func Ptr[T any](v T) *T { return &v }
