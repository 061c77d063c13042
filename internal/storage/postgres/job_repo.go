package postgres

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/joshu-sajeev/kapublish/internal/config"
	"github.com/joshu-sajeev/kapublish/internal/models"
	"github.com/joshu-sajeev/kapublish/internal/store"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxListLimit = 500

type JobRepository struct {
	db          *gorm.DB
	dedupWindow time.Duration
	now         func() time.Time
}

type RepoOption func(*JobRepository)

// WithDedupWindow extends source id deduplication to jobs that reached a
// terminal state less than window ago.
func WithDedupWindow(window time.Duration) RepoOption {
	return func(r *JobRepository) { r.dedupWindow = window }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) RepoOption {
	return func(r *JobRepository) { r.now = now }
}

func NewJobRepository(db *gorm.DB, opts ...RepoOption) *JobRepository {
	r := &JobRepository{
		db:  db,
		now: func() time.Time { return time.Now() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ store.JobStore = (*JobRepository)(nil)

func (r *JobRepository) timestamp() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

// Create inserts a new job. A non-terminal job with the same source id, or a
// terminal one inside the dedup window, yields *store.DuplicateSourceError
// carrying the existing job instead of a second row.
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	now := r.timestamp()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := r.findDuplicate(tx, job.SourceID, now)
		if err != nil {
			return err
		}
		if existing != nil {
			return &store.DuplicateSourceError{SourceID: job.SourceID, Existing: existing}
		}
		return tx.Create(job).Error
	})
	if err == nil {
		return nil
	}

	var dup *store.DuplicateSourceError
	if errors.As(err, &dup) {
		return dup
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// lost the insert race against a concurrent submission
		existing, findErr := r.findDuplicate(r.db.WithContext(ctx), job.SourceID, now)
		if findErr == nil && existing != nil {
			return &store.DuplicateSourceError{SourceID: job.SourceID, Existing: existing}
		}
	}
	return errors.Wrap(err, "create job")
}

func (r *JobRepository) findDuplicate(tx *gorm.DB, sourceID string, now time.Time) (*models.Job, error) {
	var active models.Job
	err := tx.Where("source_id = ? AND state IN ?", sourceID, config.NonTerminalStates).
		Order("created_at DESC").
		Take(&active).Error
	if err == nil {
		return &active, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(err, "find active job by source")
	}

	if r.dedupWindow <= 0 {
		return nil, nil
	}

	var recent models.Job
	err = tx.Where("source_id = ? AND state IN ? AND updated_at >= ?",
		sourceID, config.TerminalStates, now.Add(-r.dedupWindow)).
		Order("updated_at DESC").
		Take(&recent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find recent job by source")
	}
	return &recent, nil
}

// Get retrieves a single job by id.
func (r *JobRepository) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(store.ErrJobNotFound, "job %s", id)
		}
		return nil, errors.Wrap(err, "get job")
	}
	return &job, nil
}

// Transition moves a job from t.From to t.To only if the row is still in
// t.From. Losing that compare-and-set yields store.ErrStateConflict.
func (r *JobRepository) Transition(ctx context.Context, id string, t store.Transition) error {
	if !config.CanTransition(t.From, t.To) {
		return errors.Wrapf(store.ErrIllegalTransition, "%s -> %s", t.From, t.To)
	}

	updates := map[string]any{
		"state":      string(t.To),
		"updated_at": r.timestamp(),
	}
	if t.Attempts != nil {
		updates["attempts"] = *t.Attempts
	}

	switch {
	case t.LastError != nil:
		b, err := json.Marshal(t.LastError)
		if err != nil {
			return errors.Wrap(err, "marshal last error")
		}
		updates["last_error"] = datatypes.JSON(b)
	case t.ClearLastError:
		updates["last_error"] = nil
	}

	if t.To == config.JobStateCompleted {
		if t.Result == nil {
			return errors.New("completed transition requires a result")
		}
		b, err := json.Marshal(t.Result)
		if err != nil {
			return errors.Wrap(err, "marshal result")
		}
		updates["result"] = datatypes.JSON(b)
	} else {
		updates["result"] = nil
	}

	if t.To == config.JobStateRetryPending {
		if t.NextAttemptAt == nil {
			return errors.New("retry transition requires next attempt time")
		}
		updates["next_attempt_at"] = t.NextAttemptAt.UTC().Truncate(time.Microsecond)
	} else {
		updates["next_attempt_at"] = nil
	}

	switch t.To {
	case config.JobStateActive:
		updates["claimed_by"] = t.ClaimedBy
	case config.JobStateQueued:
		updates["claimed_by"] = ""
	}

	q := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND state = ?", id, string(t.From))
	if t.ExpectClaimedBy != "" {
		q = q.Where("claimed_by = ?", t.ExpectClaimedBy)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			// requeue of a failed job while a newer one for the same source is in flight
			job, getErr := r.Get(ctx, id)
			if getErr == nil {
				existing, _ := r.findDuplicate(r.db.WithContext(ctx), job.SourceID, r.timestamp())
				if existing != nil {
					return &store.DuplicateSourceError{SourceID: job.SourceID, Existing: existing}
				}
			}
		}
		return errors.Wrapf(res.Error, "transition job %s", id)
	}

	if res.RowsAffected == 0 {
		current, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		return errors.WithDetailf(
			errors.Wrapf(store.ErrStateConflict, "job %s", id),
			"expected %s claimed by %q, found %s claimed by %q",
			t.From, t.ExpectClaimedBy, current.State, current.ClaimedBy,
		)
	}

	return nil
}

// List returns jobs filtered by state and/or source id, oldest first, so
// offset pagination is stable while new jobs arrive.
func (r *JobRepository) List(ctx context.Context, filter store.ListFilter) ([]models.Job, error) {
	limit := filter.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	q := r.db.WithContext(ctx).Model(&models.Job{})
	if filter.State != "" {
		q = q.Where("state = ?", string(filter.State))
	}
	if filter.SourceID != "" {
		q = q.Where("source_id = ?", filter.SourceID)
	}

	var jobs []models.Job
	if err := q.Order("created_at ASC, id ASC").
		Limit(limit).
		Offset(max(filter.Offset, 0)).
		Find(&jobs).Error; err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	return jobs, nil
}

// CountsByState reports how many jobs sit in each state; absent states are zero.
func (r *JobRepository) CountsByState(ctx context.Context) (map[config.JobState]int64, error) {
	var rows []struct {
		State string
		Count int64
	}
	if err := r.db.WithContext(ctx).Model(&models.Job{}).
		Select("state, COUNT(*) AS count").
		Group("state").
		Scan(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "count jobs by state")
	}

	counts := make(map[config.JobState]int64, len(config.AllJobStates))
	for _, s := range config.AllJobStates {
		counts[s] = 0
	}
	for _, row := range rows {
		counts[config.JobState(row.State)] = row.Count
	}
	return counts, nil
}

// ListReady returns dispatch candidates: queued jobs and retry_pending jobs
// whose backoff elapsed, highest priority first, FIFO within a priority.
func (r *JobRepository) ListReady(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	var jobs []models.Job
	if err := r.db.WithContext(ctx).
		Where("state = ? OR (state = ? AND next_attempt_at <= ?)",
			string(config.JobStateQueued),
			string(config.JobStateRetryPending),
			now.UTC().Truncate(time.Microsecond),
		).
		Order("priority DESC, created_at ASC, id ASC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, errors.Wrap(err, "list ready jobs")
	}
	return jobs, nil
}

func (r *JobRepository) CountCompletedSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("state = ? AND updated_at >= ?", string(config.JobStateCompleted), since.UTC().Truncate(time.Microsecond)).
		Count(&n).Error; err != nil {
		return 0, errors.Wrap(err, "count completed jobs")
	}
	return n, nil
}

// RecoverStaleActive puts ACTIVE jobs not touched since cutoff back to
// QUEUED. Attempts are left as they were.
func (r *JobRepository) RecoverStaleActive(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("state = ? AND updated_at <= ?", string(config.JobStateActive), cutoff.UTC().Truncate(time.Microsecond)).
		Updates(map[string]any{
			"state":      string(config.JobStateQueued),
			"claimed_by": "",
			"updated_at": r.timestamp(),
		})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "recover stale active jobs")
	}
	return res.RowsAffected, nil
}

// RecoverClaimedBy puts every ACTIVE job whose claim starts with prefix back
// to QUEUED regardless of age. It is meant for a pool's own instance prefix at
// startup, when none of those claims can have a live worker behind them.
func (r *JobRepository) RecoverClaimedBy(ctx context.Context, prefix string) (int64, error) {
	if prefix == "" {
		return 0, errors.New("recover claimed jobs: empty claim prefix")
	}
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("state = ? AND substr(claimed_by, 1, ?) = ?",
			string(config.JobStateActive), utf8.RuneCountInString(prefix), prefix).
		Updates(map[string]any{
			"state":      string(config.JobStateQueued),
			"claimed_by": "",
			"updated_at": r.timestamp(),
		})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "recover claimed active jobs")
	}
	return res.RowsAffected, nil
}

// PurgeTerminal deletes completed, failed and cancelled jobs last updated before cutoff.
func (r *JobRepository) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("state IN ? AND updated_at < ?", config.TerminalStates, cutoff.UTC().Truncate(time.Microsecond)).
		Delete(&models.Job{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "purge terminal jobs")
	}
	return res.RowsAffected, nil
}

func (r *JobRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return errors.Wrap(err, "database handle")
	}
	return sqlDB.PingContext(ctx)
}
