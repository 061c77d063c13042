package mocks

import (
	"context"
	"time"

	"github.com/joshu-sajeev/kapublish/internal/config"
	"github.com/joshu-sajeev/kapublish/internal/models"
	"github.com/joshu-sajeev/kapublish/internal/store"
	"github.com/stretchr/testify/mock"
)

type JobStoreMock struct {
	mock.Mock
}

var _ store.JobStore = (*JobStoreMock)(nil)

func (m *JobStoreMock) Create(ctx context.Context, job *models.Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *JobStoreMock) Get(ctx context.Context, id string) (*models.Job, error) {
	args := m.Called(ctx, id)

	job, _ := args.Get(0).(*models.Job)
	return job, args.Error(1)
}

func (m *JobStoreMock) Transition(ctx context.Context, id string, t store.Transition) error {
	args := m.Called(ctx, id, t)
	return args.Error(0)
}

func (m *JobStoreMock) List(ctx context.Context, filter store.ListFilter) ([]models.Job, error) {
	args := m.Called(ctx, filter)

	jobs, _ := args.Get(0).([]models.Job)
	return jobs, args.Error(1)
}

func (m *JobStoreMock) CountsByState(ctx context.Context) (map[config.JobState]int64, error) {
	args := m.Called(ctx)

	counts, _ := args.Get(0).(map[config.JobState]int64)
	return counts, args.Error(1)
}

func (m *JobStoreMock) ListReady(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	args := m.Called(ctx, now, limit)

	jobs, _ := args.Get(0).([]models.Job)
	return jobs, args.Error(1)
}

func (m *JobStoreMock) CountCompletedSince(ctx context.Context, since time.Time) (int64, error) {
	args := m.Called(ctx, since)
	return args.Get(0).(int64), args.Error(1)
}

func (m *JobStoreMock) RecoverStaleActive(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *JobStoreMock) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *JobStoreMock) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *JobStoreMock) RecoverClaimedBy(ctx context.Context, prefix string) (int64, error) {
	args := m.Called(ctx, prefix)
	return args.Get(0).(int64), args.Error(1)
}
