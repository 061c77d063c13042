package mocks

import (
	"context"

	"github.com/joshu-sajeev/kapublish/internal/dto"
	"github.com/joshu-sajeev/kapublish/internal/publisher"
	"github.com/stretchr/testify/mock"
)

type PublisherMock struct {
	mock.Mock
}

var _ publisher.Client = (*PublisherMock)(nil)

func (m *PublisherMock) Publish(ctx context.Context, req dto.NormalizedPublish) publisher.Outcome {
	args := m.Called(ctx, req)
	return args.Get(0).(publisher.Outcome)
}

func (m *PublisherMock) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
