package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/quakemap/internal/model"
)

// --- Event source mock ---

type mockEvents struct {
	mock.Mock
}

func (m *mockEvents) Events(ctx context.Context, q model.EventQuery) ([]model.SeismicEvent, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.SeismicEvent), args.Error(1)
}

// --- Imagery source mock ---

type mockImagery struct {
	mock.Mock
}

func (m *mockImagery) Fetch(ctx context.Context, q model.ImageryQuery) (*model.ImageryResult, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ImageryResult), args.Error(1)
}

// --- Notifier mock ---

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) RenderFinished(ctx context.Context, n model.RenderNotice) error {
	return m.Called(ctx, n).Error(0)
}
