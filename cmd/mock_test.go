//go:build !integration

package main

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/quakemap/internal/model"
)

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

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) RenderFinished(ctx context.Context, n model.RenderNotice) error {
	return m.Called(ctx, n).Error(0)
}
