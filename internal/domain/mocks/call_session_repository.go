// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/carebridge/video-session-service/internal/domain/models"
)

// MockCallSessionRepository implements CallSessionRepository for testing
type MockCallSessionRepository struct {
	mock.Mock
}

func (m *MockCallSessionRepository) Create(ctx context.Context, session *models.CallSession) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockCallSessionRepository) Exists(ctx context.Context, sessionUID string) (bool, error) {
	args := m.Called(ctx, sessionUID)
	return args.Bool(0), args.Error(1)
}

func (m *MockCallSessionRepository) Delete(ctx context.Context, sessionUID string, revision uint64) error {
	args := m.Called(ctx, sessionUID, revision)
	return args.Error(0)
}

func (m *MockCallSessionRepository) Get(ctx context.Context, sessionUID string) (*models.CallSession, error) {
	args := m.Called(ctx, sessionUID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CallSession), args.Error(1)
}

func (m *MockCallSessionRepository) GetWithRevision(ctx context.Context, sessionUID string) (*models.CallSession, uint64, error) {
	args := m.Called(ctx, sessionUID)
	if args.Get(0) == nil {
		return nil, args.Get(1).(uint64), args.Error(2)
	}
	return args.Get(0).(*models.CallSession), args.Get(1).(uint64), args.Error(2)
}

func (m *MockCallSessionRepository) Update(ctx context.Context, session *models.CallSession, revision uint64) error {
	args := m.Called(ctx, session, revision)
	return args.Error(0)
}

func (m *MockCallSessionRepository) GetByMeetingRef(ctx context.Context, meetingRef string) (*models.CallSession, error) {
	args := m.Called(ctx, meetingRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CallSession), args.Error(1)
}

func (m *MockCallSessionRepository) ListByAppointment(ctx context.Context, appointmentUID string) ([]*models.CallSession, error) {
	args := m.Called(ctx, appointmentUID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.CallSession), args.Error(1)
}

func (m *MockCallSessionRepository) ListAll(ctx context.Context) ([]*models.CallSession, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.CallSession), args.Error(1)
}

func (m *MockCallSessionRepository) ListActive(ctx context.Context) ([]*models.CallSession, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.CallSession), args.Error(1)
}
