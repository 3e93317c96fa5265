// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/carebridge/video-session-service/internal/domain/models"
)

// MockParticipantRecordRepository implements ParticipantRecordRepository for testing
type MockParticipantRecordRepository struct {
	mock.Mock
}

func (m *MockParticipantRecordRepository) Create(ctx context.Context, record *models.ParticipantRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockParticipantRecordRepository) Get(ctx context.Context, recordUID string) (*models.ParticipantRecord, error) {
	args := m.Called(ctx, recordUID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ParticipantRecord), args.Error(1)
}

func (m *MockParticipantRecordRepository) GetWithRevision(ctx context.Context, recordUID string) (*models.ParticipantRecord, uint64, error) {
	args := m.Called(ctx, recordUID)
	if args.Get(0) == nil {
		return nil, args.Get(1).(uint64), args.Error(2)
	}
	return args.Get(0).(*models.ParticipantRecord), args.Get(1).(uint64), args.Error(2)
}

func (m *MockParticipantRecordRepository) Update(ctx context.Context, record *models.ParticipantRecord, revision uint64) error {
	args := m.Called(ctx, record, revision)
	return args.Error(0)
}

func (m *MockParticipantRecordRepository) Delete(ctx context.Context, recordUID string, revision uint64) error {
	args := m.Called(ctx, recordUID, revision)
	return args.Error(0)
}

func (m *MockParticipantRecordRepository) ListBySession(ctx context.Context, sessionUID string) ([]*models.ParticipantRecord, error) {
	args := m.Called(ctx, sessionUID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.ParticipantRecord), args.Error(1)
}

func (m *MockParticipantRecordRepository) GetBySessionAndUser(ctx context.Context, sessionUID, userID string) (*models.ParticipantRecord, error) {
	args := m.Called(ctx, sessionUID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ParticipantRecord), args.Error(1)
}
