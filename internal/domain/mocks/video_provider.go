// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/carebridge/video-session-service/internal/domain/models"
)

// MockVideoProvider implements VideoProvider for testing
type MockVideoProvider struct {
	mock.Mock
}

func (m *MockVideoProvider) CreateMeeting(ctx context.Context, session *models.CallSession, appointment *models.Appointment) (string, string, error) {
	args := m.Called(ctx, session, appointment)
	return args.String(0), args.String(1), args.Error(2)
}

func (m *MockVideoProvider) EndMeeting(ctx context.Context, meetingRef string) error {
	args := m.Called(ctx, meetingRef)
	return args.Error(0)
}

func (m *MockVideoProvider) StartRecording(ctx context.Context, meetingRef string) error {
	args := m.Called(ctx, meetingRef)
	return args.Error(0)
}

func (m *MockVideoProvider) StopRecording(ctx context.Context, meetingRef string) error {
	args := m.Called(ctx, meetingRef)
	return args.Error(0)
}

func (m *MockVideoProvider) LiveParticipantCount(ctx context.Context, meetingRef string) (int, error) {
	args := m.Called(ctx, meetingRef)
	return args.Int(0), args.Error(1)
}
