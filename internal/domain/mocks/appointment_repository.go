// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/carebridge/video-session-service/internal/domain/models"
)

// MockAppointmentRepository implements AppointmentRepository for testing
type MockAppointmentRepository struct {
	mock.Mock
}

func (m *MockAppointmentRepository) Get(ctx context.Context, appointmentUID string) (*models.Appointment, error) {
	args := m.Called(ctx, appointmentUID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Appointment), args.Error(1)
}

func (m *MockAppointmentRepository) Exists(ctx context.Context, appointmentUID string) (bool, error) {
	args := m.Called(ctx, appointmentUID)
	return args.Bool(0), args.Error(1)
}
