// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/carebridge/video-session-service/internal/domain/models"
)

// MockMessageBuilder scripts the outbound messaging surface so tests can
// assert which notifications and webhook events a code path emits.
type MockMessageBuilder struct {
	mock.Mock
}

func (m *MockMessageBuilder) PublishVideoWebhookEvent(ctx context.Context, subject string, message models.VideoWebhookEventMessage) error {
	args := m.Called(ctx, subject, message)
	return args.Error(0)
}

func (m *MockMessageBuilder) SendSessionNotification(ctx context.Context, data models.SessionNotificationMessage) error {
	args := m.Called(ctx, data)
	return args.Error(0)
}
