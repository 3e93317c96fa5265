// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package mocks

import (
	"context"

	"github.com/carebridge/video-session-service/internal/infrastructure/zoom/api"
)

// MockMetricsAPI fakes the Zoom dashboard metrics endpoints.
type MockMetricsAPI struct {
	GetLiveMeetingParticipantsFunc func(ctx context.Context, meetingID string) (*api.MeetingParticipantsResponse, error)
}

// GetLiveMeetingParticipants returns GetLiveMeetingParticipantsFunc's result
// when set; the default is a live meeting with nobody in it.
func (m *MockMetricsAPI) GetLiveMeetingParticipants(ctx context.Context, meetingID string) (*api.MeetingParticipantsResponse, error) {
	if m.GetLiveMeetingParticipantsFunc != nil {
		return m.GetLiveMeetingParticipantsFunc(ctx, meetingID)
	}
	return &api.MeetingParticipantsResponse{
		PageCount:    1,
		PageSize:     300,
		TotalRecords: 0,
		Participants: []api.MeetingParticipant{},
	}, nil
}
