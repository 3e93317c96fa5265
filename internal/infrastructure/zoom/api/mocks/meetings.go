// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package mocks

import (
	"context"

	"github.com/carebridge/video-session-service/internal/infrastructure/zoom/api"
)

// MockMeetingsAPI fakes the Zoom meeting lifecycle endpoints.
type MockMeetingsAPI struct {
	CreateMeetingFunc    func(ctx context.Context, userID string, request *api.CreateMeetingRequest) (*api.CreateMeetingResponse, error)
	EndMeetingFunc       func(ctx context.Context, meetingID string) error
	ControlRecordingFunc func(ctx context.Context, meetingID string, request *api.RecordingControlRequest) error
}

// CreateMeeting returns CreateMeetingFunc's result when set; the default is
// a freshly scheduled meeting with id 123456789 in the waiting state,
// echoing back the request fields Zoom echoes.
func (m *MockMeetingsAPI) CreateMeeting(ctx context.Context, userID string, request *api.CreateMeetingRequest) (*api.CreateMeetingResponse, error) {
	if m.CreateMeetingFunc != nil {
		return m.CreateMeetingFunc(ctx, userID, request)
	}
	return &api.CreateMeetingResponse{
		ID:       123456789,
		UUID:     "test-uuid-123",
		HostID:   userID,
		Topic:    request.Topic,
		Type:     request.Type,
		Status:   "waiting",
		Duration: request.Duration,
		Timezone: request.Timezone,
		JoinURL:  "https://zoom.us/j/123456789",
		Password: request.Password,
	}, nil
}

// EndMeeting returns EndMeetingFunc's result when set; the default succeeds.
func (m *MockMeetingsAPI) EndMeeting(ctx context.Context, meetingID string) error {
	if m.EndMeetingFunc != nil {
		return m.EndMeetingFunc(ctx, meetingID)
	}
	return nil
}

// ControlRecording returns ControlRecordingFunc's result when set; the
// default succeeds.
func (m *MockMeetingsAPI) ControlRecording(ctx context.Context, meetingID string, request *api.RecordingControlRequest) error {
	if m.ControlRecordingFunc != nil {
		return m.ControlRecordingFunc(ctx, meetingID, request)
	}
	return nil
}
