// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package zoom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/carebridge/video-session-service/internal/domain/models"
	"github.com/carebridge/video-session-service/internal/infrastructure/zoom/api"
	"github.com/carebridge/video-session-service/internal/logging"
	"github.com/carebridge/video-session-service/pkg/constants"
)

// consultationTopic is the meeting title sent to Zoom. It is deliberately
// generic: patient and practitioner identifiers never leave this service.
const consultationTopic = "CareBridge video consultation"

// CreateMeeting provisions a Zoom meeting for a consultation session.
func (p *ZoomProvider) CreateMeeting(ctx context.Context, session *models.CallSession, appointment *models.Appointment) (string, string, error) {
	ctx = logging.AppendCtx(ctx, slog.String("zoom_operation", "create_meeting"))

	user, err := p.getHostUser(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to resolve Zoom host user", logging.ErrKey, err)
		return "", "", fmt.Errorf("failed to resolve Zoom host user: %w", err)
	}

	req := buildCreateMeetingRequest(session, appointment)

	resp, err := p.client.CreateMeeting(ctx, user.ID, req)
	if err != nil {
		slog.ErrorContext(ctx, "failed to create Zoom meeting", logging.ErrKey, err)
		return "", "", err
	}

	meetingRef := fmt.Sprintf("%d", resp.ID)
	slog.InfoContext(ctx, "successfully created Zoom meeting",
		"zoom_meeting_id", meetingRef,
		"host_user_id", user.ID,
	)

	return meetingRef, resp.JoinURL, nil
}

// EndMeeting asks Zoom to end a live meeting. Zoom answers 404 when the
// meeting is not live anymore, which callers treat as already ended.
func (p *ZoomProvider) EndMeeting(ctx context.Context, meetingRef string) error {
	ctx = logging.AppendCtx(ctx, slog.String("zoom_operation", "end_meeting"))
	ctx = logging.AppendCtx(ctx, slog.String("zoom_meeting_id", meetingRef))

	err := p.client.EndMeeting(ctx, meetingRef)
	if errors.Is(err, api.ErrMeetingNotFound) {
		slog.WarnContext(ctx, "Zoom meeting not live, nothing to end")
		return nil
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to end Zoom meeting", logging.ErrKey, err)
		return err
	}

	slog.InfoContext(ctx, "successfully ended Zoom meeting")
	return nil
}

// StartRecording begins cloud recording on a live meeting.
func (p *ZoomProvider) StartRecording(ctx context.Context, meetingRef string) error {
	return p.controlRecording(ctx, meetingRef, api.RecordingControlStart)
}

// StopRecording stops cloud recording on a live meeting.
func (p *ZoomProvider) StopRecording(ctx context.Context, meetingRef string) error {
	return p.controlRecording(ctx, meetingRef, api.RecordingControlStop)
}

func (p *ZoomProvider) controlRecording(ctx context.Context, meetingRef, method string) error {
	ctx = logging.AppendCtx(ctx, slog.String("zoom_operation", method))
	ctx = logging.AppendCtx(ctx, slog.String("zoom_meeting_id", meetingRef))

	req := &api.RecordingControlRequest{Method: method}
	if err := p.client.ControlRecording(ctx, meetingRef, req); err != nil {
		slog.ErrorContext(ctx, "failed to control Zoom recording", logging.ErrKey, err)
		return err
	}

	slog.InfoContext(ctx, "Zoom recording control accepted")
	return nil
}

// LiveParticipantCount reports how many participants Zoom currently sees in
// the meeting. A meeting Zoom no longer tracks has nobody in it.
func (p *ZoomProvider) LiveParticipantCount(ctx context.Context, meetingRef string) (int, error) {
	ctx = logging.AppendCtx(ctx, slog.String("zoom_operation", "live_participant_count"))
	ctx = logging.AppendCtx(ctx, slog.String("zoom_meeting_id", meetingRef))

	resp, err := p.client.GetLiveMeetingParticipants(ctx, meetingRef)
	if errors.Is(err, api.ErrMeetingNotFound) {
		return 0, nil
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to fetch live Zoom participants", logging.ErrKey, err)
		return 0, err
	}

	return resp.TotalRecords, nil
}

// buildCreateMeetingRequest maps a consultation onto Zoom's create payload.
func buildCreateMeetingRequest(session *models.CallSession, appointment *models.Appointment) *api.CreateMeetingRequest {
	return &api.CreateMeetingRequest{
		Topic:     consultationTopic,
		Type:      api.MeetingTypeScheduled,
		StartTime: appointment.ScheduledFor.UTC().Format(time.RFC3339),
		Duration:  constants.DefaultConsultationDurationMinutes,
		Timezone:  "UTC",
		Password:  session.Passcode,
		Settings: &api.MeetingSettings{
			HostVideo:        true,
			ParticipantVideo: true,
			JoinBeforeHost:   true,
			MuteUponEntry:    false,
			WaitingRoom:      false,
			Audio:            "both",
			AutoRecording:    "none",
			ApprovalType:     0, // No registration approval required
		},
	}
}
