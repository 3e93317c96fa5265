// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Meeting type constants for Zoom API
const (
	MeetingTypeInstant   = 1
	MeetingTypeScheduled = 2
)

// Meeting status action constants for Zoom API
const (
	MeetingStatusActionEnd = "end"
)

// Recording control method constants for the live meeting events endpoint
const (
	RecordingControlStart = "recording.start"
	RecordingControlStop  = "recording.stop"
)

// ErrMeetingNotFound is returned when the Zoom API reports 404 for a meeting.
// Callers decide whether that is a failure: ending a meeting that is already
// gone usually is not.
var ErrMeetingNotFound = errors.New("zoom meeting not found")

// CreateMeetingRequest represents the request to create a Zoom meeting
type CreateMeetingRequest struct {
	Topic     string           `json:"topic"`
	Type      int              `json:"type"`
	StartTime string           `json:"start_time,omitempty"`
	Duration  int              `json:"duration,omitempty"`
	Timezone  string           `json:"timezone,omitempty"`
	Password  string           `json:"password,omitempty"`
	Settings  *MeetingSettings `json:"settings,omitempty"`
}

// MeetingSettings represents Zoom meeting settings
type MeetingSettings struct {
	HostVideo             bool   `json:"host_video"`
	ParticipantVideo      bool   `json:"participant_video"`
	JoinBeforeHost        bool   `json:"join_before_host"`
	MuteUponEntry         bool   `json:"mute_upon_entry"`
	Watermark             bool   `json:"watermark"`
	UsePMI                bool   `json:"use_pmi"`
	ApprovalType          int    `json:"approval_type"`
	Audio                 string `json:"audio"`
	AutoRecording         string `json:"auto_recording"`
	WaitingRoom           bool   `json:"waiting_room"`
	MeetingAuthentication bool   `json:"meeting_authentication"`
	JoinBeforeHostMinutes int    `json:"jbh_time,omitempty"`
}

// CreateMeetingResponse represents the response from creating a Zoom meeting
type CreateMeetingResponse struct {
	ID                int64            `json:"id"`
	UUID              string           `json:"uuid"`
	HostID            string           `json:"host_id"`
	HostEmail         string           `json:"host_email"`
	Topic             string           `json:"topic"`
	Type              int              `json:"type"`
	Status            string           `json:"status"`
	StartTime         string           `json:"start_time"`
	Duration          int              `json:"duration"`
	Timezone          string           `json:"timezone"`
	CreatedAt         string           `json:"created_at"`
	StartURL          string           `json:"start_url"`
	JoinURL           string           `json:"join_url"`
	Password          string           `json:"password"`
	EncryptedPassword string           `json:"encrypted_password"`
	Settings          *MeetingSettings `json:"settings"`
}

// UpdateMeetingStatusRequest represents the request body for the meeting
// status endpoint.
type UpdateMeetingStatusRequest struct {
	Action string `json:"action"`
}

// RecordingControlRequest represents the request body for the live meeting
// events endpoint.
type RecordingControlRequest struct {
	Method string `json:"method"`
}

// CreateMeeting creates a new meeting in Zoom for the specified user
// This is a pure API call with no business logic
func (c *Client) CreateMeeting(ctx context.Context, userID string, request *CreateMeetingRequest) (*CreateMeetingResponse, error) {
	path := fmt.Sprintf("/users/%s/meetings", userID)
	resp, err := c.doRequest(ctx, http.MethodPost, path, request)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, parseErrorResponse(body)
	}

	var meetingResp CreateMeetingResponse
	if err := json.NewDecoder(resp.Body).Decode(&meetingResp); err != nil {
		return nil, fmt.Errorf("failed to decode meeting response: %w", err)
	}

	return &meetingResp, nil
}

// EndMeeting ends a live meeting in Zoom via the meeting status endpoint.
// This is a pure API call with no business logic
func (c *Client) EndMeeting(ctx context.Context, meetingID string) error {
	path := fmt.Sprintf("/meetings/%s/status", meetingID)
	resp, err := c.doRequest(ctx, http.MethodPut, path, &UpdateMeetingStatusRequest{Action: MeetingStatusActionEnd})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return ErrMeetingNotFound
	}

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return parseErrorResponse(body)
	}

	return nil
}

// ControlRecording starts or stops cloud recording on a live meeting via the
// live meeting events endpoint.
// This is a pure API call with no business logic
func (c *Client) ControlRecording(ctx context.Context, meetingID string, request *RecordingControlRequest) error {
	path := fmt.Sprintf("/live_meetings/%s/events", meetingID)
	resp, err := c.doRequest(ctx, http.MethodPatch, path, request)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return ErrMeetingNotFound
	}

	// Zoom acknowledges live meeting control with 202
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return parseErrorResponse(body)
	}

	return nil
}
