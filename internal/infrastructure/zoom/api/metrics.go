// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/carebridge/video-session-service/internal/logging"
)

// MeetingParticipant represents one participant entry from the dashboard
// metrics API.
type MeetingParticipant struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	JoinTime  string `json:"join_time"`
	LeaveTime string `json:"leave_time,omitempty"`
}

// MeetingParticipantsResponse represents the response from the dashboard
// meeting participants API.
type MeetingParticipantsResponse struct {
	PageCount    int                  `json:"page_count"`
	PageSize     int                  `json:"page_size"`
	TotalRecords int                  `json:"total_records"`
	Participants []MeetingParticipant `json:"participants"`
}

// GetLiveMeetingParticipants retrieves the participants the platform currently
// sees in a live meeting, from the dashboard metrics API.
func (c *Client) GetLiveMeetingParticipants(ctx context.Context, meetingID string) (*MeetingParticipantsResponse, error) {
	ctx = logging.AppendCtx(ctx, slog.String("zoom_operation", "get_live_meeting_participants"))

	path := fmt.Sprintf("/metrics/meetings/%s/participants?type=live&page_size=300", meetingID)
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		slog.ErrorContext(ctx, "failed to get live meeting participants", logging.ErrKey, err)
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrMeetingNotFound
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		err := parseErrorResponse(body)
		slog.ErrorContext(ctx, "Zoom API returned error", logging.ErrKey, err, "status", resp.StatusCode)
		return nil, err
	}

	var participantsResp MeetingParticipantsResponse
	if err := json.NewDecoder(resp.Body).Decode(&participantsResp); err != nil {
		slog.ErrorContext(ctx, "failed to decode participants response", logging.ErrKey, err)
		return nil, fmt.Errorf("failed to decode participants response: %w", err)
	}

	return &participantsResp, nil
}
