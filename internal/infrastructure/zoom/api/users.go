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

// Zoom user plan types. Licensed users can host scheduled meetings, which is
// what host selection cares about.
const (
	UserTypeBasic    = 1
	UserTypeLicensed = 2
	UserTypeOnPrem   = 3
)

// Zoom user statuses.
const (
	UserStatusActive   = "active"
	UserStatusInactive = "inactive"
	UserStatusPending  = "pending"
)

// ZoomUser is one user record in the Zoom account.
type ZoomUser struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Type      int    `json:"type"`
	Status    string `json:"status"`
}

// ZoomUsersResponse is the paged payload returned by the users endpoint.
type ZoomUsersResponse struct {
	PageCount   int        `json:"page_count"`
	PageNumber  int        `json:"page_number"`
	PageSize    int        `json:"page_size"`
	TotalRecord int        `json:"total_records"`
	Users       []ZoomUser `json:"users"`
}

// GetUsers lists the active users in the Zoom account. The provider picks a
// meeting host from this list, so inactive users are filtered server-side.
// One page of 100 is enough for the account sizes this service runs against.
func (c *Client) GetUsers(ctx context.Context) ([]ZoomUser, error) {
	ctx = logging.AppendCtx(ctx, slog.String("zoom_operation", "get_users"))

	resp, err := c.doRequest(ctx, http.MethodGet, "/users?status=active&page_size=100", nil)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list Zoom users", logging.ErrKey, err)
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		apiErr := parseErrorResponse(body)
		slog.ErrorContext(ctx, "Zoom API returned error", "status", resp.StatusCode, logging.ErrKey, apiErr)
		return nil, apiErr
	}

	var usersResp ZoomUsersResponse
	if err := json.NewDecoder(resp.Body).Decode(&usersResp); err != nil {
		slog.ErrorContext(ctx, "failed to decode users response", logging.ErrKey, err)
		return nil, fmt.Errorf("failed to decode users response: %w", err)
	}

	slog.DebugContext(ctx, "listed Zoom users",
		"user_count", len(usersResp.Users),
		"total_records", usersResp.TotalRecord)

	return usersResp.Users, nil
}
