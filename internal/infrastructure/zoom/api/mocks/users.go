// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package mocks

import (
	"context"

	"github.com/carebridge/video-session-service/internal/infrastructure/zoom/api"
)

// MockUsersAPI fakes the Zoom user listing endpoint.
type MockUsersAPI struct {
	GetUsersFunc func(ctx context.Context) ([]api.ZoomUser, error)
}

// GetUsers returns GetUsersFunc's result when set. The default models a
// small clinic account: one licensed active host, one basic user, and one
// deactivated license, so host selection has something to choose between.
func (m *MockUsersAPI) GetUsers(ctx context.Context) ([]api.ZoomUser, error) {
	if m.GetUsersFunc != nil {
		return m.GetUsersFunc(ctx)
	}
	return []api.ZoomUser{
		{
			ID:        "user1",
			Email:     "host.desk@clinic.example",
			FirstName: "Amara",
			LastName:  "Okafor",
			Type:      api.UserTypeLicensed,
			Status:    api.UserStatusActive,
		},
		{
			ID:        "user2",
			Email:     "front.desk@clinic.example",
			FirstName: "Rosa",
			LastName:  "Alvarez",
			Type:      api.UserTypeBasic,
			Status:    api.UserStatusActive,
		},
		{
			ID:        "user3",
			Email:     "retired.host@clinic.example",
			FirstName: "Jun",
			LastName:  "Chen",
			Type:      api.UserTypeLicensed,
			Status:    api.UserStatusInactive,
		},
	}, nil
}
