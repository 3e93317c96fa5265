// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

// Package mocks provides a func-field test double for the Zoom API client.
// Every method has a canned default so tests only override the calls they
// care about.
package mocks

import (
	"github.com/carebridge/video-session-service/internal/infrastructure/zoom/api"
)

// MockClient bundles the per-endpoint-group mocks into one api.ClientAPI.
type MockClient struct {
	MockMeetingsAPI
	MockMetricsAPI
	MockUsersAPI
}

var _ api.ClientAPI = (*MockClient)(nil)

// NewMockClient returns a mock whose methods all succeed with their
// defaults until a *Func field is set.
func NewMockClient() *MockClient {
	return &MockClient{}
}
