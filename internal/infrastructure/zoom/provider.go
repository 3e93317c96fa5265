// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

// Package zoom adapts the Zoom REST API to the domain's VideoProvider
// contract. The api subpackage owns transport, authentication, and retries;
// this package maps consultation sessions onto Zoom meetings.
package zoom

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/carebridge/video-session-service/internal/domain"
	"github.com/carebridge/video-session-service/internal/infrastructure/zoom/api"
)

// userCacheTTL bounds how long the active-user list is reused before the
// provider asks Zoom again.
const userCacheTTL = 15 * time.Minute

// userCache holds the Zoom users eligible to host consultations so session
// creation does not cost an extra API round trip every time.
type userCache struct {
	mu        sync.Mutex
	users     []api.ZoomUser
	fetchedAt time.Time
}

// ZoomProvider implements the VideoProvider contract against the Zoom API.
type ZoomProvider struct {
	client      api.ClientAPI
	cachedUsers *userCache
}

// NewZoomProvider creates a provider backed by the given API client.
func NewZoomProvider(client api.ClientAPI) *ZoomProvider {
	return &ZoomProvider{
		client:      client,
		cachedUsers: &userCache{},
	}
}

// Ensure ZoomProvider implements VideoProvider
var _ domain.VideoProvider = (*ZoomProvider)(nil)

// getHostUser returns the Zoom user consultations are scheduled under.
// Licensed active users are preferred; any active user is accepted when no
// licensed one exists.
func (p *ZoomProvider) getHostUser(ctx context.Context) (*api.ZoomUser, error) {
	p.cachedUsers.mu.Lock()
	defer p.cachedUsers.mu.Unlock()

	if len(p.cachedUsers.users) == 0 || time.Since(p.cachedUsers.fetchedAt) > userCacheTTL {
		users, err := p.client.GetUsers(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list Zoom users: %w", err)
		}
		p.cachedUsers.users = users
		p.cachedUsers.fetchedAt = time.Now()
	}

	var fallback *api.ZoomUser
	for i := range p.cachedUsers.users {
		user := &p.cachedUsers.users[i]
		if user.Status != api.UserStatusActive {
			continue
		}
		if user.Type == api.UserTypeLicensed {
			return user, nil
		}
		if fallback == nil {
			fallback = user
		}
	}
	if fallback != nil {
		return fallback, nil
	}

	return nil, errors.New("no active Zoom user available to host consultations")
}
