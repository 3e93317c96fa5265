// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package domain

import (
	"context"

	"github.com/carebridge/video-session-service/internal/domain/models"
)

// VideoProvider defines the interface for the external conferencing platform
type VideoProvider interface {
	// CreateMeeting provisions a meeting on the conferencing platform for a
	// session. The session carries the locally generated passcode; the
	// appointment supplies the schedule. Returns the provider's meeting
	// reference and the join URL.
	CreateMeeting(ctx context.Context, session *models.CallSession, appointment *models.Appointment) (meetingRef string, joinURL string, err error)

	// EndMeeting terminates a live meeting on the provider. Ending a meeting
	// that is not live is not an error.
	EndMeeting(ctx context.Context, meetingRef string) error

	// StartRecording begins cloud recording on a live meeting.
	StartRecording(ctx context.Context, meetingRef string) error

	// StopRecording stops cloud recording on a live meeting.
	StopRecording(ctx context.Context, meetingRef string) error

	// LiveParticipantCount reports how many participants the provider
	// currently sees in the meeting. Used as a cross-check before the
	// watchdog force-finalizes an idle session.
	LiveParticipantCount(ctx context.Context, meetingRef string) (int, error)
}

// WebhookValidator validates inbound provider webhook requests.
type WebhookValidator interface {
	// ValidateSignature checks the HMAC signature over the raw request body.
	ValidateSignature(body []byte, signature, timestamp string) error

	// GetSecretToken exposes the shared secret for the provider's endpoint
	// validation challenge.
	GetSecretToken() string
}
