// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package models

import "time"

// ProviderEventType tags a normalized conferencing-provider event.
type ProviderEventType string

// Provider event types the session manager accepts.
const (
	ProviderEventJoined           ProviderEventType = "joined"
	ProviderEventLeft             ProviderEventType = "left"
	ProviderEventRecordingStarted ProviderEventType = "recording_started"
	ProviderEventRecordingStopped ProviderEventType = "recording_stopped"
	ProviderEventMeetingEnded     ProviderEventType = "meeting_ended"
)

// ProviderEvent is a provider webhook event normalized for the session
// manager: the raw payload shapes stay in the handlers, only the fields the
// lifecycle needs cross this boundary. MeetingRef scopes the event to a
// session; Participant is set for joined and left events only.
type ProviderEvent struct {
	Type        ProviderEventType
	MeetingRef  string
	OccurredAt  time.Time
	Participant *ProviderEventParticipant
}

// ProviderEventParticipant carries the participant identity attached to a
// joined or left event. SpanUID is the provider's per-connection UUID and
// doubles as the presence span identity so redelivered events are
// recognizable. UserKey is the clinic user UID embedded in the join link;
// guests without one are tracked by email or span identity.
type ProviderEventParticipant struct {
	SpanUID     string
	UserKey     string
	Email       string
	DisplayName string
	LeaveReason string
}
