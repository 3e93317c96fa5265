// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package models

// NATS subjects that the session service sends messages about.
const (
	// SessionNotificationSubject is the subject for session lifecycle
	// notifications consumed by the notification component.
	// The subject is of the form: clinic.video.session.notification
	SessionNotificationSubject = "clinic.video.session.notification"
)

// NATS wildcard subjects that the session service handles messages about.
const (
	// SessionAPIQueue is the queue group name for the session API consumers.
	// The queue is of the form: clinic.video-session-api.queue
	SessionAPIQueue = "clinic.video-session-api.queue"
)

// NATS specific subjects that the session service handles messages about.
const (
	// SessionForceEndSubject is the request/reply subject other backend
	// services use to force-end a session.
	// The subject is of the form: clinic.video.session.force_end
	SessionForceEndSubject = "clinic.video.session.force_end"

	// Provider webhook event subjects - mirrors the actual provider webhook event names
	VideoWebhookMeetingEndedSubject      = "clinic.webhook.video.meeting.ended"
	VideoWebhookParticipantJoinedSubject = "clinic.webhook.video.meeting.participant_joined"
	VideoWebhookParticipantLeftSubject   = "clinic.webhook.video.meeting.participant_left"
	VideoWebhookRecordingStartedSubject  = "clinic.webhook.video.recording.started"
	VideoWebhookRecordingStoppedSubject  = "clinic.webhook.video.recording.stopped"
)

// SessionEvent is the kind of lifecycle notification emitted for a session.
type SessionEvent string

// SessionEvent constants for lifecycle notifications.
const (
	// SessionEventStarted is emitted on the scheduled to ongoing transition.
	SessionEventStarted SessionEvent = "started"
	// SessionEventEnded is emitted when a session is finalized.
	SessionEventEnded SessionEvent = "ended"
)

// SessionNotificationMessage is the schema for messages published on
// SessionNotificationSubject. DurationMinutes and EndReason are only present
// on ended notifications, and the duration only when the session ever
// started.
type SessionNotificationMessage struct {
	AppointmentUID  string       `json:"appointment_uid"`
	SessionUID      string       `json:"session_uid"`
	Event           SessionEvent `json:"event"`
	DurationMinutes *int         `json:"duration_minutes,omitempty"`
	EndReason       EndReason    `json:"end_reason,omitempty"`
}

// SessionForceEndMessage is the request schema for SessionForceEndSubject.
type SessionForceEndMessage struct {
	SessionUID string `json:"session_uid"`
}

// VideoWebhookEventMessage is the schema for provider webhook events sent via NATS
// for async processing. The payload stays untyped here; handlers decode it
// into the typed payload structs.
type VideoWebhookEventMessage struct {
	EventType string                 `json:"event_type"`
	EventTS   int64                  `json:"event_ts"`
	Payload   map[string]interface{} `json:"payload"`
}
