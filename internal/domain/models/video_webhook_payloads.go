// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package models

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// VideoMeetingEndedPayload represents the payload for meeting.ended webhook events
type VideoMeetingEndedPayload struct {
	Object struct {
		UUID      string    `json:"uuid"`
		ID        string    `json:"id"` // the provider sends as string in webhook events
		HostID    string    `json:"host_id"`
		Topic     string    `json:"topic"`
		Type      int       `json:"type"`
		StartTime time.Time `json:"start_time"`
		EndTime   time.Time `json:"end_time"`
		Duration  int       `json:"duration"`
		Timezone  string    `json:"timezone"`
	} `json:"object"`
}

// VideoParticipantJoinedPayload represents the payload for meeting.participant_joined webhook events
type VideoParticipantJoinedPayload struct {
	Object struct {
		UUID        string    `json:"uuid"`
		ID          string    `json:"id"` // the provider sends as string for participant events
		HostID      string    `json:"host_id"`
		Topic       string    `json:"topic"`
		Type        int       `json:"type"`
		StartTime   time.Time `json:"start_time"`
		Timezone    string    `json:"timezone"`
		Participant struct {
			UserID          string    `json:"user_id"`
			UserName        string    `json:"user_name"`
			ID              string    `json:"id"`
			ParticipantUUID string    `json:"participant_uuid"`
			JoinTime        time.Time `json:"join_time"`
			Email           string    `json:"email"`
			// CustomerKey carries the clinic user UID embedded in the join
			// link at provisioning time. Empty for guests who join from a
			// bare link.
			CustomerKey string `json:"customer_key"`
		} `json:"participant"`
	} `json:"object"`
}

// VideoParticipantLeftPayload represents the payload for meeting.participant_left webhook events
type VideoParticipantLeftPayload struct {
	Object struct {
		UUID        string    `json:"uuid"`
		ID          string    `json:"id"` // the provider sends as string for participant events
		HostID      string    `json:"host_id"`
		Topic       string    `json:"topic"`
		Type        int       `json:"type"`
		StartTime   time.Time `json:"start_time"`
		Timezone    string    `json:"timezone"`
		Participant struct {
			UserID          string    `json:"user_id"`
			UserName        string    `json:"user_name"`
			ID              string    `json:"id"`
			ParticipantUUID string    `json:"participant_uuid"`
			LeaveTime       time.Time `json:"leave_time"`
			LeaveReason     string    `json:"leave_reason"`
			Duration        int       `json:"duration"`
			Email           string    `json:"email"`
			CustomerKey     string    `json:"customer_key"`
		} `json:"participant"`
	} `json:"object"`
}

// VideoRecordingStartedPayload represents the payload for recording.started webhook events
type VideoRecordingStartedPayload struct {
	Object struct {
		UUID      string    `json:"uuid"`
		ID        string    `json:"id"`
		HostID    string    `json:"host_id"`
		Topic     string    `json:"topic"`
		Type      int       `json:"type"`
		StartTime time.Time `json:"start_time"`
		Timezone  string    `json:"timezone"`
	} `json:"object"`
}

// VideoRecordingStoppedPayload represents the payload for recording.stopped webhook events
type VideoRecordingStoppedPayload struct {
	Object struct {
		UUID      string    `json:"uuid"`
		ID        string    `json:"id"`
		HostID    string    `json:"host_id"`
		Topic     string    `json:"topic"`
		Type      int       `json:"type"`
		StartTime time.Time `json:"start_time"`
		Timezone  string    `json:"timezone"`
		Duration  int       `json:"duration"`
	} `json:"object"`
}

// Helper methods to convert from VideoWebhookEventMessage to typed payloads

// decodePayload decodes the raw webhook payload map into a typed payload
// struct. The provider sends RFC3339 timestamps as strings, so string-to-time
// decoding is hooked in.
func (m *VideoWebhookEventMessage) decodePayload(result any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeHookFunc(time.RFC3339),
		TagName:    "json",
		Result:     result,
	})
	if err != nil {
		return fmt.Errorf("failed to create payload decoder: %w", err)
	}

	if err := decoder.Decode(m.Payload); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}

	return nil
}

// ToMeetingEndedPayload converts the webhook event to a typed meeting ended payload
func (m *VideoWebhookEventMessage) ToMeetingEndedPayload() (*VideoMeetingEndedPayload, error) {
	if m.EventType != "meeting.ended" {
		return nil, fmt.Errorf("invalid event type: expected meeting.ended, got %s", m.EventType)
	}

	var payload VideoMeetingEndedPayload
	if err := m.decodePayload(&payload); err != nil {
		return nil, err
	}

	return &payload, nil
}

// ToParticipantJoinedPayload converts the webhook event to a typed participant joined payload
func (m *VideoWebhookEventMessage) ToParticipantJoinedPayload() (*VideoParticipantJoinedPayload, error) {
	if m.EventType != "meeting.participant_joined" {
		return nil, fmt.Errorf("invalid event type: expected meeting.participant_joined, got %s", m.EventType)
	}

	var payload VideoParticipantJoinedPayload
	if err := m.decodePayload(&payload); err != nil {
		return nil, err
	}

	return &payload, nil
}

// ToParticipantLeftPayload converts the webhook event to a typed participant left payload
func (m *VideoWebhookEventMessage) ToParticipantLeftPayload() (*VideoParticipantLeftPayload, error) {
	if m.EventType != "meeting.participant_left" {
		return nil, fmt.Errorf("invalid event type: expected meeting.participant_left, got %s", m.EventType)
	}

	var payload VideoParticipantLeftPayload
	if err := m.decodePayload(&payload); err != nil {
		return nil, err
	}

	return &payload, nil
}

// ToRecordingStartedPayload converts the webhook event to a typed recording started payload
func (m *VideoWebhookEventMessage) ToRecordingStartedPayload() (*VideoRecordingStartedPayload, error) {
	if m.EventType != "recording.started" {
		return nil, fmt.Errorf("invalid event type: expected recording.started, got %s", m.EventType)
	}

	var payload VideoRecordingStartedPayload
	if err := m.decodePayload(&payload); err != nil {
		return nil, err
	}

	return &payload, nil
}

// ToRecordingStoppedPayload converts the webhook event to a typed recording stopped payload
func (m *VideoWebhookEventMessage) ToRecordingStoppedPayload() (*VideoRecordingStoppedPayload, error) {
	if m.EventType != "recording.stopped" {
		return nil, fmt.Errorf("invalid event type: expected recording.stopped, got %s", m.EventType)
	}

	var payload VideoRecordingStoppedPayload
	if err := m.decodePayload(&payload); err != nil {
		return nil, err
	}

	return &payload, nil
}
