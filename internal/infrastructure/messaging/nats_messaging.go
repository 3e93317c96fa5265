// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package messaging

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/carebridge/video-session-service/internal/domain/models"
	"github.com/carebridge/video-session-service/internal/logging"
)

// INatsConn is the slice of the NATS connection the [MessageBuilder] needs.
// Narrowed so tests can fake the connection.
type INatsConn interface {
	IsConnected() bool
	Publish(subj string, data []byte) error
}

// MessageBuilder serializes outbound messages and publishes them to NATS.
// It implements [domain.MessageBuilder].
type MessageBuilder struct {
	NatsConn INatsConn
}

// NewMessageBuilder creates a MessageBuilder on top of an established NATS
// connection.
func NewMessageBuilder(natsConn INatsConn) *MessageBuilder {
	return &MessageBuilder{NatsConn: natsConn}
}

func (m *MessageBuilder) sendMessage(ctx context.Context, subject string, data []byte) error {
	if err := m.NatsConn.Publish(subject, data); err != nil {
		slog.ErrorContext(ctx, "error sending message to NATS", logging.ErrKey, err, "subject", subject)
		return err
	}
	slog.DebugContext(ctx, "sent message to NATS", "subject", subject)
	return nil
}

// SendSessionNotification publishes a session lifecycle notification for the
// notification component to deliver to the appointment's participants.
func (m *MessageBuilder) SendSessionNotification(ctx context.Context, data models.SessionNotificationMessage) error {
	payload, err := json.Marshal(data)
	if err != nil {
		slog.ErrorContext(ctx, "error marshalling session notification", logging.ErrKey, err,
			"session_uid", data.SessionUID)
		return err
	}

	slog.DebugContext(ctx, "publishing session notification",
		"session_uid", data.SessionUID,
		"event", data.Event,
	)
	return m.sendMessage(ctx, models.SessionNotificationSubject, payload)
}

// PublishVideoWebhookEvent hands a validated provider webhook event to NATS
// so the HTTP handler can acknowledge the provider without waiting on
// session reconciliation.
func (m *MessageBuilder) PublishVideoWebhookEvent(ctx context.Context, subject string, message models.VideoWebhookEventMessage) error {
	payload, err := json.Marshal(message)
	if err != nil {
		slog.ErrorContext(ctx, "error marshalling webhook event", logging.ErrKey, err, "subject", subject)
		return err
	}

	slog.DebugContext(ctx, "publishing provider webhook event",
		"subject", subject,
		"event_type", message.EventType,
		"event_ts", message.EventTS,
	)
	return m.sendMessage(ctx, subject, payload)
}
