// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package domain

import (
	"context"

	"github.com/carebridge/video-session-service/internal/domain/models"
)

// Message is one inbound broker message. Handlers answer request/reply
// messages through Respond; fire-and-forget messages report HasReply false.
type Message interface {
	Subject() string
	Data() []byte
	Respond(data []byte) error
	HasReply() bool
}

// MessageHandler consumes inbound messages. HandlerReady gates the readiness
// probe until subscriptions are in place.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg Message)
	HandlerReady() bool
}

// WebhookEventSender publishes validated provider webhook events for async
// processing.
type WebhookEventSender interface {
	PublishVideoWebhookEvent(ctx context.Context, subject string, message models.VideoWebhookEventMessage) error
}

// SessionNotificationSender publishes session lifecycle notifications.
type SessionNotificationSender interface {
	SendSessionNotification(ctx context.Context, data models.SessionNotificationMessage) error
}

// MessageBuilder composes every outbound messaging capability. Services that
// only publish one kind of message should depend on the narrower interface.
type MessageBuilder interface {
	WebhookEventSender
	SessionNotificationSender
}
