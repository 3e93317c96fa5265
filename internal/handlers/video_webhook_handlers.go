// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package handlers

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/carebridge/video-session-service/internal/domain"
	"github.com/carebridge/video-session-service/internal/domain/models"
	"github.com/carebridge/video-session-service/internal/logging"
	"github.com/carebridge/video-session-service/internal/service"
	"github.com/carebridge/video-session-service/pkg/utils"
)

// VideoWebhookHandler consumes provider webhook events from NATS and feeds
// them to the session manager as normalized provider events.
type VideoWebhookHandler struct {
	sessionManager *service.SessionManager
}

func NewVideoWebhookHandler(sessionManager *service.SessionManager) *VideoWebhookHandler {
	return &VideoWebhookHandler{
		sessionManager: sessionManager,
	}
}

func (s *VideoWebhookHandler) HandlerReady() bool {
	return s.sessionManager != nil && s.sessionManager.ServiceReady()
}

// HandleMessage implements [domain.MessageHandler] interface
func (s *VideoWebhookHandler) HandleMessage(ctx context.Context, msg domain.Message) {
	subject := msg.Subject()
	ctx = logging.AppendCtx(ctx, slog.String("subject", subject))
	slog.DebugContext(ctx, "handling NATS message")

	var response []byte
	var err error

	handlers := map[string]func(ctx context.Context, msg domain.Message) ([]byte, error){
		models.VideoWebhookMeetingEndedSubject:      s.HandleMeetingEnded,
		models.VideoWebhookParticipantJoinedSubject: s.HandleParticipantJoined,
		models.VideoWebhookParticipantLeftSubject:   s.HandleParticipantLeft,
		models.VideoWebhookRecordingStartedSubject:  s.HandleRecordingStarted,
		models.VideoWebhookRecordingStoppedSubject:  s.HandleRecordingStopped,
	}

	handler, ok := handlers[subject]
	if !ok {
		slog.WarnContext(ctx, "unknown subject")
		if msg.HasReply() {
			err = msg.Respond(nil)
			if err != nil {
				slog.ErrorContext(ctx, "error responding to NATS message", logging.ErrKey, err)
			}
		}
		return
	}

	response, err = handler(ctx, msg)
	if err != nil {
		slog.ErrorContext(ctx, "error handling message",
			logging.ErrKey, err,
		)
		if msg.HasReply() {
			err = msg.Respond(nil)
			if err != nil {
				slog.ErrorContext(ctx, "error responding to NATS message", logging.ErrKey, err)
			}
		}
		return
	}

	if msg.HasReply() {
		err = msg.Respond(response)
		if err != nil {
			slog.ErrorContext(ctx, "error responding to NATS message", logging.ErrKey, err)
			return
		}
		slog.DebugContext(ctx, "responded to NATS message", "response", response)
	} else {
		slog.DebugContext(ctx, "handled NATS message (no reply expected)")
	}
}

// parseVideoWebhookEvent is a helper to parse webhook event messages
func (s *VideoWebhookHandler) parseVideoWebhookEvent(ctx context.Context, msg domain.Message) (*models.VideoWebhookEventMessage, error) {
	var webhookEvent models.VideoWebhookEventMessage
	if err := json.Unmarshal(msg.Data(), &webhookEvent); err != nil {
		slog.ErrorContext(ctx, "failed to unmarshal webhook event", logging.ErrKey, err)
		return nil, err
	}
	return &webhookEvent, nil
}

// HandleMeetingEnded handles meeting.ended webhook events
func (s *VideoWebhookHandler) HandleMeetingEnded(ctx context.Context, msg domain.Message) ([]byte, error) {
	webhookEvent, err := s.parseVideoWebhookEvent(ctx, msg)
	if err != nil {
		return nil, err
	}

	ctx = logging.AppendCtx(ctx, slog.String("event_type", webhookEvent.EventType))
	err = s.handleMeetingEndedEvent(ctx, *webhookEvent)
	if err != nil {
		slog.ErrorContext(ctx, "failed to handle meeting ended event", logging.ErrKey, err)
		return nil, err
	}

	slog.InfoContext(ctx, "successfully processed meeting ended event")
	return nil, nil // No response needed for webhook events
}

// HandleParticipantJoined handles meeting.participant_joined webhook events
func (s *VideoWebhookHandler) HandleParticipantJoined(ctx context.Context, msg domain.Message) ([]byte, error) {
	webhookEvent, err := s.parseVideoWebhookEvent(ctx, msg)
	if err != nil {
		return nil, err
	}

	ctx = logging.AppendCtx(ctx, slog.String("event_type", webhookEvent.EventType))
	err = s.handleParticipantJoinedEvent(ctx, *webhookEvent)
	if err != nil {
		slog.ErrorContext(ctx, "failed to handle participant joined event", logging.ErrKey, err)
		return nil, err
	}

	slog.InfoContext(ctx, "successfully processed participant joined event")
	return nil, nil // No response needed for webhook events
}

// HandleParticipantLeft handles meeting.participant_left webhook events
func (s *VideoWebhookHandler) HandleParticipantLeft(ctx context.Context, msg domain.Message) ([]byte, error) {
	webhookEvent, err := s.parseVideoWebhookEvent(ctx, msg)
	if err != nil {
		return nil, err
	}

	ctx = logging.AppendCtx(ctx, slog.String("event_type", webhookEvent.EventType))
	err = s.handleParticipantLeftEvent(ctx, *webhookEvent)
	if err != nil {
		slog.ErrorContext(ctx, "failed to handle participant left event", logging.ErrKey, err)
		return nil, err
	}

	slog.InfoContext(ctx, "successfully processed participant left event")
	return nil, nil // No response needed for webhook events
}

// HandleRecordingStarted handles recording.started webhook events
func (s *VideoWebhookHandler) HandleRecordingStarted(ctx context.Context, msg domain.Message) ([]byte, error) {
	webhookEvent, err := s.parseVideoWebhookEvent(ctx, msg)
	if err != nil {
		return nil, err
	}

	ctx = logging.AppendCtx(ctx, slog.String("event_type", webhookEvent.EventType))
	err = s.handleRecordingStartedEvent(ctx, *webhookEvent)
	if err != nil {
		slog.ErrorContext(ctx, "failed to handle recording started event", logging.ErrKey, err)
		return nil, err
	}

	slog.InfoContext(ctx, "successfully processed recording started event")
	return nil, nil // No response needed for webhook events
}

// HandleRecordingStopped handles recording.stopped webhook events
func (s *VideoWebhookHandler) HandleRecordingStopped(ctx context.Context, msg domain.Message) ([]byte, error) {
	webhookEvent, err := s.parseVideoWebhookEvent(ctx, msg)
	if err != nil {
		return nil, err
	}

	ctx = logging.AppendCtx(ctx, slog.String("event_type", webhookEvent.EventType))
	err = s.handleRecordingStoppedEvent(ctx, *webhookEvent)
	if err != nil {
		slog.ErrorContext(ctx, "failed to handle recording stopped event", logging.ErrKey, err)
		return nil, err
	}

	slog.InfoContext(ctx, "successfully processed recording stopped event")
	return nil, nil // No response needed for webhook events
}

// handleMeetingEndedEvent processes meeting.ended events
func (s *VideoWebhookHandler) handleMeetingEndedEvent(ctx context.Context, event models.VideoWebhookEventMessage) error {
	slog.InfoContext(ctx, "processing meeting ended event")

	payload, err := event.ToMeetingEndedPayload()
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse meeting ended payload", logging.ErrKey, err)
		return err
	}
	if payload.Object.ID == "" {
		return domain.NewValidationError("meeting ended event has no meeting ID")
	}

	ctx = logging.AppendCtx(ctx, slog.String("meeting_ref", payload.Object.ID))

	return s.sessionManager.HandleProviderEvent(ctx, &models.ProviderEvent{
		Type:       models.ProviderEventMeetingEnded,
		MeetingRef: payload.Object.ID,
		OccurredAt: payload.Object.EndTime,
	})
}

// handleParticipantJoinedEvent processes meeting.participant_joined events
func (s *VideoWebhookHandler) handleParticipantJoinedEvent(ctx context.Context, event models.VideoWebhookEventMessage) error {
	slog.InfoContext(ctx, "processing participant joined event")

	payload, err := event.ToParticipantJoinedPayload()
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse participant joined payload", logging.ErrKey, err)
		return err
	}
	if payload.Object.ID == "" {
		return domain.NewValidationError("participant joined event has no meeting ID")
	}

	ctx = logging.AppendCtx(ctx, slog.String("meeting_ref", payload.Object.ID))

	participant := payload.Object.Participant
	return s.sessionManager.HandleProviderEvent(ctx, &models.ProviderEvent{
		Type:       models.ProviderEventJoined,
		MeetingRef: payload.Object.ID,
		OccurredAt: participant.JoinTime,
		Participant: &models.ProviderEventParticipant{
			// The per-connection UUID survives redelivery; the legacy ID is a
			// fallback for providers that omit it.
			SpanUID:     utils.CoalesceString(participant.ParticipantUUID, participant.ID),
			UserKey:     participant.CustomerKey,
			Email:       participant.Email,
			DisplayName: participant.UserName,
		},
	})
}

// handleParticipantLeftEvent processes meeting.participant_left events
func (s *VideoWebhookHandler) handleParticipantLeftEvent(ctx context.Context, event models.VideoWebhookEventMessage) error {
	slog.InfoContext(ctx, "processing participant left event")

	payload, err := event.ToParticipantLeftPayload()
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse participant left payload", logging.ErrKey, err)
		return err
	}
	if payload.Object.ID == "" {
		return domain.NewValidationError("participant left event has no meeting ID")
	}

	ctx = logging.AppendCtx(ctx, slog.String("meeting_ref", payload.Object.ID))

	participant := payload.Object.Participant
	return s.sessionManager.HandleProviderEvent(ctx, &models.ProviderEvent{
		Type:       models.ProviderEventLeft,
		MeetingRef: payload.Object.ID,
		OccurredAt: participant.LeaveTime,
		Participant: &models.ProviderEventParticipant{
			SpanUID:     utils.CoalesceString(participant.ParticipantUUID, participant.ID),
			UserKey:     participant.CustomerKey,
			Email:       participant.Email,
			DisplayName: participant.UserName,
			LeaveReason: participant.LeaveReason,
		},
	})
}

// handleRecordingStartedEvent processes recording.started events
func (s *VideoWebhookHandler) handleRecordingStartedEvent(ctx context.Context, event models.VideoWebhookEventMessage) error {
	slog.InfoContext(ctx, "processing recording started event")

	payload, err := event.ToRecordingStartedPayload()
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse recording started payload", logging.ErrKey, err)
		return err
	}
	if payload.Object.ID == "" {
		return domain.NewValidationError("recording started event has no meeting ID")
	}

	ctx = logging.AppendCtx(ctx, slog.String("meeting_ref", payload.Object.ID))

	return s.sessionManager.HandleProviderEvent(ctx, &models.ProviderEvent{
		Type:       models.ProviderEventRecordingStarted,
		MeetingRef: payload.Object.ID,
	})
}

// handleRecordingStoppedEvent processes recording.stopped events
func (s *VideoWebhookHandler) handleRecordingStoppedEvent(ctx context.Context, event models.VideoWebhookEventMessage) error {
	slog.InfoContext(ctx, "processing recording stopped event")

	payload, err := event.ToRecordingStoppedPayload()
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse recording stopped payload", logging.ErrKey, err)
		return err
	}
	if payload.Object.ID == "" {
		return domain.NewValidationError("recording stopped event has no meeting ID")
	}

	ctx = logging.AppendCtx(ctx, slog.String("meeting_ref", payload.Object.ID))

	return s.sessionManager.HandleProviderEvent(ctx, &models.ProviderEvent{
		Type:       models.ProviderEventRecordingStopped,
		MeetingRef: payload.Object.ID,
	})
}
