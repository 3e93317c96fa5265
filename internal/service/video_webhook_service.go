// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/carebridge/video-session-service/internal/domain"
	"github.com/carebridge/video-session-service/internal/domain/models"
	"github.com/carebridge/video-session-service/internal/logging"
	"github.com/carebridge/video-session-service/pkg/utils"
)

// VideoWebhookService is the synchronous half of webhook ingestion: it
// authenticates a delivery and republishes it onto NATS, where the queue
// subscription picks it up. The provider only needs a fast 2xx; everything
// stateful happens on the consumer side.
type VideoWebhookService struct {
	messageSender    domain.WebhookEventSender
	webhookValidator domain.WebhookValidator
}

// WebhookRequest is one inbound webhook delivery, carrying both the decoded
// envelope and the raw bytes the signature was computed over.
type WebhookRequest struct {
	Event     string
	EventTS   int64
	Payload   any
	Signature string
	Timestamp string
	RawBody   []byte
}

// WebhookResponse is what the webhook endpoint answers with. Either the
// status/message pair or, for url_validation challenges, the token pair.
type WebhookResponse struct {
	Status         *string
	Message        *string
	PlainToken     *string
	EncryptedToken *string
}

// NewVideoWebhookService creates a new VideoWebhookService.
func NewVideoWebhookService(
	messageSender domain.WebhookEventSender,
	webhookValidator domain.WebhookValidator,
) *VideoWebhookService {
	return &VideoWebhookService{
		messageSender:    messageSender,
		webhookValidator: webhookValidator,
	}
}

// ServiceReady checks if the service is ready to process requests.
func (s *VideoWebhookService) ServiceReady() bool {
	return s.messageSender != nil && s.webhookValidator != nil
}

// ProcessWebhookEvent authenticates one delivery and hands it to the
// matching path: the url_validation challenge is answered inline, everything
// else is published for the queue consumers.
func (s *VideoWebhookService) ProcessWebhookEvent(ctx context.Context, req WebhookRequest) (*WebhookResponse, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	if err := s.validateSignature(req); err != nil {
		return nil, err
	}

	if req.Event == "endpoint.url_validation" {
		return s.handleEndpointValidation(ctx, req)
	}

	return s.publishEvent(ctx, req)
}

func (s *VideoWebhookService) validateRequest(req WebhookRequest) error {
	if req.Event == "" {
		return domain.NewValidationError("missing event field")
	}

	if req.Payload == nil {
		return domain.NewValidationError("missing payload field")
	}

	if req.Signature == "" || req.Timestamp == "" {
		return domain.NewValidationError("missing signature headers")
	}

	return nil
}

func (s *VideoWebhookService) validateSignature(req WebhookRequest) error {
	if err := s.webhookValidator.ValidateSignature(req.RawBody, req.Signature, req.Timestamp); err != nil {
		return domain.NewValidationError("invalid webhook signature", err)
	}
	return nil
}

// handleEndpointValidation answers the provider's url_validation challenge:
// the plainToken from the payload comes back HMAC-signed with the webhook
// secret, proving this endpoint holds it.
func (s *VideoWebhookService) handleEndpointValidation(ctx context.Context, req WebhookRequest) (*WebhookResponse, error) {
	payloadMap, ok := req.Payload.(map[string]any)
	if !ok {
		slog.ErrorContext(ctx, "url_validation payload is not a map",
			"payload_type", fmt.Sprintf("%T", req.Payload),
		)
		return nil, domain.NewValidationError("invalid validation payload format")
	}

	plainToken, ok := payloadMap["plainToken"].(string)
	if !ok || plainToken == "" {
		slog.ErrorContext(ctx, "url_validation payload is missing plainToken")
		return nil, domain.NewValidationError("missing plainToken in validation payload")
	}

	secretToken := s.webhookValidator.GetSecretToken()
	if secretToken == "" {
		slog.ErrorContext(ctx, "webhook validator has no secret token configured", logging.PriorityCritical())
		return nil, domain.NewInternalError("webhook validation not configured")
	}

	h := hmac.New(sha256.New, []byte(secretToken))
	h.Write([]byte(plainToken))
	encryptedToken := hex.EncodeToString(h.Sum(nil))

	slog.InfoContext(ctx, "answered webhook endpoint validation challenge")

	return &WebhookResponse{
		PlainToken:     utils.StringPtr(plainToken),
		EncryptedToken: utils.StringPtr(encryptedToken),
	}, nil
}

func (s *VideoWebhookService) publishEvent(ctx context.Context, req WebhookRequest) (*WebhookResponse, error) {
	subject := getVideoWebhookSubject(req.Event)
	if subject == "" {
		slog.WarnContext(ctx, "unsupported webhook event type, rejecting", "event_type", req.Event)
		return nil, domain.NewValidationError(fmt.Sprintf("unsupported event type: %s", req.Event), nil)
	}

	payloadMap, ok := req.Payload.(map[string]any)
	if !ok {
		slog.ErrorContext(ctx, "webhook payload is not a map",
			"event_type", req.Event,
			"payload_type", fmt.Sprintf("%T", req.Payload),
		)
		return nil, domain.NewValidationError("invalid webhook payload format")
	}

	webhookMessage := models.VideoWebhookEventMessage{
		EventType: req.Event,
		EventTS:   req.EventTS,
		Payload:   payloadMap,
	}

	if err := s.messageSender.PublishVideoWebhookEvent(ctx, subject, webhookMessage); err != nil {
		slog.ErrorContext(ctx, "failed to publish webhook event",
			logging.ErrKey, err,
			"event_type", req.Event,
			"subject", subject,
		)
		return nil, domain.NewInternalError("failed to process webhook event", err)
	}

	slog.DebugContext(ctx, "webhook event published",
		"event_type", req.Event,
		"subject", subject,
	)

	return &WebhookResponse{
		Status:  utils.StringPtr("success"),
		Message: utils.StringPtr(fmt.Sprintf("Event %s queued for processing", req.Event)),
	}, nil
}

// getVideoWebhookSubject maps provider event types onto the internal NATS
// subjects; unknown event types map to the empty string and are rejected.
func getVideoWebhookSubject(eventType string) string {
	eventSubjectMap := map[string]string{
		"meeting.ended":              models.VideoWebhookMeetingEndedSubject,
		"meeting.participant_joined": models.VideoWebhookParticipantJoinedSubject,
		"meeting.participant_left":   models.VideoWebhookParticipantLeftSubject,
		"recording.started":          models.VideoWebhookRecordingStartedSubject,
		"recording.stopped":          models.VideoWebhookRecordingStoppedSubject,
	}

	return eventSubjectMap[eventType]
}
