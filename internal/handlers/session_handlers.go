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
)

// SessionHandler handles session management messages from other backend
// services, such as force-end requests issued by clinic staff tooling.
type SessionHandler struct {
	sessionManager *service.SessionManager
}

func NewSessionHandler(sessionManager *service.SessionManager) *SessionHandler {
	return &SessionHandler{
		sessionManager: sessionManager,
	}
}

func (s *SessionHandler) HandlerReady() bool {
	return s.sessionManager != nil && s.sessionManager.ServiceReady()
}

// HandleMessage implements domain.MessageHandler interface
func (s *SessionHandler) HandleMessage(ctx context.Context, msg domain.Message) {
	subject := msg.Subject()
	ctx = logging.AppendCtx(ctx, slog.String("subject", subject))
	slog.DebugContext(ctx, "handling NATS message")

	var response []byte
	var err error

	handlers := map[string]func(ctx context.Context, msg domain.Message) ([]byte, error){
		models.SessionForceEndSubject: s.HandleSessionForceEnd,
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

// HandleSessionForceEnd is the message handler for the session force-end
// subject. It ends the session immediately regardless of who is still on the
// call.
func (s *SessionHandler) HandleSessionForceEnd(ctx context.Context, msg domain.Message) ([]byte, error) {
	if !s.HandlerReady() {
		slog.ErrorContext(ctx, "service not ready")
		return nil, domain.NewUnavailableError("service not ready")
	}

	var forceEndMsg models.SessionForceEndMessage
	err := json.Unmarshal(msg.Data(), &forceEndMsg)
	if err != nil {
		slog.ErrorContext(ctx, "error unmarshaling session force-end message", logging.ErrKey, err)
		return nil, err
	}

	if forceEndMsg.SessionUID == "" {
		slog.WarnContext(ctx, "session UID is empty in force-end message")
		return nil, domain.NewValidationError("session UID is required")
	}

	ctx = logging.AppendCtx(ctx, slog.String("session_uid", forceEndMsg.SessionUID))
	slog.InfoContext(ctx, "processing session force-end request")

	err = s.sessionManager.ForceEnd(ctx, forceEndMsg.SessionUID)
	if err != nil {
		slog.ErrorContext(ctx, "error force-ending session", logging.ErrKey, err)
		return nil, err
	}

	slog.InfoContext(ctx, "successfully force-ended session")
	return []byte("success"), nil
}
