// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/carebridge/video-session-service/internal/domain"
	"github.com/carebridge/video-session-service/internal/domain/models"
	"github.com/carebridge/video-session-service/internal/logging"
	"github.com/carebridge/video-session-service/pkg/utils"
)

// RecordingController owns the IsRecording flag on a session. The flag only
// flips after the provider acknowledged the change: Start and Stop call the
// provider first and persist on success, ConfirmStarted and ConfirmStopped
// apply the provider's own webhook confirmation.
type RecordingController struct {
	SessionRepository domain.CallSessionRepository
	Provider          domain.VideoProvider
}

// NewRecordingController creates a new RecordingController.
func NewRecordingController(sessionRepository domain.CallSessionRepository, provider domain.VideoProvider) *RecordingController {
	return &RecordingController{
		SessionRepository: sessionRepository,
		Provider:          provider,
	}
}

// ServiceReady checks if the service is ready for use.
func (s *RecordingController) ServiceReady() bool {
	return s.SessionRepository != nil && s.Provider != nil
}

// Start asks the provider to begin recording and persists the flag once the
// provider call succeeds. Starting an already-recording session is a no-op.
func (s *RecordingController) Start(ctx context.Context, session *models.CallSession) error {
	if !s.ServiceReady() {
		slog.ErrorContext(ctx, "service not initialized", logging.PriorityCritical())
		return domain.NewUnavailableError("recording controller not initialized")
	}
	if session == nil {
		return domain.NewValidationError("session is required")
	}
	if session.Status != models.SessionStatusOngoing {
		return domain.NewValidationError("recording can only be started while the session is ongoing")
	}
	if session.IsRecording {
		slog.DebugContext(ctx, "session is already recording, skipping start",
			"session_uid", session.UID,
		)
		return nil
	}

	if err := s.Provider.StartRecording(ctx, session.MeetingRef); err != nil {
		slog.ErrorContext(ctx, "provider failed to start recording",
			logging.ErrKey, err,
			"session_uid", session.UID,
			"meeting_ref", session.MeetingRef,
		)
		return domain.NewInternalError("failed to start recording", err)
	}

	fresh, err := s.persistRecordingFlag(ctx, session.UID, true)
	if err != nil {
		return err
	}
	session.IsRecording = fresh.IsRecording

	slog.InfoContext(ctx, "recording started", "session_uid", session.UID)
	return nil
}

// Stop asks the provider to stop recording and persists the flag once the
// provider call succeeds. Stopping a non-recording session is a no-op.
func (s *RecordingController) Stop(ctx context.Context, session *models.CallSession) error {
	if !s.ServiceReady() {
		slog.ErrorContext(ctx, "service not initialized", logging.PriorityCritical())
		return domain.NewUnavailableError("recording controller not initialized")
	}
	if session == nil {
		return domain.NewValidationError("session is required")
	}
	if !session.IsRecording {
		slog.DebugContext(ctx, "session is not recording, skipping stop",
			"session_uid", session.UID,
		)
		return nil
	}

	if err := s.Provider.StopRecording(ctx, session.MeetingRef); err != nil {
		slog.ErrorContext(ctx, "provider failed to stop recording",
			logging.ErrKey, err,
			"session_uid", session.UID,
			"meeting_ref", session.MeetingRef,
		)
		return domain.NewInternalError("failed to stop recording", err)
	}

	fresh, err := s.persistRecordingFlag(ctx, session.UID, false)
	if err != nil {
		return err
	}
	session.IsRecording = fresh.IsRecording

	slog.InfoContext(ctx, "recording stopped", "session_uid", session.UID)
	return nil
}

// ConfirmStarted applies a provider-reported recording start. The webhook
// event is the confirmation, so no provider call is made; redelivered events
// find the flag already set and change nothing.
func (s *RecordingController) ConfirmStarted(ctx context.Context, session *models.CallSession) error {
	return s.confirm(ctx, session, true)
}

// ConfirmStopped applies a provider-reported recording stop.
func (s *RecordingController) ConfirmStopped(ctx context.Context, session *models.CallSession) error {
	return s.confirm(ctx, session, false)
}

func (s *RecordingController) confirm(ctx context.Context, session *models.CallSession, recording bool) error {
	if !s.ServiceReady() {
		slog.ErrorContext(ctx, "service not initialized", logging.PriorityCritical())
		return domain.NewUnavailableError("recording controller not initialized")
	}
	if session == nil {
		return domain.NewValidationError("session is required")
	}
	if session.IsTerminal() {
		slog.DebugContext(ctx, "ignoring recording confirmation for terminal session",
			"session_uid", session.UID,
			"status", session.Status,
		)
		return nil
	}
	if session.IsRecording == recording {
		slog.DebugContext(ctx, "recording flag already matches confirmation, skipping",
			"session_uid", session.UID,
			"is_recording", recording,
		)
		return nil
	}

	fresh, err := s.persistRecordingFlag(ctx, session.UID, recording)
	if err != nil {
		return err
	}
	session.IsRecording = fresh.IsRecording

	slog.InfoContext(ctx, "recording state confirmed by provider",
		"session_uid", session.UID,
		"is_recording", session.IsRecording,
	)
	return nil
}

// ReleaseOnFinalize stops any recording as part of ending a session. The
// provider is called regardless of the local flag because a lost webhook can
// leave the flag stale, and a finalize must never leave an orphaned
// recording running. Provider errors are logged, never propagated, so the
// finalize itself cannot fail here. The terminal store write that follows
// persists the cleared flag.
func (s *RecordingController) ReleaseOnFinalize(ctx context.Context, session *models.CallSession) {
	if session == nil || session.MeetingRef == "" {
		return
	}
	if s.Provider == nil {
		slog.ErrorContext(ctx, "service not initialized", logging.PriorityCritical())
		return
	}

	wasRecording := session.IsRecording
	if err := s.Provider.StopRecording(ctx, session.MeetingRef); err != nil {
		if wasRecording {
			slog.ErrorContext(ctx, "failed to release recording during finalize",
				logging.ErrKey, err,
				"session_uid", session.UID,
				"meeting_ref", session.MeetingRef,
			)
		} else {
			slog.DebugContext(ctx, "recording release failed for non-recording session",
				logging.ErrKey, err,
				"session_uid", session.UID,
			)
		}
	}
	session.IsRecording = false
}

// persistRecordingFlag writes the flag with a revision-guarded update,
// re-reading on conflict. A session that went terminal between the provider
// call and the write keeps its terminal state untouched.
func (s *RecordingController) persistRecordingFlag(ctx context.Context, sessionUID string, recording bool) (*models.CallSession, error) {
	var lastErr error
	for attempt := 0; attempt < storeWriteAttempts; attempt++ {
		fresh, revision, err := s.SessionRepository.GetWithRevision(ctx, sessionUID)
		if err != nil {
			return nil, err
		}
		if fresh.IsRecording == recording {
			return fresh, nil
		}
		if fresh.IsTerminal() {
			slog.DebugContext(ctx, "session went terminal, not persisting recording flag",
				"session_uid", sessionUID,
				"status", fresh.Status,
			)
			return fresh, nil
		}

		fresh.IsRecording = recording
		fresh.UpdatedAt = utils.TimePtr(time.Now().UTC())

		err = s.SessionRepository.Update(ctx, fresh, revision)
		if err == nil {
			return fresh, nil
		}
		if domain.GetErrorType(err) != domain.ErrorTypeConflict {
			return nil, err
		}
		lastErr = err
	}
	return nil, domain.NewConflictError("call session was modified concurrently", lastErr)
}
