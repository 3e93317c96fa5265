// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/carebridge/video-session-service/internal/domain"
	"github.com/carebridge/video-session-service/internal/domain/models"
	"github.com/carebridge/video-session-service/internal/logging"
	"github.com/carebridge/video-session-service/pkg/concurrent"
	"github.com/carebridge/video-session-service/pkg/utils"
)

// Leave reasons written by the tracker itself rather than taken from a
// provider event.
const (
	// LeaveReasonSuperseded closes a span that was still open when the same
	// user joined again, which means the leave event was lost.
	LeaveReasonSuperseded = "superseded by rejoin"
)

// storeWriteAttempts bounds the read-modify-write retries when another
// instance writes the same record concurrently.
const storeWriteAttempts = 3

// ParticipantTracker is the sole writer of presence spans. It turns join and
// leave events into append-only spans on ParticipantRecord and derives the
// active count from the stored spans on every call, because events arrive
// from independent clients in no guaranteed order.
type ParticipantTracker struct {
	ParticipantRepository domain.ParticipantRecordRepository
}

// NewParticipantTracker creates a new ParticipantTracker.
func NewParticipantTracker(participantRepository domain.ParticipantRecordRepository) *ParticipantTracker {
	return &ParticipantTracker{
		ParticipantRepository: participantRepository,
	}
}

// ServiceReady checks if the service is ready for use.
func (s *ParticipantTracker) ServiceReady() bool {
	return s.ParticipantRepository != nil
}

// AddJoin opens a presence span for the user. A span UID that was already
// recorded marks a redelivered event and is absorbed as a no-op. If the user
// still has an open span (the leave event never arrived), that span is
// closed at the join time before the new one is appended.
func (s *ParticipantTracker) AddJoin(
	ctx context.Context,
	sessionUID string,
	spanUID string,
	userID string,
	role models.ParticipantRole,
	displayName string,
	at time.Time,
) (*models.ParticipantRecord, error) {
	if !s.ServiceReady() {
		slog.ErrorContext(ctx, "service not initialized", logging.PriorityCritical())
		return nil, domain.NewUnavailableError("participant tracker not initialized")
	}

	if sessionUID == "" {
		return nil, domain.NewValidationError("session UID is required")
	}
	if userID == "" {
		return nil, domain.NewValidationError("user ID is required")
	}
	if role == "" {
		role = models.RoleObserver
	}
	if !role.IsValid() {
		return nil, domain.NewValidationError("unknown participant role: " + string(role))
	}
	if spanUID == "" {
		spanUID = uuid.New().String()
	}

	var lastErr error
	for attempt := 0; attempt < storeWriteAttempts; attempt++ {
		record, err := s.ParticipantRepository.GetBySessionAndUser(ctx, sessionUID, userID)
		if err != nil {
			if domain.GetErrorType(err) != domain.ErrorTypeNotFound {
				return nil, err
			}

			created, createErr := s.createRecord(ctx, sessionUID, spanUID, userID, role, displayName, at)
			if createErr == nil {
				return created, nil
			}
			if domain.GetErrorType(createErr) == domain.ErrorTypeConflict {
				// Another instance created the record between our read and
				// write; re-read and append to it instead.
				lastErr = createErr
				continue
			}
			return nil, createErr
		}

		fresh, revision, err := s.ParticipantRepository.GetWithRevision(ctx, record.UID)
		if err != nil {
			return nil, err
		}

		if spanExists(fresh, spanUID) {
			slog.DebugContext(ctx, "span already recorded, skipping duplicate join event",
				"session_uid", sessionUID,
				"participant_uid", fresh.UID,
				"span_uid", spanUID,
			)
			return fresh, nil
		}

		if closed := fresh.CloseOpenSpans(at, LeaveReasonSuperseded); closed > 0 {
			slog.WarnContext(ctx, "closed dangling spans before recording rejoin",
				"session_uid", sessionUID,
				"participant_uid", fresh.UID,
				"closed_spans", closed,
			)
		}

		fresh.Spans = append(fresh.Spans, models.PresenceSpan{
			UID:      spanUID,
			JoinedAt: at,
		})
		if displayName != "" {
			fresh.DisplayName = displayName
		}
		fresh.UpdatedAt = utils.TimePtr(time.Now().UTC())

		err = s.ParticipantRepository.Update(ctx, fresh, revision)
		if err == nil {
			slog.DebugContext(ctx, "recorded join span",
				"session_uid", sessionUID,
				"participant_uid", fresh.UID,
				"span_uid", spanUID,
				"total_spans", len(fresh.Spans),
			)
			return fresh, nil
		}
		if domain.GetErrorType(err) != domain.ErrorTypeConflict {
			return nil, err
		}
		lastErr = err
	}

	slog.ErrorContext(ctx, "giving up on join event after repeated write conflicts",
		logging.ErrKey, lastErr,
		"session_uid", sessionUID,
		"user_id", userID,
	)
	return nil, domain.NewConflictError("participant record was modified concurrently", lastErr)
}

func (s *ParticipantTracker) createRecord(
	ctx context.Context,
	sessionUID string,
	spanUID string,
	userID string,
	role models.ParticipantRole,
	displayName string,
	at time.Time,
) (*models.ParticipantRecord, error) {
	now := time.Now().UTC()
	record := &models.ParticipantRecord{
		UID:         uuid.New().String(),
		SessionUID:  sessionUID,
		UserID:      userID,
		Role:        role,
		DisplayName: displayName,
		Spans: []models.PresenceSpan{
			{UID: spanUID, JoinedAt: at},
		},
		CreatedAt: utils.TimePtr(now),
		UpdatedAt: utils.TimePtr(now),
	}

	if err := s.ParticipantRepository.Create(ctx, record); err != nil {
		return nil, err
	}

	slog.DebugContext(ctx, "created participant record with first span",
		"session_uid", sessionUID,
		"participant_uid", record.UID,
		"span_uid", spanUID,
		"role", role,
	)
	return record, nil
}

// AddLeave closes the user's presence span. A leave for a span that is
// already closed, or for a user with no open span, is absorbed as a no-op so
// duplicate leave events never distort the count.
func (s *ParticipantTracker) AddLeave(
	ctx context.Context,
	sessionUID string,
	userID string,
	spanUID string,
	at time.Time,
	reason string,
) error {
	if !s.ServiceReady() {
		slog.ErrorContext(ctx, "service not initialized", logging.PriorityCritical())
		return domain.NewUnavailableError("participant tracker not initialized")
	}

	if sessionUID == "" {
		return domain.NewValidationError("session UID is required")
	}
	if userID == "" {
		return domain.NewValidationError("user ID is required")
	}

	var lastErr error
	for attempt := 0; attempt < storeWriteAttempts; attempt++ {
		record, err := s.ParticipantRepository.GetBySessionAndUser(ctx, sessionUID, userID)
		if err != nil {
			if domain.GetErrorType(err) == domain.ErrorTypeNotFound {
				slog.WarnContext(ctx, "leave event for unknown participant, skipping",
					"session_uid", sessionUID,
					"user_id", userID,
				)
				return nil
			}
			return err
		}

		fresh, revision, err := s.ParticipantRepository.GetWithRevision(ctx, record.UID)
		if err != nil {
			return err
		}

		span := findSpan(fresh, spanUID)
		if span != nil && !span.IsOpen() {
			slog.DebugContext(ctx, "span already closed, skipping duplicate leave event",
				"session_uid", sessionUID,
				"participant_uid", fresh.UID,
				"span_uid", spanUID,
			)
			return nil
		}
		if span == nil {
			span = fresh.LatestOpenSpan()
		}
		if span == nil {
			slog.DebugContext(ctx, "no open span for leave event, skipping",
				"session_uid", sessionUID,
				"participant_uid", fresh.UID,
				"user_id", userID,
			)
			return nil
		}

		span.Close(at, reason)
		fresh.UpdatedAt = utils.TimePtr(time.Now().UTC())

		err = s.ParticipantRepository.Update(ctx, fresh, revision)
		if err == nil {
			slog.DebugContext(ctx, "closed presence span",
				"session_uid", sessionUID,
				"participant_uid", fresh.UID,
				"span_uid", span.UID,
				"leave_reason", reason,
			)
			return nil
		}
		if domain.GetErrorType(err) != domain.ErrorTypeConflict {
			return err
		}
		lastErr = err
	}

	slog.ErrorContext(ctx, "giving up on leave event after repeated write conflicts",
		logging.ErrKey, lastErr,
		"session_uid", sessionUID,
		"user_id", userID,
	)
	return domain.NewConflictError("participant record was modified concurrently", lastErr)
}

// ListRecords returns every participant record of the session.
func (s *ParticipantTracker) ListRecords(ctx context.Context, sessionUID string) ([]*models.ParticipantRecord, error) {
	if !s.ServiceReady() {
		slog.ErrorContext(ctx, "service not initialized", logging.PriorityCritical())
		return nil, domain.NewUnavailableError("participant tracker not initialized")
	}
	if sessionUID == "" {
		return nil, domain.NewValidationError("session UID is required")
	}
	return s.ParticipantRepository.ListBySession(ctx, sessionUID)
}

// ActiveCount reports the number of open spans across every participant of
// the session. It always recomputes from the store; the count is never
// cached because independent clients report events concurrently.
func (s *ParticipantTracker) ActiveCount(ctx context.Context, sessionUID string) (int, error) {
	if !s.ServiceReady() {
		slog.ErrorContext(ctx, "service not initialized", logging.PriorityCritical())
		return 0, domain.NewUnavailableError("participant tracker not initialized")
	}
	if sessionUID == "" {
		return 0, domain.NewValidationError("session UID is required")
	}

	records, err := s.ParticipantRepository.ListBySession(ctx, sessionUID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, record := range records {
		count += record.OpenSpanCount()
	}
	return count, nil
}

// CloseAllOpenSpans closes every open span in the session with the given
// leave time and reason, and returns how many spans were closed. Finalize
// uses it so a force-ended call never leaves dangling presence.
func (s *ParticipantTracker) CloseAllOpenSpans(ctx context.Context, sessionUID string, at time.Time, reason string) (int, error) {
	if !s.ServiceReady() {
		slog.ErrorContext(ctx, "service not initialized", logging.PriorityCritical())
		return 0, domain.NewUnavailableError("participant tracker not initialized")
	}
	if sessionUID == "" {
		return 0, domain.NewValidationError("session UID is required")
	}

	records, err := s.ParticipantRepository.ListBySession(ctx, sessionUID)
	if err != nil {
		return 0, err
	}

	var totalClosed atomic.Int64

	functions := make([]func() error, 0, len(records))
	for _, record := range records {
		if record.OpenSpanCount() == 0 {
			continue
		}
		recordUID := record.UID
		functions = append(functions, func() error {
			closed, closeErr := s.closeRecordSpans(ctx, recordUID, at, reason)
			totalClosed.Add(int64(closed))
			return closeErr
		})
	}

	pool := concurrent.NewWorkerPool(5)
	errs := pool.RunAll(ctx, functions...)
	for _, e := range errs {
		slog.ErrorContext(ctx, "failed to close spans for participant record",
			logging.ErrKey, e,
			"session_uid", sessionUID,
		)
	}
	if len(errs) > 0 {
		return int(totalClosed.Load()), domain.NewInternalError("failed to close all open spans", errs...)
	}

	return int(totalClosed.Load()), nil
}

func (s *ParticipantTracker) closeRecordSpans(ctx context.Context, recordUID string, at time.Time, reason string) (int, error) {
	var lastErr error
	for attempt := 0; attempt < storeWriteAttempts; attempt++ {
		fresh, revision, err := s.ParticipantRepository.GetWithRevision(ctx, recordUID)
		if err != nil {
			return 0, err
		}

		closed := fresh.CloseOpenSpans(at, reason)
		if closed == 0 {
			return 0, nil
		}
		fresh.UpdatedAt = utils.TimePtr(time.Now().UTC())

		err = s.ParticipantRepository.Update(ctx, fresh, revision)
		if err == nil {
			return closed, nil
		}
		if domain.GetErrorType(err) != domain.ErrorTypeConflict {
			return 0, err
		}
		lastErr = err
	}
	return 0, domain.NewConflictError("participant record was modified concurrently", lastErr)
}

func spanExists(record *models.ParticipantRecord, spanUID string) bool {
	return findSpan(record, spanUID) != nil
}

func findSpan(record *models.ParticipantRecord, spanUID string) *models.PresenceSpan {
	if spanUID == "" {
		return nil
	}
	for i := range record.Spans {
		if record.Spans[i].UID == spanUID {
			return &record.Spans[i]
		}
	}
	return nil
}
