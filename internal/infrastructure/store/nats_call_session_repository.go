// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/carebridge/video-session-service/internal/domain"
	"github.com/carebridge/video-session-service/internal/domain/models"
	"github.com/carebridge/video-session-service/internal/logging"
	"github.com/carebridge/video-session-service/pkg/utils"
	"github.com/google/uuid"
)

// NatsCallSessionRepository is the NATS KV store repository for call sessions.
// Sessions are stored under encoded entity keys; secondary lookups by meeting
// reference and appointment go through best-effort index keys in the same
// bucket, with a full scan as a fallback for sessions whose index writes were
// lost.
type NatsCallSessionRepository struct {
	*NatsBaseRepository[models.CallSession]
	keyBuilder *KeyBuilder
}

// NewNatsCallSessionRepository creates a new NATS KV store repository for call sessions.
func NewNatsCallSessionRepository(kvStore INatsKeyValue) *NatsCallSessionRepository {
	return &NatsCallSessionRepository{
		NatsBaseRepository: NewNatsBaseRepository[models.CallSession](kvStore, "call session"),
		keyBuilder:         NewKeyBuilder(),
	}
}

// Get retrieves a call session by UID.
func (r *NatsCallSessionRepository) Get(ctx context.Context, sessionUID string) (*models.CallSession, error) {
	key := r.keyBuilder.EntityKeyEncoded(KeyPrefixSession, sessionUID)
	return r.NatsBaseRepository.Get(ctx, key)
}

// GetWithRevision retrieves a call session and the revision its bucket entry
// currently holds.
func (r *NatsCallSessionRepository) GetWithRevision(ctx context.Context, sessionUID string) (*models.CallSession, uint64, error) {
	key := r.keyBuilder.EntityKeyEncoded(KeyPrefixSession, sessionUID)
	return r.NatsBaseRepository.GetWithRevision(ctx, key)
}

// Exists checks whether a call session exists.
func (r *NatsCallSessionRepository) Exists(ctx context.Context, sessionUID string) (bool, error) {
	key := r.keyBuilder.EntityKeyEncoded(KeyPrefixSession, sessionUID)
	return r.NatsBaseRepository.Exists(ctx, key)
}

// Create stores a new call session and its lookup indices.
func (r *NatsCallSessionRepository) Create(ctx context.Context, session *models.CallSession) error {
	if session == nil {
		return domain.NewValidationError("call session is required")
	}

	if session.UID == "" {
		session.UID = uuid.New().String()
	}

	now := time.Now().UTC()
	session.CreatedAt = utils.TimePtr(now)
	session.UpdatedAt = utils.TimePtr(now)

	key := r.keyBuilder.EntityKeyEncoded(KeyPrefixSession, session.UID)
	err := r.NatsBaseRepository.Create(ctx, key, session)
	if err != nil {
		return err
	}

	// Index writes are best effort: lookups fall back to a scan when an
	// index entry is missing.
	if err := r.createIndices(ctx, session); err != nil {
		slog.WarnContext(ctx, "failed to create call session indices",
			logging.ErrKey, err, "session_uid", session.UID)
	}

	return nil
}

// Update updates an existing call session with optimistic concurrency control.
func (r *NatsCallSessionRepository) Update(ctx context.Context, session *models.CallSession, revision uint64) error {
	if session == nil {
		return domain.NewValidationError("call session is required")
	}

	session.UpdatedAt = utils.TimePtr(time.Now().UTC())

	key := r.keyBuilder.EntityKeyEncoded(KeyPrefixSession, session.UID)
	return r.NatsBaseRepository.Update(ctx, key, session, revision)
}

// Delete removes a call session and its indices.
func (r *NatsCallSessionRepository) Delete(ctx context.Context, sessionUID string, revision uint64) error {
	// Fetch first so the index keys can be cleaned up.
	session, err := r.Get(ctx, sessionUID)
	if err != nil {
		return err
	}

	if err := r.deleteIndices(ctx, session); err != nil {
		slog.WarnContext(ctx, "failed to delete call session indices",
			logging.ErrKey, err, "session_uid", sessionUID)
	}

	key := r.keyBuilder.EntityKeyEncoded(KeyPrefixSession, sessionUID)
	return r.NatsBaseRepository.Delete(ctx, key, revision)
}

// GetByMeetingRef finds the session bound to a provider meeting. It resolves
// via the meeting-ref index and falls back to scanning all sessions, since
// index writes are best effort. Provider events carry only the meeting
// reference, so this is on the webhook hot path.
func (r *NatsCallSessionRepository) GetByMeetingRef(ctx context.Context, meetingRef string) (*models.CallSession, error) {
	if meetingRef == "" {
		return nil, domain.NewValidationError("meeting reference is required")
	}

	sessionUID, err := r.lookupIndex(ctx, KeyPrefixIndexMeetingRef, meetingRef)
	if err == nil && sessionUID != "" {
		session, getErr := r.Get(ctx, sessionUID)
		if getErr == nil {
			return session, nil
		}
		slog.WarnContext(ctx, "meeting-ref index points at missing session, falling back to scan",
			logging.ErrKey, getErr, "meeting_ref", meetingRef, "session_uid", sessionUID)
	}

	sessions, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, session := range sessions {
		if session.MeetingRef == meetingRef {
			return session, nil
		}
	}

	return nil, domain.NewNotFoundError(fmt.Sprintf("no call session found for meeting reference '%s'", meetingRef))
}

// ListByAppointment returns every session provisioned for an appointment.
func (r *NatsCallSessionRepository) ListByAppointment(ctx context.Context, appointmentUID string) ([]*models.CallSession, error) {
	if appointmentUID == "" {
		return nil, domain.NewValidationError("appointment UID is required")
	}

	sessions, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	var matching []*models.CallSession
	for _, session := range sessions {
		if session.AppointmentUID == appointmentUID {
			matching = append(matching, session)
		}
	}

	return matching, nil
}

// ListAll lists every call session in the bucket.
func (r *NatsCallSessionRepository) ListAll(ctx context.Context) ([]*models.CallSession, error) {
	pattern := KeyPrefixSession + "/"
	return r.ListEntitiesEncoded(ctx, pattern, r.keyBuilder)
}

// ListActive lists every session that has not reached a terminal state. The
// watchdog and reconciliation passes sweep over this set.
func (r *NatsCallSessionRepository) ListActive(ctx context.Context) ([]*models.CallSession, error) {
	sessions, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	var active []*models.CallSession
	for _, session := range sessions {
		if !session.IsTerminal() {
			active = append(active, session)
		}
	}

	return active, nil
}

// lookupIndex scans the bucket's index keys for one matching
// "index/{indexType}/{indexValue}/" and returns the entity UID segment.
func (r *NatsCallSessionRepository) lookupIndex(ctx context.Context, indexType, indexValue string) (string, error) {
	keys, err := r.ListKeys(ctx)
	if err != nil {
		return "", err
	}

	// DecodeKey returns keys with a leading slash.
	prefix := fmt.Sprintf("/%s/%s/%s/", KeyPrefixIndex, indexType, indexValue)
	for _, encodedKey := range keys {
		decodedKey, err := r.keyBuilder.DecodeKey(encodedKey)
		if err != nil {
			continue
		}
		if strings.HasPrefix(decodedKey, prefix) {
			return strings.TrimPrefix(decodedKey, prefix), nil
		}
	}

	return "", nil
}

func (r *NatsCallSessionRepository) createIndices(ctx context.Context, session *models.CallSession) error {
	if session.MeetingRef != "" {
		refIndexKey := r.keyBuilder.IndexKeyEncoded(KeyPrefixIndexMeetingRef, session.MeetingRef, session.UID)
		if err := r.PutIndex(ctx, refIndexKey); err != nil {
			return err
		}
	} else {
		slog.DebugContext(ctx, "skipping meeting-ref index for session without meeting reference",
			"session_uid", session.UID)
	}

	appointmentIndexKey := r.keyBuilder.IndexKeyEncoded(KeyPrefixIndexAppointment, session.AppointmentUID, session.UID)
	return r.PutIndex(ctx, appointmentIndexKey)
}

func (r *NatsCallSessionRepository) deleteIndices(ctx context.Context, session *models.CallSession) error {
	if session.MeetingRef != "" {
		refIndexKey := r.keyBuilder.IndexKeyEncoded(KeyPrefixIndexMeetingRef, session.MeetingRef, session.UID)
		if err := r.DeleteIndex(ctx, refIndexKey); err != nil {
			slog.WarnContext(ctx, "failed to delete meeting-ref index", logging.ErrKey, err)
		}
	}

	appointmentIndexKey := r.keyBuilder.IndexKeyEncoded(KeyPrefixIndexAppointment, session.AppointmentUID, session.UID)
	if err := r.DeleteIndex(ctx, appointmentIndexKey); err != nil {
		slog.WarnContext(ctx, "failed to delete appointment index", logging.ErrKey, err)
	}

	return nil
}

// Ensure NatsCallSessionRepository implements domain.CallSessionRepository
var _ domain.CallSessionRepository = (*NatsCallSessionRepository)(nil)
