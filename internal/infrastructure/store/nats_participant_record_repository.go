// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/carebridge/video-session-service/internal/domain"
	"github.com/carebridge/video-session-service/internal/domain/models"
	"github.com/carebridge/video-session-service/pkg/utils"
	"github.com/google/uuid"
)

// NatsParticipantRecordRepository is the NATS KV store repository for
// participant presence records. Records live under encoded "participant/<uid>"
// keys; the session-scoped lookups scan the bucket, which stays small because
// records only exist for sessions that actually had participants.
type NatsParticipantRecordRepository struct {
	*NatsBaseRepository[models.ParticipantRecord]
	keyBuilder *KeyBuilder
}

// NewNatsParticipantRecordRepository creates a new NATS KV store repository for participant records.
func NewNatsParticipantRecordRepository(kvStore INatsKeyValue) *NatsParticipantRecordRepository {
	return &NatsParticipantRecordRepository{
		NatsBaseRepository: NewNatsBaseRepository[models.ParticipantRecord](kvStore, "participant record"),
		keyBuilder:         NewKeyBuilder(),
	}
}

// Create stores a new participant record.
func (r *NatsParticipantRecordRepository) Create(ctx context.Context, record *models.ParticipantRecord) error {
	if record == nil {
		return domain.NewValidationError("participant record is required")
	}

	if record.UID == "" {
		record.UID = uuid.New().String()
	}

	now := time.Now().UTC()
	record.CreatedAt = utils.TimePtr(now)
	record.UpdatedAt = utils.TimePtr(now)

	key := r.keyBuilder.EntityKeyEncoded(KeyPrefixParticipant, record.UID)
	return r.NatsBaseRepository.Create(ctx, key, record)
}

// Get retrieves a participant record by UID.
func (r *NatsParticipantRecordRepository) Get(ctx context.Context, recordUID string) (*models.ParticipantRecord, error) {
	key := r.keyBuilder.EntityKeyEncoded(KeyPrefixParticipant, recordUID)
	return r.NatsBaseRepository.Get(ctx, key)
}

// GetWithRevision retrieves a participant record and its store revision.
func (r *NatsParticipantRecordRepository) GetWithRevision(ctx context.Context, recordUID string) (*models.ParticipantRecord, uint64, error) {
	key := r.keyBuilder.EntityKeyEncoded(KeyPrefixParticipant, recordUID)
	return r.NatsBaseRepository.GetWithRevision(ctx, key)
}

// Update updates a participant record with optimistic concurrency control.
func (r *NatsParticipantRecordRepository) Update(ctx context.Context, record *models.ParticipantRecord, revision uint64) error {
	if record == nil {
		return domain.NewValidationError("participant record is required")
	}

	record.UpdatedAt = utils.TimePtr(time.Now().UTC())

	key := r.keyBuilder.EntityKeyEncoded(KeyPrefixParticipant, record.UID)
	return r.NatsBaseRepository.Update(ctx, key, record, revision)
}

// Delete removes a participant record.
func (r *NatsParticipantRecordRepository) Delete(ctx context.Context, recordUID string, revision uint64) error {
	key := r.keyBuilder.EntityKeyEncoded(KeyPrefixParticipant, recordUID)
	return r.NatsBaseRepository.Delete(ctx, key, revision)
}

// ListBySession returns every participant record for a session. The active
// participant count is always derived from these records, never cached, so
// this read decides whether a session looks empty.
func (r *NatsParticipantRecordRepository) ListBySession(ctx context.Context, sessionUID string) ([]*models.ParticipantRecord, error) {
	if sessionUID == "" {
		return nil, domain.NewValidationError("session UID is required")
	}

	records, err := r.ListEntitiesEncoded(ctx, KeyPrefixParticipant+"/", r.keyBuilder)
	if err != nil {
		return nil, err
	}

	var matching []*models.ParticipantRecord
	for _, record := range records {
		if record.SessionUID == sessionUID {
			matching = append(matching, record)
		}
	}

	return matching, nil
}

// GetBySessionAndUser returns the single record a user holds within a
// session. Presence is tracked per user, so joins and leaves for the same
// user land on one record.
func (r *NatsParticipantRecordRepository) GetBySessionAndUser(ctx context.Context, sessionUID, userID string) (*models.ParticipantRecord, error) {
	records, err := r.ListBySession(ctx, sessionUID)
	if err != nil {
		return nil, err
	}

	for _, record := range records {
		if record.UserID == userID {
			return record, nil
		}
	}

	return nil, domain.NewNotFoundError(fmt.Sprintf("no participant record found for session '%s' and user '%s'", sessionUID, userID))
}

// Ensure NatsParticipantRecordRepository implements domain.ParticipantRecordRepository
var _ domain.ParticipantRecordRepository = (*NatsParticipantRecordRepository)(nil)
