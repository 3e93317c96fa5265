// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package domain

import (
	"context"

	"github.com/carebridge/video-session-service/internal/domain/models"
)

// CallSessionRepository defines the interface for call session storage operations.
// This interface can be implemented by different storage backends (NATS, PostgreSQL, etc.)
type CallSessionRepository interface {
	// Session full operations
	Create(ctx context.Context, session *models.CallSession) error
	Exists(ctx context.Context, sessionUID string) (bool, error)
	Delete(ctx context.Context, sessionUID string, revision uint64) error

	// Session base operations
	Get(ctx context.Context, sessionUID string) (*models.CallSession, error)
	GetWithRevision(ctx context.Context, sessionUID string) (*models.CallSession, uint64, error)
	Update(ctx context.Context, session *models.CallSession, revision uint64) error

	// Lookup operations
	GetByMeetingRef(ctx context.Context, meetingRef string) (*models.CallSession, error)
	ListByAppointment(ctx context.Context, appointmentUID string) ([]*models.CallSession, error)

	// Bulk operations
	ListAll(ctx context.Context) ([]*models.CallSession, error)
	// ListActive returns every session whose status is not terminal; the
	// watchdog and reconciliation passes sweep over it.
	ListActive(ctx context.Context) ([]*models.CallSession, error)
}

// ParticipantRecordRepository defines the interface for participant presence
// storage operations.
type ParticipantRecordRepository interface {
	Create(ctx context.Context, record *models.ParticipantRecord) error
	Get(ctx context.Context, recordUID string) (*models.ParticipantRecord, error)
	GetWithRevision(ctx context.Context, recordUID string) (*models.ParticipantRecord, uint64, error)
	Update(ctx context.Context, record *models.ParticipantRecord, revision uint64) error
	Delete(ctx context.Context, recordUID string, revision uint64) error

	// Lookup operations
	ListBySession(ctx context.Context, sessionUID string) ([]*models.ParticipantRecord, error)
	GetBySessionAndUser(ctx context.Context, sessionUID, userID string) (*models.ParticipantRecord, error)
}

// AppointmentRepository defines the read-only interface over the booking
// subsystem's appointment projection. This service never writes
// appointments.
type AppointmentRepository interface {
	Get(ctx context.Context, appointmentUID string) (*models.Appointment, error)
	Exists(ctx context.Context, appointmentUID string) (bool, error)
}
