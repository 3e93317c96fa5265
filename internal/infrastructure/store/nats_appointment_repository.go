// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package store

import (
	"context"

	"github.com/carebridge/video-session-service/internal/domain"
	"github.com/carebridge/video-session-service/internal/domain/models"
)

// NatsAppointmentRepository reads the booking subsystem's appointment
// projection. The bucket is owned by the booking service, which keys
// appointments by their plain UID; this service never writes to it.
type NatsAppointmentRepository struct {
	*NatsBaseRepository[models.Appointment]
}

// NewNatsAppointmentRepository creates a read-only repository over the
// appointment projection bucket.
func NewNatsAppointmentRepository(kvStore INatsKeyValue) *NatsAppointmentRepository {
	return &NatsAppointmentRepository{
		NatsBaseRepository: NewNatsBaseRepository[models.Appointment](kvStore, "appointment"),
	}
}

// Get retrieves an appointment by UID.
func (r *NatsAppointmentRepository) Get(ctx context.Context, appointmentUID string) (*models.Appointment, error) {
	if appointmentUID == "" {
		return nil, domain.NewValidationError("appointment UID is required")
	}
	return r.NatsBaseRepository.Get(ctx, appointmentUID)
}

// Exists checks whether an appointment is present in the projection.
func (r *NatsAppointmentRepository) Exists(ctx context.Context, appointmentUID string) (bool, error) {
	if appointmentUID == "" {
		return false, domain.NewValidationError("appointment UID is required")
	}
	return r.NatsBaseRepository.Exists(ctx, appointmentUID)
}

// Ensure NatsAppointmentRepository implements domain.AppointmentRepository
var _ domain.AppointmentRepository = (*NatsAppointmentRepository)(nil)
