// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package models

import "time"

// AppointmentStatus is the booking lifecycle state of an appointment.
type AppointmentStatus string

// Appointment statuses as written by the booking subsystem.
const (
	AppointmentStatusBooked    AppointmentStatus = "booked"
	AppointmentStatusCancelled AppointmentStatus = "cancelled"
	AppointmentStatusFulfilled AppointmentStatus = "fulfilled"
)

// Appointment is the read-only projection of the booking subsystem's
// record. This service never writes appointments; it reads them at session
// creation and observes their change-feed for cancellations.
type Appointment struct {
	UID             string            `json:"uid"`
	Status          AppointmentStatus `json:"status"`
	PatientUID      string            `json:"patient_uid"`
	PractitionerUID string            `json:"practitioner_uid"`
	ScheduledFor    time.Time         `json:"scheduled_for"`
}

// IsCancelled reports whether the booking subsystem has called the
// appointment off.
func (a *Appointment) IsCancelled() bool {
	return a != nil && a.Status == AppointmentStatusCancelled
}
