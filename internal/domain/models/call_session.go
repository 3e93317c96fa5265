// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package models

import (
	"time"

	"github.com/carebridge/video-session-service/pkg/utils"
)

// SessionStatus is the lifecycle state of a CallSession.
type SessionStatus string

// CallSession lifecycle states.
const (
	// SessionStatusScheduled means the session exists but no participant has
	// joined yet.
	SessionStatusScheduled SessionStatus = "scheduled"
	// SessionStatusOngoing means at least one participant has joined and the
	// call has not ended.
	SessionStatusOngoing SessionStatus = "ongoing"
	// SessionStatusCompleted means the call took place and has ended.
	SessionStatusCompleted SessionStatus = "completed"
	// SessionStatusCancelled means the session was called off before anyone
	// joined.
	SessionStatusCancelled SessionStatus = "cancelled"
)

// IsTerminal reports whether the status is a final state that accepts no
// further transitions.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusCancelled
}

// IsValid reports whether the status is one of the known lifecycle states.
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionStatusScheduled, SessionStatusOngoing, SessionStatusCompleted, SessionStatusCancelled:
		return true
	}
	return false
}

// EndReason records why a session reached a terminal state.
type EndReason string

// End reasons carried on terminal sessions and ended notifications.
const (
	EndReasonAllParticipantsLeft  EndReason = "all_participants_left"
	EndReasonForceEnded           EndReason = "force_ended"
	EndReasonProviderEnded        EndReason = "provider_meeting_ended"
	EndReasonAppointmentCancelled EndReason = "appointment_cancelled"
	EndReasonWatchdogTimeout      EndReason = "watchdog_timeout"
	EndReasonReconciled           EndReason = "reconciled"
)

// CallSession is the orchestrated lifecycle record for one video
// consultation. The session manager is the sole writer of Status,
// DurationMinutes, and EndReason; everything else is set at provisioning
// time or by the recording controller (IsRecording).
type CallSession struct {
	UID             string        `json:"uid"`
	AppointmentUID  string        `json:"appointment_uid"`
	Status          SessionStatus `json:"status"`
	MeetingRef      string        `json:"meeting_ref"`
	JoinURL         string        `json:"join_url,omitempty"`
	Passcode        string        `json:"passcode,omitempty"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	DurationMinutes *int          `json:"duration_minutes,omitempty"`
	IsRecording     bool          `json:"is_recording"`
	EndReason       EndReason     `json:"end_reason,omitempty"`
	CreatedAt       *time.Time    `json:"created_at,omitempty"`
	UpdatedAt       *time.Time    `json:"updated_at,omitempty"`
}

// IsTerminal reports whether the session has reached a final state.
func (s *CallSession) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// Start transitions a scheduled session to ongoing. StartedAt is only set on
// the first call so duplicate join events cannot move the clock.
func (s *CallSession) Start(at time.Time) {
	s.Status = SessionStatusOngoing
	if s.StartedAt == nil {
		s.StartedAt = utils.TimePtr(at)
	}
}

// End moves the session to a terminal state: EndedAt and EndReason are set,
// the recording flag is cleared, and DurationMinutes is derived from
// StartedAt when the call ever started. Sessions that never started carry no
// duration.
func (s *CallSession) End(at time.Time, status SessionStatus, reason EndReason) {
	s.Status = status
	s.EndedAt = utils.TimePtr(at)
	s.EndReason = reason
	s.IsRecording = false
	if s.StartedAt != nil {
		s.DurationMinutes = utils.IntPtr(utils.WholeMinutesBetween(*s.StartedAt, at))
	}
}
