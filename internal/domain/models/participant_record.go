// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package models

import (
	"time"
)

// ParticipantRole is the clinical role a participant holds in a consultation.
type ParticipantRole string

// Participant roles.
const (
	RoleDoctor   ParticipantRole = "doctor"
	RolePatient  ParticipantRole = "patient"
	RoleObserver ParticipantRole = "observer"
)

// IsValid reports whether the role is one of the known clinical roles.
func (r ParticipantRole) IsValid() bool {
	switch r {
	case RoleDoctor, RolePatient, RoleObserver:
		return true
	}
	return false
}

// ParticipantRecord is the presence log for one user within one call
// session. Spans are append-only: a rejoin after a disconnect adds a new
// span, it never rewrites a prior one. The participant tracker is the sole
// writer of spans.
type ParticipantRecord struct {
	UID         string          `json:"uid"`
	SessionUID  string          `json:"session_uid"`
	UserID      string          `json:"user_id"`
	Role        ParticipantRole `json:"role"`
	DisplayName string          `json:"display_name,omitempty"`
	Spans       []PresenceSpan  `json:"spans,omitempty"`
	CreatedAt   *time.Time      `json:"created_at,omitempty"`
	UpdatedAt   *time.Time      `json:"updated_at,omitempty"`
}

// PresenceSpan is a single contiguous interval of presence in the call.
// LeftAt stays unset while the participant is connected.
type PresenceSpan struct {
	UID         string     `json:"uid"`
	JoinedAt    time.Time  `json:"joined_at"`
	LeftAt      *time.Time `json:"left_at,omitempty"`
	LeaveReason string     `json:"leave_reason,omitempty"`
}

// IsOpen reports whether the span has no recorded leave time.
func (s *PresenceSpan) IsOpen() bool {
	return s.LeftAt == nil
}

// Close stamps the span with a leave time and reason. A leave time before
// the join time is clamped to the join time so a span never runs negative.
func (s *PresenceSpan) Close(at time.Time, reason string) {
	if at.Before(s.JoinedAt) {
		at = s.JoinedAt
	}
	s.LeftAt = &at
	s.LeaveReason = reason
}

// LatestOpenSpan returns a pointer to the most recently appended span that
// is still open, or nil when every span is closed. The pointer aliases the
// record's slice so the caller can close the span in place.
func (p *ParticipantRecord) LatestOpenSpan() *PresenceSpan {
	for i := len(p.Spans) - 1; i >= 0; i-- {
		if p.Spans[i].IsOpen() {
			return &p.Spans[i]
		}
	}
	return nil
}

// OpenSpanCount returns the number of spans with no leave time. Under
// normal event flow this is 0 or 1; duplicate join deliveries can leave
// more until the tracker repairs them.
func (p *ParticipantRecord) OpenSpanCount() int {
	count := 0
	for i := range p.Spans {
		if p.Spans[i].IsOpen() {
			count++
		}
	}
	return count
}

// CloseOpenSpans stamps every open span with the given leave time and
// reason and returns how many spans it closed. Closed spans are never
// touched, so the call is idempotent.
func (p *ParticipantRecord) CloseOpenSpans(at time.Time, reason string) int {
	closed := 0
	for i := range p.Spans {
		if !p.Spans[i].IsOpen() {
			continue
		}
		p.Spans[i].Close(at, reason)
		closed++
	}
	return closed
}
