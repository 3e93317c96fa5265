// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/carebridge/video-session-service/internal/domain"
	"github.com/carebridge/video-session-service/internal/domain/models"
	"github.com/carebridge/video-session-service/internal/logging"
	"github.com/carebridge/video-session-service/internal/observability"
	"github.com/carebridge/video-session-service/pkg/concurrent"
	"github.com/carebridge/video-session-service/pkg/constants"
	"github.com/carebridge/video-session-service/pkg/utils"
)

// finalizeBackoffBase is the first retry delay for a failed terminal write.
const finalizeBackoffBase = 100 * time.Millisecond

// SessionManager orchestrates the call-session lifecycle. It is the sole
// writer of Status, DurationMinutes, and EndReason, and the convergence
// point for the two unordered event sources: provider webhook events and the
// store change-feed. Handling is serialized per session UID; distinct
// sessions proceed in parallel.
type SessionManager struct {
	Config                ServiceConfig
	SessionRepository     domain.CallSessionRepository
	AppointmentRepository domain.AppointmentRepository
	Tracker               *ParticipantTracker
	Recording             *RecordingController
	Policy                *TerminationPolicy
	Provider              domain.VideoProvider
	MessageBuilder        domain.MessageBuilder
	Metrics               *observability.Metrics

	sessionLocks *concurrent.KeyedMutex
}

// NewSessionManager creates a new SessionManager.
func NewSessionManager(
	config ServiceConfig,
	sessionRepository domain.CallSessionRepository,
	appointmentRepository domain.AppointmentRepository,
	tracker *ParticipantTracker,
	recording *RecordingController,
	policy *TerminationPolicy,
	provider domain.VideoProvider,
	messageBuilder domain.MessageBuilder,
	metrics *observability.Metrics,
) *SessionManager {
	return &SessionManager{
		Config:                config,
		SessionRepository:     sessionRepository,
		AppointmentRepository: appointmentRepository,
		Tracker:               tracker,
		Recording:             recording,
		Policy:                policy,
		Provider:              provider,
		MessageBuilder:        messageBuilder,
		Metrics:               metrics,
		sessionLocks:          concurrent.NewKeyedMutex(),
	}
}

// ServiceReady checks if the service is ready for use.
func (s *SessionManager) ServiceReady() bool {
	return s.SessionRepository != nil &&
		s.AppointmentRepository != nil &&
		s.Tracker != nil &&
		s.Recording != nil &&
		s.Policy != nil &&
		s.Provider != nil &&
		s.MessageBuilder != nil &&
		s.sessionLocks != nil
}

// CreateSession provisions a new scheduled session for the appointment: it
// verifies the appointment stands, enforces at most one non-terminal session
// per appointment, creates the provider meeting, and persists the record.
func (s *SessionManager) CreateSession(ctx context.Context, appointmentUID string) (*models.CallSession, error) {
	if !s.ServiceReady() {
		slog.ErrorContext(ctx, "service not initialized", logging.PriorityCritical())
		return nil, domain.NewUnavailableError("session manager not initialized")
	}
	if appointmentUID == "" {
		return nil, domain.NewValidationError("appointment UID is required")
	}

	// Serialize creation per appointment so concurrent booking requests
	// cannot both pass the single-active-session check.
	unlock := s.sessionLocks.Lock("appointment:" + appointmentUID)
	defer unlock()

	appointment, err := s.AppointmentRepository.Get(ctx, appointmentUID)
	if err != nil {
		return nil, err
	}
	if appointment.IsCancelled() {
		return nil, domain.NewValidationError("cannot create a session for a cancelled appointment")
	}

	existing, err := s.SessionRepository.ListByAppointment(ctx, appointmentUID)
	if err != nil {
		return nil, err
	}
	for _, other := range existing {
		if !other.IsTerminal() {
			return nil, domain.NewConflictError("appointment already has an active session")
		}
	}

	passcode, err := utils.GeneratePasscode(utils.DefaultPasscodeLength)
	if err != nil {
		return nil, domain.NewInternalError("failed to generate session passcode", err)
	}

	now := time.Now().UTC()
	session := &models.CallSession{
		UID:            uuid.New().String(),
		AppointmentUID: appointmentUID,
		Status:         models.SessionStatusScheduled,
		Passcode:       passcode,
		CreatedAt:      utils.TimePtr(now),
		UpdatedAt:      utils.TimePtr(now),
	}

	meetingRef, joinURL, err := s.Provider.CreateMeeting(ctx, session, appointment)
	if err != nil {
		slog.ErrorContext(ctx, "provider failed to provision meeting",
			logging.ErrKey, err,
			"appointment_uid", appointmentUID,
		)
		return nil, err
	}
	session.MeetingRef = meetingRef
	session.JoinURL = joinURL

	if err := s.SessionRepository.Create(ctx, session); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "created call session",
		"session_uid", session.UID,
		"appointment_uid", appointmentUID,
		"meeting_ref", meetingRef,
	)
	return session, nil
}

// GetSession returns one session by UID.
func (s *SessionManager) GetSession(ctx context.Context, sessionUID string) (*models.CallSession, error) {
	if !s.ServiceReady() {
		slog.ErrorContext(ctx, "service not initialized", logging.PriorityCritical())
		return nil, domain.NewUnavailableError("session manager not initialized")
	}
	if sessionUID == "" {
		return nil, domain.NewValidationError("session UID is required")
	}
	return s.SessionRepository.Get(ctx, sessionUID)
}

// ConsultURL returns the clinic app link participants use to join the
// session. The link is derived on read rather than stored so that an
// environment or origin change never invalidates persisted sessions.
func (s *SessionManager) ConsultURL(session *models.CallSession) string {
	if session == nil {
		return ""
	}
	generator := constants.NewAppURLGenerator(s.Config.ClinicEnvironment, s.Config.CustomAppOrigin)
	return generator.GenerateConsultURL(session.UID, session.Passcode)
}

// ListSessions returns sessions filtered by appointment, or every session
// when no filter is given.
func (s *SessionManager) ListSessions(ctx context.Context, appointmentUID string) ([]*models.CallSession, error) {
	if !s.ServiceReady() {
		slog.ErrorContext(ctx, "service not initialized", logging.PriorityCritical())
		return nil, domain.NewUnavailableError("session manager not initialized")
	}
	if appointmentUID == "" {
		return s.SessionRepository.ListAll(ctx)
	}
	return s.SessionRepository.ListByAppointment(ctx, appointmentUID)
}

// GetParticipants returns the presence records of a session along with the
// current active count derived from them.
func (s *SessionManager) GetParticipants(ctx context.Context, sessionUID string) ([]*models.ParticipantRecord, int, error) {
	if !s.ServiceReady() {
		slog.ErrorContext(ctx, "service not initialized", logging.PriorityCritical())
		return nil, 0, domain.NewUnavailableError("session manager not initialized")
	}
	if sessionUID == "" {
		return nil, 0, domain.NewValidationError("session UID is required")
	}

	exists, err := s.SessionRepository.Exists(ctx, sessionUID)
	if err != nil {
		return nil, 0, err
	}
	if !exists {
		return nil, 0, domain.NewNotFoundError("call session not found")
	}

	records, err := s.Tracker.ListRecords(ctx, sessionUID)
	if err != nil {
		return nil, 0, err
	}

	active := 0
	for _, record := range records {
		active += record.OpenSpanCount()
	}
	return records, active, nil
}

// HandleProviderEvent applies one normalized provider event to the owning
// session. Events for unknown meetings are discarded with a log line (stale
// webhooks from cancelled sessions), and events for terminal sessions are
// absorbed as no-ops.
func (s *SessionManager) HandleProviderEvent(ctx context.Context, event *models.ProviderEvent) error {
	if !s.ServiceReady() {
		slog.ErrorContext(ctx, "service not initialized", logging.PriorityCritical())
		return domain.NewUnavailableError("session manager not initialized")
	}
	if event == nil || event.MeetingRef == "" {
		return domain.NewValidationError("provider event requires a meeting reference")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if s.Metrics != nil {
		s.Metrics.ProviderEvents.WithLabelValues(string(event.Type)).Inc()
	}

	session, err := s.SessionRepository.GetByMeetingRef(ctx, event.MeetingRef)
	if err != nil {
		if domain.GetErrorType(err) == domain.ErrorTypeNotFound {
			slog.WarnContext(ctx, "provider event for unknown meeting, discarding",
				"meeting_ref", event.MeetingRef,
				"event_type", event.Type,
			)
			return nil
		}
		return err
	}

	ctx = logging.AppendCtx(ctx, slog.String("session_uid", session.UID))

	unlock := s.sessionLocks.Lock(session.UID)
	defer unlock()

	fresh, revision, err := s.SessionRepository.GetWithRevision(ctx, session.UID)
	if err != nil {
		return err
	}
	if fresh.IsTerminal() {
		slog.DebugContext(ctx, "provider event for terminal session, ignoring",
			"event_type", event.Type,
			"status", fresh.Status,
		)
		return nil
	}

	switch event.Type {
	case models.ProviderEventJoined:
		return s.handleJoined(ctx, fresh, revision, event)
	case models.ProviderEventLeft:
		return s.handleLeft(ctx, fresh, event)
	case models.ProviderEventRecordingStarted:
		return s.Recording.ConfirmStarted(ctx, fresh)
	case models.ProviderEventRecordingStopped:
		return s.Recording.ConfirmStopped(ctx, fresh)
	case models.ProviderEventMeetingEnded:
		return s.finalizeLocked(ctx, fresh, revision, models.EndReasonProviderEnded, false)
	default:
		slog.WarnContext(ctx, "unknown provider event type, discarding", "event_type", event.Type)
		return nil
	}
}

func (s *SessionManager) handleJoined(ctx context.Context, session *models.CallSession, revision uint64, event *models.ProviderEvent) error {
	if event.Participant == nil {
		slog.WarnContext(ctx, "joined event without participant data, discarding",
			"meeting_ref", event.MeetingRef,
		)
		return nil
	}

	// A join lands inside the grace window: the call is live again.
	if s.Policy.CancelGraceTimer(ctx, session.UID) && s.Metrics != nil {
		s.Metrics.GraceTimerCancels.Inc()
	}

	started, fresh, err := s.markOngoing(ctx, session, revision, event.OccurredAt)
	if err != nil {
		return err
	}
	if fresh.IsTerminal() {
		slog.DebugContext(ctx, "join raced a terminal write, discarding", "status", fresh.Status)
		return nil
	}

	if started {
		if s.Metrics != nil {
			s.Metrics.SessionsStarted.Inc()
		}
		s.emitStarted(ctx, fresh)
	}

	role := s.resolveRole(ctx, fresh, event.Participant)
	userID := participantUserID(event.Participant)

	_, err = s.Tracker.AddJoin(ctx, fresh.UID, event.Participant.SpanUID, userID, role, event.Participant.DisplayName, event.OccurredAt)
	return err
}

// markOngoing moves a scheduled session to ongoing with a revision-guarded
// write. It reports whether this call made the transition; a concurrent
// instance winning the race is not an error.
func (s *SessionManager) markOngoing(ctx context.Context, session *models.CallSession, revision uint64, at time.Time) (bool, *models.CallSession, error) {
	if session.Status == models.SessionStatusOngoing {
		return false, session, nil
	}

	current := session
	currentRevision := revision
	var lastErr error
	for attempt := 0; attempt < storeWriteAttempts; attempt++ {
		if attempt > 0 {
			fresh, freshRevision, err := s.SessionRepository.GetWithRevision(ctx, session.UID)
			if err != nil {
				return false, nil, err
			}
			if fresh.Status == models.SessionStatusOngoing || fresh.IsTerminal() {
				return false, fresh, nil
			}
			current, currentRevision = fresh, freshRevision
		}

		current.Start(at)
		current.UpdatedAt = utils.TimePtr(time.Now().UTC())

		err := s.SessionRepository.Update(ctx, current, currentRevision)
		if err == nil {
			slog.InfoContext(ctx, "session started",
				"session_uid", current.UID,
				"appointment_uid", current.AppointmentUID,
				"started_at", current.StartedAt,
			)
			return true, current, nil
		}
		if domain.GetErrorType(err) != domain.ErrorTypeConflict {
			return false, nil, err
		}
		lastErr = err
	}
	return false, nil, domain.NewConflictError("call session was modified concurrently", lastErr)
}

func (s *SessionManager) handleLeft(ctx context.Context, session *models.CallSession, event *models.ProviderEvent) error {
	if event.Participant == nil {
		slog.WarnContext(ctx, "left event without participant data, discarding",
			"meeting_ref", event.MeetingRef,
		)
		return nil
	}

	userID := participantUserID(event.Participant)
	err := s.Tracker.AddLeave(ctx, session.UID, userID, event.Participant.SpanUID, event.OccurredAt, event.Participant.LeaveReason)
	if err != nil {
		return err
	}

	terminate, err := s.Policy.ShouldTerminate(ctx, session)
	if err != nil {
		return err
	}
	if terminate {
		if s.Policy.ArmGraceTimer(ctx, session.UID, s.Finalize) && s.Metrics != nil {
			s.Metrics.GraceTimerArms.Inc()
		}
	}
	return nil
}

// resolveRole maps the provider-reported participant onto the clinic roles.
// The join link embeds the clinic user UID as the provider's customer key;
// matching it against the appointment identifies doctor and patient, and
// anyone else (interpreter, family member, supervisor) observes.
func (s *SessionManager) resolveRole(ctx context.Context, session *models.CallSession, participant *models.ProviderEventParticipant) models.ParticipantRole {
	if participant.UserKey == "" {
		return models.RoleObserver
	}

	appointment, err := s.AppointmentRepository.Get(ctx, session.AppointmentUID)
	if err != nil {
		slog.WarnContext(ctx, "could not load appointment for role resolution, defaulting to observer",
			logging.ErrKey, err,
			"appointment_uid", session.AppointmentUID,
		)
		return models.RoleObserver
	}

	switch participant.UserKey {
	case appointment.PractitionerUID:
		return models.RoleDoctor
	case appointment.PatientUID:
		return models.RolePatient
	}
	return models.RoleObserver
}

// participantUserID picks a stable user identity from what the provider
// sent: the clinic user UID when the join link carried one, otherwise the
// email, otherwise the connection UID itself.
func participantUserID(participant *models.ProviderEventParticipant) string {
	return utils.CoalesceString(participant.UserKey, participant.Email, participant.SpanUID)
}

// Finalize drives a session to its terminal state exactly once. Concurrent
// triggers (grace timer, watchdog, force-end, provider meeting end) all land
// here; the revision CAS on the terminal write elects the single winner and
// every loser observes the terminal state and backs off.
func (s *SessionManager) Finalize(ctx context.Context, sessionUID string, reason models.EndReason) error {
	if !s.ServiceReady() {
		slog.ErrorContext(ctx, "service not initialized", logging.PriorityCritical())
		return domain.NewUnavailableError("session manager not initialized")
	}
	if sessionUID == "" {
		return domain.NewValidationError("session UID is required")
	}
	if reason == "" {
		return domain.NewValidationError("end reason is required")
	}

	unlock := s.sessionLocks.Lock(sessionUID)
	defer unlock()

	session, revision, err := s.SessionRepository.GetWithRevision(ctx, sessionUID)
	if err != nil {
		if domain.GetErrorType(err) == domain.ErrorTypeNotFound {
			s.Policy.ClearPendingFinalize(sessionUID)
		}
		return err
	}
	if session.IsTerminal() {
		s.Policy.ClearPendingFinalize(sessionUID)
		slog.DebugContext(ctx, "finalize requested for terminal session, skipping",
			"session_uid", sessionUID,
			"status", session.Status,
		)
		return nil
	}

	// Occupancy-driven triggers decided to finalize before this lock was
	// held; a join processed in between committed an open span without
	// touching the session record, so the revision CAS alone cannot catch
	// it. Re-evaluate from the store now that the session is locked.
	if reason == models.EndReasonAllParticipantsLeft || reason == models.EndReasonWatchdogTimeout {
		terminate, err := s.Policy.ShouldTerminate(ctx, session)
		if err != nil {
			return err
		}
		if !terminate {
			s.Policy.ClearPendingFinalize(sessionUID)
			slog.InfoContext(ctx, "finalize overtaken by a rejoin, backing off",
				"session_uid", sessionUID,
				"end_reason", reason,
			)
			return nil
		}
	}

	return s.finalizeLocked(ctx, session, revision, reason, reason != models.EndReasonProviderEnded)
}

// ForceEnd terminates the session regardless of who is still in the call.
// Force-ending an already-terminal session is a no-op so the management
// command stays idempotent.
func (s *SessionManager) ForceEnd(ctx context.Context, sessionUID string) error {
	if !s.ServiceReady() {
		slog.ErrorContext(ctx, "service not initialized", logging.PriorityCritical())
		return domain.NewUnavailableError("session manager not initialized")
	}
	if sessionUID == "" {
		return domain.NewValidationError("session UID is required")
	}

	unlock := s.sessionLocks.Lock(sessionUID)
	defer unlock()

	session, revision, err := s.SessionRepository.GetWithRevision(ctx, sessionUID)
	if err != nil {
		return err
	}
	if session.IsTerminal() {
		slog.DebugContext(ctx, "force-end for terminal session, skipping",
			"session_uid", sessionUID,
			"status", session.Status,
		)
		return nil
	}

	slog.InfoContext(ctx, "force-ending session",
		"session_uid", sessionUID,
		"status", session.Status,
	)
	return s.finalizeLocked(ctx, session, revision, models.EndReasonForceEnded, true)
}

// Cancel moves a session that never left scheduled to cancelled. Ongoing
// sessions must go through ForceEnd so their spans and recording are
// released; redelivered cancellations of an already-terminal session are
// no-ops.
func (s *SessionManager) Cancel(ctx context.Context, sessionUID string, reason models.EndReason) error {
	if !s.ServiceReady() {
		slog.ErrorContext(ctx, "service not initialized", logging.PriorityCritical())
		return domain.NewUnavailableError("session manager not initialized")
	}
	if sessionUID == "" {
		return domain.NewValidationError("session UID is required")
	}
	if reason == "" {
		reason = models.EndReasonAppointmentCancelled
	}

	unlock := s.sessionLocks.Lock(sessionUID)
	defer unlock()

	session, revision, err := s.SessionRepository.GetWithRevision(ctx, sessionUID)
	if err != nil {
		return err
	}
	if session.IsTerminal() {
		slog.DebugContext(ctx, "cancel for terminal session, skipping",
			"session_uid", sessionUID,
			"status", session.Status,
		)
		return nil
	}
	if session.Status == models.SessionStatusOngoing {
		return domain.NewConflictError("cannot cancel an ongoing session, use force-end")
	}

	// Never-started meetings have nothing live at the provider to end.
	return s.finalizeLocked(ctx, session, revision, reason, false)
}

// finalizeLocked persists the terminal state and runs the post-terminal
// housekeeping. The caller must hold the session lock. The terminal write is
// a revision CAS retried with jittered exponential backoff; when every
// attempt fails the session is flagged in the pending-finalize ledger so the
// watchdog repairs it, because a transient store failure must never leave a
// session permanently ongoing.
func (s *SessionManager) finalizeLocked(ctx context.Context, session *models.CallSession, revision uint64, reason models.EndReason, endProviderMeeting bool) error {
	endedAt := time.Now().UTC()
	terminalStatus := models.SessionStatusCompleted
	if session.StartedAt == nil {
		terminalStatus = models.SessionStatusCancelled
	}

	current := session
	currentRevision := revision
	persisted := false
	var lastErr error

	for attempt := 0; attempt < constants.FinalizeRetryAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, finalizeBackoff(attempt)); err != nil {
				lastErr = err
				break
			}
			fresh, freshRevision, err := s.SessionRepository.GetWithRevision(ctx, session.UID)
			if err != nil {
				lastErr = err
				continue
			}
			if fresh.IsTerminal() {
				s.Policy.ClearPendingFinalize(session.UID)
				slog.DebugContext(ctx, "session finalized by a concurrent trigger",
					"session_uid", session.UID,
					"status", fresh.Status,
				)
				return nil
			}
			current, currentRevision = fresh, freshRevision
		}

		current.End(endedAt, terminalStatus, reason)
		current.UpdatedAt = utils.TimePtr(endedAt)

		err := s.SessionRepository.Update(ctx, current, currentRevision)
		if err == nil {
			persisted = true
			break
		}
		if domain.GetErrorType(err) == domain.ErrorTypeConflict && s.Metrics != nil {
			s.Metrics.FinalizeConflicts.Inc()
		}
		lastErr = err
		slog.WarnContext(ctx, "terminal write failed, retrying",
			logging.ErrKey, err,
			"session_uid", session.UID,
			"attempt", attempt+1,
		)
	}

	if !persisted {
		s.Policy.FlagPendingFinalize(session.UID, reason)
		slog.ErrorContext(ctx, "could not persist terminal session state, flagged for watchdog retry",
			logging.ErrKey, lastErr,
			logging.PriorityCritical(),
			"session_uid", session.UID,
			"end_reason", reason,
		)
		return domain.NewInternalError("failed to finalize session", lastErr)
	}

	s.Policy.ClearPendingFinalize(current.UID)
	s.Policy.CancelGraceTimer(ctx, current.UID)

	if closed, err := s.Tracker.CloseAllOpenSpans(ctx, current.UID, endedAt, leaveReasonForEnd(reason)); err != nil {
		slog.ErrorContext(ctx, "failed to close open spans after finalize",
			logging.ErrKey, err,
			"session_uid", current.UID,
		)
	} else if closed > 0 {
		slog.DebugContext(ctx, "closed open spans on finalize",
			"session_uid", current.UID,
			"closed_spans", closed,
		)
	}

	if current.StartedAt != nil {
		s.Recording.ReleaseOnFinalize(ctx, current)
	}

	if endProviderMeeting && current.MeetingRef != "" {
		if err := s.Provider.EndMeeting(ctx, current.MeetingRef); err != nil {
			slog.ErrorContext(ctx, "failed to end provider meeting during finalize",
				logging.ErrKey, err,
				"session_uid", current.UID,
				"meeting_ref", current.MeetingRef,
			)
		}
	}

	s.emitEnded(ctx, current)

	if s.Metrics != nil {
		s.Metrics.SessionsFinalized.WithLabelValues(string(reason)).Inc()
		if current.DurationMinutes != nil {
			s.Metrics.SessionDuration.Observe(float64(*current.DurationMinutes))
		}
	}

	slog.InfoContext(ctx, "session finalized",
		"session_uid", current.UID,
		"status", current.Status,
		"end_reason", reason,
		"duration_minutes", utils.IntValue(current.DurationMinutes),
	)
	return nil
}

// HandleChangeFeedEvent reconciles a store mutation observed on the
// change-feed. Delivery is at-least-once so every branch tolerates
// redelivery: re-applying an already-reached state produces no observable
// change.
func (s *SessionManager) HandleChangeFeedEvent(ctx context.Context, event *models.ChangeFeedEvent) error {
	if !s.ServiceReady() {
		slog.ErrorContext(ctx, "service not initialized", logging.PriorityCritical())
		return domain.NewUnavailableError("session manager not initialized")
	}
	if event == nil {
		return domain.NewValidationError("change-feed event is required")
	}
	if s.Metrics != nil {
		s.Metrics.ChangeFeedEvents.WithLabelValues(string(event.Table), string(event.Operation)).Inc()
	}

	switch event.Table {
	case models.ChangeFeedTableSessions:
		return s.reconcileSessionChange(ctx, event)
	case models.ChangeFeedTableParticipants:
		return s.reconcileParticipantChange(ctx, event)
	case models.ChangeFeedTableAppointments:
		return s.reconcileAppointmentChange(ctx, event)
	default:
		slog.WarnContext(ctx, "change-feed event for unknown table, discarding", "table", event.Table)
		return nil
	}
}

func (s *SessionManager) reconcileSessionChange(ctx context.Context, event *models.ChangeFeedEvent) error {
	if event.Operation == models.ChangeFeedOpDelete {
		slog.WarnContext(ctx, "session record deleted from the store", "key", event.Key)
		s.Policy.CancelGraceTimer(ctx, event.Key)
		s.Policy.ClearPendingFinalize(event.Key)
		return nil
	}

	var observed models.CallSession
	if err := json.Unmarshal(event.Row, &observed); err != nil {
		slog.ErrorContext(ctx, "undecodable session row on change-feed, discarding",
			logging.ErrKey, err,
			"key", event.Key,
		)
		return nil
	}
	if observed.UID == "" {
		observed.UID = event.Key
	}
	if !observed.IsTerminal() {
		// Live transitions are driven by provider events; a non-terminal
		// put needs no reconciliation.
		return nil
	}
	return s.reconcileTerminalSession(ctx, observed.UID)
}

// reconcileTerminalSession finishes the housekeeping for a session whose
// terminal state was written outside the guarded finalize path (staff
// writing the store directly, or another instance finalizing). Our own
// finalize leaves no open spans behind, so when there is nothing to close
// the event is either a redelivery or an echo of our own write, and nothing
// is emitted.
func (s *SessionManager) reconcileTerminalSession(ctx context.Context, sessionUID string) error {
	unlock := s.sessionLocks.Lock(sessionUID)
	defer unlock()

	session, err := s.SessionRepository.Get(ctx, sessionUID)
	if err != nil {
		if domain.GetErrorType(err) == domain.ErrorTypeNotFound {
			slog.WarnContext(ctx, "terminal session vanished before reconciliation", "session_uid", sessionUID)
			return nil
		}
		return err
	}
	if !session.IsTerminal() {
		// The feed entry is stale; the live record has moved on.
		return nil
	}

	s.Policy.CancelGraceTimer(ctx, session.UID)
	s.Policy.ClearPendingFinalize(session.UID)

	endedAt := utils.TimeValue(session.EndedAt)
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}
	reason := session.EndReason
	if reason == "" {
		reason = models.EndReasonReconciled
	}

	closed, err := s.Tracker.CloseAllOpenSpans(ctx, session.UID, endedAt, leaveReasonForEnd(reason))
	if err != nil {
		return err
	}
	if closed == 0 {
		return nil
	}

	slog.InfoContext(ctx, "reconciled out-of-band terminal session",
		"session_uid", session.UID,
		"status", session.Status,
		"closed_spans", closed,
	)

	if session.StartedAt != nil {
		s.Recording.ReleaseOnFinalize(ctx, session)
	}
	if session.MeetingRef != "" && session.EndReason != models.EndReasonProviderEnded {
		if err := s.Provider.EndMeeting(ctx, session.MeetingRef); err != nil {
			slog.ErrorContext(ctx, "failed to end provider meeting during reconciliation",
				logging.ErrKey, err,
				"session_uid", session.UID,
				"meeting_ref", session.MeetingRef,
			)
		}
	}

	s.emitEnded(ctx, session)

	if s.Metrics != nil {
		s.Metrics.SessionsFinalized.WithLabelValues(string(reason)).Inc()
	}
	return nil
}

func (s *SessionManager) reconcileParticipantChange(ctx context.Context, event *models.ChangeFeedEvent) error {
	if event.Operation == models.ChangeFeedOpDelete {
		return nil
	}

	var record models.ParticipantRecord
	if err := json.Unmarshal(event.Row, &record); err != nil {
		slog.ErrorContext(ctx, "undecodable participant row on change-feed, discarding",
			logging.ErrKey, err,
			"key", event.Key,
		)
		return nil
	}
	if record.SessionUID == "" || record.OpenSpanCount() > 0 {
		return nil
	}

	// Every span on this record is closed. If the whole session is now
	// empty, make sure a grace timer is running even when the leave event
	// itself was consumed by another instance.
	unlock := s.sessionLocks.Lock(record.SessionUID)
	defer unlock()

	session, err := s.SessionRepository.Get(ctx, record.SessionUID)
	if err != nil {
		if domain.GetErrorType(err) == domain.ErrorTypeNotFound {
			return nil
		}
		return err
	}

	terminate, err := s.Policy.ShouldTerminate(ctx, session)
	if err != nil {
		return err
	}
	if terminate {
		if s.Policy.ArmGraceTimer(ctx, session.UID, s.Finalize) && s.Metrics != nil {
			s.Metrics.GraceTimerArms.Inc()
		}
	}
	return nil
}

func (s *SessionManager) reconcileAppointmentChange(ctx context.Context, event *models.ChangeFeedEvent) error {
	appointmentUID := event.Key
	cancelled := event.Operation == models.ChangeFeedOpDelete

	if event.Operation == models.ChangeFeedOpPut {
		var appointment models.Appointment
		if err := json.Unmarshal(event.Row, &appointment); err != nil {
			slog.ErrorContext(ctx, "undecodable appointment row on change-feed, discarding",
				logging.ErrKey, err,
				"key", event.Key,
			)
			return nil
		}
		if appointment.UID != "" {
			appointmentUID = appointment.UID
		}
		cancelled = appointment.IsCancelled()
	}
	if !cancelled {
		return nil
	}

	sessions, err := s.SessionRepository.ListByAppointment(ctx, appointmentUID)
	if err != nil {
		return err
	}

	for _, session := range sessions {
		if session.IsTerminal() {
			continue
		}
		switch session.Status {
		case models.SessionStatusScheduled:
			err := s.Cancel(ctx, session.UID, models.EndReasonAppointmentCancelled)
			if err != nil && domain.GetErrorType(err) == domain.ErrorTypeConflict {
				// Somebody joined between our list and the cancel.
				err = s.Finalize(ctx, session.UID, models.EndReasonAppointmentCancelled)
			}
			if err != nil {
				return err
			}
		case models.SessionStatusOngoing:
			if err := s.Finalize(ctx, session.UID, models.EndReasonAppointmentCancelled); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReconcileAllSessions re-derives the state of every non-terminal session
// from the store. It runs at startup and after a change-feed reconnect; the
// feed is at-least-once and a disconnect can lose events, so the pass never
// assumes nothing was missed.
func (s *SessionManager) ReconcileAllSessions(ctx context.Context) error {
	if !s.ServiceReady() {
		slog.ErrorContext(ctx, "service not initialized", logging.PriorityCritical())
		return domain.NewUnavailableError("session manager not initialized")
	}

	sessions, err := s.SessionRepository.ListActive(ctx)
	if err != nil {
		return err
	}

	if s.Metrics != nil {
		s.Metrics.ReconciliationPasses.Inc()
		s.Metrics.ActiveSessions.Set(float64(len(sessions)))
	}

	if len(sessions) == 0 {
		slog.DebugContext(ctx, "reconciliation pass found no active sessions")
		return nil
	}

	functions := make([]func() error, 0, len(sessions))
	for _, session := range sessions {
		candidate := session
		functions = append(functions, func() error {
			return s.reconcileSession(ctx, candidate)
		})
	}

	pool := concurrent.NewWorkerPool(5)
	errs := pool.RunAll(ctx, functions...)
	for _, reconcileErr := range errs {
		slog.ErrorContext(ctx, "session reconciliation error", logging.ErrKey, reconcileErr)
	}
	if len(errs) > 0 {
		return domain.NewInternalError("reconciliation pass completed with errors", errs...)
	}

	slog.InfoContext(ctx, "reconciliation pass complete", "sessions", len(sessions))
	return nil
}

func (s *SessionManager) reconcileSession(ctx context.Context, session *models.CallSession) error {
	unlock := s.sessionLocks.Lock(session.UID)
	defer unlock()

	fresh, revision, err := s.SessionRepository.GetWithRevision(ctx, session.UID)
	if err != nil {
		if domain.GetErrorType(err) == domain.ErrorTypeNotFound {
			return nil
		}
		return err
	}
	if fresh.IsTerminal() {
		// Became terminal between the list and the lock; its own feed
		// event carries the housekeeping.
		return nil
	}

	switch fresh.Status {
	case models.SessionStatusScheduled:
		appointment, err := s.AppointmentRepository.Get(ctx, fresh.AppointmentUID)
		switch {
		case err != nil && domain.GetErrorType(err) == domain.ErrorTypeNotFound:
			slog.WarnContext(ctx, "scheduled session references a missing appointment, cancelling",
				"session_uid", fresh.UID,
				"appointment_uid", fresh.AppointmentUID,
			)
			return s.finalizeLocked(ctx, fresh, revision, models.EndReasonAppointmentCancelled, false)
		case err != nil:
			return err
		case appointment.IsCancelled():
			return s.finalizeLocked(ctx, fresh, revision, models.EndReasonAppointmentCancelled, false)
		}
		return nil

	case models.SessionStatusOngoing:
		appointment, err := s.AppointmentRepository.Get(ctx, fresh.AppointmentUID)
		switch {
		case err != nil && domain.GetErrorType(err) == domain.ErrorTypeNotFound:
			slog.WarnContext(ctx, "ongoing session references a missing appointment, finalizing",
				"session_uid", fresh.UID,
				"appointment_uid", fresh.AppointmentUID,
			)
			return s.finalizeLocked(ctx, fresh, revision, models.EndReasonAppointmentCancelled, true)
		case err != nil:
			slog.WarnContext(ctx, "could not check appointment during reconciliation",
				logging.ErrKey, err,
				"session_uid", fresh.UID,
			)
		case appointment.IsCancelled():
			return s.finalizeLocked(ctx, fresh, revision, models.EndReasonAppointmentCancelled, true)
		}

		terminate, err := s.Policy.ShouldTerminate(ctx, fresh)
		if err != nil {
			return err
		}
		if terminate {
			// Give the empty call the normal grace window rather than
			// killing it outright; the watchdog bounds the worst case.
			if s.Policy.ArmGraceTimer(ctx, fresh.UID, s.Finalize) && s.Metrics != nil {
				s.Metrics.GraceTimerArms.Inc()
			}
		}
		return nil
	}
	return nil
}

// RunWatchdog runs the termination policy's watchdog with this manager's
// guarded finalize until the context is cancelled.
func (s *SessionManager) RunWatchdog(ctx context.Context) {
	s.Policy.RunWatchdog(ctx, s.Finalize)
}

func (s *SessionManager) emitStarted(ctx context.Context, session *models.CallSession) {
	message := models.SessionNotificationMessage{
		AppointmentUID: session.AppointmentUID,
		SessionUID:     session.UID,
		Event:          models.SessionEventStarted,
	}
	if err := s.MessageBuilder.SendSessionNotification(ctx, message); err != nil {
		slog.ErrorContext(ctx, "failed to send session started notification",
			logging.ErrKey, err,
			"session_uid", session.UID,
		)
	}
}

func (s *SessionManager) emitEnded(ctx context.Context, session *models.CallSession) {
	reason := session.EndReason
	if reason == "" {
		reason = models.EndReasonReconciled
	}
	message := models.SessionNotificationMessage{
		AppointmentUID:  session.AppointmentUID,
		SessionUID:      session.UID,
		Event:           models.SessionEventEnded,
		DurationMinutes: session.DurationMinutes,
		EndReason:       reason,
	}
	if err := s.MessageBuilder.SendSessionNotification(ctx, message); err != nil {
		slog.ErrorContext(ctx, "failed to send session ended notification",
			logging.ErrKey, err,
			"session_uid", session.UID,
		)
	}
}

// leaveReasonForEnd is the leave reason written onto spans force-closed by a
// finalize.
func leaveReasonForEnd(reason models.EndReason) string {
	return "session ended: " + string(reason)
}

// finalizeBackoff returns the delay before retry attempt n, exponential with
// a ±25% jitter so concurrent retries spread out.
func finalizeBackoff(attempt int) time.Duration {
	base := finalizeBackoffBase << (attempt - 1)
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(base) * jitter)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
