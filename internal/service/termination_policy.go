// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/carebridge/video-session-service/internal/domain"
	"github.com/carebridge/video-session-service/internal/domain/models"
	"github.com/carebridge/video-session-service/internal/logging"
	"github.com/carebridge/video-session-service/pkg/concurrent"
	"github.com/carebridge/video-session-service/pkg/constants"
	"github.com/carebridge/video-session-service/pkg/utils"
)

// FinalizeFunc finalizes one session with the given end reason. The session
// manager supplies its guarded finalize so the policy never needs a reference
// back to it.
type FinalizeFunc func(ctx context.Context, sessionUID string, reason models.EndReason) error

// TerminationPolicyConfig tunes the automatic termination behavior. Zero
// values fall back to the package defaults.
type TerminationPolicyConfig struct {
	// GracePeriod is how long a session with zero participants waits before
	// finalize, so a dropped connection can rejoin.
	GracePeriod time.Duration
	// WatchdogInterval is the sweep cadence.
	WatchdogInterval time.Duration
	// IdleCeiling is the hard bound on how long a session may sit ongoing
	// with nobody in the call.
	IdleCeiling time.Duration
}

// TerminationPolicy is the sole decision point for "is this call over". It
// owns the per-session grace timers, the watchdog sweep that bounds the
// lifetime of leaked sessions, and the pending-finalize ledger for sessions
// whose terminal write failed and must be retried.
type TerminationPolicy struct {
	SessionRepository     domain.CallSessionRepository
	ParticipantRepository domain.ParticipantRecordRepository
	Provider              domain.VideoProvider

	GracePeriod      time.Duration
	WatchdogInterval time.Duration
	IdleCeiling      time.Duration

	mu              sync.Mutex
	graceTimers     map[string]*time.Timer
	pendingFinalize map[string]models.EndReason
}

// NewTerminationPolicy creates a new TerminationPolicy.
func NewTerminationPolicy(
	sessionRepository domain.CallSessionRepository,
	participantRepository domain.ParticipantRecordRepository,
	provider domain.VideoProvider,
	config TerminationPolicyConfig,
) *TerminationPolicy {
	if config.GracePeriod <= 0 {
		config.GracePeriod = constants.DefaultTerminationGracePeriod
	}
	if config.WatchdogInterval <= 0 {
		config.WatchdogInterval = constants.DefaultWatchdogInterval
	}
	if config.IdleCeiling <= 0 {
		config.IdleCeiling = constants.DefaultIdleSessionCeiling
	}

	return &TerminationPolicy{
		SessionRepository:     sessionRepository,
		ParticipantRepository: participantRepository,
		Provider:              provider,
		GracePeriod:           config.GracePeriod,
		WatchdogInterval:      config.WatchdogInterval,
		IdleCeiling:           config.IdleCeiling,
		graceTimers:           make(map[string]*time.Timer),
		pendingFinalize:       make(map[string]models.EndReason),
	}
}

// ServiceReady checks if the service is ready for use.
func (s *TerminationPolicy) ServiceReady() bool {
	return s.SessionRepository != nil &&
		s.ParticipantRepository != nil &&
		s.Provider != nil
}

// ShouldTerminate reports whether the session is over: ongoing with zero
// open presence spans. The count is always recomputed from the store, never
// taken from event order.
func (s *TerminationPolicy) ShouldTerminate(ctx context.Context, session *models.CallSession) (bool, error) {
	if !s.ServiceReady() {
		slog.ErrorContext(ctx, "service not initialized", logging.PriorityCritical())
		return false, domain.NewUnavailableError("termination policy not initialized")
	}
	if session == nil {
		return false, domain.NewValidationError("session is required")
	}
	if session.Status != models.SessionStatusOngoing {
		return false, nil
	}

	records, err := s.ParticipantRepository.ListBySession(ctx, session.UID)
	if err != nil {
		return false, err
	}
	for _, record := range records {
		if record.OpenSpanCount() > 0 {
			return false, nil
		}
	}
	return true, nil
}

// ArmGraceTimer schedules finalize after the grace period unless the timer
// is cancelled first. Arming an already-armed session keeps the original
// deadline so repeated leave events cannot push termination out forever.
// When the timer fires the decision is re-evaluated from the store, because
// a join may have landed on another instance during the window.
func (s *TerminationPolicy) ArmGraceTimer(ctx context.Context, sessionUID string, finalize FinalizeFunc) bool {
	if sessionUID == "" || finalize == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, armed := s.graceTimers[sessionUID]; armed {
		slog.DebugContext(ctx, "grace timer already armed", "session_uid", sessionUID)
		return false
	}

	s.graceTimers[sessionUID] = time.AfterFunc(s.GracePeriod, func() {
		s.onGraceTimerFired(sessionUID, finalize)
	})

	slog.InfoContext(ctx, "armed termination grace timer",
		"session_uid", sessionUID,
		"grace_period", s.GracePeriod.String(),
	)
	return true
}

// CancelGraceTimer stops a pending grace timer, reporting whether one was
// armed. A join event within the window lands here.
func (s *TerminationPolicy) CancelGraceTimer(ctx context.Context, sessionUID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer, armed := s.graceTimers[sessionUID]
	if !armed {
		return false
	}
	timer.Stop()
	delete(s.graceTimers, sessionUID)

	slog.InfoContext(ctx, "cancelled termination grace timer", "session_uid", sessionUID)
	return true
}

func (s *TerminationPolicy) onGraceTimerFired(sessionUID string, finalize FinalizeFunc) {
	s.mu.Lock()
	delete(s.graceTimers, sessionUID)
	s.mu.Unlock()

	// The arming request's context is long gone by the time the timer fires.
	ctx := logging.AppendCtx(context.Background(), slog.String("session_uid", sessionUID))

	session, err := s.SessionRepository.Get(ctx, sessionUID)
	if err != nil {
		slog.ErrorContext(ctx, "grace timer fired but session could not be loaded",
			logging.ErrKey, err,
		)
		return
	}

	terminate, err := s.ShouldTerminate(ctx, session)
	if err != nil {
		slog.ErrorContext(ctx, "grace timer fired but termination could not be evaluated",
			logging.ErrKey, err,
		)
		return
	}
	if !terminate {
		slog.DebugContext(ctx, "grace timer expired without effect, session is live again")
		return
	}

	if err := finalize(ctx, sessionUID, models.EndReasonAllParticipantsLeft); err != nil {
		slog.ErrorContext(ctx, "grace timer finalize failed", logging.ErrKey, err)
	}
}

// FlagPendingFinalize records a session whose terminal write failed so the
// watchdog retries it. The reason of the first failed attempt is kept.
func (s *TerminationPolicy) FlagPendingFinalize(sessionUID string, reason models.EndReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, flagged := s.pendingFinalize[sessionUID]; flagged {
		return
	}
	s.pendingFinalize[sessionUID] = reason
}

// ClearPendingFinalize removes the retry flag once the terminal write lands.
func (s *TerminationPolicy) ClearPendingFinalize(sessionUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingFinalize, sessionUID)
}

// PendingFinalizes returns a snapshot of the retry ledger.
func (s *TerminationPolicy) PendingFinalizes() map[string]models.EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := make(map[string]models.EndReason, len(s.pendingFinalize))
	for uid, reason := range s.pendingFinalize {
		pending[uid] = reason
	}
	return pending
}

// RunWatchdog sweeps periodically until the context is cancelled. Each sweep
// retries pending finalizes and force-finalizes sessions left ongoing with
// zero participants beyond the idle ceiling.
func (s *TerminationPolicy) RunWatchdog(ctx context.Context, finalize FinalizeFunc) {
	if !s.ServiceReady() {
		slog.ErrorContext(ctx, "service not initialized", logging.PriorityCritical())
		return
	}

	slog.InfoContext(ctx, "session watchdog started",
		"interval", s.WatchdogInterval.String(),
		"idle_ceiling", s.IdleCeiling.String(),
	)

	ticker := time.NewTicker(s.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "session watchdog stopped")
			return
		case <-ticker.C:
			s.sweep(ctx, finalize)
		}
	}
}

func (s *TerminationPolicy) sweep(ctx context.Context, finalize FinalizeFunc) {
	for sessionUID, reason := range s.PendingFinalizes() {
		slog.InfoContext(ctx, "retrying pending finalize",
			"session_uid", sessionUID,
			"end_reason", reason,
		)
		if err := finalize(ctx, sessionUID, reason); err != nil {
			slog.ErrorContext(ctx, "pending finalize retry failed",
				logging.ErrKey, err,
				"session_uid", sessionUID,
			)
		}
	}

	sessions, err := s.SessionRepository.ListActive(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "watchdog failed to list active sessions", logging.ErrKey, err)
		return
	}

	now := time.Now().UTC()
	functions := make([]func() error, 0, len(sessions))
	for _, session := range sessions {
		if session.Status != models.SessionStatusOngoing {
			continue
		}
		candidate := session
		functions = append(functions, func() error {
			return s.sweepSession(ctx, candidate, now, finalize)
		})
	}
	if len(functions) == 0 {
		return
	}

	pool := concurrent.NewWorkerPool(5)
	for _, sweepErr := range pool.RunAll(ctx, functions...) {
		slog.ErrorContext(ctx, "watchdog sweep error", logging.ErrKey, sweepErr)
	}
}

// sweepSession finalizes one idle session once it has sat ongoing with zero
// participants beyond the ceiling. The provider's live count is a second
// opinion: when it still reports people in the call the store is the stale
// side, and killing the call would be wrong.
func (s *TerminationPolicy) sweepSession(ctx context.Context, session *models.CallSession, now time.Time, finalize FinalizeFunc) error {
	records, err := s.ParticipantRepository.ListBySession(ctx, session.UID)
	if err != nil {
		return err
	}

	for _, record := range records {
		if record.OpenSpanCount() > 0 {
			return nil
		}
	}

	idleSince := lastActivityTime(session, records)
	if now.Sub(idleSince) < s.IdleCeiling {
		return nil
	}

	liveCount, err := s.Provider.LiveParticipantCount(ctx, session.MeetingRef)
	if err != nil {
		slog.WarnContext(ctx, "provider live count unavailable, proceeding with watchdog finalize",
			logging.ErrKey, err,
			"session_uid", session.UID,
		)
	} else if liveCount > 0 {
		slog.WarnContext(ctx, "store shows nobody in the call but the provider disagrees, skipping watchdog finalize",
			"session_uid", session.UID,
			"live_participants", liveCount,
		)
		return nil
	}

	slog.InfoContext(ctx, "watchdog finalizing idle session",
		"session_uid", session.UID,
		"idle_since", idleSince,
	)
	return finalize(ctx, session.UID, models.EndReasonWatchdogTimeout)
}

// Shutdown releases every armed grace timer. Sessions whose timers were
// dropped are repaired by the startup reconciliation of the next instance.
func (s *TerminationPolicy) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sessionUID, timer := range s.graceTimers {
		timer.Stop()
		delete(s.graceTimers, sessionUID)
	}
}

// lastActivityTime is the most recent timestamp visible on the session and
// its presence records. Join and leave events write the participant records
// rather than the session, so the session's own UpdatedAt is not enough.
func lastActivityTime(session *models.CallSession, records []*models.ParticipantRecord) time.Time {
	last := utils.TimeValue(session.UpdatedAt)
	if session.StartedAt != nil && session.StartedAt.After(last) {
		last = *session.StartedAt
	}
	for _, record := range records {
		if updated := utils.TimeValue(record.UpdatedAt); updated.After(last) {
			last = updated
		}
		for _, span := range record.Spans {
			if span.JoinedAt.After(last) {
				last = span.JoinedAt
			}
			if span.LeftAt != nil && span.LeftAt.After(last) {
				last = *span.LeftAt
			}
		}
	}
	return last
}
