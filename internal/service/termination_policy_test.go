// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/video-session-service/internal/domain/mocks"
	"github.com/carebridge/video-session-service/internal/domain/models"
	"github.com/carebridge/video-session-service/pkg/utils"
)

type finalizeCall struct {
	sessionUID string
	reason     models.EndReason
}

func setupTerminationPolicyForTesting(config TerminationPolicyConfig) (*TerminationPolicy, *mocks.MockCallSessionRepository, *mocks.MockParticipantRecordRepository, *mocks.MockVideoProvider) {
	mockSessionRepo := &mocks.MockCallSessionRepository{}
	mockParticipantRepo := &mocks.MockParticipantRecordRepository{}
	mockProvider := &mocks.MockVideoProvider{}
	policy := NewTerminationPolicy(mockSessionRepo, mockParticipantRepo, mockProvider, config)
	return policy, mockSessionRepo, mockParticipantRepo, mockProvider
}

func captureFinalize(calls chan<- finalizeCall) FinalizeFunc {
	return func(ctx context.Context, sessionUID string, reason models.EndReason) error {
		calls <- finalizeCall{sessionUID: sessionUID, reason: reason}
		return nil
	}
}

func TestTerminationPolicy_Defaults(t *testing.T) {
	policy, _, _, _ := setupTerminationPolicyForTesting(TerminationPolicyConfig{})

	assert.Equal(t, 10*time.Second, policy.GracePeriod)
	assert.Equal(t, time.Minute, policy.WatchdogInterval)
	assert.Equal(t, time.Hour, policy.IdleCeiling)
}

func TestTerminationPolicy_ShouldTerminate(t *testing.T) {
	ctx := context.Background()
	joinTime := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		session    *models.CallSession
		setupMocks func(*mocks.MockParticipantRecordRepository)
		want       bool
		wantErr    bool
	}{
		{
			name:    "ongoing with zero open spans terminates",
			session: &models.CallSession{UID: "session-1", Status: models.SessionStatusOngoing},
			setupMocks: func(repo *mocks.MockParticipantRecordRepository) {
				repo.On("ListBySession", mock.Anything, "session-1").Return([]*models.ParticipantRecord{
					{
						UID: "record-1",
						Spans: []models.PresenceSpan{
							{UID: "span-1", JoinedAt: joinTime, LeftAt: utils.TimePtr(joinTime.Add(time.Minute))},
						},
					},
				}, nil)
			},
			want: true,
		},
		{
			name:    "ongoing with an open span stays",
			session: &models.CallSession{UID: "session-1", Status: models.SessionStatusOngoing},
			setupMocks: func(repo *mocks.MockParticipantRecordRepository) {
				repo.On("ListBySession", mock.Anything, "session-1").Return([]*models.ParticipantRecord{
					{
						UID: "record-1",
						Spans: []models.PresenceSpan{
							{UID: "span-1", JoinedAt: joinTime},
						},
					},
				}, nil)
			},
			want: false,
		},
		{
			name:       "scheduled session never terminates",
			session:    &models.CallSession{UID: "session-1", Status: models.SessionStatusScheduled},
			setupMocks: func(repo *mocks.MockParticipantRecordRepository) {},
			want:       false,
		},
		{
			name:       "completed session never terminates",
			session:    &models.CallSession{UID: "session-1", Status: models.SessionStatusCompleted},
			setupMocks: func(repo *mocks.MockParticipantRecordRepository) {},
			want:       false,
		},
		{
			name:    "repository error is propagated",
			session: &models.CallSession{UID: "session-1", Status: models.SessionStatusOngoing},
			setupMocks: func(repo *mocks.MockParticipantRecordRepository) {
				repo.On("ListBySession", mock.Anything, "session-1").
					Return(nil, errors.New("kv store unreachable"))
			},
			wantErr: true,
		},
		{
			name:       "nil session",
			session:    nil,
			setupMocks: func(repo *mocks.MockParticipantRecordRepository) {},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy, _, mockParticipantRepo, _ := setupTerminationPolicyForTesting(TerminationPolicyConfig{})
			tt.setupMocks(mockParticipantRepo)

			got, err := policy.ShouldTerminate(ctx, tt.session)

			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTerminationPolicy_GraceTimerFinalizes(t *testing.T) {
	ctx := context.Background()
	policy, mockSessionRepo, mockParticipantRepo, _ := setupTerminationPolicyForTesting(TerminationPolicyConfig{
		GracePeriod: 20 * time.Millisecond,
	})

	session := &models.CallSession{UID: "session-1", Status: models.SessionStatusOngoing}
	mockSessionRepo.On("Get", mock.Anything, "session-1").Return(session, nil)
	mockParticipantRepo.On("ListBySession", mock.Anything, "session-1").
		Return([]*models.ParticipantRecord{}, nil)

	calls := make(chan finalizeCall, 1)
	armed := policy.ArmGraceTimer(ctx, "session-1", captureFinalize(calls))
	require.True(t, armed)

	select {
	case call := <-calls:
		assert.Equal(t, "session-1", call.sessionUID)
		assert.Equal(t, models.EndReasonAllParticipantsLeft, call.reason)
	case <-time.After(2 * time.Second):
		t.Fatal("grace timer never fired")
	}
}

func TestTerminationPolicy_GraceTimerCancelledByJoin(t *testing.T) {
	ctx := context.Background()
	policy, _, _, _ := setupTerminationPolicyForTesting(TerminationPolicyConfig{
		GracePeriod: 30 * time.Millisecond,
	})

	calls := make(chan finalizeCall, 1)
	require.True(t, policy.ArmGraceTimer(ctx, "session-1", captureFinalize(calls)))
	require.True(t, policy.CancelGraceTimer(ctx, "session-1"))

	select {
	case <-calls:
		t.Fatal("finalize ran despite the timer being cancelled")
	case <-time.After(100 * time.Millisecond):
	}

	assert.False(t, policy.CancelGraceTimer(ctx, "session-1"), "cancel should be a no-op once released")
}

func TestTerminationPolicy_GraceTimerReevaluatesFromStore(t *testing.T) {
	ctx := context.Background()
	policy, mockSessionRepo, mockParticipantRepo, _ := setupTerminationPolicyForTesting(TerminationPolicyConfig{
		GracePeriod: 20 * time.Millisecond,
	})

	// By the time the timer fires somebody rejoined on another instance.
	session := &models.CallSession{UID: "session-1", Status: models.SessionStatusOngoing}
	mockSessionRepo.On("Get", mock.Anything, "session-1").Return(session, nil)
	mockParticipantRepo.On("ListBySession", mock.Anything, "session-1").
		Return([]*models.ParticipantRecord{
			{
				UID: "record-1",
				Spans: []models.PresenceSpan{
					{UID: "span-1", JoinedAt: time.Now().UTC()},
				},
			},
		}, nil)

	calls := make(chan finalizeCall, 1)
	require.True(t, policy.ArmGraceTimer(ctx, "session-1", captureFinalize(calls)))

	select {
	case <-calls:
		t.Fatal("finalize ran even though the store shows an open span")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestTerminationPolicy_ArmGraceTimerKeepsOriginalDeadline(t *testing.T) {
	ctx := context.Background()
	policy, mockSessionRepo, mockParticipantRepo, _ := setupTerminationPolicyForTesting(TerminationPolicyConfig{
		GracePeriod: 50 * time.Millisecond,
	})

	session := &models.CallSession{UID: "session-1", Status: models.SessionStatusOngoing}
	mockSessionRepo.On("Get", mock.Anything, "session-1").Return(session, nil)
	mockParticipantRepo.On("ListBySession", mock.Anything, "session-1").
		Return([]*models.ParticipantRecord{}, nil)

	calls := make(chan finalizeCall, 2)
	assert.True(t, policy.ArmGraceTimer(ctx, "session-1", captureFinalize(calls)))
	assert.False(t, policy.ArmGraceTimer(ctx, "session-1", captureFinalize(calls)), "second arm should be a no-op")

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("grace timer never fired")
	}

	select {
	case <-calls:
		t.Fatal("finalize ran twice for a single session")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTerminationPolicy_PendingFinalizeLedger(t *testing.T) {
	policy, _, _, _ := setupTerminationPolicyForTesting(TerminationPolicyConfig{})

	policy.FlagPendingFinalize("session-1", models.EndReasonForceEnded)
	policy.FlagPendingFinalize("session-1", models.EndReasonWatchdogTimeout)
	policy.FlagPendingFinalize("session-2", models.EndReasonAllParticipantsLeft)

	pending := policy.PendingFinalizes()
	assert.Len(t, pending, 2)
	assert.Equal(t, models.EndReasonForceEnded, pending["session-1"], "first flagged reason wins")

	policy.ClearPendingFinalize("session-1")
	assert.Len(t, policy.PendingFinalizes(), 1)
}

func TestTerminationPolicy_SweepFinalizesIdleSessions(t *testing.T) {
	ctx := context.Background()
	policy, mockSessionRepo, mockParticipantRepo, mockProvider := setupTerminationPolicyForTesting(TerminationPolicyConfig{
		IdleCeiling: time.Hour,
	})

	staleTime := time.Now().UTC().Add(-2 * time.Hour)
	recentTime := time.Now().UTC().Add(-5 * time.Minute)

	idle := &models.CallSession{
		UID:        "session-idle",
		Status:     models.SessionStatusOngoing,
		MeetingRef: "meeting-idle",
		UpdatedAt:  utils.TimePtr(staleTime),
	}
	fresh := &models.CallSession{
		UID:        "session-fresh",
		Status:     models.SessionStatusOngoing,
		MeetingRef: "meeting-fresh",
		UpdatedAt:  utils.TimePtr(recentTime),
	}
	scheduled := &models.CallSession{
		UID:    "session-scheduled",
		Status: models.SessionStatusScheduled,
	}

	mockSessionRepo.On("ListActive", mock.Anything).
		Return([]*models.CallSession{idle, fresh, scheduled}, nil)
	mockParticipantRepo.On("ListBySession", mock.Anything, "session-idle").
		Return([]*models.ParticipantRecord{}, nil)
	mockParticipantRepo.On("ListBySession", mock.Anything, "session-fresh").
		Return([]*models.ParticipantRecord{}, nil)
	mockProvider.On("LiveParticipantCount", mock.Anything, "meeting-idle").Return(0, nil)

	calls := make(chan finalizeCall, 3)
	policy.sweep(ctx, captureFinalize(calls))
	close(calls)

	var finalized []finalizeCall
	for call := range calls {
		finalized = append(finalized, call)
	}
	require.Len(t, finalized, 1)
	assert.Equal(t, "session-idle", finalized[0].sessionUID)
	assert.Equal(t, models.EndReasonWatchdogTimeout, finalized[0].reason)
	mockParticipantRepo.AssertNotCalled(t, "ListBySession", mock.Anything, "session-scheduled")
}

func TestTerminationPolicy_SweepTrustsProviderLiveCount(t *testing.T) {
	ctx := context.Background()
	policy, mockSessionRepo, mockParticipantRepo, mockProvider := setupTerminationPolicyForTesting(TerminationPolicyConfig{
		IdleCeiling: time.Hour,
	})

	idle := &models.CallSession{
		UID:        "session-idle",
		Status:     models.SessionStatusOngoing,
		MeetingRef: "meeting-idle",
		UpdatedAt:  utils.TimePtr(time.Now().UTC().Add(-2 * time.Hour)),
	}

	mockSessionRepo.On("ListActive", mock.Anything).Return([]*models.CallSession{idle}, nil)
	mockParticipantRepo.On("ListBySession", mock.Anything, "session-idle").
		Return([]*models.ParticipantRecord{}, nil)
	mockProvider.On("LiveParticipantCount", mock.Anything, "meeting-idle").Return(2, nil)

	calls := make(chan finalizeCall, 1)
	policy.sweep(ctx, captureFinalize(calls))

	select {
	case <-calls:
		t.Fatal("sweep finalized a call the provider still reports live")
	default:
	}
}

func TestTerminationPolicy_SweepProceedsOnProviderError(t *testing.T) {
	ctx := context.Background()
	policy, mockSessionRepo, mockParticipantRepo, mockProvider := setupTerminationPolicyForTesting(TerminationPolicyConfig{
		IdleCeiling: time.Hour,
	})

	idle := &models.CallSession{
		UID:        "session-idle",
		Status:     models.SessionStatusOngoing,
		MeetingRef: "meeting-idle",
		UpdatedAt:  utils.TimePtr(time.Now().UTC().Add(-2 * time.Hour)),
	}

	mockSessionRepo.On("ListActive", mock.Anything).Return([]*models.CallSession{idle}, nil)
	mockParticipantRepo.On("ListBySession", mock.Anything, "session-idle").
		Return([]*models.ParticipantRecord{}, nil)
	mockProvider.On("LiveParticipantCount", mock.Anything, "meeting-idle").
		Return(0, errors.New("zoom api down"))

	calls := make(chan finalizeCall, 1)
	policy.sweep(ctx, captureFinalize(calls))

	select {
	case call := <-calls:
		assert.Equal(t, models.EndReasonWatchdogTimeout, call.reason)
	default:
		t.Fatal("sweep should proceed when the provider cross-check is unavailable")
	}
}

func TestTerminationPolicy_SweepRetriesPendingFinalizes(t *testing.T) {
	ctx := context.Background()
	policy, mockSessionRepo, _, _ := setupTerminationPolicyForTesting(TerminationPolicyConfig{})

	mockSessionRepo.On("ListActive", mock.Anything).Return([]*models.CallSession{}, nil)
	policy.FlagPendingFinalize("session-stuck", models.EndReasonForceEnded)

	calls := make(chan finalizeCall, 1)
	policy.sweep(ctx, captureFinalize(calls))

	select {
	case call := <-calls:
		assert.Equal(t, "session-stuck", call.sessionUID)
		assert.Equal(t, models.EndReasonForceEnded, call.reason)
	default:
		t.Fatal("pending finalize was not retried")
	}
}

func TestTerminationPolicy_SweepSkipsSessionsWithRecentSpanActivity(t *testing.T) {
	ctx := context.Background()
	policy, mockSessionRepo, mockParticipantRepo, _ := setupTerminationPolicyForTesting(TerminationPolicyConfig{
		IdleCeiling: time.Hour,
	})

	// The session record itself is stale but a participant left recently,
	// so the idle clock starts from the span activity.
	idle := &models.CallSession{
		UID:        "session-1",
		Status:     models.SessionStatusOngoing,
		MeetingRef: "meeting-1",
		UpdatedAt:  utils.TimePtr(time.Now().UTC().Add(-3 * time.Hour)),
	}
	mockSessionRepo.On("ListActive", mock.Anything).Return([]*models.CallSession{idle}, nil)
	mockParticipantRepo.On("ListBySession", mock.Anything, "session-1").
		Return([]*models.ParticipantRecord{
			{
				UID: "record-1",
				Spans: []models.PresenceSpan{
					{
						UID:      "span-1",
						JoinedAt: time.Now().UTC().Add(-50 * time.Minute),
						LeftAt:   utils.TimePtr(time.Now().UTC().Add(-10 * time.Minute)),
					},
				},
			},
		}, nil)

	calls := make(chan finalizeCall, 1)
	policy.sweep(ctx, captureFinalize(calls))

	select {
	case <-calls:
		t.Fatal("sweep finalized a session inside the idle ceiling")
	default:
	}
}

func TestTerminationPolicy_ShutdownReleasesTimers(t *testing.T) {
	ctx := context.Background()
	policy, _, _, _ := setupTerminationPolicyForTesting(TerminationPolicyConfig{
		GracePeriod: 30 * time.Millisecond,
	})

	calls := make(chan finalizeCall, 2)
	require.True(t, policy.ArmGraceTimer(ctx, "session-1", captureFinalize(calls)))
	require.True(t, policy.ArmGraceTimer(ctx, "session-2", captureFinalize(calls)))

	policy.Shutdown()

	select {
	case <-calls:
		t.Fatal("finalize ran after shutdown")
	case <-time.After(100 * time.Millisecond):
	}
}
