// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package constants

import "time"

// Session lifecycle defaults. Grace period and watchdog values are tunable
// through configuration; these are the fallbacks.
const (
	// DefaultTerminationGracePeriod is how long an ongoing session with zero
	// participants waits before auto-termination, so a transient disconnect
	// can rejoin without killing the call.
	DefaultTerminationGracePeriod = 10 * time.Second

	// DefaultWatchdogInterval is how often the watchdog sweeps ongoing
	// sessions for leaks.
	DefaultWatchdogInterval = time.Minute

	// DefaultIdleSessionCeiling is the hard bound on how long a session may
	// stay ongoing with zero participants before the watchdog force-ends it.
	DefaultIdleSessionCeiling = time.Hour

	// FinalizeRetryAttempts bounds the persistence retries during finalize.
	FinalizeRetryAttempts = 3

	// DefaultChangeFeedDebounceWindow is how long the change-feed bridge
	// holds a key before forwarding it, so a burst of writes to one record
	// reconciles once.
	DefaultChangeFeedDebounceWindow = 250 * time.Millisecond

	// DefaultChangeFeedReconnectMinWait and DefaultChangeFeedReconnectMaxWait
	// bound the backoff between change-feed watcher reattach attempts.
	DefaultChangeFeedReconnectMinWait = time.Second
	DefaultChangeFeedReconnectMaxWait = 30 * time.Second

	// MaxConsultationDurationMinutes is the scheduling cap for one video
	// consultation.
	MaxConsultationDurationMinutes = 240

	// DefaultConsultationDurationMinutes is the meeting length booked on the
	// provider. Appointments carry no duration of their own; the grace-period
	// and watchdog logic end the call, not the provider's clock.
	DefaultConsultationDurationMinutes = 30
)
