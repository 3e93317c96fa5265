// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace is the Prometheus namespace the service registers its
// instruments under.
const DefaultNamespace = "carebridge_video_sessions"

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions       prometheus.Gauge
	SessionsStarted      prometheus.Counter
	SessionsFinalized    *prometheus.CounterVec
	SessionDuration      prometheus.Histogram
	ProviderEvents       *prometheus.CounterVec
	ChangeFeedEvents     *prometheus.CounterVec
	ChangeFeedReconnects prometheus.Counter
	GraceTimerArms       prometheus.Counter
	GraceTimerCancels    prometheus.Counter
	FinalizeConflicts    prometheus.Counter
	ReconciliationPasses prometheus.Counter
}

// NewMetrics registers the service instruments on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on the given registerer; tests pass a fresh
// registry so repeated setups cannot collide.
func NewMetricsWith(namespace string, registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently scheduled or ongoing.",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions that transitioned from scheduled to ongoing.",
		}),
		SessionsFinalized: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finalized_total",
			Help:      "Sessions that reached a terminal state, by end reason.",
		}, []string{"reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_minutes",
			Help:      "Duration of completed consultations in minutes.",
			Buckets:   []float64{1, 5, 10, 15, 20, 30, 45, 60, 90, 120, 240},
		}),
		ProviderEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_events_total",
			Help:      "Provider webhook events by type.",
		}, []string{"type"}),
		ChangeFeedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changefeed_events_total",
			Help:      "Change-feed events by table and operation.",
		}, []string{"table", "operation"}),
		ChangeFeedReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changefeed_reconnects_total",
			Help:      "Change-feed watcher reattachments after a failure.",
		}),
		GraceTimerArms: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grace_timer_arms_total",
			Help:      "Termination grace timers armed.",
		}),
		GraceTimerCancels: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grace_timer_cancels_total",
			Help:      "Termination grace timers cancelled by a rejoin.",
		}),
		FinalizeConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalize_conflicts_total",
			Help:      "Revision conflicts hit while persisting a terminal state.",
		}),
		ReconciliationPasses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_passes_total",
			Help:      "Full reconciliation passes over non-terminal sessions.",
		}),
	}
}

// MetricsHandler serves the default registry for the /metrics route.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
