// SPDX-License-Identifier: MIT

// Package metrics provides the shared Prometheus collectors for the
// orchestration core. No high-cardinality labels (no job_id, no owner_id).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AdmissionTotal counts submission outcomes: admitted, invalid, degraded
	// (stored as pending because the broker was down), error.
	AdmissionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riffbench_admission_total",
		Help: "Total shootout submissions by outcome.",
	}, []string{"outcome"})

	// JobTransitionsTotal counts committed job status transitions.
	JobTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riffbench_job_transitions_total",
		Help: "Total committed job status transitions.",
	}, []string{"from", "to"})

	// JobTerminalTotal counts terminal outcomes by status and error kind.
	JobTerminalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riffbench_job_terminal_total",
		Help: "Total jobs reaching a terminal state, by status and error kind.",
	}, []string{"status", "error_kind"})

	// RenderDuration observes wall-clock seconds per completed render attempt.
	RenderDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "riffbench_render_duration_seconds",
		Help:    "Render attempt duration by outcome.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
	}, []string{"outcome"})

	// LeaseExtensionsTotal counts heartbeat lease extensions by result.
	LeaseExtensionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riffbench_lease_extensions_total",
		Help: "Total broker lease extensions by result (ok/expired/error).",
	}, []string{"result"})

	// HubDroppedTotal counts coalesced or dropped hub events by reason.
	HubDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riffbench_hub_dropped_total",
		Help: "Total progress-hub events coalesced or dropped, by reason.",
	}, []string{"reason"})

	// HubSubscribers gauges currently attached subscribers.
	HubSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "riffbench_hub_subscribers",
		Help: "Currently attached progress-hub subscribers.",
	})

	// CredentialRefreshTotal counts identity-provider refresh attempts.
	CredentialRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riffbench_credential_refresh_total",
		Help: "Total credential refresh attempts by outcome (ok/transient/permanent/throttled).",
	}, []string{"outcome"})

	// ModelFetchTotal counts model artifact resolutions by outcome.
	ModelFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riffbench_model_fetch_total",
		Help: "Total model artifact resolutions by outcome (hit/downloaded/transient/permanent).",
	}, []string{"outcome"})

	// SupervisorSweepsTotal counts supervisor actions by kind.
	SupervisorSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riffbench_supervisor_sweeps_total",
		Help: "Total supervisor actions (reaped/pending_drained/timed_out/artifacts_gced).",
	}, []string{"action"})

	// BrokerDepth gauges jobs currently ready for lease.
	BrokerDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "riffbench_broker_ready_depth",
		Help: "Jobs currently ready for lease in the broker.",
	})
)

// IncHubDrop records a coalesced or dropped hub event.
func IncHubDrop(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	HubDroppedTotal.WithLabelValues(reason).Inc()
}
