// Package metrics declares the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telecall_calls_started_total",
		Help: "Total number of call sessions created",
	}, []string{"role"}) // "caller" | "receiver"

	CallsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telecall_calls_ended_total",
		Help: "Total number of call sessions that reached a terminal state",
	}, []string{"status", "reason"})

	CallDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "telecall_call_duration_seconds",
		Help:    "Duration of connected calls",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400, 3600},
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telecall_active_sessions",
		Help: "Number of non-terminal call sessions",
	})

	NegotiationErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telecall_negotiation_errors_total",
		Help: "Total number of dropped signaling messages that failed to apply",
	}, []string{"kind"})

	SignalsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telecall_signals_sent_total",
		Help: "Total number of signaling messages handed to the relay",
	}, []string{"kind"})

	SignalsQueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telecall_signals_queued_total",
		Help: "Total number of signaling messages queued while the relay was disconnected",
	}, []string{"kind"})

	SignalsSupersededTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telecall_signals_superseded_total",
		Help: "Total number of queued signaling messages replaced by a newer one",
	}, []string{"kind"})

	SignalsDiscardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telecall_signals_discarded_total",
		Help: "Total number of inbound signaling messages discarded",
	}, []string{"reason"})

	RelayStateChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telecall_relay_state_changes_total",
		Help: "Total number of relay connection state changes",
	}, []string{"backend", "state"})

	HubConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telecall_hub_active_connections",
		Help: "Number of authenticated relay hub connections",
	})

	HubFramesRoutedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telecall_hub_frames_routed_total",
		Help: "Total number of frames delivered to hub subscribers",
	})

	HubFramesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telecall_hub_frames_dropped_total",
		Help: "Total number of frames the hub refused or could not deliver",
	}, []string{"reason"})
)
