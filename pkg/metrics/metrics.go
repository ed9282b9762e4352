// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medellinbot_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// UpdatesTotal tracks inbound chat updates by kind (text, callback).
	UpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medellinbot_updates_total",
			Help: "Inbound chat updates handled",
		},
		[]string{"kind", "outcome"},
	)

	// TransitionsTotal tracks conversation step transitions.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medellinbot_conversation_transitions_total",
			Help: "Conversation step transitions",
		},
		[]string{"kind", "to"},
	)

	// RequestsCreated tracks PQRSD requests committed by type.
	RequestsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medellinbot_pqrsd_created_total",
			Help: "PQRSD requests created",
		},
		[]string{"type", "priority"},
	)

	// DispatchSends tracks dispatcher sends by sweep and outcome.
	DispatchSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medellinbot_dispatch_sends_total",
			Help: "Notification and reminder sends",
		},
		[]string{"sweep", "outcome"},
	)

	// SweepDuration tracks dispatcher sweep duration.
	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medellinbot_dispatch_sweep_duration_seconds",
			Help:    "Dispatcher sweep duration",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120},
		},
		[]string{"sweep"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
}

// RecordUpdate records one handled inbound update.
func RecordUpdate(kind, outcome string) {
	UpdatesTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordTransition records a conversation moving to a step.
func RecordTransition(kind, to string) {
	TransitionsTotal.WithLabelValues(kind, to).Inc()
}

// RecordRequestCreated records a committed PQRSD request.
func RecordRequestCreated(requestType, priority string) {
	RequestsCreated.WithLabelValues(requestType, priority).Inc()
}

// RecordSend records a single dispatcher delivery attempt.
func RecordSend(sweep string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	DispatchSends.WithLabelValues(sweep, outcome).Inc()
}

// ObserveSweep records the duration of a dispatcher sweep.
func ObserveSweep(sweep string, seconds float64) {
	SweepDuration.WithLabelValues(sweep).Observe(seconds)
}
