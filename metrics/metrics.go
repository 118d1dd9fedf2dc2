// Package metrics provides Prometheus metrics for sessions, admission and scheduling.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// No session, user or history ids in labels.

var (
	// SessionsOpen tracks sessions that have not been finalized yet.
	SessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clusterinvoke_sessions_open",
		Help: "Current number of sessions that have not been finalized.",
	})

	// SessionsTotal counts accepted sessions by transport.
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clusterinvoke_sessions_total",
		Help: "Total number of accepted sessions, by transport.",
	}, []string{"transport"})

	// ServiceBindTotal counts notifyService outcomes.
	ServiceBindTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clusterinvoke_service_bind_total",
		Help: "Total number of notifyService requests, by service and outcome (bound, unknown, unauthorized).",
	}, []string{"service", "outcome"})

	// InvocationsTotal counts inbound invocations by how they were handled.
	InvocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clusterinvoke_invocations_total",
		Help: "Total number of inbound invocations, by kind (builtin, service, dropped).",
	}, []string{"kind"})

	// DispatchOutcomeTotal counts finished service dispatches.
	DispatchOutcomeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clusterinvoke_dispatch_outcome_total",
		Help: "Total number of finished service dispatches, by outcome (ok, error, panic, canceled).",
	}, []string{"outcome"})

	// DispatchInFlight tracks dispatches holding an admission slot.
	DispatchInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clusterinvoke_dispatch_in_flight",
		Help: "Current number of service dispatches holding an admission slot.",
	})

	// DispatchWaiting tracks dispatches waiting for an admission slot.
	DispatchWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clusterinvoke_dispatch_waiting",
		Help: "Current number of service dispatches waiting for an admission slot.",
	})

	// MalformedMessagesTotal counts connections closed because of undecodable input.
	MalformedMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clusterinvoke_malformed_messages_total",
		Help: "Total number of malformed inbound messages.",
	})

	// SystemsConnected tracks registered worker nodes.
	SystemsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clusterinvoke_systems_connected",
		Help: "Current number of registered worker nodes.",
	})

	// HistoryPending tracks history records waiting for completion.
	HistoryPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clusterinvoke_history_pending",
		Help: "Current number of dispatched pieces awaiting completion.",
	})

	// HistoryCompletedTotal counts completed history records by role and outcome.
	HistoryCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clusterinvoke_history_completed_total",
		Help: "Total number of completed history records, by role and outcome (reported, timeout, send_failed, disconnected).",
	}, []string{"role", "outcome"})

	// HistoryElapsedSeconds observes elapsed time of completed records.
	HistoryElapsedSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clusterinvoke_history_elapsed_seconds",
		Help:    "Elapsed time of completed history records, by role.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"role"})

	// SelectionsTotal counts scheduling decisions by role and result.
	SelectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clusterinvoke_selections_total",
		Help: "Total number of scheduling decisions, by role and result (selected, no_candidate).",
	}, []string{"role", "result"})

	// StatusRequestsTotal counts requests to the status HTTP surface.
	StatusRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clusterinvoke_status_requests_total",
		Help: "Total number of status HTTP requests, by route and status code.",
	}, []string{"route", "code"})
)

func RecordServiceBind(service, outcome string) {
	ServiceBindTotal.WithLabelValues(service, outcome).Inc()
}

func RecordInvocation(kind string) {
	InvocationsTotal.WithLabelValues(kind).Inc()
}

func RecordDispatchOutcome(outcome string) {
	DispatchOutcomeTotal.WithLabelValues(outcome).Inc()
}

func RecordHistoryCompleted(role, outcome string, elapsedSeconds float64) {
	HistoryCompletedTotal.WithLabelValues(role, outcome).Inc()
	HistoryElapsedSeconds.WithLabelValues(role).Observe(elapsedSeconds)
}

func RecordSelection(role, result string) {
	SelectionsTotal.WithLabelValues(role, result).Inc()
}

func RecordStatusRequest(route string, code int) {
	StatusRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
