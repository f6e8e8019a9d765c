// Package metrics provides Prometheus metrics for the call-session core.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionAttempts tracks signaling dials by outcome ("ok", "error", "rejected").
	ConnectionAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_signal_dial_attempts_total",
			Help: "Total number of signaling connection attempts",
		},
		[]string{"outcome"},
	)

	// Reconnects tracks scheduled reconnect attempts.
	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "consult_signal_reconnects_total",
			Help: "Total number of scheduled signaling reconnect attempts",
		},
	)

	// ConnectionUp is 1 while the signaling channel is connected.
	ConnectionUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "consult_signal_connected",
			Help: "Whether the signaling channel is connected",
		},
	)

	// CallTransitions tracks call session state changes.
	CallTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_call_state_transitions_total",
			Help: "Total number of call session state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	// CallOutcomes tracks terminal call states by reason.
	CallOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_call_outcomes_total",
			Help: "Total number of finished calls by terminal state and reason",
		},
		[]string{"state", "reason"},
	)
)

func RecordDial(outcome string) {
	ConnectionAttempts.WithLabelValues(outcome).Inc()
}

func RecordConnected(up bool) {
	if up {
		ConnectionUp.Set(1)
		return
	}
	ConnectionUp.Set(0)
}

// RecordCallTransition records a state change and, for terminal states, the outcome.
// Only the reason prefix before ':' is used as a label; server text is dropped.
func RecordCallTransition(from, to string, terminal bool, reason string) {
	CallTransitions.WithLabelValues(from, to).Inc()
	if terminal {
		kind, _, _ := strings.Cut(reason, ":")
		CallOutcomes.WithLabelValues(to, kind).Inc()
	}
}
