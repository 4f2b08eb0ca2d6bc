// Package metrics holds the Prometheus collectors shared by the supervisor,
// router and session. Collectors live on the default registry and are served
// by the bridge at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hsu_assistant"

var (
	// processState is 1 for the current state of a session's process and 0 for the rest.
	// Labels: session, state
	processState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "state",
		Help:      "Current assistant process state (1 = active)",
	}, []string{"session", "state"})

	processStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "starts_total",
		Help:      "Total assistant process launches",
	}, []string{"session"})

	processRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "restarts_total",
		Help:      "Total automatic restarts scheduled by the supervisor",
	}, []string{"session"})

	// processCrashes counts unexpected exits by diagnostic category.
	// Labels: session, category
	processCrashes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "crashes_total",
		Help:      "Total unexpected assistant exits by diagnostic category",
	}, []string{"session", "category"})

	messagesInbound = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "inbound_messages_total",
		Help:      "Total messages decoded from the assistant by type",
	}, []string{"type"})

	messagesOutbound = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "outbound_messages_total",
		Help:      "Total messages written to the assistant by type",
	}, []string{"type"})

	malformedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "malformed_messages_total",
		Help:      "Total inbound lines that were not valid JSON envelopes",
	})

	// requestDuration measures correlated request round trips.
	// Labels: outcome (ok, timeout, terminated, cancelled)
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "request_duration_seconds",
		Help:      "Correlated request latency in seconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"outcome"})

	requestTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "request_timeouts_total",
		Help:      "Total correlated requests that exceeded their deadline",
	})
)

// RecordState marks state as the active one for a session
func RecordState(session, state string, all []string) {
	for _, s := range all {
		value := 0.0
		if s == state {
			value = 1
		}
		processState.WithLabelValues(session, s).Set(value)
	}
}

func RecordStart(session string) {
	processStarts.WithLabelValues(session).Inc()
}

func RecordRestart(session string) {
	processRestarts.WithLabelValues(session).Inc()
}

func RecordCrash(session, category string) {
	processCrashes.WithLabelValues(session, category).Inc()
}

func RecordInbound(messageType string) {
	messagesInbound.WithLabelValues(labelType(messageType)).Inc()
}

func RecordOutbound(messageType string) {
	messagesOutbound.WithLabelValues(labelType(messageType)).Inc()
}

func RecordMalformed() {
	malformedMessages.Inc()
}

// RecordRequest observes a finished request; outcome "timeout" also bumps the timeout counter
func RecordRequest(outcome string, elapsed time.Duration) {
	requestDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if outcome == OutcomeTimeout {
		requestTimeouts.Inc()
	}
}

const (
	OutcomeOK         = "ok"
	OutcomeTimeout    = "timeout"
	OutcomeTerminated = "terminated"
	OutcomeCancelled  = "cancelled"
	OutcomeFailed     = "failed"
)

// Type labels are truncated to bound cardinality
const maxTypeLabelLength = 64

func labelType(messageType string) string {
	if messageType == "" {
		return "none"
	}
	if len(messageType) > maxTypeLabelLength {
		return messageType[:maxTypeLabelLength]
	}
	return messageType
}
