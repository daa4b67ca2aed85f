package sessions

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joescharf/triage/internal/models"
)

// Metrics counts engine events. A nil *Metrics is valid and records nothing.
type Metrics struct {
	started         *prometheus.CounterVec
	deduplicated    *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	malformedOutput *prometheus.CounterVec
	remoteErrors    *prometheus.CounterVec
}

// NewMetrics creates the engine counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		started: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_sessions_started_total",
				Help: "Total number of agent sessions created",
			},
			[]string{"kind"},
		),
		deduplicated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_sessions_deduplicated_total",
				Help: "Total number of start requests answered with an already running session",
			},
			[]string{"kind"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_session_transitions_total",
				Help: "Total number of sessions reaching a terminal status",
			},
			[]string{"kind", "status"},
		),
		malformedOutput: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_malformed_output_total",
				Help: "Total number of terminal sessions whose output failed validation",
			},
			[]string{"kind"},
		),
		remoteErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_remote_errors_total",
				Help: "Total number of failed calls to the agent service",
			},
			[]string{"op"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.started, m.deduplicated, m.transitions, m.malformedOutput, m.remoteErrors)
	}
	return m
}

func (m *Metrics) sessionStarted(kind models.SessionKind) {
	if m != nil {
		m.started.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) sessionDeduplicated(kind models.SessionKind) {
	if m != nil {
		m.deduplicated.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) sessionTransitioned(kind models.SessionKind, status models.SessionStatus) {
	if m != nil {
		m.transitions.WithLabelValues(string(kind), string(status)).Inc()
	}
}

func (m *Metrics) outputMalformed(kind models.SessionKind) {
	if m != nil {
		m.malformedOutput.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) remoteError(op string) {
	if m != nil {
		m.remoteErrors.WithLabelValues(op).Inc()
	}
}
