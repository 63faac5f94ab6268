package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "microtutor"

const (
	StatusSuccess = "success"
	StatusError   = "error"

	PathDirect = "direct"
	PathTools  = "tools"
)

// TutorMetrics records turn outcomes. A nil *TutorMetrics is a no-op.
type TutorMetrics struct {
	turns       *prometheus.CounterVec
	toolCalls   *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	transitions *prometheus.CounterVec
}

func NewTutorMetrics(reg prometheus.Registerer) *TutorMetrics {
	factory := promauto.With(reg)
	return &TutorMetrics{
		// Labels: phase, status (success, error)
		turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Tutor turns processed by phase and outcome",
		}, []string{"phase", "status"}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool executions by tool and outcome",
		}, []string{"tool", "status"}),
		// Labels: path (direct, tools)
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Time to produce a tutor reply",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		}, []string{"path"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Phase changes between consecutive turns",
		}, []string{"from", "to"}),
	}
}

func (m *TutorMetrics) RecordTurn(phase, status string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(phase, status).Inc()
}

func (m *TutorMetrics) RecordToolCall(tool string, success bool) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if !success {
		status = StatusError
	}
	m.toolCalls.WithLabelValues(tool, status).Inc()
}

func (m *TutorMetrics) ObserveTurnDuration(path string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(path).Observe(d.Seconds())
}

// RecordTransition is a no-op when the phase did not change.
func (m *TutorMetrics) RecordTransition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}
