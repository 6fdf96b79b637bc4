package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	StageTransitions      *prometheus.CounterVec
	AuditAppendFailures   *prometheus.CounterVec
	TimelineSourceFailure *prometheus.CounterVec
	OperationErrors       *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StageTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "expedientes_stage_transitions_total",
			Help: "Applied case stage transitions",
		}, []string{"from", "to"}),
		AuditAppendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "expedientes_audit_append_failures_total",
			Help: "Audit events that could not be appended after the state change was stored",
		}, []string{"kind"}),
		TimelineSourceFailure: f.NewCounterVec(prometheus.CounterOpts{
			Name: "expedientes_timeline_source_failures_total",
			Help: "Timeline reads that degraded because a source failed",
		}, []string{"source"}),
		OperationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "expedientes_operation_errors_total",
			Help: "Engine operations that returned an error, by error kind",
		}, []string{"operation", "kind"}),
	}
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.StageTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveAuditFailure(kind string) {
	if m == nil {
		return
	}
	m.AuditAppendFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveTimelineSourceFailure(source string) {
	if m == nil {
		return
	}
	m.TimelineSourceFailure.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveOperationError(operation, kind string) {
	if m == nil {
		return
	}
	m.OperationErrors.WithLabelValues(operation, kind).Inc()
}
