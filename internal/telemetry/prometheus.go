package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder exports operation latency histograms and signal
// counters.
type PrometheusRecorder struct {
	durations *prometheus.HistogramVec
	signals   *prometheus.CounterVec
}

// NewPrometheusRecorder registers the collectors with reg. A nil reg uses
// the default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "organictrace_operation_duration_seconds",
			Help:    "Duration of provenance operations by outcome",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
		signals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "organictrace_signals_total",
			Help: "Operator-facing events such as reconciliation failures and ledger mismatches",
		}, []string{"signal", "operation"}),
	}
}

// Observe records one operation.
func (r *PrometheusRecorder) Observe(_ context.Context, operation, outcome string, duration time.Duration) {
	if operation == "" {
		return
	}
	r.durations.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}

// Signal increments the counter for signal.
func (r *PrometheusRecorder) Signal(_ context.Context, signal Signal, operation string) {
	r.signals.WithLabelValues(string(signal), operation).Inc()
}
