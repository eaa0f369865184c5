// Package metrics provides Prometheus collectors for camguard components.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// SupervisorMetrics contains all Prometheus metrics related to the
// pipeline supervisor.
type SupervisorMetrics struct {
	ActivePipelines  prometheus.Gauge
	PipelineAdds     prometheus.Counter
	AddFailures      *prometheus.CounterVec
	PipelineRemovals prometheus.Counter
	HealthEvictions  prometheus.Counter
	SweepDuration    prometheus.Histogram
}

// NewSupervisorMetrics creates and registers supervisor metrics.
func NewSupervisorMetrics(registry *prometheus.Registry) (*SupervisorMetrics, error) {
	m := &SupervisorMetrics{
		ActivePipelines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "camguard_active_pipelines",
			Help: "Number of camera pipelines currently registered",
		}),
		PipelineAdds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camguard_pipeline_adds_total",
			Help: "Total number of successful pipeline additions",
		}),
		AddFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "camguard_pipeline_add_failures_total",
			Help: "Total number of failed pipeline additions by reason",
		}, []string{"reason"}),
		PipelineRemovals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camguard_pipeline_removals_total",
			Help: "Total number of pipeline removals requested by callers",
		}),
		HealthEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camguard_pipeline_health_evictions_total",
			Help: "Total number of pipelines evicted by the health sweep",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "camguard_monitor_sweep_duration_seconds",
			Help:    "Duration of supervisor monitoring sweeps",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}

	collectors := []prometheus.Collector{
		m.ActivePipelines, m.PipelineAdds, m.AddFailures,
		m.PipelineRemovals, m.HealthEvictions, m.SweepDuration,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register supervisor metrics: %w", err)
		}
	}
	return m, nil
}
