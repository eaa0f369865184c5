package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// TelemetryMetrics contains all Prometheus metrics related to the system
// telemetry sampler.
type TelemetryMetrics struct {
	CPUUsage      prometheus.Gauge
	GPUUsage      prometheus.Gauge
	CycleDuration prometheus.Histogram
	ScheduleSlips prometheus.Counter
	CycleStalls   prometheus.Counter
}

// NewTelemetryMetrics creates and registers telemetry metrics.
func NewTelemetryMetrics(registry *prometheus.Registry) (*TelemetryMetrics, error) {
	m := &TelemetryMetrics{
		CPUUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "camguard_cpu_usage_percent",
			Help: "System-wide CPU utilization sampled from kernel counters",
		}),
		GPUUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "camguard_gpu_usage_percent",
			Help: "GPU utilization reported by the hardware telemetry collaborator",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "camguard_telemetry_cycle_duration_seconds",
			Help:    "Duration of telemetry sampling cycles",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		ScheduleSlips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camguard_telemetry_schedule_slips_total",
			Help: "Times the sampling loop fell behind its absolute deadline and rebased",
		}),
		CycleStalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camguard_telemetry_cycle_stalls_total",
			Help: "Sampling cycles that exceeded 80 percent of the interval",
		}),
	}

	collectors := []prometheus.Collector{
		m.CPUUsage, m.GPUUsage, m.CycleDuration, m.ScheduleSlips, m.CycleStalls,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register telemetry metrics: %w", err)
		}
	}
	return m, nil
}
