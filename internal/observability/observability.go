// Package observability aggregates the Prometheus metric collectors for
// the camguard runtime. Exposition over HTTP belongs to the API surface
// and is wired outside this core.
package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mkallio/camguard-go/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry   *prometheus.Registry
	Supervisor *metrics.SupervisorMetrics
	Tracking   *metrics.TrackingMetrics
	Telemetry  *metrics.TelemetryMetrics
}

// NewMetrics creates a new Metrics instance with its own registry,
// initializing all collectors.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	supervisorMetrics, err := metrics.NewSupervisorMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create supervisor metrics: %w", err)
	}

	trackingMetrics, err := metrics.NewTrackingMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracking metrics: %w", err)
	}

	telemetryMetrics, err := metrics.NewTelemetryMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry metrics: %w", err)
	}

	return &Metrics{
		registry:   registry,
		Supervisor: supervisorMetrics,
		Tracking:   trackingMetrics,
		Telemetry:  telemetryMetrics,
	}, nil
}

// Registry exposes the underlying registry for exposition by callers.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
