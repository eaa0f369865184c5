package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// TrackingMetrics contains all Prometheus metrics related to cross-camera
// identity resolution.
type TrackingMetrics struct {
	ActiveTracks    prometheus.Gauge
	TracksCreated   prometheus.Counter
	TracksMatched   prometheus.Counter
	TrackUpdates    prometheus.Counter
	TracksExpired   prometheus.Counter
	MatchSimilarity prometheus.Histogram
}

// NewTrackingMetrics creates and registers tracking metrics.
func NewTrackingMetrics(registry *prometheus.Registry) (*TrackingMetrics, error) {
	m := &TrackingMetrics{
		ActiveTracks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "camguard_active_global_tracks",
			Help: "Number of active cross-camera global tracks",
		}),
		TracksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camguard_global_tracks_created_total",
			Help: "Total number of global tracks created",
		}),
		TracksMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camguard_global_tracks_matched_total",
			Help: "Total number of local tracks attached to an existing global track by similarity",
		}),
		TrackUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camguard_track_updates_total",
			Help: "Total number of track update reports processed",
		}),
		TracksExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camguard_global_tracks_expired_total",
			Help: "Total number of global tracks expired by age",
		}),
		MatchSimilarity: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "camguard_match_similarity",
			Help:    "Similarity scores of accepted cross-camera matches",
			Buckets: prometheus.LinearBuckets(0.5, 0.05, 10),
		}),
	}

	collectors := []prometheus.Collector{
		m.ActiveTracks, m.TracksCreated, m.TracksMatched,
		m.TrackUpdates, m.TracksExpired, m.MatchSimilarity,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register tracking metrics: %w", err)
		}
	}
	return m, nil
}
