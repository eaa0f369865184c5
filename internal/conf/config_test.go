package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkallio/camguard-go/internal/errors"
)

func TestDefaults(t *testing.T) {
	t.Parallel()

	s := Default()
	require.NoError(t, s.Validate())

	assert.Equal(t, 16, s.Supervisor.MaxPipelines)
	assert.Equal(t, time.Second, s.Supervisor.MonitorInterval)
	assert.Equal(t, time.Second, s.Telemetry.Interval)
	assert.InDelta(t, 0.7, s.Tracking.SimilarityThreshold, 1e-9)
	assert.Equal(t, 30*time.Second, s.Tracking.MaxTrackAge)
	assert.InDelta(t, 0.3, s.Tracking.FeatureAlpha, 1e-9)
	assert.True(t, s.LockGuard.Enabled)
	assert.False(t, s.LockGuard.FailFast)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
log:
  level: debug
supervisor:
  maxpipelines: 4
  monitorinterval: 2s
tracking:
  enabled: true
  similaritythreshold: 0.85
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", s.Log.Level)
	assert.Equal(t, 4, s.Supervisor.MaxPipelines)
	assert.Equal(t, 2*time.Second, s.Supervisor.MonitorInterval)
	assert.InDelta(t, 0.85, s.Tracking.SimilarityThreshold, 1e-9)

	// Unset keys keep their defaults.
	assert.Equal(t, time.Second, s.Telemetry.Interval)
}

func TestLoadMissingFileFails(t *testing.T) {
	t.Parallel()

	_, err := Load("/does/not/exist/config.yaml")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CAMGUARD_SUPERVISOR_MAXPIPELINES", "8")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("debug: false\n"), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, s.Supervisor.MaxPipelines)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"zero max pipelines", func(s *Settings) { s.Supervisor.MaxPipelines = 0 }},
		{"negative monitor interval", func(s *Settings) { s.Supervisor.MonitorInterval = -time.Second }},
		{"zero telemetry interval", func(s *Settings) { s.Telemetry.Interval = 0 }},
		{"threshold above one", func(s *Settings) { s.Tracking.SimilarityThreshold = 1.5 }},
		{"zero track age", func(s *Settings) { s.Tracking.MaxTrackAge = 0 }},
		{"zero feature alpha", func(s *Settings) { s.Tracking.FeatureAlpha = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := Default()
			tt.mutate(s)
			err := s.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
		})
	}
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteDefault(path))

	// Refuses to clobber an existing file.
	err := WriteDefault(path)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), s)
}
