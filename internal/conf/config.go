// Package conf defines the camguard configuration and loads it from
// defaults, an optional YAML config file and environment overrides.
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mkallio/camguard-go/internal/errors"
)

// LogSettings controls log output.
type LogSettings struct {
	Level string `yaml:"level" mapstructure:"level"` // trace, debug, info, warn, error
}

// SupervisorSettings controls the pipeline registry and its monitoring sweep.
type SupervisorSettings struct {
	MaxPipelines    int           `yaml:"maxpipelines" mapstructure:"maxpipelines"`
	MonitorInterval time.Duration `yaml:"monitorinterval" mapstructure:"monitorinterval"`
	EvictionTTL     time.Duration `yaml:"evictionttl" mapstructure:"evictionttl"` // how long evictions stay visible in stats
}

// TelemetrySettings controls the background system telemetry sampler.
type TelemetrySettings struct {
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}

// TrackingSettings controls cross-camera identity resolution.
type TrackingSettings struct {
	Enabled             bool          `yaml:"enabled" mapstructure:"enabled"`
	SimilarityThreshold float64       `yaml:"similaritythreshold" mapstructure:"similaritythreshold"`
	MaxTrackAge         time.Duration `yaml:"maxtrackage" mapstructure:"maxtrackage"`
	FeatureAlpha        float64       `yaml:"featurealpha" mapstructure:"featurealpha"` // EMA weight of incoming features
}

// LockGuardSettings controls the lock-order verifier.
// FailFast makes a hierarchy violation panic instead of being logged;
// intended for development and tests, not production.
type LockGuardSettings struct {
	Enabled  bool `yaml:"enabled" mapstructure:"enabled"`
	FailFast bool `yaml:"failfast" mapstructure:"failfast"`
}

// SimSettings controls the simulated sources used by camguard serve.
type SimSettings struct {
	Sources int `yaml:"sources" mapstructure:"sources"`
	Objects int `yaml:"objects" mapstructure:"objects"` // distinct objects visible across simulated cameras
}

// Settings is the root configuration.
type Settings struct {
	Debug      bool               `yaml:"debug" mapstructure:"debug"`
	Log        LogSettings        `yaml:"log" mapstructure:"log"`
	Supervisor SupervisorSettings `yaml:"supervisor" mapstructure:"supervisor"`
	Telemetry  TelemetrySettings  `yaml:"telemetry" mapstructure:"telemetry"`
	Tracking   TrackingSettings   `yaml:"tracking" mapstructure:"tracking"`
	LockGuard  LockGuardSettings  `yaml:"lockguard" mapstructure:"lockguard"`
	Sim        SimSettings        `yaml:"sim" mapstructure:"sim"`
}

// Default returns the built-in settings.
func Default() *Settings {
	return &Settings{
		Log: LogSettings{Level: "info"},
		Supervisor: SupervisorSettings{
			MaxPipelines:    16,
			MonitorInterval: time.Second,
			EvictionTTL:     10 * time.Minute,
		},
		Telemetry: TelemetrySettings{Interval: time.Second},
		Tracking: TrackingSettings{
			Enabled:             true,
			SimilarityThreshold: 0.7,
			MaxTrackAge:         30 * time.Second,
			FeatureAlpha:        0.3,
		},
		LockGuard: LockGuardSettings{Enabled: true, FailFast: false},
		Sim:       SimSettings{Sources: 3, Objects: 4},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("debug", d.Debug)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("supervisor.maxpipelines", d.Supervisor.MaxPipelines)
	v.SetDefault("supervisor.monitorinterval", d.Supervisor.MonitorInterval)
	v.SetDefault("supervisor.evictionttl", d.Supervisor.EvictionTTL)
	v.SetDefault("telemetry.interval", d.Telemetry.Interval)
	v.SetDefault("tracking.enabled", d.Tracking.Enabled)
	v.SetDefault("tracking.similaritythreshold", d.Tracking.SimilarityThreshold)
	v.SetDefault("tracking.maxtrackage", d.Tracking.MaxTrackAge)
	v.SetDefault("tracking.featurealpha", d.Tracking.FeatureAlpha)
	v.SetDefault("lockguard.enabled", d.LockGuard.Enabled)
	v.SetDefault("lockguard.failfast", d.LockGuard.FailFast)
	v.SetDefault("sim.sources", d.Sim.Sources)
	v.SetDefault("sim.objects", d.Sim.Objects)
}

// Load reads settings from defaults, the given config file (optional) and
// CAMGUARD_* environment variables. When path is empty the usual config
// directories are searched; a missing file is not an error.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CAMGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.New(fmt.Errorf("conf: reading config file: %w", err)).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Context("path", path).
				Build()
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "camguard"))
		}
		v.AddConfigPath("/etc/camguard")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.New(fmt.Errorf("conf: reading config file: %w", err)).
					Component("conf").
					Category(errors.CategoryConfiguration).
					Build()
			}
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("conf: unmarshaling settings: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// Validate checks settings for values the runtime cannot operate with.
func (s *Settings) Validate() error {
	fail := func(field string, value any, reason string) error {
		return errors.Newf("conf: invalid %s: %s", field, reason).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("field", field).
			Context("value", value).
			Build()
	}

	if s.Supervisor.MaxPipelines <= 0 {
		return fail("supervisor.maxpipelines", s.Supervisor.MaxPipelines, "must be positive")
	}
	if s.Supervisor.MonitorInterval <= 0 {
		return fail("supervisor.monitorinterval", s.Supervisor.MonitorInterval, "must be positive")
	}
	if s.Telemetry.Interval <= 0 {
		return fail("telemetry.interval", s.Telemetry.Interval, "must be positive")
	}
	if s.Tracking.SimilarityThreshold < 0 || s.Tracking.SimilarityThreshold > 1 {
		return fail("tracking.similaritythreshold", s.Tracking.SimilarityThreshold, "must be within [0,1]")
	}
	if s.Tracking.MaxTrackAge <= 0 {
		return fail("tracking.maxtrackage", s.Tracking.MaxTrackAge, "must be positive")
	}
	if s.Tracking.FeatureAlpha <= 0 || s.Tracking.FeatureAlpha > 1 {
		return fail("tracking.featurealpha", s.Tracking.FeatureAlpha, "must be within (0,1]")
	}
	return nil
}

// WriteDefault writes the default settings as YAML to the given path.
// Fails if the file already exists.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Newf("conf: %s already exists", path).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("path", path).
			Build()
	}
	out, err := yaml.Marshal(Default())
	if err != nil {
		return errors.New(fmt.Errorf("conf: marshaling defaults: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return errors.New(fmt.Errorf("conf: writing %s: %w", path, err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("path", path).
			Build()
	}
	return nil
}
