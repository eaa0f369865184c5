// Package serve implements the long-running supervisor command.
package serve

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mkallio/camguard-go/internal/conf"
	"github.com/mkallio/camguard-go/internal/lockorder"
	"github.com/mkallio/camguard-go/internal/logging"
	"github.com/mkallio/camguard-go/internal/observability"
	"github.com/mkallio/camguard-go/internal/reid"
	"github.com/mkallio/camguard-go/internal/simworker"
	"github.com/mkallio/camguard-go/internal/supervisor"
	"github.com/mkallio/camguard-go/internal/telemetry"
)

// statusInterval is the cadence of the periodic status log line.
const statusInterval = 10 * time.Second

// Command creates the serve command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline supervisor",
		Long:  "Start the supervisor with simulated camera sources and run until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(settings)
		},
	}

	if err := setupFlags(cmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags configures flags specific to the serve command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().IntVar(&settings.Sim.Sources, "sources", viper.GetInt("sim.sources"), "Number of simulated camera sources")
	cmd.Flags().IntVar(&settings.Sim.Objects, "objects", viper.GetInt("sim.objects"), "Objects visible per simulated camera")
	cmd.Flags().IntVar(&settings.Supervisor.MaxPipelines, "maxpipelines", viper.GetInt("supervisor.maxpipelines"), "Maximum concurrent pipelines")
	cmd.Flags().BoolVar(&settings.Tracking.Enabled, "tracking", viper.GetBool("tracking.enabled"), "Enable cross-camera identity tracking")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}

func run(settings *conf.Settings) error {
	level := logging.ParseLevel(settings.Log.Level)
	if settings.Debug {
		level = slog.LevelDebug
	}
	logging.Init(level)
	log := logging.ForService("serve")

	metrics, err := observability.NewMetrics()
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	var guard *lockorder.Guard
	if settings.LockGuard.Enabled {
		policy := lockorder.PolicyLog
		if settings.LockGuard.FailFast {
			policy = lockorder.PolicyPanic
		}
		guard = lockorder.NewGuard(policy, logging.ForService("lockorder"))
	}

	var resolver *reid.Resolver
	if settings.Tracking.Enabled {
		resolver = reid.NewResolver(reid.Options{
			Enabled:             true,
			SimilarityThreshold: settings.Tracking.SimilarityThreshold,
			MaxTrackAge:         settings.Tracking.MaxTrackAge,
			FeatureAlpha:        settings.Tracking.FeatureAlpha,
		}, guard, metrics.Tracking)
	}

	sampler := telemetry.NewSampler(settings.Telemetry.Interval, nil, metrics.Telemetry)

	factory := simworker.Factory(simworker.Options{
		Objects:  settings.Sim.Objects,
		Resolver: resolver,
	})

	sup := supervisor.New(supervisor.Options{
		MaxPipelines:    settings.Supervisor.MaxPipelines,
		MonitorInterval: settings.Supervisor.MonitorInterval,
		EvictionTTL:     settings.Supervisor.EvictionTTL,
	}, factory, supervisor.Deps{
		Guard:    guard,
		Sampler:  sampler,
		Resolver: resolver,
		Metrics:  metrics.Supervisor,
	})

	sup.Start()
	defer sup.Stop()

	for i := 1; i <= settings.Sim.Sources; i++ {
		src := supervisor.Source{
			ID:       fmt.Sprintf("camera_%d", i),
			Name:     fmt.Sprintf("Simulated camera %d", i),
			URL:      simworker.SimURL(i),
			Protocol: "sim",
			Width:    1920,
			Height:   1080,
			FPS:      25,
		}
		if _, err := sup.AddPipeline(src); err != nil {
			log.Error("adding simulated source failed",
				slog.String("source_id", src.ID),
				slog.Any("error", err))
		}
	}
	log.Info("supervisor serving",
		slog.Int("sources", settings.Sim.Sources),
		slog.Bool("tracking", settings.Tracking.Enabled))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown requested")
			return nil
		case <-ticker.C:
			logStatus(log, sup)
		}
	}
}

func logStatus(log *slog.Logger, sup *supervisor.Supervisor) {
	st := sup.SystemStats()
	log.Info("system status",
		slog.Int("pipelines", st.TotalPipelines),
		slog.Int("running", st.RunningPipelines),
		slog.Int("healthy", st.HealthyPipelines),
		slog.Float64("frame_rate", st.TotalFrameRate),
		slog.Uint64("processed", st.TotalProcessedFrames),
		slog.Uint64("dropped", st.TotalDroppedFrames),
		slog.Float64("cpu_pct", st.CPUUsage),
		slog.Float64("mem_pct", st.MemoryUsedPercent),
		slog.String("gpu_mem", st.GPUMemory),
		slog.Int("global_tracks", st.ActiveGlobalTracks),
		slog.Bool("monitor_healthy", st.MonitoringHealthy),
		slog.Duration("uptime", st.Uptime.Round(time.Second)))
}
