// Package supervisor owns the registry of camera-processing workers.
// It enforces capacity and id uniqueness, runs the monitoring sweep that
// evicts unhealthy workers, and assembles aggregate statistics from the
// registry, the telemetry sampler and the identity resolver.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/mkallio/camguard-go/internal/errors"
	"github.com/mkallio/camguard-go/internal/lockorder"
	"github.com/mkallio/camguard-go/internal/logging"
	"github.com/mkallio/camguard-go/internal/observability/metrics"
	"github.com/mkallio/camguard-go/internal/reid"
	"github.com/mkallio/camguard-go/internal/telemetry"
)

// Sentinel errors for callers using errors.Is.
var (
	ErrDuplicateID      = errors.NewStd("pipeline id already registered")
	ErrCapacityExceeded = errors.NewStd("pipeline capacity exceeded")
	ErrWorkerInit       = errors.NewStd("worker initialization failed")
)

// handle is the registry entry for one worker. worker is nil while the
// slot is reserved for an in-flight AddPipeline.
type handle struct {
	instanceID string
	source     Source
	worker     Worker
	port       int
	startedAt  time.Time
}

// Options configures a Supervisor.
type Options struct {
	MaxPipelines    int
	MonitorInterval time.Duration
	EvictionTTL     time.Duration // how long health evictions remain visible in stats
}

// DefaultOptions returns the reference configuration.
func DefaultOptions() Options {
	return Options{
		MaxPipelines:    16,
		MonitorInterval: time.Second,
		EvictionTTL:     10 * time.Minute,
	}
}

// Deps are the supervisor's collaborators. Sampler, Resolver, Ports,
// Guard and Metrics may each be nil.
type Deps struct {
	Guard    *lockorder.Guard
	Sampler  *telemetry.Sampler
	Resolver *reid.Resolver
	Ports    PortAllocator
	Metrics  *metrics.SupervisorMetrics
}

// Supervisor is the top-level pipeline registry. The registry lock sits
// at the pipeline-registry hierarchy level and is held only for map
// operations and status reads; worker construction and teardown happen
// outside it.
type Supervisor struct {
	opts      Options
	mu        *lockorder.OrderedMutex
	pipelines map[string]*handle
	factory   WorkerFactory

	sampler  *telemetry.Sampler
	resolver *reid.Resolver
	ports    PortAllocator

	evictions *gocache.Cache
	sweeps    atomic.Uint64
	startTime time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	log     *slog.Logger
	metrics *metrics.SupervisorMetrics
}

// New creates a supervisor. The factory is required; collaborators in
// deps are optional.
func New(opts Options, factory WorkerFactory, deps Deps) *Supervisor {
	return &Supervisor{
		opts:      opts,
		mu:        lockorder.NewOrderedMutex(deps.Guard, lockorder.LevelRegistry, "supervisor.registry"),
		pipelines: make(map[string]*handle),
		factory:   factory,
		sampler:   deps.Sampler,
		resolver:  deps.Resolver,
		ports:     deps.Ports,
		evictions: gocache.New(opts.EvictionTTL, opts.EvictionTTL),
		log:       logging.ForService("supervisor"),
		metrics:   deps.Metrics,
	}
}

// Start launches the telemetry sampler and the monitoring sweep.
func (s *Supervisor) Start() {
	if s.cancel != nil {
		s.log.Warn("supervisor already started")
		return
	}
	s.startTime = time.Now()

	if s.sampler != nil {
		s.sampler.Start()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.monitorLoop(ctx)

	s.log.Info("supervisor started",
		slog.Int("max_pipelines", s.opts.MaxPipelines),
		slog.Duration("monitor_interval", s.opts.MonitorInterval))
}

// Stop ends the monitoring sweep, stops the sampler and shuts down all
// registered workers.
func (s *Supervisor) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil

	if s.sampler != nil {
		s.sampler.Stop()
	}

	s.mu.Lock()
	handles := make([]*handle, 0, len(s.pipelines))
	for _, h := range s.pipelines {
		handles = append(handles, h)
	}
	s.pipelines = make(map[string]*handle)
	s.mu.Unlock()

	for _, h := range handles {
		if h.worker == nil {
			continue
		}
		h.worker.Stop()
		if s.ports != nil {
			s.ports.Release(h.source.ID)
		}
	}
	if s.metrics != nil {
		s.metrics.ActivePipelines.Set(0)
	}

	s.log.Info("supervisor stopped", slog.Int("pipelines_stopped", len(handles)))
}

// AddPipeline validates the source, reserves a registry slot, builds and
// initializes the worker outside the registry lock, then publishes and
// starts it. Any construction or initialization failure leaves no entry
// behind. Returns the worker id on success.
func (s *Supervisor) AddPipeline(src Source) (string, error) {
	start := time.Now()

	if err := src.Validate(); err != nil {
		s.addFailed("validation")
		return "", err
	}

	h := &handle{instanceID: uuid.NewString(), source: src}

	s.mu.Lock()
	if _, exists := s.pipelines[src.ID]; exists {
		s.mu.Unlock()
		s.addFailed("duplicate")
		return "", errors.New(fmt.Errorf("supervisor: pipeline %q: %w", src.ID, ErrDuplicateID)).
			Component("supervisor").
			Category(errors.CategoryDuplicateID).
			Context("source_id", src.ID).
			Build()
	}
	if len(s.pipelines) >= s.opts.MaxPipelines {
		s.mu.Unlock()
		s.addFailed("capacity")
		return "", errors.New(fmt.Errorf("supervisor: pipeline %q: %w", src.ID, ErrCapacityExceeded)).
			Component("supervisor").
			Category(errors.CategoryCapacity).
			Context("source_id", src.ID).
			Context("capacity", s.opts.MaxPipelines).
			Build()
	}
	// Reserve the slot so capacity and uniqueness hold while the worker
	// is constructed outside the lock.
	s.pipelines[src.ID] = h
	s.mu.Unlock()

	worker, port, err := s.buildWorker(src)
	if err != nil {
		s.mu.Lock()
		delete(s.pipelines, src.ID)
		s.mu.Unlock()
		s.addFailed("init")
		return "", errors.New(fmt.Errorf("supervisor: pipeline %q: %w", src.ID, err)).
			Component("supervisor").
			Category(errors.CategoryWorkerInit).
			Context("source_id", src.ID).
			Timing("worker_init", time.Since(start)).
			Build()
	}

	s.mu.Lock()
	h.worker = worker
	h.port = port
	h.startedAt = time.Now()
	worker.Start()
	active := len(s.pipelines)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.PipelineAdds.Inc()
		s.metrics.ActivePipelines.Set(float64(active))
	}
	s.log.Info("pipeline added",
		slog.String("source_id", src.ID),
		slog.String("protocol", src.Protocol),
		slog.String("instance_id", h.instanceID),
		slog.Int("active", active))
	return src.ID, nil
}

// buildWorker reserves a port, constructs and initializes the worker.
// A panic during construction is reported as an initialization failure.
func (s *Supervisor) buildWorker(src Source) (w Worker, port int, err error) {
	portReserved := false
	release := func() {
		if portReserved && s.ports != nil {
			s.ports.Release(src.ID)
		}
	}
	defer func() {
		if r := recover(); r != nil {
			release()
			w, port = nil, 0
			err = fmt.Errorf("%w: construction panic: %v", ErrWorkerInit, r)
		}
	}()

	if s.ports != nil {
		port, err = s.ports.Reserve(src.ID)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: reserving port: %w", ErrWorkerInit, err)
		}
		portReserved = true
	}

	w, err = s.factory(src, port)
	if err != nil {
		release()
		return nil, 0, fmt.Errorf("%w: %w", ErrWorkerInit, err)
	}
	if err = w.Initialize(); err != nil {
		release()
		return nil, 0, fmt.Errorf("%w: %w", ErrWorkerInit, err)
	}
	return w, port, nil
}

func (s *Supervisor) addFailed(reason string) {
	if s.metrics != nil {
		s.metrics.AddFailures.WithLabelValues(reason).Inc()
	}
}

// RemovePipeline stops and removes the named worker. Returns false, with
// no side effects, when the id is unknown or its add is still in flight.
func (s *Supervisor) RemovePipeline(id string) bool {
	s.mu.Lock()
	h, ok := s.pipelines[id]
	if !ok || h.worker == nil {
		s.mu.Unlock()
		return false
	}
	delete(s.pipelines, id)
	active := len(s.pipelines)
	s.mu.Unlock()

	// Stop blocks until the worker goroutine joins; never under the
	// registry lock.
	h.worker.Stop()
	if s.ports != nil {
		s.ports.Release(id)
	}

	if s.metrics != nil {
		s.metrics.PipelineRemovals.Inc()
		s.metrics.ActivePipelines.Set(float64(active))
	}
	s.log.Info("pipeline removed",
		slog.String("source_id", id),
		slog.Int("active", active))
	return true
}

// ListPipelines returns the registered worker ids in sorted order.
func (s *Supervisor) ListPipelines() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pipelines))
	for id, h := range s.pipelines {
		if h.worker != nil {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// PipelineCount returns the number of registry entries, reserved slots
// included.
func (s *Supervisor) PipelineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pipelines)
}

// PipelineStats returns a snapshot of one worker, or false when unknown.
func (s *Supervisor) PipelineStats(id string) (PipelineStats, bool) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.pipelines[id]
	if !ok || h.worker == nil {
		return PipelineStats{}, false
	}
	return statsFromHandle(h, now), true
}

// AllPipelineStats returns snapshots for every registered worker, ordered
// by source id.
func (s *Supervisor) AllPipelineStats() []PipelineStats {
	now := time.Now()

	s.mu.Lock()
	out := make([]PipelineStats, 0, len(s.pipelines))
	for _, h := range s.pipelines {
		if h.worker == nil {
			continue
		}
		out = append(out, statsFromHandle(h, now))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

func statsFromHandle(h *handle, now time.Time) PipelineStats {
	w := h.worker
	return PipelineStats{
		SourceID:        h.source.ID,
		InstanceID:      h.instanceID,
		Protocol:        h.source.Protocol,
		URL:             h.source.URL,
		Running:         w.IsRunning(),
		Healthy:         w.IsHealthy(),
		FrameRate:       w.FrameRate(),
		ProcessedFrames: w.ProcessedFrames(),
		DroppedFrames:   w.DroppedFrames(),
		LastError:       w.LastError(),
		Uptime:          now.Sub(h.startedAt),
	}
}

// SystemStats aggregates per-worker stats with the latest telemetry
// snapshot, resolver state and recent health evictions.
func (s *Supervisor) SystemStats() SystemStats {
	now := time.Now()
	stats := SystemStats{GPUMemory: telemetry.GPUUnavailable}

	s.mu.Lock()
	for _, h := range s.pipelines {
		stats.TotalPipelines++
		if h.worker == nil {
			continue
		}
		if h.worker.IsRunning() {
			stats.RunningPipelines++
		}
		if h.worker.IsHealthy() {
			stats.HealthyPipelines++
		}
		stats.TotalFrameRate += h.worker.FrameRate()
		stats.TotalProcessedFrames += h.worker.ProcessedFrames()
		stats.TotalDroppedFrames += h.worker.DroppedFrames()
	}
	s.mu.Unlock()

	if s.sampler != nil {
		snap := s.sampler.Latest()
		stats.CPUUsage = snap.CPUUsage
		stats.MemoryUsedPercent = snap.MemoryUsedPercent
		stats.GPUMemory = snap.GPUMemory
		stats.GPUUtilization = snap.GPUUtilization
		stats.GPUTemperature = snap.GPUTemperature
		stats.MonitoringCycles = s.sampler.Cycles()
		stats.MonitoringHealthy = s.sampler.Healthy()
	} else {
		stats.MonitoringHealthy = true
	}

	if s.resolver != nil {
		stats.ActiveGlobalTracks = s.resolver.GlobalTrackCount()
	}

	for id := range s.evictions.Items() {
		stats.RecentEvictions = append(stats.RecentEvictions, id)
	}
	sort.Strings(stats.RecentEvictions)

	if !s.startTime.IsZero() {
		stats.Uptime = now.Sub(s.startTime)
	}
	return stats
}

// Sweeps returns the number of completed monitoring sweeps.
func (s *Supervisor) Sweeps() uint64 { return s.sweeps.Load() }

func (s *Supervisor) monitorLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.MonitorInterval)
	defer ticker.Stop()

	s.log.Info("monitoring sweep started", slog.Duration("interval", s.opts.MonitorInterval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("monitoring sweep stopped", slog.Uint64("sweeps", s.sweeps.Load()))
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep runs one monitoring pass: evict workers reporting unhealthy and
// retire expired global tracks. Telemetry refresh happens on the
// sampler's own loop; the sweep consumes its latest snapshot. Evictions
// are handled here, never surfaced as errors to the caller that added
// the pipeline.
func (s *Supervisor) sweep() {
	start := time.Now()
	s.sweeps.Add(1)

	var unhealthy []string
	s.mu.Lock()
	for id, h := range s.pipelines {
		if h.worker != nil && !h.worker.IsHealthy() {
			unhealthy = append(unhealthy, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(unhealthy)

	for _, id := range unhealthy {
		s.log.Warn("evicting unhealthy pipeline", slog.String("source_id", id))
		if s.RemovePipeline(id) {
			s.evictions.SetDefault(id, time.Now())
			if s.metrics != nil {
				s.metrics.HealthEvictions.Inc()
			}
		}
	}

	if s.resolver != nil {
		s.resolver.SweepExpired()
	}

	if s.metrics != nil {
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
}
