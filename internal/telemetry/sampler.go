// Package telemetry samples system utilization on a fixed cadence and
// publishes immutable snapshots for readers. The sampling loop uses
// absolute deadline scheduling: each tick is computed from the previous
// scheduled time, not from "now", so cycle cost does not accumulate as
// drift. When the loop falls behind it rebases to now plus one interval
// and counts the slip instead of trying to catch up.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/mkallio/camguard-go/internal/logging"
	"github.com/mkallio/camguard-go/internal/observability/metrics"
)

// stallFraction of the interval a cycle may consume before the sampler
// reports itself unhealthy.
const stallFraction = 0.8

// cycleEMAWeight is the weight of the newest cycle duration in the
// running average.
const cycleEMAWeight = 0.1

// CPUTimes holds cumulative kernel CPU counters in ticks.
type CPUTimes struct {
	User, Nice, System, Idle, Iowait, Irq, Softirq, Steal float64
}

// Total is the sum of all counters.
func (c CPUTimes) Total() float64 {
	return c.User + c.Nice + c.System + c.Idle + c.Iowait + c.Irq + c.Softirq + c.Steal
}

// Active is the non-idle share of Total.
func (c CPUTimes) Active() float64 {
	return c.User + c.Nice + c.System + c.Irq + c.Softirq + c.Steal
}

// Snapshot is one immutable published telemetry record. Readers get the
// whole struct by pointer; a new one replaces it each cycle.
type Snapshot struct {
	CPUUsage   float64 // percent, 0..100
	CPUSampled bool    // false until two CPU samples exist

	GPUAvailable   bool
	GPUMemory      string // "usedMB / totalMB" or "N/A"
	GPUUtilization float64
	GPUTemperature float64

	MemoryUsedPercent float64

	SampledAt time.Time
}

type atomicFloat64 struct {
	bits atomic.Uint64
}

func (f *atomicFloat64) Load() float64   { return math.Float64frombits(f.bits.Load()) }
func (f *atomicFloat64) Store(v float64) { f.bits.Store(math.Float64bits(v)) }

// Sampler runs the telemetry loop on its own goroutine.
type Sampler struct {
	interval time.Duration
	gpu      GPUProbe
	gpuReady bool

	snapshot atomic.Pointer[Snapshot]

	prevCPU   CPUTimes
	prevValid bool

	cycles     atomic.Uint64
	avgCycleMs atomicFloat64
	maxCycleMs atomicFloat64
	slips      atomic.Uint64
	healthy    atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	log     *slog.Logger
	metrics *metrics.TelemetryMetrics

	// Injectable probes for tests.
	readCPU func() (CPUTimes, error)
	readMem func() (float64, error)
}

// NewSampler creates a sampler with the given cadence. The GPU probe and
// metrics may be nil.
func NewSampler(interval time.Duration, gpu GPUProbe, m *metrics.TelemetryMetrics) *Sampler {
	s := &Sampler{
		interval: interval,
		gpu:      gpu,
		log:      logging.ForService("telemetry"),
		metrics:  m,
		readCPU:  readCPUTimes,
		readMem:  readMemoryUsedPercent,
	}
	s.healthy.Store(true)
	s.snapshot.Store(&Snapshot{GPUMemory: GPUUnavailable, SampledAt: time.Now()})
	return s
}

// Start probes the GPU collaborator once and launches the sampling loop.
// GPU absence degrades GPU fields to placeholders, it never fails Start.
func (s *Sampler) Start() {
	if s.cancel != nil {
		s.log.Warn("sampler already started")
		return
	}

	if s.gpu != nil {
		count, err := s.gpu.DeviceCount()
		switch {
		case err != nil:
			s.log.Warn("GPU telemetry unavailable", slog.Any("error", err))
		case count == 0:
			s.log.Info("no GPU devices found, GPU telemetry disabled")
		default:
			s.gpuReady = true
			s.log.Info("GPU telemetry initialized", slog.Int("devices", count))
		}
	} else {
		s.log.Info("no GPU telemetry collaborator configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)

	s.log.Info("telemetry sampler started", slog.Duration("interval", s.interval))
}

// Stop ends the sampling loop and waits for it to exit. Only an explicit
// stop terminates the loop; probe errors never do.
func (s *Sampler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	s.log.Info("telemetry sampler stopped", slog.Uint64("cycles", s.cycles.Load()))
}

func (s *Sampler) run(ctx context.Context) {
	defer s.wg.Done()

	next := time.Now()
	for {
		start := time.Now()
		s.cycle()
		s.recordCycle(time.Since(start))

		next = next.Add(s.interval)
		now := time.Now()
		if next.After(now) {
			timer := time.NewTimer(next.Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		// Behind schedule: rebase to now plus one interval and run the
		// next cycle immediately rather than bursting to catch up.
		s.slips.Add(1)
		if s.metrics != nil {
			s.metrics.ScheduleSlips.Inc()
		}
		s.log.Warn("telemetry loop behind schedule",
			slog.Duration("interval", s.interval),
			slog.Duration("behind", now.Sub(next)))
		next = now.Add(s.interval)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// cycle performs one sampling pass. All probe errors are logged and
// swallowed; the loop must survive transient failures.
func (s *Sampler) cycle() {
	prev := s.snapshot.Load()
	snap := &Snapshot{
		CPUUsage:          prev.CPUUsage,
		CPUSampled:        prev.CPUSampled,
		GPUMemory:         GPUUnavailable,
		MemoryUsedPercent: prev.MemoryUsedPercent,
		SampledAt:         time.Now(),
	}

	if usage, ok := s.sampleCPU(); ok {
		snap.CPUUsage = usage
		snap.CPUSampled = true
		if s.metrics != nil {
			s.metrics.CPUUsage.Set(usage)
		}
	}

	if pct, err := s.readMem(); err != nil {
		s.log.Warn("memory probe failed", slog.Any("error", err))
	} else {
		snap.MemoryUsedPercent = pct
	}

	s.sampleGPU(snap)

	s.snapshot.Store(snap)
}

// sampleCPU reads the cumulative counters and computes utilization from
// the delta against the previous read. The very first read only seeds
// state and emits nothing.
func (s *Sampler) sampleCPU() (float64, bool) {
	curr, err := s.readCPU()
	if err != nil {
		s.log.Warn("CPU probe failed", slog.Any("error", err))
		return 0, false
	}

	defer func() {
		s.prevCPU = curr
		s.prevValid = true
	}()

	if !s.prevValid {
		return 0, false
	}
	return calculateCPUUsage(s.prevCPU, curr), true
}

// calculateCPUUsage computes 100*activeDelta/totalDelta clamped to [0,100].
func calculateCPUUsage(prev, curr CPUTimes) float64 {
	totalDelta := curr.Total() - prev.Total()
	if totalDelta <= 0 {
		return 0
	}
	usage := 100 * (curr.Active() - prev.Active()) / totalDelta
	if usage < 0 {
		return 0
	}
	if usage > 100 {
		return 100
	}
	return usage
}

func (s *Sampler) sampleGPU(snap *Snapshot) {
	if !s.gpuReady {
		return
	}
	snap.GPUAvailable = true

	if used, total, err := s.gpu.MemoryInfo(); err != nil {
		s.log.Warn("GPU memory probe failed", slog.Any("error", err))
	} else {
		const mb = 1024 * 1024
		snap.GPUMemory = fmt.Sprintf("%dMB / %dMB", used/mb, total/mb)
	}

	if util, err := s.gpu.UtilizationRates(); err != nil {
		s.log.Warn("GPU utilization probe failed", slog.Any("error", err))
	} else {
		snap.GPUUtilization = util
		if s.metrics != nil {
			s.metrics.GPUUsage.Set(util)
		}
	}

	if temp, err := s.gpu.Temperature(); err != nil {
		s.log.Warn("GPU temperature probe failed", slog.Any("error", err))
	} else {
		snap.GPUTemperature = temp
	}
}

// recordCycle folds one cycle duration into the running statistics and
// re-evaluates monitoring health against the 80% budget.
func (s *Sampler) recordCycle(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000

	s.cycles.Add(1)
	s.avgCycleMs.Store(s.avgCycleMs.Load()*(1-cycleEMAWeight) + ms*cycleEMAWeight)
	if ms > s.maxCycleMs.Load() {
		s.maxCycleMs.Store(ms)
	}
	if s.metrics != nil {
		s.metrics.CycleDuration.Observe(d.Seconds())
	}

	healthy := d < time.Duration(stallFraction*float64(s.interval))
	s.healthy.Store(healthy)
	if !healthy {
		if s.metrics != nil {
			s.metrics.CycleStalls.Inc()
		}
		s.log.Warn("telemetry cycle exceeded time budget",
			slog.Duration("cycle", d),
			slog.Duration("interval", s.interval))
	}
}

// Latest returns the most recently published snapshot.
func (s *Sampler) Latest() *Snapshot {
	return s.snapshot.Load()
}

// Cycles returns the number of completed sampling cycles.
func (s *Sampler) Cycles() uint64 { return s.cycles.Load() }

// AverageCycleMillis returns the exponential moving average of cycle
// durations in milliseconds.
func (s *Sampler) AverageCycleMillis() float64 { return s.avgCycleMs.Load() }

// MaxCycleMillis returns the longest observed cycle in milliseconds.
func (s *Sampler) MaxCycleMillis() float64 { return s.maxCycleMs.Load() }

// Healthy reports whether the last cycle finished within its time budget.
func (s *Sampler) Healthy() bool { return s.healthy.Load() }

// Slips returns how many times the loop rebased its schedule.
func (s *Sampler) Slips() uint64 { return s.slips.Load() }

// ResetStats clears the cycle statistics.
func (s *Sampler) ResetStats() {
	s.cycles.Store(0)
	s.avgCycleMs.Store(0)
	s.maxCycleMs.Store(0)
	s.slips.Store(0)
	s.healthy.Store(true)
	s.log.Info("telemetry statistics reset")
}

func readCPUTimes() (CPUTimes, error) {
	stats, err := cpu.Times(false)
	if err != nil {
		return CPUTimes{}, err
	}
	if len(stats) == 0 {
		return CPUTimes{}, fmt.Errorf("telemetry: no aggregate CPU counters available")
	}
	t := stats[0]
	return CPUTimes{
		User:    t.User,
		Nice:    t.Nice,
		System:  t.System,
		Idle:    t.Idle,
		Iowait:  t.Iowait,
		Irq:     t.Irq,
		Softirq: t.Softirq,
		Steal:   t.Steal,
	}, nil
}

func readMemoryUsedPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}
