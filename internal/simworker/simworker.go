// Package simworker provides a synthetic camera worker. It produces no
// video; it advances frame counters on the source's cadence and emits
// synthetic object observations to the identity resolver, which makes it
// useful for exercising the supervisor, telemetry and tracking layers
// without camera hardware.
package simworker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mkallio/camguard-go/internal/errors"
	"github.com/mkallio/camguard-go/internal/logging"
	"github.com/mkallio/camguard-go/internal/reid"
	"github.com/mkallio/camguard-go/internal/supervisor"
)

// featureDim is the length of the synthetic appearance vectors.
const featureDim = 16

// dropRate is the fraction of simulated frames reported as dropped.
const dropRate = 0.02

// Options tunes one simulated worker.
type Options struct {
	// Objects is how many synthetic tracked objects the worker cycles
	// through.
	Objects int
	// Resolver receives the synthetic observations; nil disables
	// reporting.
	Resolver *reid.Resolver
	// Seed fixes the random stream; 0 derives one from the source id.
	Seed uint64
}

// Worker simulates a camera processing unit.
type Worker struct {
	src  supervisor.Source
	port int
	opts Options

	running   atomic.Bool
	healthy   atomic.Bool
	processed atomic.Uint64
	dropped   atomic.Uint64

	mu       sync.Mutex
	lastErr  string
	features [][]float64

	cancel context.CancelFunc
	wg     sync.WaitGroup

	rng *rand.Rand
	log *slog.Logger
}

// Factory returns a supervisor.WorkerFactory producing simulated workers
// with the given options.
func Factory(opts Options) supervisor.WorkerFactory {
	return func(src supervisor.Source, port int) (supervisor.Worker, error) {
		return New(src, port, opts), nil
	}
}

// New creates a simulated worker for the source.
func New(src supervisor.Source, port int, opts Options) *Worker {
	if opts.Objects <= 0 {
		opts.Objects = 1
	}
	seed := opts.Seed
	if seed == 0 {
		for _, b := range []byte(src.ID) {
			seed = seed*131 + uint64(b)
		}
		seed++
	}
	return &Worker{
		src:  src,
		port: port,
		opts: opts,
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		log:  logging.ForService("simworker").With(slog.String("source_id", src.ID)),
	}
}

// Initialize builds the per-object appearance vectors. Rejects sources
// whose frame rate cannot be scheduled.
func (w *Worker) Initialize() error {
	if w.src.FPS > 240 {
		return errors.Newf("simworker: %q: fps %d beyond simulation limit", w.src.ID, w.src.FPS).
			Component("simworker").
			Category(errors.CategoryWorkerInit).
			Context("source_id", w.src.ID).
			Build()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.features = make([][]float64, w.opts.Objects)
	for i := range w.features {
		v := make([]float64, featureDim)
		var norm float64
		for j := range v {
			v[j] = w.rng.NormFloat64()
			norm += v[j] * v[j]
		}
		norm = math.Sqrt(norm)
		if norm > 0 {
			for j := range v {
				v[j] /= norm
			}
		}
		w.features[i] = v
	}
	return nil
}

// Start launches the frame loop.
func (w *Worker) Start() {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	w.healthy.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop ends the frame loop and waits for it to exit.
func (w *Worker) Stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	w.cancel()
	w.wg.Wait()
	w.healthy.Store(false)
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	frameInterval := time.Second / time.Duration(w.src.FPS)
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	w.log.Debug("simulated frame loop started",
		slog.Int("fps", w.src.FPS),
		slog.Int("objects", w.opts.Objects),
		slog.Int("port", w.port))

	frame := uint64(0)
	for {
		select {
		case <-ctx.Done():
			w.log.Debug("simulated frame loop stopped",
				slog.Uint64("frames", w.processed.Load()))
			return
		case <-ticker.C:
			frame++
			if w.rng.Float64() < dropRate {
				w.dropped.Add(1)
				continue
			}
			w.processed.Add(1)
			w.observe(frame)
		}
	}
}

// observe reports one synthetic detection per object on a round-robin
// schedule so each object surfaces roughly once per second.
func (w *Worker) observe(frame uint64) {
	if w.opts.Resolver == nil {
		return
	}
	if frame%uint64(w.src.FPS) != 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for i, base := range w.features {
		feat := make([]float64, len(base))
		for j := range feat {
			feat[j] = base[j] + w.rng.NormFloat64()*0.01
		}
		bbox := reid.BoundingBox{
			X:      float64(frame % uint64(w.src.Width)),
			Y:      float64(frame % uint64(w.src.Height)),
			Width:  64,
			Height: 128,
		}
		w.opts.Resolver.ReportTrackUpdate(w.src.ID, i+1, feat, bbox, 0, 0.6+0.4*w.rng.Float64())
	}
}

func (w *Worker) IsRunning() bool { return w.running.Load() }
func (w *Worker) IsHealthy() bool { return w.healthy.Load() }

// FrameRate reports the configured cadence while running, adjusted for
// the simulated drop rate.
func (w *Worker) FrameRate() float64 {
	if !w.running.Load() {
		return 0
	}
	return float64(w.src.FPS) * (1 - dropRate)
}

func (w *Worker) ProcessedFrames() uint64 { return w.processed.Load() }
func (w *Worker) DroppedFrames() uint64   { return w.dropped.Load() }

func (w *Worker) LastError() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

func (w *Worker) Source() supervisor.Source { return w.src }

// MarkUnhealthy forces the health flag off with a reason, for simulating
// stream failures.
func (w *Worker) MarkUnhealthy(reason string) {
	w.mu.Lock()
	w.lastErr = reason
	w.mu.Unlock()
	w.healthy.Store(false)
	w.log.Warn("marked unhealthy", slog.String("reason", reason))
}

// SimURL builds a descriptor url for simulated source n.
func SimURL(n int) string { return fmt.Sprintf("sim://camera/%d", n) }
