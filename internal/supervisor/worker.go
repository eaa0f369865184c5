package supervisor

import (
	"fmt"

	"github.com/mkallio/camguard-go/internal/errors"
)

// Recognized source transports.
var validProtocols = map[string]bool{
	"rtsp":    true,
	"onvif":   true,
	"gb28181": true,
	"file":    true,
	"sim":     true,
}

// Source describes one camera input. The supervisor validates it and
// hands it to the worker factory; it attaches no meaning to URL contents.
type Source struct {
	ID       string
	Name     string
	URL      string
	Protocol string
	Width    int
	Height   int
	FPS      int
}

// Validate checks the descriptor for values no worker could operate with.
func (s Source) Validate() error {
	fail := func(reason string) error {
		return errors.Newf("supervisor: invalid source %q: %s", s.ID, reason).
			Component("supervisor").
			Category(errors.CategoryValidation).
			Context("source_id", s.ID).
			Context("protocol", s.Protocol).
			Build()
	}

	if s.ID == "" {
		return fail("empty id")
	}
	if s.URL == "" {
		return fail("empty url")
	}
	if !validProtocols[s.Protocol] {
		return fail("unrecognized protocol")
	}
	if s.Width <= 0 || s.Height <= 0 || s.FPS <= 0 {
		return fail("non-positive geometry or frame rate")
	}
	return nil
}

func (s Source) String() string {
	return fmt.Sprintf("Source{id=%s, protocol=%s, url=%s, resolution=%dx%d, fps=%d}",
		s.ID, s.Protocol, s.URL, s.Width, s.Height, s.FPS)
}

// Worker is the lifecycle and status contract of a per-camera processing
// unit. The supervisor treats anything satisfying it as an opaque
// supervised unit; the pipeline internals (decode, inference, rules) live
// outside this core.
type Worker interface {
	// Initialize prepares the worker. Called once before Start; a failure
	// aborts the add with no registry side effects.
	Initialize() error
	// Start launches the worker's processing goroutine. Must not block.
	Start()
	// Stop requests cooperative shutdown and blocks until the worker's
	// goroutine has exited.
	Stop()
	IsRunning() bool
	IsHealthy() bool
	FrameRate() float64
	ProcessedFrames() uint64
	DroppedFrames() uint64
	LastError() string
	Source() Source
}

// WorkerFactory constructs a worker for a validated source. The reserved
// network port is 0 when no port allocator is configured.
type WorkerFactory func(src Source, port int) (Worker, error)

// PortAllocator is the optional collaborator that reserves one network
// port per worker id. This core neither manages nor validates the port
// numbers it hands through.
type PortAllocator interface {
	Reserve(sourceID string) (int, error)
	Release(sourceID string)
}
