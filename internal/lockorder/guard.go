// Package lockorder implements an advisory lock-hierarchy verifier.
// Locks are assigned integer levels and must be acquired in non-decreasing
// level order within one goroutine; violations indicate a potential
// deadlock. The guard observes acquisitions, it does not prevent them.
package lockorder

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
)

// Level is the hierarchy rank of a class of mutex. Lower levels must be
// acquired before higher ones within a single goroutine.
type Level int

const (
	LevelPortAllocator Level = 1
	LevelTracking      Level = 2
	LevelAlarm         Level = 3
	LevelRegistry      Level = 4
	LevelPipeline      Level = 5
	LevelStats         Level = 6
)

func (l Level) String() string {
	switch l {
	case LevelPortAllocator:
		return "port-allocator"
	case LevelTracking:
		return "cross-camera-tracking"
	case LevelAlarm:
		return "alarm-trigger"
	case LevelRegistry:
		return "pipeline-registry"
	case LevelPipeline:
		return "video-pipeline"
	case LevelStats:
		return "stats"
	default:
		return fmt.Sprintf("level-%d", int(l))
	}
}

// ViolationPolicy decides what happens when a hierarchy violation is
// detected at acquisition time.
type ViolationPolicy int

const (
	// PolicyLog records and logs the violation, then lets the acquisition
	// proceed. Production default.
	PolicyLog ViolationPolicy = iota
	// PolicyPanic panics on violation so programmer errors surface
	// immediately. Intended for development and tests.
	PolicyPanic
)

type heldLock struct {
	level Level
	name  string
}

type goroutineLocks struct {
	held []heldLock
	max  Level
}

// Guard tracks per-goroutine held-lock stacks and checks requested
// acquisitions against the hierarchy. Its own internal lock sits below
// every tracked level and is held only for map and slice operations.
type Guard struct {
	mu         sync.Mutex
	goroutines map[uint64]*goroutineLocks
	enabled    atomic.Bool
	violations atomic.Uint64
	policy     ViolationPolicy
	log        *slog.Logger
}

// NewGuard creates a guard with the given violation policy.
func NewGuard(policy ViolationPolicy, log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	g := &Guard{
		goroutines: make(map[uint64]*goroutineLocks),
		policy:     policy,
		log:        log,
	}
	g.enabled.Store(true)
	return g
}

// SetEnabled toggles hierarchy checking at runtime.
func (g *Guard) SetEnabled(enabled bool) { g.enabled.Store(enabled) }

// Enabled reports whether hierarchy checking is active.
func (g *Guard) Enabled() bool { return g.enabled.Load() }

// Violations returns the number of hierarchy violations observed.
func (g *Guard) Violations() uint64 { return g.violations.Load() }

// CanAcquire reports whether the calling goroutine may acquire a lock at
// the given level without violating the hierarchy. Acquiring with no
// locks held, or at a level at or above the current maximum, is permitted;
// re-acquiring an already held (level, name) pair is not.
func (g *Guard) CanAcquire(level Level, name string) bool {
	if !g.enabled.Load() {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	gl, ok := g.goroutines[goroutineID()]
	if !ok || len(gl.held) == 0 {
		return true
	}
	if level < gl.max {
		return false
	}
	for _, h := range gl.held {
		if h.level == level && h.name == name {
			return false
		}
	}
	return true
}

// RecordAcquired pushes the lock onto the calling goroutine's held stack.
func (g *Guard) RecordAcquired(level Level, name string) {
	if !g.enabled.Load() {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	id := goroutineID()
	gl, ok := g.goroutines[id]
	if !ok {
		gl = &goroutineLocks{}
		g.goroutines[id] = gl
	}
	gl.held = append(gl.held, heldLock{level: level, name: name})
	if level > gl.max {
		gl.max = level
	}
}

// RecordReleased removes the most recently acquired matching lock from the
// calling goroutine's held stack. Releasing a lock that was never recorded
// is logged and otherwise ignored.
func (g *Guard) RecordReleased(level Level, name string) {
	if !g.enabled.Load() {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	id := goroutineID()
	gl, ok := g.goroutines[id]
	if !ok {
		g.log.Warn("released lock with no acquisition record",
			slog.String("lock", name),
			slog.Int("level", int(level)))
		return
	}

	for i := len(gl.held) - 1; i >= 0; i-- {
		if gl.held[i].level == level && gl.held[i].name == name {
			gl.held = append(gl.held[:i], gl.held[i+1:]...)
			gl.max = 0
			for _, h := range gl.held {
				if h.level > gl.max {
					gl.max = h.level
				}
			}
			if len(gl.held) == 0 {
				delete(g.goroutines, id)
			}
			return
		}
	}

	g.log.Warn("released lock that was not recorded as held",
		slog.String("lock", name),
		slog.Int("level", int(level)))
}

// HeldLocksDebugInfo renders the calling goroutine's held-lock stack.
func (g *Guard) HeldLocksDebugInfo() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	gl, ok := g.goroutines[goroutineID()]
	if !ok || len(gl.held) == 0 {
		return "no locks held"
	}

	var b strings.Builder
	for i, h := range gl.held {
		if i > 0 {
			b.WriteString(" -> ")
		}
		fmt.Fprintf(&b, "%s(level %d)", h.name, int(h.level))
	}
	return b.String()
}

// reportViolation applies the configured policy for a detected violation.
func (g *Guard) reportViolation(level Level, name string) {
	g.violations.Add(1)
	held := g.HeldLocksDebugInfo()
	g.log.Error("lock hierarchy violation detected",
		slog.String("lock", name),
		slog.Int("level", int(level)),
		slog.String("held", held))
	if g.policy == PolicyPanic {
		panic(fmt.Sprintf("lockorder: hierarchy violation acquiring %q at level %d while holding %s",
			name, int(level), held))
	}
}

// goroutineID extracts the numeric goroutine id from the runtime stack
// header. There is no supported API for goroutine identity; this parse of
// "goroutine N [" is the conventional workaround and stays off hot paths
// because the guard can be disabled wholesale.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// Header format: "goroutine 123 [running]:"
	const prefix = "goroutine "
	s := buf[len(prefix):n]
	var id uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}
