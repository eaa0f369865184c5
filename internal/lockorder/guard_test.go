package lockorder

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(policy ViolationPolicy) *Guard {
	return NewGuard(policy, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCanAcquire(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		held []heldLock
		req  heldLock
		want bool
	}{
		{
			name: "no locks held",
			req:  heldLock{LevelRegistry, "supervisor.registry"},
			want: true,
		},
		{
			name: "ascending order",
			held: []heldLock{{LevelTracking, "reid.resolver"}},
			req:  heldLock{LevelRegistry, "supervisor.registry"},
			want: true,
		},
		{
			name: "descending order flagged",
			held: []heldLock{{LevelPipeline, "pipeline.camera_1"}},
			req:  heldLock{LevelTracking, "reid.resolver"},
			want: false,
		},
		{
			name: "same level different lock",
			held: []heldLock{{LevelPipeline, "pipeline.camera_1"}},
			req:  heldLock{LevelPipeline, "pipeline.camera_2"},
			want: true,
		},
		{
			name: "re-acquiring held lock flagged",
			held: []heldLock{{LevelPipeline, "pipeline.camera_1"}},
			req:  heldLock{LevelPipeline, "pipeline.camera_1"},
			want: false,
		},
		{
			name: "below max flagged even after interleaving",
			held: []heldLock{{LevelTracking, "reid.resolver"}, {LevelStats, "stats.system"}},
			req:  heldLock{LevelRegistry, "supervisor.registry"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			g := newTestGuard(PolicyLog)
			for _, h := range tt.held {
				g.RecordAcquired(h.level, h.name)
			}

			assert.Equal(t, tt.want, g.CanAcquire(tt.req.level, tt.req.name))

			for i := len(tt.held) - 1; i >= 0; i-- {
				g.RecordReleased(tt.held[i].level, tt.held[i].name)
			}
		})
	}
}

func TestLowerRequestFlaggedHigherAccepted(t *testing.T) {
	t.Parallel()

	g := newTestGuard(PolicyLog)
	g.RecordAcquired(LevelPipeline, "pipeline.camera_1")
	defer g.RecordReleased(LevelPipeline, "pipeline.camera_1")

	assert.False(t, g.CanAcquire(LevelTracking, "reid.resolver"))
	assert.True(t, g.CanAcquire(LevelStats, "stats.system"))
}

func TestReleaseRestoresLowerLevels(t *testing.T) {
	t.Parallel()

	g := newTestGuard(PolicyLog)

	g.RecordAcquired(LevelTracking, "reid.resolver")
	g.RecordAcquired(LevelPipeline, "pipeline.camera_1")

	// Still holding the pipeline lock, registry is below max.
	assert.False(t, g.CanAcquire(LevelRegistry, "supervisor.registry"))

	g.RecordReleased(LevelPipeline, "pipeline.camera_1")

	// Max recomputed from remaining held locks.
	assert.True(t, g.CanAcquire(LevelRegistry, "supervisor.registry"))

	g.RecordReleased(LevelTracking, "reid.resolver")
	assert.True(t, g.CanAcquire(LevelPortAllocator, "ports"))
}

func TestPerGoroutineIsolation(t *testing.T) {
	t.Parallel()

	g := newTestGuard(PolicyLog)
	g.RecordAcquired(LevelStats, "stats.system")
	defer g.RecordReleased(LevelStats, "stats.system")

	// Another goroutine has its own empty stack, so a low-level
	// acquisition there is fine.
	var wg sync.WaitGroup
	var ok bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		ok = g.CanAcquire(LevelPortAllocator, "ports")
	}()
	wg.Wait()

	assert.True(t, ok)
	assert.False(t, g.CanAcquire(LevelPortAllocator, "ports"))
}

func TestDisabledGuardAllowsEverything(t *testing.T) {
	t.Parallel()

	g := newTestGuard(PolicyLog)
	g.RecordAcquired(LevelStats, "stats.system")
	g.SetEnabled(false)

	assert.True(t, g.CanAcquire(LevelPortAllocator, "ports"))
	assert.False(t, g.Enabled())
}

func TestViolationCounting(t *testing.T) {
	t.Parallel()

	g := newTestGuard(PolicyLog)
	m1 := NewOrderedMutex(g, LevelPipeline, "pipeline.camera_1")
	m2 := NewOrderedMutex(g, LevelTracking, "reid.resolver")

	m1.Lock()
	m2.Lock() // out of order, logged and allowed under PolicyLog
	m2.Unlock()
	m1.Unlock()

	assert.Equal(t, uint64(1), g.Violations())
}

func TestPolicyPanic(t *testing.T) {
	t.Parallel()

	g := newTestGuard(PolicyPanic)
	m1 := NewOrderedMutex(g, LevelPipeline, "pipeline.camera_1")
	m2 := NewOrderedMutex(g, LevelTracking, "reid.resolver")

	m1.Lock()
	defer m1.Unlock()

	require.Panics(t, func() {
		m2.Lock()
	})
}

func TestOrderedMutexNilGuard(t *testing.T) {
	t.Parallel()

	// Degrades to a plain mutex.
	m := NewOrderedMutex(nil, LevelRegistry, "supervisor.registry")
	m.Lock()
	m.Unlock()
	m.Lock()
	m.Unlock()
}

func TestHeldLocksDebugInfo(t *testing.T) {
	t.Parallel()

	g := newTestGuard(PolicyLog)
	assert.Equal(t, "no locks held", g.HeldLocksDebugInfo())

	g.RecordAcquired(LevelTracking, "reid.resolver")
	g.RecordAcquired(LevelRegistry, "supervisor.registry")
	defer func() {
		g.RecordReleased(LevelRegistry, "supervisor.registry")
		g.RecordReleased(LevelTracking, "reid.resolver")
	}()

	assert.Equal(t, "reid.resolver(level 2) -> supervisor.registry(level 4)", g.HeldLocksDebugInfo())
}

func TestGoroutineIDStable(t *testing.T) {
	t.Parallel()

	require.Equal(t, goroutineID(), goroutineID())
	require.NotZero(t, goroutineID())
}
