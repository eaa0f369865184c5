package simworker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkallio/camguard-go/internal/reid"
	"github.com/mkallio/camguard-go/internal/supervisor"
)

func simSource(id string, fps int) supervisor.Source {
	return supervisor.Source{
		ID:       id,
		Name:     "sim " + id,
		URL:      SimURL(1),
		Protocol: "sim",
		Width:    640,
		Height:   480,
		FPS:      fps,
	}
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	w := New(simSource("camera_1", 100), 0, Options{Objects: 2})
	require.NoError(t, w.Initialize())

	assert.False(t, w.IsRunning())
	assert.Zero(t, w.FrameRate())

	w.Start()
	assert.True(t, w.IsRunning())
	assert.True(t, w.IsHealthy())
	assert.InDelta(t, 98, w.FrameRate(), 1e-9)

	require.Eventually(t, func() bool {
		return w.ProcessedFrames() > 10
	}, 2*time.Second, 10*time.Millisecond)

	w.Stop()
	assert.False(t, w.IsRunning())

	processed := w.ProcessedFrames()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, processed, w.ProcessedFrames(), "no frames after stop")

	// Stop twice is safe.
	w.Stop()
}

func TestInitializeRejectsExtremeFPS(t *testing.T) {
	t.Parallel()

	w := New(simSource("camera_1", 1000), 0, Options{})
	assert.Error(t, w.Initialize())
}

func TestFeatureVectorsNormalized(t *testing.T) {
	t.Parallel()

	w := New(simSource("camera_1", 25), 0, Options{Objects: 3})
	require.NoError(t, w.Initialize())

	require.Len(t, w.features, 3)
	for _, v := range w.features {
		var norm float64
		for _, x := range v {
			norm += x * x
		}
		assert.InDelta(t, 1, norm, 1e-9)
	}
}

func TestDeterministicSeed(t *testing.T) {
	t.Parallel()

	a := New(simSource("camera_1", 25), 0, Options{Objects: 1, Seed: 42})
	b := New(simSource("camera_1", 25), 0, Options{Objects: 1, Seed: 42})
	require.NoError(t, a.Initialize())
	require.NoError(t, b.Initialize())

	assert.Equal(t, a.features, b.features)
}

func TestReportsToResolver(t *testing.T) {
	t.Parallel()

	resolver := reid.NewResolver(reid.DefaultOptions(), nil, nil)
	w := New(simSource("camera_1", 50), 0, Options{Objects: 2, Resolver: resolver})
	require.NoError(t, w.Initialize())

	w.Start()
	defer w.Stop()

	// Observations surface once the loop crosses a one second boundary.
	require.Eventually(t, func() bool {
		return resolver.GlobalTrackCount() > 0
	}, 5*time.Second, 20*time.Millisecond)

	assert.LessOrEqual(t, resolver.GlobalTrackCount(), 2)
}

func TestMarkUnhealthy(t *testing.T) {
	t.Parallel()

	w := New(simSource("camera_1", 25), 0, Options{Objects: 1})
	require.NoError(t, w.Initialize())
	w.Start()
	defer w.Stop()

	w.MarkUnhealthy("stream timeout")
	assert.False(t, w.IsHealthy())
	assert.Equal(t, "stream timeout", w.LastError())
	assert.True(t, w.IsRunning(), "unhealthy is not stopped")
}
