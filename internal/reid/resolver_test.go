package reid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives resolver time in tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func newTestResolver(clock *fakeClock) *Resolver {
	r := NewResolver(DefaultOptions(), nil, nil)
	r.clock = clock.Now
	return r
}

func featA() []float64 { return []float64{1, 0, 0, 0} }
func featB() []float64 { return []float64{0, 1, 0, 0} }

// featNearA is close enough to featA to clear the default 0.7 threshold.
func featNearA() []float64 { return []float64{0.95, 0.05, 0, 0} }

func TestCreateAndUpdate(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	r := newTestResolver(clock)

	gid := r.ReportTrackUpdate("cam1", 7, featA(), BoundingBox{X: 10, Y: 20, Width: 64, Height: 128}, 0, 0.9)
	require.Positive(t, gid)

	// Same (camera, local) pair updates in place.
	clock.Advance(time.Second)
	gid2 := r.ReportTrackUpdate("cam1", 7, featA(), BoundingBox{X: 12, Y: 20, Width: 64, Height: 128}, 0, 0.91)
	assert.Equal(t, gid, gid2)
	assert.Equal(t, 1, r.GlobalTrackCount())

	got, ok := r.GetGlobalTrackID("cam1", 7)
	require.True(t, ok)
	assert.Equal(t, gid, got)

	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.TracksCreated)
	assert.Equal(t, uint64(1), stats.TrackUpdates)
	assert.Zero(t, stats.TracksMatched)
}

func TestCrossCameraStitch(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	r := newTestResolver(clock)

	gid := r.ReportTrackUpdate("cam1", 1, featA(), BoundingBox{}, 0, 0.9)

	// A similar appearance on a second camera attaches to the same
	// global identity.
	clock.Advance(time.Second)
	gid2 := r.ReportTrackUpdate("cam2", 4, featNearA(), BoundingBox{}, 0, 0.85)
	assert.Equal(t, gid, gid2)
	assert.Equal(t, 1, r.GlobalTrackCount())

	tracks := r.ActiveTracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, "cam1", tracks[0].PrimaryCamera)
	assert.Equal(t, map[string]int{"cam1": 1, "cam2": 4}, tracks[0].CameraTracks)

	// A dissimilar appearance gets its own identity.
	gid3 := r.ReportTrackUpdate("cam2", 5, featB(), BoundingBox{}, 0, 0.8)
	assert.NotEqual(t, gid, gid3)
	assert.Equal(t, 2, r.GlobalTrackCount())
}

func TestThresholdBoundary(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	r := newTestResolver(clock)
	r.SetSimilarityThreshold(0.9)

	r.ReportTrackUpdate("cam1", 1, featA(), BoundingBox{}, 0, 0.9)

	// cos(featA, featNearA) ~ 0.9986, clears 0.9.
	gid := r.ReportTrackUpdate("cam2", 1, featNearA(), BoundingBox{}, 0, 0.9)
	assert.Equal(t, 1, r.GlobalTrackCount())

	// cos ~ 0.707 with an equal-mix vector, below 0.9, new identity.
	mixed := []float64{1, 1, 0, 0}
	gid2 := r.ReportTrackUpdate("cam3", 1, mixed, BoundingBox{}, 0, 0.9)
	assert.NotEqual(t, gid, gid2)
	assert.Equal(t, 2, r.GlobalTrackCount())
}

func TestExpiry(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	r := newTestResolver(clock)

	gid := r.ReportTrackUpdate("cam1", 1, featA(), BoundingBox{}, 0, 0.9)

	// Just inside the age limit the mapping stays live.
	clock.Advance(30 * time.Second)
	got, ok := r.GetGlobalTrackID("cam1", 1)
	require.True(t, ok)
	assert.Equal(t, gid, got)

	// Past the limit the mapping is gone and a fresh report gets a new,
	// never-reused id.
	clock.Advance(time.Second)
	_, ok = r.GetGlobalTrackID("cam1", 1)
	assert.False(t, ok)

	gid2 := r.ReportTrackUpdate("cam1", 1, featA(), BoundingBox{}, 0, 0.9)
	assert.Greater(t, gid2, gid)

	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.TracksExpired)
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	r := newTestResolver(clock)

	r.ReportTrackUpdate("cam1", 1, featA(), BoundingBox{}, 0, 0.9)
	clock.Advance(20 * time.Second)
	r.ReportTrackUpdate("cam1", 2, featB(), BoundingBox{}, 0, 0.9)

	// Only the first track is past the 30s age.
	clock.Advance(15 * time.Second)
	assert.Equal(t, 1, r.SweepExpired())
	assert.Equal(t, 1, r.GlobalTrackCount())

	clock.Advance(31 * time.Second)
	assert.Equal(t, 1, r.SweepExpired())
	assert.Zero(t, r.GlobalTrackCount())
	assert.Zero(t, r.SweepExpired())
}

func TestFindMatches(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	r := newTestResolver(clock)

	gidA := r.ReportTrackUpdate("cam1", 1, featA(), BoundingBox{}, 0, 0.9)
	r.ReportTrackUpdate("cam2", 2, featNearA(), BoundingBox{}, 0, 0.9)
	gidB := r.ReportTrackUpdate("cam2", 3, featB(), BoundingBox{}, 0, 0.9)

	matches := r.FindMatches(featA(), "")
	require.Len(t, matches, 1)
	assert.Equal(t, gidA, matches[0].GlobalID)
	assert.Equal(t, []string{"cam1", "cam2"}, matches[0].Cameras)
	assert.Greater(t, matches[0].Similarity, 0.99)

	matches = r.FindMatches(featB(), "")
	require.Len(t, matches, 1)
	assert.Equal(t, gidB, matches[0].GlobalID)

	// Tracks known solely to the excluded camera are skipped; the
	// stitched track is visible on cam1 too, so it stays.
	matches = r.FindMatches(featB(), "cam2")
	assert.Empty(t, matches)

	matches = r.FindMatches(featA(), "cam2")
	require.Len(t, matches, 1)
	assert.Equal(t, gidA, matches[0].GlobalID)
}

func TestFeatureBlending(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	r := newTestResolver(clock)

	r.ReportTrackUpdate("cam1", 1, []float64{1, 0}, BoundingBox{}, 0, 0.9)
	r.ReportTrackUpdate("cam1", 1, []float64{0.8, 0.6}, BoundingBox{}, 0, 0.9)

	tracks := r.ActiveTracks()
	require.Len(t, tracks, 1)
	// 0.7*old + 0.3*new per component.
	assert.InDelta(t, 0.94, tracks[0].Features[0], 1e-9)
	assert.InDelta(t, 0.18, tracks[0].Features[1], 1e-9)
}

func TestFeatureDimensionChangeReplaces(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	r := newTestResolver(clock)

	r.ReportTrackUpdate("cam1", 1, []float64{1, 0}, BoundingBox{}, 0, 0.9)
	r.ReportTrackUpdate("cam1", 1, []float64{0, 1, 0, 0}, BoundingBox{}, 0, 0.9)

	tracks := r.ActiveTracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, []float64{0, 1, 0, 0}, tracks[0].Features)
}

func TestDisabled(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	r := newTestResolver(clock)
	r.SetEnabled(false)

	assert.Zero(t, r.ReportTrackUpdate("cam1", 1, featA(), BoundingBox{}, 0, 0.9))
	_, ok := r.GetGlobalTrackID("cam1", 1)
	assert.False(t, ok)
	assert.Nil(t, r.FindMatches(featA(), ""))
}

func TestResetKeepsIDCounter(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	r := newTestResolver(clock)

	gid := r.ReportTrackUpdate("cam1", 1, featA(), BoundingBox{}, 0, 0.9)
	r.Reset()
	assert.Zero(t, r.GlobalTrackCount())

	gid2 := r.ReportTrackUpdate("cam1", 1, featA(), BoundingBox{}, 0, 0.9)
	assert.Greater(t, gid2, gid)
}

func TestCosineSimilarity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"opposite", []float64{1, 0}, []float64{-1, 0}, -1},
		{"dimension mismatch", []float64{1, 0}, []float64{1, 0, 0}, 0},
		{"zero vector", []float64{0, 0}, []float64{1, 0}, 0},
		{"empty", nil, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, cosineSimilarity(tt.a, tt.b), 1e-12)
		})
	}
}
