package reid

import (
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/mkallio/camguard-go/internal/lockorder"
	"github.com/mkallio/camguard-go/internal/logging"
	"github.com/mkallio/camguard-go/internal/observability/metrics"
)

// Options configures a Resolver.
type Options struct {
	Enabled             bool
	SimilarityThreshold float64       // minimum cosine similarity for a match
	MaxTrackAge         time.Duration // tracks unseen longer than this expire
	FeatureAlpha        float64       // EMA weight of incoming features
}

// DefaultOptions returns the reference configuration.
func DefaultOptions() Options {
	return Options{
		Enabled:             true,
		SimilarityThreshold: 0.7,
		MaxTrackAge:         30 * time.Second,
		FeatureAlpha:        0.3,
	}
}

type localKey struct {
	camera string
	local  int
}

// ResolverStats are cumulative counters for one resolver instance.
type ResolverStats struct {
	TracksCreated uint64
	TracksMatched uint64
	TrackUpdates  uint64
	TracksExpired uint64
}

// Resolver owns the global track set. Its lock sits at the cross-camera
// tracking hierarchy level, below the pipeline registry, so per-frame
// reports never contend with registry operations.
type Resolver struct {
	mu     *lockorder.OrderedMutex
	tracks map[int64]*GlobalTrack
	index  map[localKey]int64
	nextID int64

	enabled   atomic.Bool
	threshold float64       // guarded by mu
	maxAge    time.Duration // guarded by mu
	alpha     float64       // guarded by mu

	created atomic.Uint64
	matched atomic.Uint64
	updated atomic.Uint64
	expired atomic.Uint64

	clock   func() time.Time
	log     *slog.Logger
	metrics *metrics.TrackingMetrics
}

// NewResolver creates a resolver. The guard and metrics may be nil.
func NewResolver(opts Options, guard *lockorder.Guard, m *metrics.TrackingMetrics) *Resolver {
	r := &Resolver{
		mu:        lockorder.NewOrderedMutex(guard, lockorder.LevelTracking, "reid.resolver"),
		tracks:    make(map[int64]*GlobalTrack),
		index:     make(map[localKey]int64),
		threshold: opts.SimilarityThreshold,
		maxAge:    opts.MaxTrackAge,
		alpha:     opts.FeatureAlpha,
		clock:     time.Now,
		log:       logging.ForService("reid"),
		metrics:   m,
	}
	r.enabled.Store(opts.Enabled)
	return r
}

// ReportTrackUpdate processes one detection report from a camera worker.
// It updates the mapped global track in place, attaches the local track to
// the best similarity match, or creates a fresh global track, in that
// order of preference. Returns the resulting global id, or 0 when
// cross-camera tracking is disabled.
func (r *Resolver) ReportTrackUpdate(cameraID string, localID int, features []float64, bbox BoundingBox, classID int, confidence float64) int64 {
	if !r.enabled.Load() {
		return 0
	}
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	key := localKey{camera: cameraID, local: localID}
	if gid, ok := r.index[key]; ok {
		if t, live := r.tracks[gid]; live && !r.expiredLocked(t, now) {
			r.updateLocked(t, cameraID, localID, features, bbox, classID, confidence, now)
			r.updated.Add(1)
			if r.metrics != nil {
				r.metrics.TrackUpdates.Inc()
			}
			return t.GlobalID
		}
		// Stale mapping to an expired track; a fresh identity is resolved
		// below and the old global id is never reused.
		delete(r.index, key)
	}

	if best, sim := r.bestMatchLocked(features, now); best != nil {
		r.updateLocked(best, cameraID, localID, features, bbox, classID, confidence, now)
		r.index[key] = best.GlobalID
		r.matched.Add(1)
		if r.metrics != nil {
			r.metrics.TracksMatched.Inc()
			r.metrics.MatchSimilarity.Observe(sim)
		}
		r.log.Debug("attached local track to global track",
			slog.String("camera", cameraID),
			slog.Int("local_id", localID),
			slog.Int64("global_id", best.GlobalID),
			slog.Float64("similarity", sim))
		return best.GlobalID
	}

	r.nextID++
	t := &GlobalTrack{
		GlobalID:      r.nextID,
		PrimaryCamera: cameraID,
		Features:      append([]float64(nil), features...),
		CameraTracks:  map[string]int{cameraID: localID},
		LastBBox:      bbox,
		ClassID:       classID,
		Confidence:    confidence,
		FirstSeen:     now,
		LastSeen:      now,
		Active:        true,
	}
	r.tracks[t.GlobalID] = t
	r.index[key] = t.GlobalID
	r.created.Add(1)
	if r.metrics != nil {
		r.metrics.TracksCreated.Inc()
		r.metrics.ActiveTracks.Set(float64(r.countActiveLocked(now)))
	}
	r.log.Debug("created global track",
		slog.String("camera", cameraID),
		slog.Int("local_id", localID),
		slog.Int64("global_id", t.GlobalID))
	return t.GlobalID
}

// bestMatchLocked finds the active track with the highest similarity at or
// above the threshold. Ties prefer the earliest-created track, which keeps
// the primary camera of a stitched identity stable across near-tie reports.
func (r *Resolver) bestMatchLocked(features []float64, now time.Time) (*GlobalTrack, float64) {
	var best *GlobalTrack
	bestSim := 0.0
	for _, t := range r.tracks {
		if !t.Active || r.expiredLocked(t, now) {
			continue
		}
		sim := cosineSimilarity(t.Features, features)
		if sim < r.threshold {
			continue
		}
		if best == nil || sim > bestSim || (sim == bestSim && t.GlobalID < best.GlobalID) {
			best, bestSim = t, sim
		}
	}
	return best, bestSim
}

func (r *Resolver) updateLocked(t *GlobalTrack, cameraID string, localID int, features []float64, bbox BoundingBox, classID int, confidence float64, now time.Time) {
	t.Features = blendFeatures(t.Features, features, r.alpha)
	t.CameraTracks[cameraID] = localID
	t.LastBBox = bbox
	t.ClassID = classID
	t.Confidence = confidence
	t.LastSeen = now
	t.Active = true
}

func (r *Resolver) expiredLocked(t *GlobalTrack, now time.Time) bool {
	return now.Sub(t.LastSeen) > r.maxAge
}

func (r *Resolver) countActiveLocked(now time.Time) int {
	n := 0
	for _, t := range r.tracks {
		if t.Active && !r.expiredLocked(t, now) {
			n++
		}
	}
	return n
}

// retireLocked marks an expired track inactive and drops its local
// mappings so later reports resolve to a fresh identity.
func (r *Resolver) retireLocked(t *GlobalTrack) {
	if !t.Active {
		return
	}
	t.Active = false
	for camera, local := range t.CameraTracks {
		key := localKey{camera: camera, local: local}
		if gid, ok := r.index[key]; ok && gid == t.GlobalID {
			delete(r.index, key)
		}
	}
	r.expired.Add(1)
	if r.metrics != nil {
		r.metrics.TracksExpired.Inc()
	}
}

// GetGlobalTrackID returns the global id attached to (cameraID, localID),
// or false when no live mapping exists. The id is stable across calls
// until the track expires.
func (r *Resolver) GetGlobalTrackID(cameraID string, localID int) (int64, bool) {
	if !r.enabled.Load() {
		return 0, false
	}
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	gid, ok := r.index[localKey{camera: cameraID, local: localID}]
	if !ok {
		return 0, false
	}
	t, live := r.tracks[gid]
	if !live {
		return 0, false
	}
	if r.expiredLocked(t, now) {
		r.retireLocked(t)
		return 0, false
	}
	return gid, true
}

// ActiveTracks returns copies of all active, non-expired global tracks,
// ordered by global id. Expired tracks encountered on the way are retired.
func (r *Resolver) ActiveTracks() []GlobalTrack {
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]GlobalTrack, 0, len(r.tracks))
	for _, t := range r.tracks {
		if !t.Active {
			continue
		}
		if r.expiredLocked(t, now) {
			r.retireLocked(t)
			continue
		}
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GlobalID < out[j].GlobalID })
	return out
}

// GlobalTrackCount returns the number of active, non-expired tracks.
func (r *Resolver) GlobalTrackCount() int {
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countActiveLocked(now)
}

// FindMatches returns all active tracks whose similarity to features
// clears the threshold, sorted by descending similarity with the
// earliest-created track winning ties. When excludeCamera is non-empty,
// tracks known solely to that camera are skipped; the empty string
// excludes nothing.
func (r *Resolver) FindMatches(features []float64, excludeCamera string) []Match {
	if !r.enabled.Load() {
		return nil
	}
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Match
	for _, t := range r.tracks {
		if !t.Active || r.expiredLocked(t, now) {
			continue
		}
		if excludeCamera != "" && len(t.CameraTracks) == 1 {
			if _, sole := t.CameraTracks[excludeCamera]; sole {
				continue
			}
		}
		sim := cosineSimilarity(t.Features, features)
		if sim < r.threshold {
			continue
		}
		cameras := make([]string, 0, len(t.CameraTracks))
		for camera := range t.CameraTracks {
			cameras = append(cameras, camera)
		}
		sort.Strings(cameras)
		out = append(out, Match{
			GlobalID:      t.GlobalID,
			Similarity:    sim,
			PrimaryCamera: t.PrimaryCamera,
			Cameras:       cameras,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].GlobalID < out[j].GlobalID
	})
	return out
}

// SweepExpired retires and deletes expired tracks. Called periodically by
// the supervisor's monitoring sweep; lazy retirement on access makes this
// an optimization, not a correctness requirement.
func (r *Resolver) SweepExpired() int {
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for gid, t := range r.tracks {
		if !r.expiredLocked(t, now) {
			continue
		}
		r.retireLocked(t)
		delete(r.tracks, gid)
		removed++
	}
	if removed > 0 {
		if r.metrics != nil {
			r.metrics.ActiveTracks.Set(float64(r.countActiveLocked(now)))
		}
		r.log.Debug("swept expired global tracks", slog.Int("removed", removed))
	}
	return removed
}

// SetEnabled toggles cross-camera tracking at runtime.
func (r *Resolver) SetEnabled(enabled bool) { r.enabled.Store(enabled) }

// Enabled reports whether cross-camera tracking is active.
func (r *Resolver) Enabled() bool { return r.enabled.Load() }

// SetSimilarityThreshold updates the minimum similarity for a match.
func (r *Resolver) SetSimilarityThreshold(threshold float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threshold = threshold
}

// SimilarityThreshold returns the current matching threshold.
func (r *Resolver) SimilarityThreshold() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.threshold
}

// SetMaxTrackAge updates the expiry age for idle tracks.
func (r *Resolver) SetMaxTrackAge(age time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxAge = age
}

// MaxTrackAge returns the current expiry age.
func (r *Resolver) MaxTrackAge() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAge
}

// Stats returns cumulative resolver counters.
func (r *Resolver) Stats() ResolverStats {
	return ResolverStats{
		TracksCreated: r.created.Load(),
		TracksMatched: r.matched.Load(),
		TrackUpdates:  r.updated.Load(),
		TracksExpired: r.expired.Load(),
	}
}

// Reset discards all tracks and mappings. Global ids keep counting up so
// an id is never reused within the process.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracks = make(map[int64]*GlobalTrack)
	r.index = make(map[localKey]int64)
	if r.metrics != nil {
		r.metrics.ActiveTracks.Set(0)
	}
	r.log.Info("cross-camera tracking state reset")
}
