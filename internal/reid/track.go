// Package reid stitches per-camera local tracks into persistent
// cross-camera global identities using appearance similarity.
package reid

import "time"

// BoundingBox is the last reported detection box of a track, in pixels.
type BoundingBox struct {
	X, Y          float64
	Width, Height float64
}

// GlobalTrack is one cross-camera identity. A track may be known to
// several cameras at once; CameraTracks maps each camera id to that
// camera's local track id.
type GlobalTrack struct {
	GlobalID      int64
	PrimaryCamera string // the camera that created the track
	Features      []float64
	CameraTracks  map[string]int
	LastBBox      BoundingBox
	ClassID       int
	Confidence    float64
	FirstSeen     time.Time
	LastSeen      time.Time
	Active        bool
}

// clone returns a deep copy safe to hand to callers.
func (t *GlobalTrack) clone() GlobalTrack {
	c := *t
	c.Features = append([]float64(nil), t.Features...)
	c.CameraTracks = make(map[string]int, len(t.CameraTracks))
	for k, v := range t.CameraTracks {
		c.CameraTracks[k] = v
	}
	return c
}

// Match is one ranked candidate from FindMatches.
type Match struct {
	GlobalID      int64
	Similarity    float64
	PrimaryCamera string
	Cameras       []string
}
