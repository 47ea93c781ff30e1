// Package segment holds video segments, the shared popularity-weighted segment
// cache, and the sources segments are loaded from on a cache miss.
package segment

import (
	"fmt"
	"time"
)

// DefaultKeyframeInterval marks every n-th segment as a keyframe. It is a policy
// constant and says nothing about the encoded content.
const DefaultKeyframeInterval = 10

// Key identifies a segment. Two segments with equal keys are the same segment
// regardless of payload.
type Key struct {
	VideoID string
	Number  int
	Quality string
}

// String renders the key as "video-number-quality".
func (k Key) String() string {
	return fmt.Sprintf("%s-%d-%s", k.VideoID, k.Number, k.Quality)
}

// IsKeyframe reports whether the key falls on the given keyframe interval.
func (k Key) IsKeyframe(interval int) bool {
	if interval <= 0 {
		interval = DefaultKeyframeInterval
	}
	return k.Number%interval == 0
}

// Segment is one fixed-duration slice of a quality-encoded rendition.
// Data is shared between the cache and its readers and must not be mutated.
type Segment struct {
	VideoID     string
	Number      int
	Quality     string
	BitrateKbps int
	Duration    time.Duration
	Data        []byte
	ContentType string
	CapturedAt  time.Time

	// Cache bookkeeping, filled in by Cache.
	PopularityScore int64
	LastAccessed    time.Time
	AccessCount     int64
}

// Key returns the segment's identity.
func (s Segment) Key() Key {
	return Key{VideoID: s.VideoID, Number: s.Number, Quality: s.Quality}
}

// IsKeyframe applies the default keyframe interval.
func (s Segment) IsKeyframe() bool {
	return s.Key().IsKeyframe(DefaultKeyframeInterval)
}

// Size returns the payload length in bytes.
func (s Segment) Size() int {
	return len(s.Data)
}

// Path is the request path for the segment.
func (s Segment) Path() string {
	return fmt.Sprintf("/videos/%s/%s/segment%d.mp4", s.VideoID, s.Quality, s.Number)
}
