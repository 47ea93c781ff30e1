package streaming

import (
	"slices"
	"time"
)

// Video is a catalog entry: what can be streamed and in which qualities.
type Video struct {
	ID              string        `json:"video_id"`
	Title           string        `json:"title,omitempty"`
	Ready           bool          `json:"ready"`
	SegmentCount    int           `json:"segment_count"`
	SegmentDuration time.Duration `json:"segment_duration"`
	Qualities       []string      `json:"qualities"`
}

// Duration returns the total playback length.
func (v Video) Duration() time.Duration {
	return time.Duration(v.SegmentCount) * v.SegmentDuration
}

// HasQuality reports whether the video is encoded at quality.
func (v Video) HasQuality(quality string) bool {
	return slices.Contains(v.Qualities, quality)
}

// StartSessionRequest is the body of POST /sessions.
type StartSessionRequest struct {
	VideoID string `json:"video_id" validate:"required,max=128"`
	UserID  string `json:"user_id,omitempty" validate:"omitempty,max=128"`
	Quality string `json:"quality,omitempty" validate:"omitempty,quality"`

	// Filled from the HTTP request, not the body.
	ClientAddress string `json:"-"`
	UserAgent     string `json:"-"`
}

// UpdateSessionRequest is the body of PUT /sessions/{session_id}.
type UpdateSessionRequest struct {
	PositionMs int64  `json:"position_ms" validate:"gte=0"`
	Quality    string `json:"quality,omitempty" validate:"omitempty,quality"`
}

// PutVideoRequest is the body of PUT /videos/{video_id}.
type PutVideoRequest struct {
	Title             string   `json:"title,omitempty" validate:"max=256"`
	Ready             bool     `json:"ready"`
	SegmentCount      int      `json:"segment_count" validate:"gte=1"`
	SegmentDurationMs int64    `json:"segment_duration_ms" validate:"gte=0"`
	Qualities         []string `json:"qualities" validate:"required,min=1,dive,quality"`
}

// StreamRequest opens a delivery stream.
type StreamRequest struct {
	SessionID    string
	VideoID      string
	StartSegment int
	// Quality is the starting level; empty uses the session's current quality.
	Quality string
	// Sampler overrides the bandwidth estimate source; nil uses reports.
	Sampler func() int
}

// RecommendationRequest is the body of POST /sessions/{session_id}/recommendation.
// Current is the level being played; an empty or unknown level disables hysteresis.
type RecommendationRequest struct {
	BandwidthKbps int    `json:"bandwidth_kbps"`
	Current       string `json:"current,omitempty"`
}

// RecommendationResponse is the body returned by the recommendation endpoint.
type RecommendationResponse struct {
	SessionID     string `json:"session_id"`
	BandwidthKbps int    `json:"bandwidth_kbps"`
	Quality       string `json:"quality"`
}
