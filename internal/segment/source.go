package segment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"abr-delivery/internal/quality"
)

var (
	// ErrStorageFailure wraps every error a Source returns. Delivery treats it
	// as terminal for the segment.
	ErrStorageFailure = errors.New("segment storage failure")

	// ErrSegmentNotFound is returned when storage has no payload for a key.
	ErrSegmentNotFound = errors.New("segment not found")
)

// Source loads a segment from durable storage on a cache miss.
type Source interface {
	Fetch(ctx context.Context, key Key) (Segment, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, key Key) (Segment, error)

// Fetch implements Source.
func (f SourceFunc) Fetch(ctx context.Context, key Key) (Segment, error) {
	return f(ctx, key)
}

// storageError wraps err so that errors.Is(err, ErrStorageFailure) holds.
func storageError(key Key, err error) error {
	if errors.Is(err, ErrStorageFailure) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageFailure, key, err)
}

// Synthetic defaults.
const (
	DefaultSyntheticLatency = 50 * time.Millisecond
	DefaultPayloadBytes     = 1 << 20
	DefaultSegmentDuration  = 6 * time.Second
	DefaultContentType      = "video/mp4"
)

// SyntheticSource materializes zero-filled segments after a fixed latency.
// It stands in for object storage in development and tests.
type SyntheticSource struct {
	Latency      time.Duration
	PayloadBytes int
	Duration     time.Duration
	Now          func() time.Time
}

// NewSyntheticSource returns a SyntheticSource with the default latency,
// payload size and segment duration.
func NewSyntheticSource() *SyntheticSource {
	return &SyntheticSource{
		Latency:      DefaultSyntheticLatency,
		PayloadBytes: DefaultPayloadBytes,
		Duration:     DefaultSegmentDuration,
	}
}

// Fetch implements Source.
func (s *SyntheticSource) Fetch(ctx context.Context, key Key) (Segment, error) {
	if s.Latency > 0 {
		timer := time.NewTimer(s.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Segment{}, storageError(key, ctx.Err())
		case <-timer.C:
		}
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return Segment{
		VideoID:     key.VideoID,
		Number:      key.Number,
		Quality:     key.Quality,
		BitrateKbps: quality.BitrateFor(key.Quality),
		Duration:    s.Duration,
		Data:        make([]byte, s.PayloadBytes),
		ContentType: DefaultContentType,
		CapturedAt:  now(),
	}, nil
}
