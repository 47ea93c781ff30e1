// Package streaming is the entry point collaborators use: it ties the
// catalog, sessions, the segment loader and the quality engine together
// and exposes them over HTTP and WebSocket.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"abr-delivery/internal/delivery"
	"abr-delivery/internal/platform/metrics"
	"abr-delivery/internal/quality"
	"abr-delivery/internal/segment"
	"abr-delivery/internal/session"
)

var (
	// ErrVideoNotFound is returned for videos missing from the catalog.
	ErrVideoNotFound = errors.New("video not found")

	// ErrVideoNotReady is returned when segments are requested for a video
	// that is still being prepared.
	ErrVideoNotReady = errors.New("video not ready")

	// ErrInvalidQuality is returned for levels outside the ladder or not
	// encoded for the video.
	ErrInvalidQuality = errors.New("invalid quality")

	// ErrSegmentOutOfRange is returned for segment numbers past either end
	// of the video.
	ErrSegmentOutOfRange = errors.New("segment number out of range")

	// ErrInvalidPosition is returned for negative playback positions.
	ErrInvalidPosition = errors.New("invalid playback position")
)

// Config tunes the delivery streams the service opens.
type Config struct {
	AdaptEvery           int
	MaxSegmentsPerSecond float64
	FetchTimeout         time.Duration
}

// Service implements the six operations clients use: session start, update
// and end, single segment requests, delivery streams and quality
// recommendations.
type Service struct {
	catalog  Catalog
	sessions *session.Manager
	engine   *quality.Engine
	loader   *segment.Loader
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewService returns a Service. m may be nil.
func NewService(catalog Catalog, sessions *session.Manager, engine *quality.Engine, loader *segment.Loader, cfg Config, log *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		catalog:  catalog,
		sessions: sessions,
		engine:   engine,
		loader:   loader,
		cfg:      cfg,
		log:      log,
		metrics:  m,
	}
}

// StartSession creates a session for a catalog video.
func (s *Service) StartSession(ctx context.Context, req StartSessionRequest) (session.Snapshot, error) {
	video, ok := s.catalog.Video(req.VideoID)
	if !ok {
		return session.Snapshot{}, fmt.Errorf("%w: %s", ErrVideoNotFound, req.VideoID)
	}
	if req.Quality != "" {
		if err := checkQuality(video, req.Quality); err != nil {
			return session.Snapshot{}, err
		}
	}
	return s.sessions.Start(ctx, session.StartParams{
		VideoID:       video.ID,
		UserID:        req.UserID,
		ClientAddress: req.ClientAddress,
		UserAgent:     req.UserAgent,
		Quality:       req.Quality,
	})
}

// UpdateSession records the client's playback position and quality.
func (s *Service) UpdateSession(_ context.Context, sessionID string, req UpdateSessionRequest) (session.Snapshot, error) {
	if req.PositionMs < 0 {
		return session.Snapshot{}, ErrInvalidPosition
	}
	if req.Quality != "" && !quality.Valid(req.Quality) {
		return session.Snapshot{}, fmt.Errorf("%w: %s", ErrInvalidQuality, req.Quality)
	}
	return s.sessions.Update(sessionID, req.PositionMs, req.Quality)
}

// EndSession ends a session. Unknown or already ended sessions are a no-op.
func (s *Service) EndSession(ctx context.Context, sessionID string) error {
	return s.sessions.End(ctx, sessionID)
}

// GetSession returns a live or archived session.
func (s *Service) GetSession(ctx context.Context, sessionID string) (session.Snapshot, error) {
	return s.sessions.Get(ctx, sessionID)
}

// RequestSegment fetches one segment through the cache. A non-empty
// sessionID must name a live session, which is marked active.
func (s *Service) RequestSegment(ctx context.Context, videoID string, number int, q, sessionID string) (segment.Segment, error) {
	video, err := s.playableVideo(videoID, q, number)
	if err != nil {
		return segment.Segment{}, err
	}
	if sessionID != "" {
		if err := s.sessions.Touch(sessionID); err != nil {
			return segment.Segment{}, err
		}
	}

	seg, hit, err := s.loader.Load(ctx, segment.Key{VideoID: video.ID, Number: number, Quality: q})
	if err != nil {
		return segment.Segment{}, err
	}
	s.metrics.IncSegmentsDelivered(hit)
	return seg, nil
}

// OpenDeliveryStream starts a demand-driven stream owned by the session.
// The caller signals demand on the returned stream and reads Segments().
func (s *Service) OpenDeliveryStream(_ context.Context, req StreamRequest) (*delivery.Stream, error) {
	sup, err := s.sessions.Live(req.SessionID)
	if err != nil {
		return nil, err
	}
	sess := sup.Session()
	if req.VideoID == "" {
		req.VideoID = sess.VideoID()
	}
	if req.Quality == "" {
		req.Quality = sess.Quality()
	}
	video, err := s.playableVideo(req.VideoID, req.Quality, req.StartSegment)
	if err != nil {
		return nil, err
	}

	id := req.SessionID
	return s.sessions.OpenStream(id, func(ctx context.Context) *delivery.Stream {
		return delivery.New(ctx, delivery.Config{
			SessionID:            id,
			VideoID:              video.ID,
			StartSegment:         req.StartSegment,
			Quality:              req.Quality,
			SegmentCount:         video.SegmentCount,
			AdaptEvery:           s.cfg.AdaptEvery,
			MaxSegmentsPerSecond: s.cfg.MaxSegmentsPerSecond,
			FetchTimeout:         s.cfg.FetchTimeout,
			Sampler:              req.Sampler,
			OnQualityChange: func(from, to string, _ int) {
				s.sessions.RecordQualitySwitch(id, from, to, session.ReasonNetwork)
			},
			OnDelivered: func(_ segment.Segment, hit bool) {
				s.metrics.IncSegmentsDelivered(hit)
				_ = s.sessions.Touch(id)
			},
		}, s.loader, videoRecommender{engine: s.engine, video: video}, s.log)
	})
}

// RecommendQuality feeds a bandwidth sample to the session's history and
// returns the level to play next. Like the engine it never rejects a sample:
// an unknown current level skips hysteresis and a non-positive bandwidth
// yields the lowest level.
func (s *Service) RecommendQuality(sessionID string, bandwidthKbps int, current string) (string, error) {
	if _, err := s.sessions.Live(sessionID); err != nil {
		return "", err
	}
	return s.engine.Recommend(sessionID, bandwidthKbps, current), nil
}

// PutVideo adds or replaces a catalog entry when the catalog is writable.
func (s *Service) PutVideo(v Video) error {
	w, ok := s.catalog.(interface{ Put(Video) })
	if !ok {
		return errors.New("catalog is read-only")
	}
	for _, q := range v.Qualities {
		if !quality.Valid(q) {
			return fmt.Errorf("%w: %s", ErrInvalidQuality, q)
		}
	}
	w.Put(v)
	return nil
}

// Video returns a catalog entry.
func (s *Service) Video(id string) (Video, error) {
	v, ok := s.catalog.Video(id)
	if !ok {
		return Video{}, fmt.Errorf("%w: %s", ErrVideoNotFound, id)
	}
	return v, nil
}

// MasterPlaylist renders the HLS master playlist of a ready video.
func (s *Service) MasterPlaylist(videoID string) (string, error) {
	video, err := s.Video(videoID)
	if err != nil {
		return "", err
	}
	if !video.Ready {
		return "", fmt.Errorf("%w: %s", ErrVideoNotReady, videoID)
	}
	return BuildMasterPlaylist(video), nil
}

// MediaPlaylist renders the HLS playlist of one rendition of a ready video.
func (s *Service) MediaPlaylist(videoID, q string) (string, error) {
	video, err := s.Video(videoID)
	if err != nil {
		return "", err
	}
	if !video.Ready {
		return "", fmt.Errorf("%w: %s", ErrVideoNotReady, videoID)
	}
	if err := checkQuality(video, q); err != nil {
		return "", err
	}
	return BuildMediaPlaylist(video, q), nil
}

func (s *Service) playableVideo(videoID, q string, number int) (Video, error) {
	video, err := s.Video(videoID)
	if err != nil {
		return Video{}, err
	}
	if !video.Ready {
		return Video{}, fmt.Errorf("%w: %s", ErrVideoNotReady, videoID)
	}
	if err := checkQuality(video, q); err != nil {
		return Video{}, err
	}
	if number < 0 || number >= video.SegmentCount {
		return Video{}, fmt.Errorf("%w: %d not in [0, %d)", ErrSegmentOutOfRange, number, video.SegmentCount)
	}
	return video, nil
}

func checkQuality(v Video, q string) error {
	if !quality.Valid(q) || !v.HasQuality(q) {
		return fmt.Errorf("%w: %s not available for %s", ErrInvalidQuality, q, v.ID)
	}
	return nil
}

// videoRecommender keeps network-driven switches within the levels the video
// is encoded at.
type videoRecommender struct {
	engine *quality.Engine
	video  Video
}

func (r videoRecommender) Recommend(sessionID string, bandwidthKbps int, current string) string {
	return availableAtOrBelow(r.video, r.engine.Recommend(sessionID, bandwidthKbps, current))
}

// availableAtOrBelow returns level if the video has it, else the closest
// lower level it has, else the closest higher one.
func availableAtOrBelow(v Video, level string) string {
	if v.HasQuality(level) {
		return level
	}
	i := quality.Index(level)
	if i < 0 {
		return level
	}
	for j := i + 1; j < len(quality.Ladder); j++ {
		if v.HasQuality(quality.Ladder[j].Name) {
			return quality.Ladder[j].Name
		}
	}
	for j := i - 1; j >= 0; j-- {
		if v.HasQuality(quality.Ladder[j].Name) {
			return quality.Ladder[j].Name
		}
	}
	return level
}
