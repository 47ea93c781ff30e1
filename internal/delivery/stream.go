// Package delivery produces a session's segments on demand: the consumer
// signals how many more segments it wants and the stream never sends more.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"abr-delivery/internal/quality"
	"abr-delivery/internal/segment"

	"golang.org/x/time/rate"
)

// Defaults for Config.
const (
	DefaultAdaptEvery   = 5
	DefaultFetchTimeout = 10 * time.Second
)

var (
	// ErrCanceled is the stream error after Cancel or after its parent context ends.
	ErrCanceled = errors.New("delivery stream canceled")

	// ErrInvalidDemand is the stream error after a non-positive Demand call.
	ErrInvalidDemand = errors.New("demand must be positive")
)

// Loader reads a segment through the cache.
type Loader interface {
	Load(ctx context.Context, key segment.Key) (segment.Segment, bool, error)
}

// Recommender picks the quality for the next segments.
type Recommender interface {
	Recommend(sessionID string, bandwidthKbps int, current string) string
}

// Config describes one stream.
type Config struct {
	SessionID    string
	VideoID      string
	StartSegment int
	Quality      string
	SegmentCount int // segments in the video; 0 means unbounded

	AdaptEvery           int     // consult the recommender every n delivered segments
	MaxSegmentsPerSecond float64 // 0 disables pacing
	FetchTimeout         time.Duration

	// Sampler returns a fresh bandwidth estimate in kbps. When nil the stream
	// uses the last value passed to ReportBandwidth.
	Sampler func() int

	// OnQualityChange is called from the stream goroutine after a switch.
	OnQualityChange func(from, to string, nextSegment int)
	// OnDelivered is called from the stream goroutine after each handoff.
	OnDelivered func(seg segment.Segment, cacheHit bool)
}

// Stream is a demand-driven producer of one session's segments.
// Segments are sent in ascending segment-number order on Segments().
type Stream struct {
	cfg     Config
	loader  Loader
	rec     Recommender
	log     *slog.Logger
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	out  chan segment.Segment
	done chan struct{}

	sendMu sync.Mutex // held across each handoff
	mu     sync.Mutex
	demand int64
	err    error
	wake   chan struct{}

	quality   atomic.Value // string
	next      int          // owned by Run
	delivered atomic.Int64
	reported  atomic.Int64 // last consumer-reported kbps, 0 if none
}

// New returns a stream bound to parent. Nothing is fetched until Run is
// started and demand arrives.
func New(parent context.Context, cfg Config, loader Loader, rec Recommender, log *slog.Logger) *Stream {
	if cfg.AdaptEvery <= 0 {
		cfg.AdaptEvery = DefaultAdaptEvery
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Stream{
		cfg:    cfg,
		loader: loader,
		rec:    rec,
		log: log.With(
			slog.String("session_id", cfg.SessionID),
			slog.String("video_id", cfg.VideoID)),
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan segment.Segment),
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
		next:   cfg.StartSegment,
	}
	if cfg.MaxSegmentsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxSegmentsPerSecond), 1)
	}
	s.quality.Store(cfg.Quality)
	return s
}

// Open is New followed by starting Run on its own goroutine.
func Open(parent context.Context, cfg Config, loader Loader, rec Recommender, log *slog.Logger) *Stream {
	s := New(parent, cfg, loader, rec, log)
	go s.Run()
	return s
}

// Segments returns the channel segments are delivered on. It is closed when
// the stream ends; Err then reports why.
func (s *Stream) Segments() <-chan segment.Segment {
	return s.out
}

// Done is closed when Run has returned.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns nil after natural completion, the terminal error otherwise.
// It is only meaningful once Done is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Demand allows n more segments to be sent. A non-positive n ends the stream
// with ErrInvalidDemand.
func (s *Stream) Demand(n int) {
	if n <= 0 {
		s.fail(ErrInvalidDemand)
		return
	}
	s.mu.Lock()
	if s.demand > math.MaxInt64-int64(n) {
		s.demand = math.MaxInt64
	} else {
		s.demand += int64(n)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel stops the stream. A fetch already in flight completes but its
// segment is not delivered, and no further fetch starts. No segment is
// delivered after Cancel returns.
func (s *Stream) Cancel() {
	s.fail(ErrCanceled)
}

// ReportBandwidth records the consumer's measured throughput for the next adaptation.
func (s *Stream) ReportBandwidth(kbps int) {
	if kbps > 0 {
		s.reported.Store(int64(kbps))
	}
}

// Quality returns the level used for the next fetch.
func (s *Stream) Quality() string {
	return s.quality.Load().(string)
}

// Delivered returns how many segments have been handed to the consumer.
func (s *Stream) Delivered() int {
	return int(s.delivered.Load())
}

// Outstanding returns the demand not yet satisfied.
func (s *Stream) Outstanding() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.demand
}

// Run produces segments until the video ends, the stream fails or it is
// canceled. It returns once Segments is closed.
func (s *Stream) Run() {
	defer close(s.done)
	defer close(s.out)
	defer s.cancel()

	s.log.Info("delivery stream started",
		slog.Int("start_segment", s.cfg.StartSegment),
		slog.String("quality", s.Quality()))

	for {
		if s.cfg.SegmentCount > 0 && s.next >= s.cfg.SegmentCount {
			s.log.Info("delivery stream complete", slog.Int("delivered", s.Delivered()))
			return
		}
		if !s.awaitDemand() {
			s.finish()
			return
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				s.finish()
				return
			}
		}

		key := segment.Key{VideoID: s.cfg.VideoID, Number: s.next, Quality: s.Quality()}
		seg, hit, err := s.fetch(key)
		if s.ctx.Err() != nil {
			s.log.Debug("discarding segment fetched after cancel", slog.String("key", key.String()))
			s.finish()
			return
		}
		if err != nil {
			s.log.Error("segment fetch failed", slog.String("key", key.String()), slog.String("error", err.Error()))
			s.fail(err)
			s.finish()
			return
		}

		n, ok := s.send(seg)
		if !ok {
			s.finish()
			return
		}

		if s.cfg.OnDelivered != nil {
			s.cfg.OnDelivered(seg, hit)
		}
		if n%int64(s.cfg.AdaptEvery) == 0 {
			s.adapt()
		}
	}
}

// send hands seg to the consumer and returns the delivered count. Holding
// sendMu orders every handoff before the return of a concurrent Cancel.
func (s *Stream) send(seg segment.Segment) (int64, bool) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.ctx.Err() != nil {
		return 0, false
	}
	select {
	case s.out <- seg:
	case <-s.ctx.Done():
		return 0, false
	}
	s.mu.Lock()
	s.demand--
	s.mu.Unlock()
	s.next++
	return s.delivered.Add(1), true
}

// fetch lets an in-flight load finish even if the stream is canceled meanwhile.
func (s *Stream) fetch(key segment.Key) (segment.Segment, bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.cfg.FetchTimeout)
	defer cancel()
	return s.loader.Load(ctx, key)
}

// awaitDemand blocks until demand is positive. It returns false if the
// stream is canceled first.
func (s *Stream) awaitDemand() bool {
	for {
		s.mu.Lock()
		d := s.demand
		s.mu.Unlock()
		if d > 0 {
			return s.ctx.Err() == nil
		}
		select {
		case <-s.ctx.Done():
			return false
		case <-s.wake:
		}
	}
}

func (s *Stream) adapt() {
	var kbps int
	if s.cfg.Sampler != nil {
		kbps = s.cfg.Sampler()
	} else {
		kbps = int(s.reported.Load())
	}
	if kbps <= 0 || s.rec == nil {
		return
	}

	cur := s.Quality()
	next := s.rec.Recommend(s.cfg.SessionID, kbps, cur)
	if next == cur || !quality.Valid(next) {
		return
	}
	if !s.quality.CompareAndSwap(cur, next) {
		return
	}
	s.log.Info("adapting quality",
		slog.String("from", cur),
		slog.String("to", next),
		slog.Int("bandwidth_kbps", kbps),
		slog.Int("next_segment", s.next))
	if s.cfg.OnQualityChange != nil {
		s.cfg.OnQualityChange(cur, next, s.next)
	}
}

// fail records err as the terminal error unless one is already set, then cancels.
func (s *Stream) fail(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.cancel()

	// Wait out a handoff that raced with the cancel.
	s.sendMu.Lock()
	s.sendMu.Unlock()
}

// finish records ErrCanceled if the stream stopped without a recorded error.
func (s *Stream) finish() {
	s.mu.Lock()
	if s.err == nil {
		s.err = ErrCanceled
	}
	err := s.err
	s.mu.Unlock()
	s.log.Info("delivery stream stopped",
		slog.Int("delivered", s.Delivered()),
		slog.String("reason", err.Error()))
}
