package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"abr-delivery/internal/delivery"
	"abr-delivery/internal/platform/metrics"
)

// Event topics.
const (
	TopicStarted   = "session.started"
	TopicEnded     = "session.ended"
	TopicAnalytics = "session.analytics"
)

// Defaults for Config.
const (
	DefaultHeartbeatInterval    = 60 * time.Second
	DefaultAnalyticsInterval    = 5 * time.Minute
	DefaultBufferHealthInterval = 10 * time.Second
	DefaultStallThreshold       = 30 * time.Second
	DefaultReapInterval         = 5 * time.Minute
	DefaultIdleTimeout          = 30 * time.Minute
	DefaultGracePeriod          = 5 * time.Second
	DefaultQuality              = "480p"
)

// Publisher sends lifecycle and analytics events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Config holds session supervision settings.
type Config struct {
	HeartbeatInterval    time.Duration
	AnalyticsInterval    time.Duration
	BufferHealthInterval time.Duration
	StallThreshold       time.Duration
	ReapInterval         time.Duration
	IdleTimeout          time.Duration
	GracePeriod          time.Duration
	DefaultQuality       string

	// FailureThreshold and FailureBackoff tune how the per-session supervisor
	// restarts monitors after transient errors. Zero uses suture's defaults.
	FailureThreshold float64
	FailureBackoff   time.Duration

	Hooks Hooks
	Now   func() time.Time
}

// DefaultConfig returns the standard intervals.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    DefaultHeartbeatInterval,
		AnalyticsInterval:    DefaultAnalyticsInterval,
		BufferHealthInterval: DefaultBufferHealthInterval,
		StallThreshold:       DefaultStallThreshold,
		ReapInterval:         DefaultReapInterval,
		IdleTimeout:          DefaultIdleTimeout,
		GracePeriod:          DefaultGracePeriod,
		DefaultQuality:       DefaultQuality,
	}
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

// StartParams describes a new session.
type StartParams struct {
	VideoID       string
	UserID        string
	ClientAddress string
	UserAgent     string
	// Quality is the starting level; empty uses Config.DefaultQuality.
	Quality string
}

// LifecycleEvent is published on TopicStarted and TopicEnded.
type LifecycleEvent struct {
	Session Snapshot  `json:"session"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// End reasons.
const (
	EndRequested = "requested"
	EndIdle      = "idle"
	EndFailure   = "failure"
	EndShutdown  = "shutdown"
)

// Manager starts, updates and ends sessions. It owns the live registry and
// writes ended sessions to the archive.
type Manager struct {
	cfg     Config
	log     *slog.Logger
	live    *Registry
	archive Archive
	events  Publisher
	metrics *metrics.Metrics
}

// NewManager returns a manager. events and m may be nil.
func NewManager(cfg Config, archive Archive, events Publisher, m *metrics.Metrics, log *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.AnalyticsInterval <= 0 {
		cfg.AnalyticsInterval = def.AnalyticsInterval
	}
	if cfg.BufferHealthInterval <= 0 {
		cfg.BufferHealthInterval = def.BufferHealthInterval
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = def.StallThreshold
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.DefaultQuality == "" {
		cfg.DefaultQuality = def.DefaultQuality
	}
	if archive == nil {
		archive = NewInMemoryArchive()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		log:     log,
		live:    NewRegistry(),
		archive: archive,
		events:  events,
		metrics: m,
	}
}

// Start creates a session and starts its task group.
func (m *Manager) Start(ctx context.Context, p StartParams) (Snapshot, error) {
	if p.Quality == "" {
		p.Quality = m.cfg.DefaultQuality
	}
	sess := newSession(uuid.NewString(), p, m.cfg.now())
	sup := newSupervisor(sess, m.cfg, m.log, m.events, m.metrics, m.handleFailure)
	if !m.live.Insert(sup) {
		return Snapshot{}, fmt.Errorf("duplicate session id %s", sess.ID())
	}
	sup.start()

	snap := sess.Snapshot()
	m.publish(ctx, TopicStarted, LifecycleEvent{Session: snap, At: snap.StartedAt})
	m.metrics.IncSessionsStarted()
	m.log.Info("session started",
		slog.String("session_id", snap.ID),
		slog.String("video_id", snap.VideoID),
		slog.String("quality", snap.Quality),
	)
	return snap, nil
}

// Live returns the supervisor of a live session. A session that is being
// torn down is reported as ended.
func (m *Manager) Live(id string) (*Supervisor, error) {
	if sup, ok := m.live.Get(id); ok {
		if sup.Ending() {
			return nil, ErrSessionEnded
		}
		return sup, nil
	}
	_, archived, err := m.archive.Load(context.Background(), id)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if archived {
		return nil, ErrSessionEnded
	}
	return nil, ErrSessionNotFound
}

// Get returns a snapshot of a live or archived session.
func (m *Manager) Get(ctx context.Context, id string) (Snapshot, error) {
	if sup, ok := m.live.Get(id); ok {
		return sup.session.Snapshot(), nil
	}
	snap, ok, err := m.archive.Load(ctx, id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load session %s: %w", id, err)
	}
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	return snap, nil
}

// Update records the client's playback position and quality.
func (m *Manager) Update(id string, positionMs int64, quality string) (Snapshot, error) {
	sup, err := m.Live(id)
	if err != nil {
		return Snapshot{}, err
	}
	before := sup.session.Quality()
	if err := sup.session.UpdatePlayback(positionMs, quality, m.cfg.now()); err != nil {
		return Snapshot{}, err
	}
	if quality != "" && quality != before {
		m.metrics.IncQualitySwitches(ReasonUser)
	}
	return sup.session.Snapshot(), nil
}

// Touch records activity on a live session.
func (m *Manager) Touch(id string) error {
	sup, err := m.Live(id)
	if err != nil {
		return err
	}
	sup.session.Touch(m.cfg.now())
	return nil
}

// RecordQualitySwitch notes a server-side quality change on a live session.
func (m *Manager) RecordQualitySwitch(id, from, to, reason string) {
	sup, ok := m.live.Get(id)
	if !ok || sup.Ending() {
		return
	}
	sup.session.RecordQualitySwitch(from, to, reason, m.cfg.now())
	m.metrics.IncQualitySwitches(reason)
}

// OpenStream builds a delivery stream on the session's context and runs it
// as one of the session's tasks.
func (m *Manager) OpenStream(id string, build func(ctx context.Context) *delivery.Stream) (*delivery.Stream, error) {
	sup, err := m.Live(id)
	if err != nil {
		return nil, err
	}
	st := build(sup.Context())
	if err := sup.Attach(st); err != nil {
		return nil, err
	}
	return st, nil
}

// End stops a session. Ending an unknown or already ended session is a no-op.
func (m *Manager) End(ctx context.Context, id string) error {
	m.end(ctx, id, EndRequested)
	return nil
}

// end tears the session down and archives it. The handle stays in the live
// registry until the snapshot is archived, so the session is findable
// throughout. Concurrent callers wait for the first one to finish.
func (m *Manager) end(ctx context.Context, id, reason string) bool {
	sup, ok := m.live.Get(id)
	if !ok {
		return false
	}
	if !sup.beginEnd() {
		select {
		case <-sup.finished:
		case <-ctx.Done():
		}
		return false
	}
	defer func() {
		m.live.Remove(id)
		close(sup.finished)
	}()

	if err := sup.stop(); err != nil {
		m.metrics.IncTeardownTimeouts()
	}
	if !sup.session.end(m.cfg.now()) {
		return false
	}

	snap := sup.session.Snapshot()
	if err := m.archive.Save(ctx, snap); err != nil {
		m.log.Error("archive session", slog.String("session_id", id), slog.Any("error", err))
	}
	m.publish(ctx, TopicEnded, LifecycleEvent{Session: snap, Reason: reason, At: *snap.EndedAt})
	m.metrics.IncSessionsEnded()
	m.log.Info("session ended",
		slog.String("session_id", id),
		slog.String("reason", reason),
		slog.Int64("position_ms", snap.PositionMs),
		slog.Int("quality_switches", len(snap.QualitySwitches)),
		slog.Int("buffer_events", len(snap.BufferEvents)),
	)
	return true
}

func (m *Manager) handleFailure(sup *Supervisor, _ error) {
	m.metrics.IncSupervisionFailures()
	m.end(context.Background(), sup.session.ID(), EndFailure)
}

// Reap ends every live session idle for longer than the idle timeout and
// returns their ids.
func (m *Manager) Reap(ctx context.Context) []string {
	now := m.cfg.now()
	var reaped []string
	for _, sup := range m.live.List() {
		if sup.Ending() || !sup.session.Active() || sup.session.idleFor(now) <= m.cfg.IdleTimeout {
			continue
		}
		id := sup.session.ID()
		if m.end(ctx, id, EndIdle) {
			m.metrics.IncSessionsReaped()
			reaped = append(reaped, id)
		}
	}
	if len(reaped) > 0 {
		m.log.Info("reaped idle sessions", slog.Int("count", len(reaped)))
	}
	return reaped
}

// Serve runs the reaper until ctx is done.
func (m *Manager) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Reap(ctx)
		}
	}
}

func (m *Manager) String() string {
	return "session-reaper"
}

// Shutdown ends every live session concurrently.
func (m *Manager) Shutdown(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, sup := range m.live.List() {
		id := sup.session.ID()
		g.Go(func() error {
			m.end(gctx, id, EndShutdown)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	return m.live.Len()
}

func (m *Manager) publish(ctx context.Context, topic string, ev LifecycleEvent) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, topic, ev); err != nil {
		m.log.Warn("publish session event", slog.String("topic", topic), slog.Any("error", err))
	}
}
