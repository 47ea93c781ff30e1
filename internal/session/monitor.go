package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
)

// ErrUnrecoverable marks a task error that must take the whole session down.
// Any other task error is treated as transient and the task is restarted.
var ErrUnrecoverable = errors.New("unrecoverable task failure")

// TickFunc runs one iteration of a monitoring task.
type TickFunc func(ctx context.Context, sessionID string) error

// Hooks are extra steps run on every tick of the matching monitor, after its
// own work. They follow the same error rules as the monitors.
type Hooks struct {
	Heartbeat    TickFunc
	Analytics    TickFunc
	BufferHealth TickFunc
}

// AnalyticsEvent is published on TopicAnalytics by the analytics monitor.
type AnalyticsEvent struct {
	SessionID       string    `json:"session_id"`
	VideoID         string    `json:"video_id"`
	UserID          string    `json:"user_id,omitempty"`
	PositionMs      int64     `json:"position_ms"`
	Quality         string    `json:"quality"`
	QualitySwitches int       `json:"quality_switches"`
	BufferEvents    int       `json:"buffer_events"`
	BufferingMs     int64     `json:"buffering_ms"`
	Heartbeats      int64     `json:"heartbeats"`
	WatchMs         int64     `json:"watch_ms"`
	At              time.Time `json:"at"`
}

func newAnalyticsEvent(snap Snapshot, now time.Time) AnalyticsEvent {
	ev := AnalyticsEvent{
		SessionID:       snap.ID,
		VideoID:         snap.VideoID,
		UserID:          snap.UserID,
		PositionMs:      snap.PositionMs,
		Quality:         snap.Quality,
		QualitySwitches: len(snap.QualitySwitches),
		BufferEvents:    len(snap.BufferEvents),
		Heartbeats:      snap.Heartbeats,
		WatchMs:         now.Sub(snap.StartedAt).Milliseconds(),
		At:              now,
	}
	for _, b := range snap.BufferEvents {
		ev.BufferingMs += b.DurationMs
	}
	return ev
}

// monitor is a periodic task. It ticks once on start and then every
// interval until its context is canceled.
type monitor struct {
	name     string
	interval time.Duration
	tick     func(ctx context.Context) error
	sup      *Supervisor
}

func (m *monitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := m.tick(ctx); err != nil {
			if errors.Is(err, ErrUnrecoverable) {
				m.sup.fail(m.name, err)
				return suture.ErrTerminateSupervisorTree
			}
			return fmt.Errorf("%s: %w", m.name, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *monitor) String() string {
	return m.name
}

func (s *Supervisor) heartbeatTick(ctx context.Context) error {
	n := s.session.heartbeat()
	s.log.Debug("session heartbeat", slog.Int64("count", n))
	return runHook(ctx, s.cfg.Hooks.Heartbeat, s.session.ID())
}

func (s *Supervisor) analyticsTick(ctx context.Context) error {
	if s.events != nil {
		ev := newAnalyticsEvent(s.session.Snapshot(), s.cfg.now())
		if err := s.events.Publish(ctx, TopicAnalytics, ev); err != nil {
			return fmt.Errorf("publish analytics: %w", err)
		}
	}
	return runHook(ctx, s.cfg.Hooks.Analytics, s.session.ID())
}

func (s *Supervisor) bufferHealthTick(ctx context.Context) error {
	if s.session.checkBuffer(s.cfg.now(), s.cfg.StallThreshold) {
		s.log.Info("playback stalled")
		s.metrics.IncBufferEvents()
	}
	return runHook(ctx, s.cfg.Hooks.BufferHealth, s.session.ID())
}

func runHook(ctx context.Context, fn TickFunc, id string) error {
	if fn == nil {
		return nil
	}
	return fn(ctx, id)
}
