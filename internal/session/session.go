// Package session owns viewing sessions: their state, the supervised task
// group that runs alongside each one, and the registry of live sessions.
package session

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrSessionNotFound is returned for ids that were never started.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionEnded is returned when mutating a session that has ended.
	ErrSessionEnded = errors.New("session has ended")
)

// State is a session's lifecycle phase. Phases only move forward.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateEnding
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Reasons recorded on quality switches.
const (
	ReasonUser    = "user"
	ReasonNetwork = "network"
	ReasonStartup = "startup"
)

// QualitySwitch records a change of rendition during playback.
type QualitySwitch struct {
	At         time.Time `json:"at"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	PositionMs int64     `json:"position_ms"`
	Reason     string    `json:"reason"`
}

// BufferEvent records a stall in playback.
type BufferEvent struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	PositionMs int64     `json:"position_ms"`
	DurationMs int64     `json:"duration_ms"`
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID              string          `json:"session_id"`
	VideoID         string          `json:"video_id"`
	UserID          string          `json:"user_id,omitempty"`
	ClientAddress   string          `json:"client_address"`
	UserAgent       string          `json:"user_agent"`
	StartedAt       time.Time       `json:"started_at"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
	LastActivity    time.Time       `json:"last_activity"`
	PositionMs      int64           `json:"position_ms"`
	Quality         string          `json:"quality"`
	Active          bool            `json:"active"`
	State           string          `json:"state"`
	Heartbeats      int64           `json:"heartbeats"`
	QualitySwitches []QualitySwitch `json:"quality_switches"`
	BufferEvents    []BufferEvent   `json:"buffer_events"`
}

// Session is the mutable state of one viewing session. All access goes
// through its methods, which serialize on mu.
type Session struct {
	mu sync.Mutex

	id            string
	videoID       string
	userID        string
	clientAddress string
	userAgent     string

	startedAt    time.Time
	endedAt      time.Time
	lastActivity time.Time

	positionMs     int64
	lastProgressAt time.Time
	quality        string
	active         bool
	state          State
	heartbeats     int64

	switches  []QualitySwitch
	buffers   []BufferEvent
	buffering *BufferEvent // open stall, nil when playing
}

func newSession(id string, p StartParams, now time.Time) *Session {
	return &Session{
		id:             id,
		videoID:        p.VideoID,
		userID:         p.UserID,
		clientAddress:  p.ClientAddress,
		userAgent:      p.UserAgent,
		startedAt:      now,
		lastActivity:   now,
		lastProgressAt: now,
		quality:        p.Quality,
		active:         true,
		state:          StateStarting,
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// VideoID returns the id of the video being watched.
func (s *Session) VideoID() string {
	return s.videoID
}

// State returns the lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Quality returns the current quality level.
func (s *Session) Quality() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality
}

// Active reports whether the session has not ended.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// advance moves to state if it is later than the current one.
func (s *Session) advance(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to <= s.state {
		return false
	}
	s.state = to
	return true
}

// Touch records client activity.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.lastActivity = now
	}
}

// idleFor returns how long the session has gone without client activity.
func (s *Session) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// UpdatePlayback records the reported position and quality. A quality change
// is logged as a user switch; forward progress closes an open stall.
func (s *Session) UpdatePlayback(positionMs int64, quality string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrSessionEnded
	}

	s.lastActivity = now
	if positionMs != s.positionMs {
		s.lastProgressAt = now
		s.closeBufferingLocked(now)
	}
	s.positionMs = positionMs

	if quality != "" && quality != s.quality {
		s.switches = append(s.switches, QualitySwitch{
			At: now, From: s.quality, To: quality, PositionMs: positionMs, Reason: ReasonUser,
		})
		s.quality = quality
	}
	return nil
}

// RecordQualitySwitch notes a switch decided by the server.
func (s *Session) RecordQualitySwitch(from, to, reason string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || from == to {
		return
	}
	s.switches = append(s.switches, QualitySwitch{
		At: now, From: from, To: to, PositionMs: s.positionMs, Reason: reason,
	})
	s.quality = to
}

// checkBuffer opens a stall once the position has not moved for stall, and
// reports whether a new stall was opened.
func (s *Session) checkBuffer(now time.Time, stall time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || s.buffering != nil || now.Sub(s.lastProgressAt) < stall {
		return false
	}
	s.buffering = &BufferEvent{Start: now, PositionMs: s.positionMs}
	return true
}

func (s *Session) closeBufferingLocked(now time.Time) {
	if s.buffering == nil {
		return
	}
	ev := *s.buffering
	ev.End = now
	ev.DurationMs = now.Sub(ev.Start).Milliseconds()
	s.buffers = append(s.buffers, ev)
	s.buffering = nil
}

func (s *Session) heartbeat() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return s.heartbeats
}

// Heartbeats returns how many heartbeat ticks the session has seen.
func (s *Session) Heartbeats() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats
}

// end marks the session inactive and ended. It reports false if it had
// already ended; an ended session never becomes active again.
func (s *Session) end(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false
	}
	s.closeBufferingLocked(now)
	s.active = false
	s.endedAt = now
	s.state = StateEnded
	return true
}

// Snapshot returns a copy of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:              s.id,
		VideoID:         s.videoID,
		UserID:          s.userID,
		ClientAddress:   s.clientAddress,
		UserAgent:       s.userAgent,
		StartedAt:       s.startedAt,
		LastActivity:    s.lastActivity,
		PositionMs:      s.positionMs,
		Quality:         s.quality,
		Active:          s.active,
		State:           s.state.String(),
		Heartbeats:      s.heartbeats,
		QualitySwitches: append([]QualitySwitch{}, s.switches...),
		BufferEvents:    append([]BufferEvent{}, s.buffers...),
	}
	if !s.endedAt.IsZero() {
		ended := s.endedAt
		snap.EndedAt = &ended
	}
	return snap
}
