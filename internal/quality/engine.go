// Package quality recommends a rendition for a viewing session from its recent
// bandwidth history.
package quality

import (
	"log/slog"
	"math"
	"sync"
)

// Default tuning for Engine.
const (
	DefaultHeadroom          = 1.2
	DefaultHysteresisSamples = 5
)

// Config tunes the decision policy. Zero values select the defaults.
type Config struct {
	HistorySize       int
	Headroom          float64
	HysteresisSamples int
}

// sessionHistory pairs a history with the lock that serializes its session's samples.
type sessionHistory struct {
	mu sync.Mutex
	h  *History
}

// Engine is the quality decision engine. Histories are created lazily per
// session and are never dropped; their footprint is bounded by the session count.
type Engine struct {
	cfg       Config
	log       *slog.Logger
	histories sync.Map // session id -> *sessionHistory
}

// NewEngine returns an Engine using cfg, filling unset fields with defaults.
func NewEngine(cfg Config, log *slog.Logger) *Engine {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.Headroom <= 0 {
		cfg.Headroom = DefaultHeadroom
	}
	if cfg.HysteresisSamples <= 0 {
		cfg.HysteresisSamples = DefaultHysteresisSamples
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{cfg: cfg, log: log}
}

// Recommend records bandwidthKbps for the session and returns the level to use next.
// An empty or unknown current level disables hysteresis. Recommend never fails;
// it falls back to Lowest when nothing fits.
func (e *Engine) Recommend(sessionID string, bandwidthKbps int, current string) string {
	v, _ := e.histories.LoadOrStore(sessionID, &sessionHistory{h: NewHistory(e.cfg.HistorySize)})
	sh := v.(*sessionHistory)

	sh.mu.Lock()
	sh.h.Add(bandwidthKbps)
	effective := sh.h.Effective()
	samples := sh.h.Len()
	sh.mu.Unlock()

	recommended := e.bestFit(effective)

	if cur := Index(current); cur >= 0 {
		rec := Index(recommended)
		if abs(cur-rec) == 1 && samples < e.cfg.HysteresisSamples {
			recommended = current
		}
	}

	e.log.Debug("quality recommendation",
		slog.String("session_id", sessionID),
		slog.Int("bandwidth_kbps", bandwidthKbps),
		slog.Float64("effective_kbps", math.Round(effective)),
		slog.String("current", current),
		slog.String("recommended", recommended))

	return recommended
}

// Samples returns how many samples are stored for the session.
func (e *Engine) Samples(sessionID string) int {
	v, ok := e.histories.Load(sessionID)
	if !ok {
		return 0
	}
	sh := v.(*sessionHistory)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.h.Len()
}

// EffectiveBandwidth returns the session's current effective bandwidth in kbps.
func (e *Engine) EffectiveBandwidth(sessionID string) float64 {
	v, ok := e.histories.Load(sessionID)
	if !ok {
		return 0
	}
	sh := v.(*sessionHistory)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.h.Effective()
}

// Fits reports whether level can be played at effective kbps with headroom applied.
func (e *Engine) Fits(level string, effective float64) bool {
	i := Index(level)
	if i < 0 {
		return false
	}
	return float64(Ladder[i].MinBandwidthKbps)*e.cfg.Headroom <= effective
}

func (e *Engine) bestFit(effective float64) string {
	for _, l := range Ladder {
		if float64(l.MinBandwidthKbps)*e.cfg.Headroom <= effective {
			return l.Name
		}
	}
	return Lowest
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
