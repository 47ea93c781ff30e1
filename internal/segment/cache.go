package segment

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Cache policy defaults.
const (
	DefaultAdmissionThreshold = 10
	DefaultHotScore           = 50
	DefaultRetentionWindow    = 30 * time.Minute
	DefaultSweepInterval      = 5 * time.Minute
)

// ErrCacheInconsistency is logged when an entry no longer matches the key it is
// stored under. Callers never see it; the entry is dropped and treated as a miss.
var ErrCacheInconsistency = errors.New("segment cache inconsistency")

// CacheConfig tunes admission and eviction. Zero values select the defaults.
type CacheConfig struct {
	KeyframeInterval   int
	AdmissionThreshold int64         // put admits non-keyframes only above this score
	HotScore           int64         // sweep keeps entries scoring above this
	RetentionWindow    time.Duration // sweep keeps entries accessed within this window
	SweepInterval      time.Duration
	Now                func() time.Time
}

// CacheStats holds cache counters.
type CacheStats struct {
	Hits       int64
	Misses     int64
	Admissions int64
	Rejections int64
	Evictions  int64
	Size       int
}

// tracker counts reads of a key whether or not it is cached, so a segment can
// earn admission before it ever occupies cache space.
type tracker struct {
	count      atomic.Int64
	lastAccess atomic.Int64 // unix nanos, 0 if never read
}

type entry struct {
	seg          Segment
	keyframe     bool
	lastAccessed atomic.Int64 // unix nanos
	accessCount  atomic.Int64
	popularity   atomic.Int64
}

func (e *entry) snapshot() Segment {
	s := e.seg
	s.LastAccessed = time.Unix(0, e.lastAccessed.Load())
	s.AccessCount = e.accessCount.Load()
	s.PopularityScore = e.popularity.Load()
	return s
}

// Cache is the popularity-weighted segment cache shared by all sessions.
// It is safe for concurrent use.
type Cache struct {
	cfg CacheConfig
	log *slog.Logger

	mu      sync.RWMutex
	entries map[Key]*entry

	trackers sync.Map // Key -> *tracker

	hits       atomic.Int64
	misses     atomic.Int64
	admissions atomic.Int64
	rejections atomic.Int64
	evictions  atomic.Int64
}

// NewCache returns an empty cache.
func NewCache(cfg CacheConfig, log *slog.Logger) *Cache {
	if cfg.KeyframeInterval <= 0 {
		cfg.KeyframeInterval = DefaultKeyframeInterval
	}
	if cfg.AdmissionThreshold <= 0 {
		cfg.AdmissionThreshold = DefaultAdmissionThreshold
	}
	if cfg.HotScore <= 0 {
		cfg.HotScore = DefaultHotScore
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = DefaultRetentionWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		cfg:     cfg,
		log:     log,
		entries: make(map[Key]*entry),
	}
}

// PopularityScore combines read count, recency of the last read and keyframe status.
// A zero lastAccess means the key was never read and earns no recency bonus.
func PopularityScore(accessCount int64, lastAccess, now time.Time, keyframe bool) int64 {
	score := accessCount
	if !lastAccess.IsZero() {
		switch age := now.Sub(lastAccess); {
		case age < time.Minute:
			score += 30
		case age < 5*time.Minute:
			score += 20
		case age < 15*time.Minute:
			score += 10
		}
	}
	if keyframe {
		score += 15
	}
	return score
}

// Get returns a copy of the cached segment. Every call counts as an access of
// the key, hit or miss; a hit also refreshes the entry's bookkeeping.
func (c *Cache) Get(key Key) (Segment, bool) {
	now := c.cfg.Now().UnixNano()

	// Sweep drops trackers under the write lock, so the counter bumped here
	// is the one still registered.
	c.mu.RLock()
	t := c.tracker(key)
	t.count.Add(1)
	t.lastAccess.Store(now)
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		c.misses.Add(1)
		return Segment{}, false
	}

	if e.seg.Key() != key {
		c.log.Error("dropping mismatched cache entry",
			slog.String("key", key.String()),
			slog.String("entry", e.seg.Key().String()),
			slog.String("error", ErrCacheInconsistency.Error()))
		c.Evict(key)
		c.misses.Add(1)
		return Segment{}, false
	}

	e.lastAccessed.Store(now)
	e.accessCount.Add(1)
	e.popularity.Add(1)
	c.hits.Add(1)
	return e.snapshot(), true
}

// Put scores seg and stores it if the score exceeds the admission threshold or
// seg is a keyframe. It reports whether the segment was admitted.
func (c *Cache) Put(seg Segment) bool {
	key := seg.Key()
	now := c.cfg.Now()

	var count int64
	var last time.Time
	if v, ok := c.trackers.Load(key); ok {
		t := v.(*tracker)
		count = t.count.Load()
		if n := t.lastAccess.Load(); n != 0 {
			last = time.Unix(0, n)
		}
	}

	keyframe := key.IsKeyframe(c.cfg.KeyframeInterval)
	score := PopularityScore(count, last, now, keyframe)
	if score <= c.cfg.AdmissionThreshold && !keyframe {
		c.rejections.Add(1)
		c.log.Debug("segment not admitted",
			slog.String("key", key.String()),
			slog.Int64("score", score))
		return false
	}

	e := &entry{seg: seg, keyframe: keyframe}
	e.seg.PopularityScore, e.seg.AccessCount, e.seg.LastAccessed = 0, 0, time.Time{}
	e.lastAccessed.Store(now.UnixNano())
	e.accessCount.Store(count)
	e.popularity.Store(score)

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()

	c.admissions.Add(1)
	c.log.Debug("segment cached",
		slog.String("key", key.String()),
		slog.Int64("score", score),
		slog.Bool("keyframe", keyframe))
	return true
}

// Evict removes the entry for key. It reports whether an entry was removed.
func (c *Cache) Evict(key Key) bool {
	c.mu.Lock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	if ok {
		c.evictions.Add(1)
		c.log.Debug("segment evicted", slog.String("key", key.String()))
	}
	return ok
}

// Sweep removes entries that are cold: last accessed before the retention
// window, not above the hot score, and not keyframes. All three must hold.
// Read counters of uncached keys idle past the window are dropped as well.
// Sweep returns the number of entries removed.
func (c *Cache) Sweep() int {
	now := c.cfg.Now()
	cutoff := now.Add(-c.cfg.RetentionWindow).UnixNano()

	removed := 0
	c.mu.Lock()
	for key, e := range c.entries {
		if e.keyframe || e.popularity.Load() > c.cfg.HotScore || e.lastAccessed.Load() >= cutoff {
			continue
		}
		delete(c.entries, key)
		removed++
	}
	size := len(c.entries)

	c.trackers.Range(func(k, v any) bool {
		key := k.(Key)
		if _, cached := c.entries[key]; cached {
			return true
		}
		if v.(*tracker).lastAccess.Load() < cutoff {
			c.trackers.Delete(key)
		}
		return true
	})
	c.mu.Unlock()

	c.evictions.Add(int64(removed))
	c.log.Info("cache sweep complete",
		slog.Int("removed", removed),
		slog.Int("size", size))
	return removed
}

// Serve runs Sweep every SweepInterval until ctx is done.
func (c *Cache) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// String names the sweeper for supervisor logs.
func (c *Cache) String() string {
	return "segment-cache-sweeper"
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Admissions: c.admissions.Load(),
		Rejections: c.rejections.Load(),
		Evictions:  c.evictions.Load(),
		Size:       c.Len(),
	}
}

func (c *Cache) tracker(key Key) *tracker {
	if v, ok := c.trackers.Load(key); ok {
		return v.(*tracker)
	}
	v, _ := c.trackers.LoadOrStore(key, &tracker{})
	return v.(*tracker)
}
