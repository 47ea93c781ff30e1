package streaming

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"abr-delivery/internal/quality"
)

// Catalog is the read side of the video metadata layer.
// Implementations can be in-memory or backed by an external service.
type Catalog interface {
	Video(id string) (Video, bool)
}

// InMemoryCatalog is a concurrency-safe in-memory implementation of Catalog.
type InMemoryCatalog struct {
	mu     sync.RWMutex
	videos map[string]Video
}

// NewInMemoryCatalog returns a catalog holding videos.
func NewInMemoryCatalog(videos ...Video) *InMemoryCatalog {
	c := &InMemoryCatalog{videos: make(map[string]Video, len(videos))}
	for _, v := range videos {
		c.Put(v)
	}
	return c
}

// Video implements Catalog.Video.
func (c *InMemoryCatalog) Video(id string) (Video, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.videos[id]
	if ok {
		v.Qualities = append([]string(nil), v.Qualities...)
	}
	return v, ok
}

// Put adds or replaces a video.
func (c *InMemoryCatalog) Put(v Video) {
	v.Qualities = append([]string(nil), v.Qualities...)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.videos[v.ID] = v
}

// ListIDs returns the ids of all videos, sorted.
func (c *InMemoryCatalog) ListIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.videos))
	for id := range c.videos {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type catalogEntry struct {
	ID string `json:"video_id"`
	PutVideoRequest
}

// LoadCatalogFile reads a JSON array of videos in the PUT /videos body
// format, each with its "video_id".
func LoadCatalogFile(path string) ([]Video, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var entries []catalogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}

	v := newValidator()
	videos := make([]Video, 0, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("catalog entry %d: missing video_id", i)
		}
		if err := v.Struct(e.PutVideoRequest); err != nil {
			return nil, fmt.Errorf("catalog entry %s: %w", e.ID, err)
		}
		videos = append(videos, Video{
			ID:              e.ID,
			Title:           e.Title,
			Ready:           e.Ready,
			SegmentCount:    e.SegmentCount,
			SegmentDuration: time.Duration(e.SegmentDurationMs) * time.Millisecond,
			Qualities:       e.Qualities,
		})
	}
	return videos, nil
}

// DemoVideos returns n ready videos named demo-1..demo-n encoded at every
// ladder level.
func DemoVideos(n, segments int, segmentDuration time.Duration) []Video {
	videos := make([]Video, 0, n)
	for i := 1; i <= n; i++ {
		videos = append(videos, Video{
			ID:              "demo-" + strconv.Itoa(i),
			Title:           "Demo " + strconv.Itoa(i),
			Ready:           true,
			SegmentCount:    segments,
			SegmentDuration: segmentDuration,
			Qualities:       quality.Names(),
		})
	}
	return videos
}
