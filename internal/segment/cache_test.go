package segment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(clock *fakeClock) *Cache {
	return NewCache(CacheConfig{Now: clock.Now}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func seg(video string, n int, q string) Segment {
	return Segment{VideoID: video, Number: n, Quality: q, Data: []byte("payload"), ContentType: DefaultContentType}
}

func TestCache_PutColdSegmentIsRejected(t *testing.T) {
	c := newTestCache(newFakeClock())

	assert.False(t, c.Put(seg("v1", 3, "720p")))

	_, ok := c.Get(Key{"v1", 3, "720p"})
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Rejections)
}

func TestCache_PutKeyframeIsAlwaysAdmitted(t *testing.T) {
	c := newTestCache(newFakeClock())

	require.True(t, c.Put(seg("v1", 20, "720p")))

	got, ok := c.Get(Key{"v1", 20, "720p"})
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), got.Data)
	assert.Equal(t, int64(15+1), got.PopularityScore)
}

func TestCache_PutAfterRecentMissIsAdmitted(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	key := Key{"v1", 7, "480p"}

	_, ok := c.Get(key)
	require.False(t, ok)
	require.True(t, c.Put(seg("v1", 7, "480p")))

	got, ok := c.Get(key)
	require.True(t, ok)
	// one prior read + 30 recency, then +1 for this hit
	assert.Equal(t, int64(32), got.PopularityScore)
	assert.Equal(t, int64(2), got.AccessCount)
	assert.Equal(t, clock.Now(), got.LastAccessed)
}

func TestCache_RecencyBonusDecays(t *testing.T) {
	now := time.Now()
	assert.Equal(t, int64(0), PopularityScore(0, time.Time{}, now, false))
	assert.Equal(t, int64(32), PopularityScore(2, now.Add(-30*time.Second), now, false))
	assert.Equal(t, int64(22), PopularityScore(2, now.Add(-2*time.Minute), now, false))
	assert.Equal(t, int64(12), PopularityScore(2, now.Add(-10*time.Minute), now, false))
	assert.Equal(t, int64(2), PopularityScore(2, now.Add(-20*time.Minute), now, false))
	assert.Equal(t, int64(17), PopularityScore(2, now.Add(-20*time.Minute), now, true))
}

func TestCache_StaleMissDoesNotEarnAdmission(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)

	c.Get(Key{"v1", 5, "360p"})
	clock.Advance(20 * time.Minute)

	assert.False(t, c.Put(seg("v1", 5, "360p")))
}

func TestCache_Evict(t *testing.T) {
	c := newTestCache(newFakeClock())
	require.True(t, c.Put(seg("v1", 0, "720p")))

	assert.True(t, c.Evict(Key{"v1", 0, "720p"}))
	assert.False(t, c.Evict(Key{"v1", 0, "720p"}))
	_, ok := c.Get(Key{"v1", 0, "720p"})
	assert.False(t, ok)
}

func TestCache_SweepRemovesOnlyColdEntries(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)

	cold := Key{"v1", 1, "720p"}
	c.Get(cold)
	require.True(t, c.Put(seg("v1", 1, "720p")))

	keyframe := Key{"v1", 10, "720p"}
	require.True(t, c.Put(seg("v1", 10, "720p")))

	recent := Key{"v1", 2, "720p"}
	c.Get(recent)
	require.True(t, c.Put(seg("v1", 2, "720p")))

	hot := Key{"v1", 3, "720p"}
	c.Get(hot)
	require.True(t, c.Put(seg("v1", 3, "720p")))
	for i := 0; i < 25; i++ {
		c.Get(hot)
	}

	clock.Advance(31 * time.Minute)
	c.Get(recent)

	assert.Equal(t, 1, c.Sweep())
	_, ok := c.Get(cold)
	assert.False(t, ok, "cold entry should be swept")
	for _, k := range []Key{keyframe, recent, hot} {
		_, ok := c.Get(k)
		assert.True(t, ok, "%s should be retained", k)
	}
}

func TestCache_SweepKeepsEntriesInsideWindow(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)

	c.Get(Key{"v1", 1, "720p"})
	require.True(t, c.Put(seg("v1", 1, "720p")))
	clock.Advance(29 * time.Minute)

	assert.Equal(t, 0, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

func TestCache_SweepDropsIdleReadCounters(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	key := Key{"v1", 4, "720p"}

	for i := 0; i < 20; i++ {
		c.Get(key)
	}
	clock.Advance(time.Hour)
	c.Sweep()

	// The counter is gone, so only recency from nothing: score 0.
	assert.False(t, c.Put(seg("v1", 4, "720p")))
}

func TestCache_ReadDuringSweepIsCounted(t *testing.T) {
	for round := 0; round < 50; round++ {
		clock := newFakeClock()
		c := newTestCache(clock)

		var keys []Key
		for n := 1; n < 100; n++ {
			if n%DefaultKeyframeInterval == 0 {
				continue
			}
			key := Key{"v1", n, "480p"}
			keys = append(keys, key)
			c.Get(key)
		}
		clock.Advance(time.Hour)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Sweep()
		}()
		go func() {
			defer wg.Done()
			for _, key := range keys {
				c.Get(key)
			}
		}()
		wg.Wait()

		// One fresh read earns the recency bonus whether or not the sweep
		// dropped the old counter first.
		for _, key := range keys {
			require.True(t, c.Put(seg(key.VideoID, key.Number, key.Quality)), "read of %s was lost", key)
		}
	}
}

func TestCache_GetReturnsCopy(t *testing.T) {
	c := newTestCache(newFakeClock())
	require.True(t, c.Put(seg("v1", 0, "720p")))

	got, ok := c.Get(Key{"v1", 0, "720p"})
	require.True(t, ok)
	got.Quality = "mutated"
	c.Evict(Key{"v1", 0, "720p"})

	assert.Equal(t, "mutated", got.Quality)
	assert.Equal(t, []byte("payload"), got.Data)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := newTestCache(newFakeClock())
	key := Key{"v1", 10, "720p"}
	require.True(t, c.Put(seg("v1", 10, "720p")))

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.Get(key)
				other := seg(fmt.Sprintf("v%d", w), i, "480p")
				c.Get(other.Key())
				c.Put(other)
				if i%10 == 0 {
					c.Sweep()
				}
			}
		}(w)
	}
	wg.Wait()

	got, ok := c.Get(key)
	require.True(t, ok)
	// keyframe bonus plus one point per hit
	assert.Equal(t, int64(16*100+1), got.AccessCount)
	assert.Equal(t, int64(15+16*100+1), got.PopularityScore)
}

func TestCache_ServeSweepsUntilCanceled(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(CacheConfig{Now: clock.Now, SweepInterval: 5 * time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	c.Get(Key{"v1", 1, "720p"})
	require.True(t, c.Put(seg("v1", 1, "720p")))
	clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx) }()

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Equal(t, "segment-cache-sweeper", c.String())
}
