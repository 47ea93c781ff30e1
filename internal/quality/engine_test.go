package quality

import (
	"io"
	"log/slog"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine() *Engine {
	return NewEngine(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRecommend_steadyHighBandwidth(t *testing.T) {
	e := newTestEngine()

	var got string
	for i := 0; i < 3; i++ {
		got = e.Recommend("s1", 8000, "")
	}
	assert.Equal(t, "1080p", got)
}

func TestRecommend_hysteresisHoldsSingleStepDrop(t *testing.T) {
	e := newTestEngine()

	// 480p needs 2400 with headroom; 360p fits, but one step with one sample is held.
	assert.Equal(t, "480p", e.Recommend("s1", 1800, "480p"))
}

func TestRecommend_hysteresisReleasesAfterEnoughSamples(t *testing.T) {
	e := newTestEngine()

	var got string
	for i := 0; i < DefaultHysteresisSamples; i++ {
		got = e.Recommend("s1", 1800, "480p")
	}
	assert.Equal(t, "360p", got)
}

func TestRecommend_multiStepChangeIgnoresHysteresis(t *testing.T) {
	e := newTestEngine()

	assert.Equal(t, "1080p", e.Recommend("s1", 9000, "360p"))
}

func TestRecommend_unknownCurrentSkipsHysteresis(t *testing.T) {
	e := newTestEngine()

	assert.Equal(t, "360p", e.Recommend("s1", 1800, "4k"))
}

func TestRecommend_zeroBandwidthFallsBackToLowest(t *testing.T) {
	e := newTestEngine()

	assert.Equal(t, Lowest, e.Recommend("s1", 0, ""))
	assert.Equal(t, Lowest, e.Recommend("s2", -50, "1080p"))
}

func TestRecommend_varianceDiscountsBandwidth(t *testing.T) {
	e := newTestEngine()

	// mean 5000, variance 9e6 -> factor clamps to 0.5 -> effective 2500 -> 480p.
	e.Recommend("s1", 2000, "")
	got := e.Recommend("s1", 8000, "")
	assert.Equal(t, "480p", got)
	assert.InDelta(t, 2500, e.EffectiveBandwidth("s1"), 0.001)
}

func TestRecommend_sessionsAreIndependent(t *testing.T) {
	e := newTestEngine()

	e.Recommend("a", 500, "")
	e.Recommend("b", 9000, "")
	assert.Equal(t, 1, e.Samples("a"))
	assert.Equal(t, 1, e.Samples("b"))
	assert.Equal(t, 0, e.Samples("missing"))
}

func TestRecommend_deterministicFromEmptyHistory(t *testing.T) {
	inputs := []struct {
		kbps    int
		current string
	}{
		{8000, ""}, {1800, "480p"}, {3000, "720p"}, {100, "240p"}, {4300, "1080p"},
	}
	for _, in := range inputs {
		a := newTestEngine().Recommend("s", in.kbps, in.current)
		b := newTestEngine().Recommend("s", in.kbps, in.current)
		assert.Equal(t, a, b, "kbps=%d current=%q", in.kbps, in.current)
	}
}

func TestRecommend_neverExceedsEffectiveBandwidth(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	levels := append(Names(), "", "unknown")

	for run := 0; run < 200; run++ {
		e := newTestEngine()
		current := levels[rng.Intn(len(levels))]
		for i := 0; i < 25; i++ {
			kbps := rng.Intn(12000)
			got := e.Recommend("s", kbps, current)
			effective := e.EffectiveBandwidth("s")

			require.True(t, Valid(got), "recommendation %q is not a level", got)
			if e.Fits(got, effective) || got == Lowest {
				current = got
				continue
			}
			// Only hysteresis may keep a level that does not fit.
			require.Equal(t, current, got, "run %d step %d: %q does not fit %.0f kbps", run, i, got, effective)
			require.Less(t, e.Samples("s"), DefaultHysteresisSamples)
			current = got
		}
	}
}

func TestHistory_ringOverwritesOldest(t *testing.T) {
	h := NewHistory(3)
	for _, v := range []int{100, 200, 300, 400} {
		h.Add(v)
	}
	assert.Equal(t, 3, h.Len())
	assert.InDelta(t, 300, h.Mean(), 0.001)
}

func TestHistory_statistics(t *testing.T) {
	h := NewHistory(0)
	assert.Equal(t, 0.0, h.Mean())
	assert.Equal(t, 0.0, h.Effective())

	h.Add(1000)
	assert.Equal(t, 0.0, h.Variance())
	assert.Equal(t, 1.0, h.StabilityFactor())

	h.Add(1100)
	assert.InDelta(t, 1050, h.Mean(), 0.001)
	assert.InDelta(t, 2500, h.Variance(), 0.001)
	assert.InDelta(t, 0.7619, h.StabilityFactor(), 0.0001)
	assert.InDelta(t, 800, h.Effective(), 0.001)

	h.Add(9000)
	assert.Equal(t, 0.5, h.StabilityFactor())
}

func TestLadderHelpers(t *testing.T) {
	assert.Equal(t, 0, Index("1080p"))
	assert.Equal(t, -1, Index(""))
	assert.Equal(t, 2500, BitrateFor("480p"))
	assert.Equal(t, 1500, BitrateFor("8k"))
	assert.Equal(t, []string{"1080p", "720p", "480p", "360p", "240p"}, Names())
}
