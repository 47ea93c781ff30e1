package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"abr-delivery/internal/quality"
	"abr-delivery/internal/segment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeLoader struct {
	mu      sync.Mutex
	keys    []segment.Key
	failAt  map[int]error
	block   chan struct{}
	started chan segment.Key
	ctxErr  error
}

func (f *fakeLoader) Load(ctx context.Context, key segment.Key) (segment.Segment, bool, error) {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- key
	}
	if f.block != nil {
		<-f.block
		f.mu.Lock()
		f.ctxErr = ctx.Err()
		f.mu.Unlock()
	}
	if err, ok := f.failAt[key.Number]; ok {
		return segment.Segment{}, false, err
	}
	return segment.Segment{VideoID: key.VideoID, Number: key.Number, Quality: key.Quality, Data: make([]byte, 10)}, false, nil
}

func (f *fakeLoader) loaded() []segment.Key {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]segment.Key(nil), f.keys...)
}

func receive(t *testing.T, s *Stream) segment.Segment {
	t.Helper()
	select {
	case seg, ok := <-s.Segments():
		require.True(t, ok, "stream closed early: %v", s.Err())
		return seg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for segment")
	}
	return segment.Segment{}
}

func expectNothing(t *testing.T, s *Stream) {
	t.Helper()
	select {
	case seg, ok := <-s.Segments():
		if ok {
			t.Fatalf("unexpected segment %d delivered beyond demand", seg.Number)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func drain(t *testing.T, s *Stream) {
	t.Helper()
	for range s.Segments() {
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
}

func baseConfig() Config {
	return Config{SessionID: "sess-1", VideoID: "v1", Quality: "480p"}
}

func TestStream_DeliversInOrderWithinDemand(t *testing.T) {
	s := Open(context.Background(), baseConfig(), &fakeLoader{}, nil, discard)

	s.Demand(3)
	for want := 0; want < 3; want++ {
		assert.Equal(t, want, receive(t, s).Number)
	}
	expectNothing(t, s)
	assert.Equal(t, int64(0), s.Outstanding())

	s.Demand(2)
	assert.Equal(t, 3, receive(t, s).Number)
	assert.Equal(t, 4, receive(t, s).Number)
	expectNothing(t, s)
	assert.Equal(t, 5, s.Delivered())

	s.Cancel()
	drain(t, s)
	assert.ErrorIs(t, s.Err(), ErrCanceled)
}

func TestStream_StartsAtOffset(t *testing.T) {
	cfg := baseConfig()
	cfg.StartSegment = 7
	s := Open(context.Background(), cfg, &fakeLoader{}, nil, discard)
	defer func() { s.Cancel(); drain(t, s) }()

	s.Demand(2)
	assert.Equal(t, 7, receive(t, s).Number)
	assert.Equal(t, 8, receive(t, s).Number)
}

func TestStream_CompletesAtEndOfVideo(t *testing.T) {
	cfg := baseConfig()
	cfg.SegmentCount = 3
	s := Open(context.Background(), cfg, &fakeLoader{}, nil, discard)

	s.Demand(10)
	var got []int
	for seg := range s.Segments() {
		got = append(got, seg.Number)
	}
	<-s.Done()
	assert.Equal(t, []int{0, 1, 2}, got)
	assert.NoError(t, s.Err())
}

func TestStream_StorageFailureIsTerminal(t *testing.T) {
	boom := errors.Join(segment.ErrStorageFailure, errors.New("disk gone"))
	loader := &fakeLoader{failAt: map[int]error{2: boom}}
	s := Open(context.Background(), baseConfig(), loader, nil, discard)

	s.Demand(5)
	assert.Equal(t, 0, receive(t, s).Number)
	assert.Equal(t, 1, receive(t, s).Number)
	drain(t, s)

	assert.ErrorIs(t, s.Err(), segment.ErrStorageFailure)
	assert.Len(t, loader.loaded(), 3, "no fetch after the failure")
}

func TestStream_CancelDiscardsInFlightFetch(t *testing.T) {
	loader := &fakeLoader{block: make(chan struct{}), started: make(chan segment.Key, 1)}
	s := Open(context.Background(), baseConfig(), loader, nil, discard)

	s.Demand(3)
	<-loader.started
	s.Cancel()
	close(loader.block)

	_, ok := <-s.Segments()
	assert.False(t, ok, "in-flight segment must not be delivered")
	<-s.Done()
	assert.ErrorIs(t, s.Err(), ErrCanceled)
	assert.Len(t, loader.loaded(), 1)

	loader.mu.Lock()
	defer loader.mu.Unlock()
	assert.NoError(t, loader.ctxErr, "in-flight fetch should be allowed to complete")
}

func TestStream_NothingDeliveredAfterCancelReturns(t *testing.T) {
	for i := 0; i < 100; i++ {
		s := Open(context.Background(), baseConfig(), &fakeLoader{}, nil, discard)
		s.Demand(1000)
		receive(t, s)

		received := make(chan int, 1)
		go func() {
			n := 1
			for range s.Segments() {
				n++
			}
			received <- n
		}()

		s.Cancel()
		delivered := s.Delivered()

		require.Equal(t, delivered, <-received, "segment handed over after Cancel returned")
		<-s.Done()
		require.Equal(t, delivered, s.Delivered())
	}
}

func TestStream_ParentCancellationStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := Open(ctx, baseConfig(), &fakeLoader{}, nil, discard)

	cancel()
	drain(t, s)
	assert.ErrorIs(t, s.Err(), ErrCanceled)
}

func TestStream_InvalidDemand(t *testing.T) {
	s := Open(context.Background(), baseConfig(), &fakeLoader{}, nil, discard)

	s.Demand(0)
	drain(t, s)
	assert.ErrorIs(t, s.Err(), ErrInvalidDemand)
}

func TestStream_AdaptsQualityEveryFifthSegment(t *testing.T) {
	engine := quality.NewEngine(quality.Config{}, discard)
	var switches []string
	cfg := baseConfig()
	cfg.Sampler = func() int { return 9000 }
	cfg.OnQualityChange = func(from, to string, next int) {
		switches = append(switches, from+">"+to)
		assert.Equal(t, 5, next)
	}
	loader := &fakeLoader{}
	s := Open(context.Background(), cfg, loader, engine, discard)

	s.Demand(7)
	for i := 0; i < 7; i++ {
		receive(t, s)
	}
	s.Cancel()
	drain(t, s)

	keys := loader.loaded()
	for _, k := range keys[:5] {
		assert.Equal(t, "480p", k.Quality, "segment %d", k.Number)
	}
	for _, k := range keys[5:] {
		assert.Equal(t, "1080p", k.Quality, "segment %d", k.Number)
	}
	assert.Equal(t, []string{"480p>1080p"}, switches)
	assert.Equal(t, 1, engine.Samples("sess-1"))
}

func TestStream_NoAdaptationWithoutBandwidthSample(t *testing.T) {
	engine := quality.NewEngine(quality.Config{}, discard)
	s := Open(context.Background(), baseConfig(), &fakeLoader{}, engine, discard)

	s.Demand(5)
	for i := 0; i < 5; i++ {
		receive(t, s)
	}
	assert.Equal(t, "480p", s.Quality())
	assert.Equal(t, 0, engine.Samples("sess-1"))

	s.ReportBandwidth(300)
	s.Demand(5)
	for i := 0; i < 5; i++ {
		receive(t, s)
	}
	s.Cancel()
	drain(t, s)
	assert.Equal(t, quality.Lowest, s.Quality())
}

func TestStream_Pacing(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxSegmentsPerSecond = 20
	s := Open(context.Background(), cfg, &fakeLoader{}, nil, discard)

	start := time.Now()
	s.Demand(3)
	for i := 0; i < 3; i++ {
		receive(t, s)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	s.Cancel()
	drain(t, s)
}
