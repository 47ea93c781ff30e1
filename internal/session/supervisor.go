package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"abr-delivery/internal/delivery"
	"abr-delivery/internal/platform/metrics"
)

// ErrSupervisionFailure wraps the cause when a session's task group fails.
var ErrSupervisionFailure = errors.New("session supervision failed")

// errTeardownTimeout reports tasks that ignored cancellation past the grace
// period.
var errTeardownTimeout = errors.New("session teardown exceeded grace period")

// stopMargin is added to the grace period when waiting for the supervisor,
// which itself gives each task the full grace period.
const stopMargin = 250 * time.Millisecond

// Supervisor owns the task group of one session: three monitors run under a
// suture supervisor, and delivery streams are tracked as owned goroutines.
// Stopping it cancels everything and waits, bounded by the grace period.
type Supervisor struct {
	session   *Session
	cfg       Config
	log       *slog.Logger
	events    Publisher
	metrics   *metrics.Metrics
	onFailure func(*Supervisor, error)

	sup      *suture.Supervisor
	ctx      context.Context
	cancel   context.CancelFunc
	stopped  chan struct{}
	stopping atomic.Bool

	// ending is claimed by the one caller that tears the session down;
	// finished closes once that teardown has archived the session.
	ending   atomic.Bool
	finished chan struct{}

	mu      sync.Mutex
	cause   error
	closing bool
	streams map[*delivery.Stream]struct{}
	wg      sync.WaitGroup
}

func newSupervisor(sess *Session, cfg Config, log *slog.Logger, events Publisher, m *metrics.Metrics, onFailure func(*Supervisor, error)) *Supervisor {
	log = log.With(slog.String("session_id", sess.ID()))
	s := &Supervisor{
		session:   sess,
		cfg:       cfg,
		log:       log,
		events:    events,
		metrics:   m,
		onFailure: onFailure,
		stopped:   make(chan struct{}),
		finished:  make(chan struct{}),
		streams:   make(map[*delivery.Stream]struct{}),
	}

	handler := &sutureslog.Handler{Logger: log}
	s.sup = suture.New("session-"+sess.ID(), suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: cfg.FailureThreshold,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.GracePeriod,
	})
	s.sup.Add(&monitor{name: "heartbeat", interval: cfg.HeartbeatInterval, tick: s.heartbeatTick, sup: s})
	s.sup.Add(&monitor{name: "analytics", interval: cfg.AnalyticsInterval, tick: s.analyticsTick, sup: s})
	s.sup.Add(&monitor{name: "buffer-health", interval: cfg.BufferHealthInterval, tick: s.bufferHealthTick, sup: s})
	return s
}

// Session returns the supervised session.
func (s *Supervisor) Session() *Session {
	return s.session
}

// Context is canceled when the session stops or fails.
func (s *Supervisor) Context() context.Context {
	return s.ctx
}

// Cause returns the unrecoverable error that failed the session, if any.
func (s *Supervisor) Cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

func (s *Supervisor) start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	errc := s.sup.ServeBackground(s.ctx)
	s.session.advance(StateRunning)
	go s.watch(errc)
}

// watch waits for the suture supervisor to return. A return that nobody
// asked for is a supervision failure.
func (s *Supervisor) watch(errc <-chan error) {
	err := <-errc
	close(s.stopped)
	if s.stopping.Load() {
		return
	}

	cause := s.Cause()
	if cause == nil {
		cause = fmt.Errorf("task group exited: %w", err)
	}
	failure := fmt.Errorf("%w: %w", ErrSupervisionFailure, cause)

	s.session.advance(StateEnding)
	s.cancel()
	s.log.Error("session task failed, ending session", slog.Any("error", failure))
	if s.onFailure != nil {
		s.onFailure(s, failure)
	}
}

// Ending reports whether the session is being torn down.
func (s *Supervisor) Ending() bool {
	return s.ending.Load()
}

// beginEnd claims the teardown. Only the first caller gets true.
func (s *Supervisor) beginEnd() bool {
	return s.ending.CompareAndSwap(false, true)
}

// fail records the first unrecoverable task error.
func (s *Supervisor) fail(task string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cause == nil {
		s.cause = fmt.Errorf("%s: %w", task, err)
	}
}

// Attach runs a delivery stream as a task of this session. The stream must
// have been built on Context(). It fails once the session is stopping.
func (s *Supervisor) Attach(st *delivery.Stream) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		st.Cancel()
		return ErrSessionEnded
	}
	s.streams[st] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.AddActiveStreams(1)
	go func() {
		defer s.wg.Done()
		st.Run()
		s.mu.Lock()
		delete(s.streams, st)
		s.mu.Unlock()
		s.metrics.AddActiveStreams(-1)
	}()
	return nil
}

// Streams returns the number of attached streams still running.
func (s *Supervisor) Streams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// stop cancels every task and waits for them, at most the grace period plus
// a small margin. Tasks still running after that are abandoned and logged.
func (s *Supervisor) stop() error {
	s.session.advance(StateEnding)

	s.mu.Lock()
	s.closing = true
	streams := make([]*delivery.Stream, 0, len(s.streams))
	for st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	s.stopping.Store(true)
	for _, st := range streams {
		st.Cancel()
	}
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GracePeriod+stopMargin)
	defer cancel()

	var abandoned []string
	select {
	case <-s.stopped:
		if report, err := s.sup.UnstoppedServiceReport(); err == nil {
			for _, u := range report {
				abandoned = append(abandoned, u.Name)
			}
		}
	case <-ctx.Done():
		abandoned = append(abandoned, "monitors")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		abandoned = append(abandoned, "delivery")
	}

	if len(abandoned) > 0 {
		s.log.Error("tasks ignored cancellation and were abandoned",
			slog.Any("tasks", abandoned),
			slog.Duration("grace", s.cfg.GracePeriod),
		)
		return errTeardownTimeout
	}
	return nil
}
