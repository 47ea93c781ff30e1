package segment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"
)

// ResilientConfig tunes retries and the circuit breaker around a Source.
type ResilientConfig struct {
	Name            string
	MaxTries        uint
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	FetchTimeout    time.Duration
	BreakerFailures uint32        // consecutive failures that open the breaker
	BreakerTimeout  time.Duration // how long the breaker stays open
}

// DefaultResilientConfig returns production defaults.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Name:            "segment-storage",
		MaxTries:        3,
		InitialBackoff:  100 * time.Millisecond,
		MaxBackoff:      2 * time.Second,
		FetchTimeout:    10 * time.Second,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// ResilientSource retries transient storage errors with exponential backoff,
// trips a circuit breaker on sustained failure, and collapses concurrent
// fetches of the same key into one storage read.
type ResilientSource struct {
	next  Source
	cfg   ResilientConfig
	log   *slog.Logger
	cb    *gobreaker.CircuitBreaker[Segment]
	group singleflight.Group
}

// NewResilientSource wraps next.
func NewResilientSource(next Source, cfg ResilientConfig, log *slog.Logger) *ResilientSource {
	def := DefaultResilientConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = def.MaxTries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	if log == nil {
		log = slog.Default()
	}

	r := &ResilientSource{next: next, cfg: cfg, log: log}
	r.cb = gobreaker.NewCircuitBreaker[Segment](gobreaker.Settings{
		Name:    cfg.Name,
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// A missing segment is an answer from healthy storage.
			return err == nil || errors.Is(err, ErrSegmentNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("storage circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return r
}

// Fetch implements Source. The shared storage read is bounded by FetchTimeout
// and outlives a caller that gives up; that caller gets ctx's error.
func (r *ResilientSource) Fetch(ctx context.Context, key Key) (Segment, error) {
	ch := r.group.DoChan(key.String(), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FetchTimeout)
		defer cancel()
		return r.fetch(fetchCtx, key)
	})

	select {
	case <-ctx.Done():
		return Segment{}, storageError(key, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Segment{}, storageError(key, res.Err)
		}
		return res.Val.(Segment), nil
	}
}

// State reports the breaker state, e.g. "closed" or "open".
func (r *ResilientSource) State() string {
	return r.cb.State().String()
}

func (r *ResilientSource) fetch(ctx context.Context, key Key) (Segment, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialBackoff
	eb.MaxInterval = r.cfg.MaxBackoff

	attempt := 0
	return backoff.Retry(ctx, func() (Segment, error) {
		attempt++
		seg, err := r.cb.Execute(func() (Segment, error) {
			return r.next.Fetch(ctx, key)
		})
		if err == nil {
			return seg, nil
		}
		if errors.Is(err, ErrSegmentNotFound) || errors.Is(err, gobreaker.ErrOpenState) {
			return Segment{}, backoff.Permanent(err)
		}
		r.log.Debug("segment fetch failed",
			slog.String("key", key.String()),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		return Segment{}, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(r.cfg.MaxTries),
		backoff.WithMaxElapsedTime(r.cfg.FetchTimeout),
	)
}
