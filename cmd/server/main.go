package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"abr-delivery/internal/platform/config"
	"abr-delivery/internal/platform/events"
	"abr-delivery/internal/platform/logger"
	"abr-delivery/internal/platform/metrics"
	"abr-delivery/internal/quality"
	"abr-delivery/internal/segment"
	"abr-delivery/internal/session"
	"abr-delivery/internal/streaming"

	"github.com/go-chi/chi/v5"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

func main() {
	_ = config.LoadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	met := metrics.New()
	bus := events.NewBus(log, events.DefaultBuffer)

	archive, err := session.OpenBadgerArchive(cfg.Archive.Path, cfg.Archive.Retention)
	if err != nil {
		log.Error("failed to open session archive", "path", cfg.Archive.Path, "error", err)
		os.Exit(1)
	}

	source, closeSource, err := newSource(cfg.Source)
	if err != nil {
		log.Error("failed to connect segment storage", "kind", cfg.Source.Kind, "error", err)
		os.Exit(1)
	}

	cache := segment.NewCache(segment.CacheConfig{
		KeyframeInterval:   cfg.Cache.KeyframeInterval,
		AdmissionThreshold: int64(cfg.Cache.AdmissionThreshold),
		HotScore:           int64(cfg.Cache.HotScore),
		RetentionWindow:    cfg.Cache.RetentionWindow,
		SweepInterval:      cfg.Cache.SweepInterval,
	}, log)
	loader := segment.NewLoader(cache, segment.NewResilientSource(source, segment.ResilientConfig{
		Name:            "segment-storage",
		MaxTries:        cfg.Source.MaxTries,
		InitialBackoff:  cfg.Source.InitialBackoff,
		MaxBackoff:      cfg.Source.MaxBackoff,
		FetchTimeout:    cfg.Source.FetchTimeout,
		BreakerFailures: cfg.Source.BreakerFailures,
		BreakerTimeout:  cfg.Source.BreakerTimeout,
	}, log))
	engine := quality.NewEngine(quality.Config{
		HistorySize:       cfg.Quality.HistorySize,
		Headroom:          cfg.Quality.Headroom,
		HysteresisSamples: cfg.Quality.HysteresisSamples,
	}, log)

	catalog, err := newCatalog(cfg.Catalog, cfg.Source.SegmentDuration)
	if err != nil {
		log.Error("failed to load catalog", "file", cfg.Catalog.File, "error", err)
		os.Exit(1)
	}

	sessions := session.NewManager(session.Config{
		HeartbeatInterval:    cfg.Session.HeartbeatInterval,
		AnalyticsInterval:    cfg.Session.AnalyticsInterval,
		BufferHealthInterval: cfg.Session.BufferHealthInterval,
		StallThreshold:       cfg.Session.StallThreshold,
		ReapInterval:         cfg.Session.ReapInterval,
		IdleTimeout:          cfg.Session.IdleTimeout,
		GracePeriod:          cfg.Session.GracePeriod,
		DefaultQuality:       cfg.Session.DefaultQuality,
		FailureThreshold:     cfg.Session.FailureThreshold,
		FailureBackoff:       cfg.Session.FailureBackoff,
	}, archive, bus, met, log)

	svc := streaming.NewService(catalog, sessions, engine, loader, streaming.Config{
		AdaptEvery:           cfg.Delivery.AdaptEvery,
		MaxSegmentsPerSecond: cfg.Delivery.MaxSegmentsPerSecond,
		FetchTimeout:         cfg.Delivery.FetchTimeout,
	}, log, met)
	h := streaming.NewHandler(svc, log, streaming.StreamOptions{})

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			met.SetActiveSessions(sessions.ActiveCount())
			st := cache.Stats()
			met.SetCache(st.Size, st.Hits, st.Misses, st.Evictions)
		}).ServeHTTP(w, r)
	})
	h.Routes(r)

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	root := suture.New("abr-delivery", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: log}).MustHook(),
	})
	root.Add(cache)
	root.Add(sessions)
	root.Add(bus.Consumer(session.TopicAnalytics, logEvent(log, "playback analytics")))
	root.Add(bus.Consumer(session.TopicEnded, logEvent(log, "session archived")))
	rootErr := root.ServeBackground(rootCtx)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", cfg.Server.Port,
		"source", cfg.Source.Kind,
		"videos", len(catalog.ListIDs()),
		"log_level", cfg.Log.Level,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)

	exit := 0
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		exit = 1
	}
	if err := sessions.Shutdown(ctx); err != nil {
		log.Error("session shutdown error", "error", err)
		exit = 1
	}

	cancel()
	cancelRoot()
	if err := <-rootErr; err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("supervisor tree stopped", "error", err)
	}
	if err := bus.Close(); err != nil {
		log.Error("event bus close error", "error", err)
	}
	if err := archive.Close(); err != nil {
		log.Error("session archive close error", "error", err)
		exit = 1
	}
	if closeSource != nil {
		if err := closeSource(); err != nil {
			log.Error("segment storage close error", "error", err)
		}
	}

	log.Info("server stopped")
	os.Exit(exit)
}

func newSource(cfg config.SourceConfig) (segment.Source, func() error, error) {
	if cfg.Kind == "redis" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rs, err := segment.NewRedisSource(ctx, segment.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, cfg.SegmentDuration)
		if err != nil {
			return nil, nil, err
		}
		return rs, rs.Close, nil
	}

	src := segment.NewSyntheticSource()
	src.Latency = cfg.Latency
	src.PayloadBytes = cfg.PayloadBytes
	src.Duration = cfg.SegmentDuration
	return src, nil, nil
}

func newCatalog(cfg config.CatalogConfig, segmentDuration time.Duration) (*streaming.InMemoryCatalog, error) {
	videos := streaming.DemoVideos(cfg.DemoVideos, cfg.DemoSegments, segmentDuration)
	if cfg.File != "" {
		seeded, err := streaming.LoadCatalogFile(cfg.File)
		if err != nil {
			return nil, err
		}
		videos = append(videos, seeded...)
	}
	return streaming.NewInMemoryCatalog(videos...), nil
}

func logEvent(log *slog.Logger, msg string) events.HandlerFunc {
	return func(_ context.Context, payload []byte) error {
		var body map[string]any
		if err := json.Unmarshal(payload, &body); err != nil {
			return err
		}
		log.Debug(msg, "event", body)
		return nil
	}
}
