package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables mapped onto Config.
// ABR_CACHE_SWEEP_INTERVAL sets cache.sweep_interval.
const EnvPrefix = "ABR_"

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Log      LogConfig      `koanf:"log"`
	Cache    CacheConfig    `koanf:"cache"`
	Quality  QualityConfig  `koanf:"quality"`
	Session  SessionConfig  `koanf:"session"`
	Delivery DeliveryConfig `koanf:"delivery"`
	Source   SourceConfig   `koanf:"source"`
	Archive  ArchiveConfig  `koanf:"archive"`
	Catalog  CatalogConfig  `koanf:"catalog"`
}

type ServerConfig struct {
	Port            string        `koanf:"port" validate:"required,numeric"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

type CacheConfig struct {
	SweepInterval      time.Duration `koanf:"sweep_interval" validate:"gt=0"`
	RetentionWindow    time.Duration `koanf:"retention_window" validate:"gt=0"`
	AdmissionThreshold int           `koanf:"admission_threshold" validate:"gt=0"`
	HotScore           int           `koanf:"hot_score" validate:"gt=0"`
	KeyframeInterval   int           `koanf:"keyframe_interval" validate:"gt=0"`
}

type QualityConfig struct {
	HistorySize       int     `koanf:"history_size" validate:"gt=0"`
	Headroom          float64 `koanf:"headroom" validate:"gte=1"`
	HysteresisSamples int     `koanf:"hysteresis_samples" validate:"gt=0"`
}

type SessionConfig struct {
	HeartbeatInterval    time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`
	AnalyticsInterval    time.Duration `koanf:"analytics_interval" validate:"gt=0"`
	BufferHealthInterval time.Duration `koanf:"buffer_health_interval" validate:"gt=0"`
	StallThreshold       time.Duration `koanf:"stall_threshold" validate:"gt=0"`
	ReapInterval         time.Duration `koanf:"reap_interval" validate:"gt=0"`
	IdleTimeout          time.Duration `koanf:"idle_timeout" validate:"gt=0"`
	GracePeriod          time.Duration `koanf:"grace_period" validate:"gt=0"`
	DefaultQuality       string        `koanf:"default_quality" validate:"oneof=1080p 720p 480p 360p 240p"`
	FailureThreshold     float64       `koanf:"failure_threshold" validate:"gte=0"`
	FailureBackoff       time.Duration `koanf:"failure_backoff" validate:"gte=0"`
}

type DeliveryConfig struct {
	AdaptEvery           int           `koanf:"adapt_every" validate:"gt=0"`
	MaxSegmentsPerSecond float64       `koanf:"max_segments_per_second" validate:"gte=0"`
	FetchTimeout         time.Duration `koanf:"fetch_timeout" validate:"gt=0"`
}

type SourceConfig struct {
	Kind            string        `koanf:"kind" validate:"oneof=synthetic redis"`
	Latency         time.Duration `koanf:"latency" validate:"gte=0"`
	PayloadBytes    int           `koanf:"payload_bytes" validate:"gt=0"`
	SegmentDuration time.Duration `koanf:"segment_duration" validate:"gt=0"`
	RedisAddr       string        `koanf:"redis_addr" validate:"required_if=Kind redis"`
	RedisPassword   string        `koanf:"redis_password"`
	RedisDB         int           `koanf:"redis_db" validate:"gte=0"`
	MaxTries        uint          `koanf:"max_tries" validate:"gt=0"`
	InitialBackoff  time.Duration `koanf:"initial_backoff" validate:"gt=0"`
	MaxBackoff      time.Duration `koanf:"max_backoff" validate:"gtefield=InitialBackoff"`
	FetchTimeout    time.Duration `koanf:"fetch_timeout" validate:"gt=0"`
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"gt=0"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

// ArchiveConfig selects where ended sessions are kept. An empty path keeps
// them in memory.
type ArchiveConfig struct {
	Path      string        `koanf:"path"`
	Retention time.Duration `koanf:"retention" validate:"gte=0"`
}

// CatalogConfig seeds the in-memory video catalog.
type CatalogConfig struct {
	File         string `koanf:"file"`
	DemoVideos   int    `koanf:"demo_videos" validate:"gte=0"`
	DemoSegments int    `koanf:"demo_segments" validate:"gt=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", ShutdownTimeout: 10 * time.Second},
		Log:    LogConfig{Level: "info", Format: "json"},
		Cache: CacheConfig{
			SweepInterval:      5 * time.Minute,
			RetentionWindow:    30 * time.Minute,
			AdmissionThreshold: 10,
			HotScore:           50,
			KeyframeInterval:   10,
		},
		Quality: QualityConfig{HistorySize: 10, Headroom: 1.2, HysteresisSamples: 5},
		Session: SessionConfig{
			HeartbeatInterval:    60 * time.Second,
			AnalyticsInterval:    5 * time.Minute,
			BufferHealthInterval: 10 * time.Second,
			StallThreshold:       30 * time.Second,
			ReapInterval:         5 * time.Minute,
			IdleTimeout:          30 * time.Minute,
			GracePeriod:          5 * time.Second,
			DefaultQuality:       "480p",
			FailureThreshold:     5,
			FailureBackoff:       15 * time.Second,
		},
		Delivery: DeliveryConfig{AdaptEvery: 5, FetchTimeout: 10 * time.Second},
		Source: SourceConfig{
			Kind:            "synthetic",
			Latency:         50 * time.Millisecond,
			PayloadBytes:    1 << 20,
			SegmentDuration: 6 * time.Second,
			RedisAddr:       "localhost:6379",
			MaxTries:        3,
			InitialBackoff:  100 * time.Millisecond,
			MaxBackoff:      2 * time.Second,
			FetchTimeout:    10 * time.Second,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Archive: ArchiveConfig{Retention: 24 * time.Hour},
		Catalog: CatalogConfig{DemoVideos: 1, DemoSegments: 100},
	}
}

// LoadEnvFile reads .env files and sets environment variables. A missing
// file is not an error. With no paths, ".env" is used.
func LoadEnvFile(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	if err := godotenv.Load(paths...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// legacyEnv maps the unprefixed variable names older deployments use.
var legacyEnv = map[string]string{
	"PORT":       "server.port",
	"LOG_LEVEL":  "log.level",
	"LOG_FORMAT": "log.format",
}

// Load builds the configuration from defaults, then legacy variables, then
// ABR_ variables, and validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	legacy := env.Provider("", ".", func(key string) string {
		return legacyEnv[key]
	})
	if err := k.Load(legacy, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envKey turns ABR_SESSION_GRACE_PERIOD into session.grace_period.
func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.Replace(key, "_", ".", 1)
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	return validator.New(validator.WithRequiredStructEnabled()).Struct(c)
}
