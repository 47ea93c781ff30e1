package segment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"abr-delivery/internal/quality"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection settings for RedisSource.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisSource reads segment payloads stored under "segment:<video>:<quality>:<n>".
type RedisSource struct {
	client   *redis.Client
	duration time.Duration
}

// NewRedisSource connects to Redis and verifies the connection with a ping.
func NewRedisSource(ctx context.Context, cfg RedisConfig, segmentDuration time.Duration) (*RedisSource, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisSourceWithClient(client, segmentDuration), nil
}

// NewRedisSourceWithClient wraps an existing client.
func NewRedisSourceWithClient(client *redis.Client, segmentDuration time.Duration) *RedisSource {
	if segmentDuration <= 0 {
		segmentDuration = DefaultSegmentDuration
	}
	return &RedisSource{client: client, duration: segmentDuration}
}

func redisKey(key Key) string {
	return fmt.Sprintf("segment:%s:%s:%d", key.VideoID, key.Quality, key.Number)
}

// Fetch implements Source.
func (s *RedisSource) Fetch(ctx context.Context, key Key) (Segment, error) {
	data, err := s.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Segment{}, storageError(key, ErrSegmentNotFound)
	}
	if err != nil {
		return Segment{}, storageError(key, err)
	}
	return Segment{
		VideoID:     key.VideoID,
		Number:      key.Number,
		Quality:     key.Quality,
		BitrateKbps: quality.BitrateFor(key.Quality),
		Duration:    s.duration,
		Data:        data,
		ContentType: DefaultContentType,
		CapturedAt:  time.Now(),
	}, nil
}

// Store writes a payload for key. Ingest tooling and tests use it to seed storage.
func (s *RedisSource) Store(ctx context.Context, key Key, data []byte) error {
	if err := s.client.Set(ctx, redisKey(key), data, 0).Err(); err != nil {
		return storageError(key, err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisSource) Close() error {
	return s.client.Close()
}
