package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// TokenPlaceholder is replaced by RedisConfig.Token inside the connection URL.
const TokenPlaceholder = "$REDIS_TOKEN"

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	// URL is a redis:// or rediss:// connection string.
	URL string
	// Token, when set, is substituted for TokenPlaceholder in URL.
	Token string
}

// ConnectionURL returns the URL with the token substituted.
func (c RedisConfig) ConnectionURL() string {
	if c.Token == "" {
		return c.URL
	}
	return strings.ReplaceAll(c.URL, TokenPlaceholder, c.Token)
}

// RedisStore is a Store backed by Redis.
type RedisStore struct {
	redisClient *redis.Client
	logger      zerolog.Logger
}

// NewRedisStore creates and connects a new RedisStore.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.ConnectionURL())
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", opts.Addr).Msg("Successfully connected to Redis.")
	return NewRedisStoreFromClient(rdb, logger), nil
}

// NewRedisStoreFromClient wraps an existing client. The store takes ownership of it.
func NewRedisStoreFromClient(client *redis.Client, logger zerolog.Logger) *RedisStore {
	return &RedisStore{
		redisClient: client,
		logger:      logger.With().Str("component", "RedisStore").Logger(),
	}
}

// Get retrieves the raw bytes stored under key. redis.Nil is a miss.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.redisClient.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("Redis get failed.")
		return nil, false, err
	}
	return data, true, nil
}

// Set stores value with a millisecond-precision TTL.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	reply, err := s.redisClient.Set(ctx, key, value, ttl).Result()
	if err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("Redis set failed.")
		return false, err
	}
	return reply == "OK", nil
}

// Delete removes key and reports whether it existed.
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.redisClient.Del(ctx, key).Result()
	if err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("Redis del failed.")
		return false, err
	}
	return n > 0, nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	if s.redisClient != nil {
		s.logger.Info().Msg("Closing Redis client connection...")
		return s.redisClient.Close()
	}
	return nil
}
