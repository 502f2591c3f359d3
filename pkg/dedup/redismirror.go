package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisMirrorConfig holds the configuration for the Redis client.
type RedisMirrorConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces fingerprint keys, e.g. "ingest:fp:".
	KeyPrefix string
	// TTL bounds how long a fingerprint stays visible to restarts. It should
	// comfortably exceed the broker's redelivery horizon.
	TTL time.Duration
}

// RedisMirror keeps a secondary copy of known fingerprints in Redis so a
// restarted process can detect redeliveries without a document-store
// round-trip. It is strictly best-effort: write failures are logged and
// swallowed, and lookup failures are surfaced so the caller can fall back to
// the durable store.
type RedisMirror struct {
	redisClient *redis.Client
	keyPrefix   string
	ttl         time.Duration
	logger      zerolog.Logger
}

// NewRedisMirror creates and connects a RedisMirror. It pings the Redis
// server to ensure connectivity before returning.
func NewRedisMirror(ctx context.Context, cfg *RedisMirrorConfig, logger zerolog.Logger) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "ingest:fp:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &RedisMirror{
		redisClient: rdb,
		keyPrefix:   keyPrefix,
		ttl:         ttl,
		logger:      logger.With().Str("component", "RedisMirror").Logger(),
	}, nil
}

// HasFingerprint reports whether the fingerprint was recorded within the TTL
// window. A Redis error is returned as-is; callers treat it as a miss and
// consult the durable store.
func (m *RedisMirror) HasFingerprint(ctx context.Context, fingerprint string) (bool, error) {
	n, err := m.redisClient.Exists(ctx, m.keyPrefix+fingerprint).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists for %s: %w", fingerprint, err)
	}
	return n > 0, nil
}

// Record stores a fingerprint in the background so the intake path never
// blocks on the mirror. Failures are logged, not propagated.
func (m *RedisMirror) Record(fingerprint string) {
	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.redisClient.Set(writeCtx, m.keyPrefix+fingerprint, 1, m.ttl).Err(); err != nil {
			m.logger.Error().Err(err).Str("fingerprint", fingerprint).Msg("Failed to mirror fingerprint in background.")
		}
	}()
}

// Close closes the Redis client connection.
func (m *RedisMirror) Close() error {
	if m.redisClient != nil {
		m.logger.Info().Msg("Closing Redis client connection...")
		return m.redisClient.Close()
	}
	return nil
}
