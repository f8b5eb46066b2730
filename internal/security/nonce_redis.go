package security

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/haasonsaas/billclaw/internal/backoff"
	"github.com/haasonsaas/billclaw/internal/config"
)

// RedisNonceStore shares processed nonces between processes through redis.
type RedisNonceStore struct {
	rdb    goredis.UniversalClient
	prefix string
}

// NewRedisNonceStore wraps an existing client. Keys are prefix+nonce.
func NewRedisNonceStore(rdb goredis.UniversalClient, prefix string) *RedisNonceStore {
	return &RedisNonceStore{rdb: rdb, prefix: prefix}
}

// DialRedisNonceStore connects to redis using cfg and verifies the connection,
// retrying the initial ping a few times.
func DialRedisNonceStore(ctx context.Context, cfg config.RedisConfig) (*RedisNonceStore, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	err := backoff.Retry(ctx, backoff.ReconnectPolicy(250*time.Millisecond, 2*time.Second), 3, func(int) error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err()
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisNonceStore(rdb, cfg.KeyPrefix), nil
}

// IsProcessed reports whether the nonce key exists.
func (s *RedisNonceStore) IsProcessed(ctx context.Context, nonce string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.prefix+nonce).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed stores the nonce key with ttl.
func (s *RedisNonceStore) MarkProcessed(ctx context.Context, nonce string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, s.prefix+nonce, "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the redis connection pool.
func (s *RedisNonceStore) Close() error {
	return s.rdb.Close()
}
