package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Defaults applied by NewRedisDedup.
const (
	DefaultDedupPrefix = "taskmesh:dedup:"
	DefaultDedupTTL    = 24 * time.Hour
)

// RedisDedup is a DedupStore shared across processes through Redis. Keys are
// written with SET NX and expire after the configured TTL.
type RedisDedup struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisDedup creates a Redis-backed store. An empty prefix or a
// non-positive ttl selects the package default.
func NewRedisDedup(client redis.Cmdable, prefix string, ttl time.Duration, logger *zap.Logger) *RedisDedup {
	if prefix == "" {
		prefix = DefaultDedupPrefix
	}
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisDedup{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "redis_dedup")),
	}
}

// MarkSeen implements DedupStore.
func (r *RedisDedup) MarkSeen(ctx context.Context, key string) (bool, error) {
	first, err := r.client.SetNX(ctx, r.prefix+key, 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return first, nil
}

// Forget implements DedupStore.
func (r *RedisDedup) Forget(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	r.logger.Debug("dedup key forgotten", zap.String("key", key))
	return nil
}

// Ping verifies the connection.
func (r *RedisDedup) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
