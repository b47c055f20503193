package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"polarview/internal/metrics"
)

const redisKeyPrefix = "polarview:tile:"

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisCache shares fetched tile bytes between server instances.
// Errors are logged and reported as misses.
type RedisCache struct {
	client  *redis.Client
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.Logger
}

func NewRedisCache(cfg RedisConfig, logger *zap.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}

	return &RedisCache{
		client:  client,
		ttl:     ttl,
		timeout: 2 * time.Second,
		logger:  logger,
	}, nil
}

var _ Cache = (*RedisCache)(nil)

func (c *RedisCache) keyFor(k TileKey) string {
	return fmt.Sprintf("%s%d:%d:%d", redisKeyPrefix, k.Z, k.X, k.Y)
}

func (c *RedisCache) observe(operation string, start time.Time, err error) {
	metrics.RedisOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RedisErrors.WithLabelValues(operation).Inc()
		c.logger.Warn("Redis cache operation failed", zap.String("operation", operation), zap.Error(err))
	}
}

func (c *RedisCache) Get(k TileKey) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	start := time.Now()
	data, err := c.client.Get(ctx, c.keyFor(k)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.observe("get", start, nil)
		return nil, false
	}
	c.observe("get", start, err)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *RedisCache) Set(k TileKey, v []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	start := time.Now()
	err := c.client.Set(ctx, c.keyFor(k), v, c.ttl).Err()
	c.observe("set", start, err)
}

func (c *RedisCache) Has(k TileKey) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	start := time.Now()
	n, err := c.client.Exists(ctx, c.keyFor(k)).Result()
	c.observe("exists", start, err)
	return err == nil && n > 0
}

// Clear removes only keys written by this cache.
func (c *RedisCache) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	var err error
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		if err = c.client.Del(ctx, iter.Val()).Err(); err != nil {
			break
		}
	}
	if err == nil {
		err = iter.Err()
	}
	c.observe("clear", start, err)
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
