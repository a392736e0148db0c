package esi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/maferick/corpaudit/internal/logging"
	"github.com/maferick/corpaudit/internal/metrics"
)

// Producer performs the real request on a cache miss.
type Producer func(ctx context.Context) ([]byte, error)

// Cache reuses a successful response for ttl. identity scopes the entry, so
// two characters never share an authenticated response.
type Cache interface {
	GetCached(ctx context.Context, key, identity string, ttl time.Duration, producer Producer) ([]byte, error)
}

const cacheKeyPrefix = "esi:cache:"

// CacheKey is the Redis key of an entry.
func CacheKey(key, identity string) string {
	sum := sha256.Sum256([]byte(key + "|" + identity))
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}

type RedisCache struct {
	client  redis.Cmdable
	group   singleflight.Group
	metrics metrics.Sink
	logger  *zap.SugaredLogger
}

func NewRedisCache(client redis.Cmdable) *RedisCache {
	return &RedisCache{
		client:  client,
		metrics: metrics.NewNoopSink(),
		logger:  logging.Nop(),
	}
}

func (c *RedisCache) WithMetrics(sink metrics.Sink) *RedisCache {
	c.metrics = sink
	return c
}

func (c *RedisCache) WithLogger(l *zap.SugaredLogger) *RedisCache {
	c.logger = l
	return c
}

// GetCached returns the cached entry or calls producer once per entry, however
// many callers miss at the same time. Only successful output is stored. A
// failure to store is logged and the fresh payload still returned.
func (c *RedisCache) GetCached(ctx context.Context, key, identity string, ttl time.Duration, producer Producer) ([]byte, error) {
	rkey := CacheKey(key, identity)

	data, err := c.client.Get(ctx, rkey).Bytes()
	if err == nil {
		c.metrics.CacheLookup(true)
		return data, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	c.metrics.CacheLookup(false)

	// The shared producer outlives any single caller; each caller stops
	// waiting on its own context.
	ch := c.group.DoChan(rkey, func() (interface{}, error) {
		pctx := context.WithoutCancel(ctx)
		data, err := producer(pctx)
		if err != nil {
			return nil, err
		}
		if ttl > 0 {
			if err := c.client.Set(pctx, rkey, data, ttl).Err(); err != nil {
				c.logger.Warnf("esi: cache set %s: %v", key, err)
			}
		}
		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// NoCache calls the producer every time. Used when Redis is not configured.
type NoCache struct{}

func (NoCache) GetCached(ctx context.Context, key, identity string, ttl time.Duration, producer Producer) ([]byte, error) {
	return producer(ctx)
}

var (
	_ Cache = (*RedisCache)(nil)
	_ Cache = NoCache{}
)
