// Package cache wraps Redis for the pipeline's hot reads, dedup locks and
// rate windows. Everything here is advisory; the database stays the source
// of truth.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"microcrop-processor/internal/fault"
)

type Cache struct {
	rdb *redis.Client
}

// New connects from a redis:// URL.
func New(url string, poolSize int) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fault.Wrap(fault.Fatal, "cache.new", err)
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	return &Cache{rdb: redis.NewClient(opts)}, nil
}

// NewFromClient wraps an existing client; tests hand in miniredis here.
func NewFromClient(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

func (c *Cache) Close() error {
	return c.rdb.Close()
}

// Ping is the health-check probe.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fault.Wrap(fault.Transient, "cache.ping", err)
	}
	return nil
}

// GetJSON loads a key into out. A miss is (false, nil), not an error.
func (c *Cache) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	raw, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fault.Wrap(fault.Transient, "cache.get", err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fault.Wrap(fault.Permanent, "cache.get", err)
	}
	return true, nil
}

// SetJSON stores a value under the key with a TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fault.Wrap(fault.Permanent, "cache.set", err)
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fault.Wrap(fault.Transient, "cache.set", err)
	}
	return nil
}

// Delete drops keys; missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fault.Wrap(fault.Transient, "cache.delete", err)
	}
	return nil
}

// SetNX takes a short-lived lock. True means the key was free and is now
// held for the TTL.
func (c *Cache) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fault.Wrap(fault.Transient, "cache.setnx", err)
	}
	return ok, nil
}

// Allow counts a hit against a fixed window and reports whether it stays
// within the limit. Redis trouble fails open: throttling is protective, not
// load-bearing, and a dead cache must not take the API down with it.
func (c *Cache) Allow(ctx context.Context, key string, limit int64, window time.Duration) bool {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Rate window unavailable, allowing request")
		return true
	}
	if n == 1 {
		if err := c.rdb.Expire(ctx, key, window).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to arm rate window expiry")
		}
	}
	return n <= limit
}
