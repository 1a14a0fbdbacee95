package utils

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultCacheTTL     = time.Hour
	defaultCacheTimeout = 2 * time.Second
)

// RedisCache is a small JSON cache over Redis. A nil client turns every call into a miss.
type RedisCache struct {
	rc      *redis.Client
	timeout time.Duration
}

// NewRedisCache wraps rc.
func NewRedisCache(rc *redis.Client) *RedisCache {
	return &RedisCache{rc: rc, timeout: defaultCacheTimeout}
}

// GetJSON loads key into v. It reports false on miss or any Redis/decoding error.
func (c *RedisCache) GetJSON(ctx context.Context, key string, v interface{}) bool {
	if c == nil || c.rc == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	b, err := c.rc.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) && Sugar != nil {
			Sugar.Debugf("cache get failed key=%s err=%v", key, err)
		}
		return false
	}
	if err := json.Unmarshal(b, v); err != nil {
		if Sugar != nil {
			Sugar.Warnf("cache decode failed key=%s err=%v", key, err)
		}
		return false
	}
	return true
}

// SetJSON marshals v and stores it with ttl (default one hour).
func (c *RedisCache) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	if c == nil || c.rc == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.rc.Set(ctx, key, b, ttl).Err()
}

// Delete removes key.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if c == nil || c.rc == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.rc.Del(ctx, key).Err()
}
