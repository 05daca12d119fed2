package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

const redisKeyPrefix = "quakemap:response:"

// redisCmds is the subset of *redis.Client the cache uses.
type redisCmds interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

type redisEntry struct {
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// RedisCache is a response cache backed by Redis. Entries expire through the
// key TTL, so there is nothing to prune.
type RedisCache struct {
	client redisCmds
}

// NewRedisCache connects lazily to the Redis server named by a redis:// URL.
func NewRedisCache(rawURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, eris.Wrap(err, "redis: parse url")
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// GetResponse returns a cached body when present.
func (c *RedisCache) GetResponse(ctx context.Context, key string) (string, []byte, bool, error) {
	data, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, eris.Wrap(err, "redis: get response")
	}
	var e redisEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return "", nil, false, eris.Wrap(err, "redis: decode response")
	}
	return e.ContentType, e.Body, true, nil
}

// SetResponse stores a body for ttl.
func (c *RedisCache) SetResponse(ctx context.Context, key, contentType string, body []byte, ttl time.Duration) error {
	data, err := json.Marshal(redisEntry{ContentType: contentType, Body: body})
	if err != nil {
		return eris.Wrap(err, "redis: encode response")
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err(); err != nil {
		return eris.Wrap(err, "redis: set response")
	}
	return nil
}

// Ping checks the connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return eris.Wrap(c.client.Ping(ctx).Err(), "redis: ping")
}

// Close closes the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
