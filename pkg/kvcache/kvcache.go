// Package kvcache is the cache port shared by engine components. Counter,
// baseline and lock ownership stays with the component that writes the key;
// this package only abstracts the backing store.
package kvcache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/fx"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get when the key does not exist.
var ErrMiss = errors.New("kvcache: key not found")

type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	ExpireAt(ctx context.Context, key string, at time.Time) error
	Del(ctx context.Context, keys ...string) error
}

var Module = fx.Module("kvcache",
	fx.Provide(func(rdb *redis.Client) Cache { return NewRedis(rdb) }),
)

// Redis implements Cache on a go-redis client.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (c *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return v, err
}

func (c *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (c *Redis) Incr(ctx context.Context, key string) (int64, error) {
	return c.rdb.Incr(ctx, key).Result()
}

func (c *Redis) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	return c.rdb.IncrBy(ctx, key, n).Result()
}

func (c *Redis) ExpireAt(ctx context.Context, key string, at time.Time) error {
	return c.rdb.ExpireAt(ctx, key, at).Err()
}

func (c *Redis) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}
