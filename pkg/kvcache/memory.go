package kvcache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Cache used by tests and local runs.
type Memory struct {
	mu    sync.Mutex
	items map[string]memoryItem
}

type memoryItem struct {
	value    string
	expireAt time.Time
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]memoryItem)}
}

func (c *Memory) get(key string) (memoryItem, bool) {
	it, ok := c.items[key]
	if !ok {
		return memoryItem{}, false
	}
	if !it.expireAt.IsZero() && time.Now().After(it.expireAt) {
		delete(c.items, key)
		return memoryItem{}, false
	}
	return it, true
}

func (c *Memory) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.get(key)
	if !ok {
		return "", ErrMiss
	}
	return it.value, nil
}

func (c *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = memoryItem{value: value, expireAt: expiry(ttl)}
	return nil
}

func (c *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.get(key); ok {
		return false, nil
	}
	c.items[key] = memoryItem{value: value, expireAt: expiry(ttl)}
	return true, nil
}

func (c *Memory) Incr(ctx context.Context, key string) (int64, error) {
	return c.IncrBy(ctx, key, 1)
}

func (c *Memory) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, _ := c.get(key)
	cur, _ := strconv.ParseInt(it.value, 10, 64)
	cur += n
	c.items[key] = memoryItem{value: strconv.FormatInt(cur, 10), expireAt: it.expireAt}
	return cur, nil
}

func (c *Memory) ExpireAt(_ context.Context, key string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.get(key); ok {
		it.expireAt = at
		c.items[key] = it
	}
	return nil
}

func (c *Memory) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.items, k)
	}
	return nil
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
