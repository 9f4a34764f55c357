package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const sendIdempotencyTTL = 24 * time.Hour

// Claimer records client message ids so a resent frame is not persisted twice.
type Claimer interface {
	// Claim reports false when the key was already claimed and not yet expired.
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string)
}

func sendIdempotencyKey(userID, threadID, clientMsgID string) string {
	return fmt.Sprintf("ws:message:idempotency:%s:%s:%s", userID, threadID, clientMsgID)
}

type RedisClaimer struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisClaimer(client *redis.Client, ttl time.Duration) *RedisClaimer {
	if ttl <= 0 {
		ttl = sendIdempotencyTTL
	}
	return &RedisClaimer{client: client, ttl: ttl}
}

func (c *RedisClaimer) Claim(ctx context.Context, key string) (bool, error) {
	return c.client.SetNX(ctx, key, "1", c.ttl).Result()
}

func (c *RedisClaimer) Release(ctx context.Context, key string) {
	_, _ = c.client.Del(ctx, key).Result()
}

// MemoryClaimer backs single-node dev mode.
type MemoryClaimer struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	keys map[string]time.Time
}

func NewMemoryClaimer(ttl time.Duration) *MemoryClaimer {
	if ttl <= 0 {
		ttl = sendIdempotencyTTL
	}
	return &MemoryClaimer{ttl: ttl, now: time.Now, keys: map[string]time.Time{}}
}

func (c *MemoryClaimer) Claim(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, exp := range c.keys {
		if !exp.After(now) {
			delete(c.keys, k)
		}
	}
	if _, ok := c.keys[key]; ok {
		return false, nil
	}
	c.keys[key] = now.Add(c.ttl)
	return true, nil
}

func (c *MemoryClaimer) Release(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, key)
}
