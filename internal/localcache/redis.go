package localcache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV stores values in Redis with a jittered TTL so that guest carts
// created together do not all expire together.
type RedisKV struct {
	client  *redis.Client
	baseTTL time.Duration
	jitter  time.Duration
}

func NewRedisKV(client *redis.Client, baseTTL time.Duration) *RedisKV {
	return &RedisKV{
		client:  client,
		baseTTL: baseTTL,
		jitter:  5 * time.Minute,
	}
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return data, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	ttl := r.baseTTL
	if ttl > 0 && r.jitter > 0 {
		ttl += time.Duration(rand.Int63n(int64(r.jitter)))
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}
