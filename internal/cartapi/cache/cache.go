// Package cache is the cache-aside store for server carts.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fjod/cartsync/internal/cartapi/domain"
	"github.com/fjod/cartsync/internal/localcache"
)

var ErrCacheMiss = errors.New("cache miss")

// CartCache keeps serialized carts in any KV; in production that is a
// localcache.RedisKV with the jittered TTL.
type CartCache struct {
	kv localcache.KV
}

func New(kv localcache.KV) *CartCache {
	return &CartCache{kv: kv}
}

func (c *CartCache) Get(ctx context.Context, userID string) (*domain.Cart, error) {
	data, err := c.kv.Get(ctx, cacheKey(userID))
	if errors.Is(err, localcache.ErrMiss) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}

	var cart domain.Cart
	if err := json.Unmarshal(data, &cart); err != nil {
		return nil, fmt.Errorf("unmarshal cart failed: %w", err)
	}
	return &cart, nil
}

func (c *CartCache) Set(ctx context.Context, userID string, cart *domain.Cart) error {
	data, err := json.Marshal(cart)
	if err != nil {
		return fmt.Errorf("marshal cart failed: %w", err)
	}
	return c.kv.Set(ctx, cacheKey(userID), data)
}

func (c *CartCache) Delete(ctx context.Context, userID string) error {
	return c.kv.Delete(ctx, cacheKey(userID))
}

func cacheKey(userID string) string {
	return fmt.Sprintf("cart:%s", userID)
}
