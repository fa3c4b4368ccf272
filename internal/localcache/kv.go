// Package localcache is the storefront's stand-in for browser local storage:
// a small key-value abstraction plus the versioned guest-cart adapter on top.
package localcache

import (
	"context"
	"errors"
)

// KV is a string-keyed byte store.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

var ErrMiss = errors.New("cache miss")
