package localcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fjod/cartsync/internal/domain"
)

// SchemaVersion is the version written into every guest cart envelope.
// Bump it whenever domain.CartItem changes shape incompatibly.
const SchemaVersion = 1

var (
	ErrCorrupt      = errors.New("guest cart cache is corrupt")
	ErrIncompatible = errors.New("guest cart cache has an incompatible schema version")
)

type envelope struct {
	SchemaVersion int               `json:"schemaVersion"`
	Items         []domain.CartItem `json:"items"`
}

// GuestCache persists one client's cart lines under a single key.
type GuestCache struct {
	kv  KV
	key string
}

func NewGuestCache(kv KV, clientID string) *GuestCache {
	return &GuestCache{kv: kv, key: cacheKey(clientID)}
}

// Load returns the cached lines. ErrMiss means nothing was cached;
// ErrCorrupt and ErrIncompatible mean the value must be discarded.
func (g *GuestCache) Load(ctx context.Context) ([]domain.CartItem, error) {
	data, err := g.kv.Get(ctx, g.key)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatible, env.SchemaVersion, SchemaVersion)
	}
	if env.Items == nil {
		env.Items = []domain.CartItem{}
	}
	if err := validateLines(env.Items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return env.Items, nil
}

// validateLines rejects lines the cart could never have written: a
// non-positive quantity, a negative total, or two lines for one product
// and size.
func validateLines(items []domain.CartItem) error {
	type lineKey struct {
		productID int64
		size      string
	}
	seen := make(map[lineKey]struct{}, len(items))
	for _, it := range items {
		if it.Quantity < 1 {
			return fmt.Errorf("product %d has quantity %d", it.ProductID, it.Quantity)
		}
		if it.LineTotal.IsNegative() {
			return fmt.Errorf("product %d has negative line total", it.ProductID)
		}
		k := lineKey{it.ProductID, it.SelectedSize}
		if _, dup := seen[k]; dup {
			return fmt.Errorf("duplicate line for product %d size %q", it.ProductID, it.SelectedSize)
		}
		seen[k] = struct{}{}
	}
	return nil
}

func (g *GuestCache) Save(ctx context.Context, items []domain.CartItem) error {
	if items == nil {
		items = []domain.CartItem{}
	}
	data, err := json.Marshal(envelope{SchemaVersion: SchemaVersion, Items: items})
	if err != nil {
		return fmt.Errorf("marshal guest cart failed: %w", err)
	}
	return g.kv.Set(ctx, g.key, data)
}

func (g *GuestCache) Clear(ctx context.Context) error {
	return g.kv.Delete(ctx, g.key)
}

func cacheKey(clientID string) string {
	return fmt.Sprintf("guest-cart:%s", clientID)
}
