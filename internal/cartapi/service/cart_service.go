// Package service implements the cart API use cases on top of the cart
// repository, the cart cache and the product catalog.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fjod/cartsync/internal/cartapi/cache"
	"github.com/fjod/cartsync/internal/cartapi/catalog"
	cartdomain "github.com/fjod/cartsync/internal/cartapi/domain"
	"github.com/fjod/cartsync/internal/cartapi/repository"
	"github.com/fjod/cartsync/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var (
	ErrInsufficientStock  = errors.New("not enough stock available")
	ErrProductUnavailable = errors.New("product is no longer available")
)

type CartCache interface {
	Get(ctx context.Context, userID string) (*cartdomain.Cart, error)
	Set(ctx context.Context, userID string, cart *cartdomain.Cart) error
	Delete(ctx context.Context, userID string) error
}

type Catalog interface {
	GetProduct(ctx context.Context, id int64) (*catalog.Product, error)
	GetProducts(ctx context.Context, ids []int64) (map[int64]*catalog.Product, error)
}

const cacheOpTimeout = time.Second

type CartService struct {
	repo    repository.CartRepository
	cache   CartCache
	catalog Catalog
	log     logrus.FieldLogger
	sfg     singleflight.Group // Prevents cache stampede

	// fillMu orders cache fills against invalidations. versions counts
	// writes per user; a fill whose read predates a write is not cached.
	fillMu   sync.Mutex
	versions map[string]uint64
}

func NewCartService(repo repository.CartRepository, cache CartCache, catalog Catalog, log logrus.FieldLogger) *CartService {
	return &CartService{
		repo:    repo,
		cache:   cache,
		catalog: catalog,
		log:     log.WithField("component", "cart_service"),

		versions: make(map[string]uint64),
	}
}

// GetCart returns the stored cart or repository.ErrCartNotFound.
func (s *CartService) GetCart(ctx context.Context, userID string) (*cartdomain.Cart, error) {
	v, err, _ := s.sfg.Do(userID, func() (interface{}, error) {
		cart, err := s.cache.Get(ctx, userID)
		if err == nil {
			return cart, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.log.WithError(err).Warn("cache get failed")
		}

		version := s.version(userID)
		cart, err = s.repo.GetCart(ctx, userID)
		if err != nil {
			return nil, err
		}

		s.fillCache(ctx, userID, cart, version)
		return cart, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cartdomain.Cart), nil
}

// Snapshot returns the cart priced from the catalog, or nil when the user
// has no cart. Lines whose product left the catalog are kept, inactive and
// unpriced.
func (s *CartService) Snapshot(ctx context.Context, userID string) (*domain.CartSnapshot, error) {
	cart, err := s.GetCart(ctx, userID)
	if errors.Is(err, repository.ErrCartNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(cart.Items))
	for _, it := range cart.Items {
		ids = append(ids, it.ProductID)
	}
	products, err := s.catalog.GetProducts(ctx, ids)
	if err != nil {
		return nil, err
	}

	snap := &domain.CartSnapshot{Items: make([]domain.SnapshotItem, 0, len(cart.Items)), TotalAmount: decimal.Zero}
	for _, it := range cart.Items {
		line := domain.SnapshotItem{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			Size:      it.Size,
			Price:     decimal.Zero,
			LineTotal: decimal.Zero,
		}
		if p, ok := products[it.ProductID]; ok {
			line.ProductName = p.Name
			line.Price = p.Price
			line.Category = p.Category
			line.ImageURL = p.ImageURL
			line.IsActive = p.IsActive
			line.LineTotal = p.Price.Mul(decimal.NewFromInt(int64(it.Quantity)))
		}
		snap.Items = append(snap.Items, line)
		snap.TotalItems += it.Quantity
		snap.TotalAmount = snap.TotalAmount.Add(line.LineTotal)
	}
	return snap, nil
}

func (s *CartService) AddItem(ctx context.Context, userID string, productID int64, quantity int) error {
	inCart := 0
	if cart, err := s.GetCart(ctx, userID); err == nil {
		if it, ok := cart.Item(productID); ok {
			inCart = it.Quantity
		}
	} else if !errors.Is(err, repository.ErrCartNotFound) {
		return err
	}

	if err := s.checkStock(ctx, productID, inCart+quantity); err != nil {
		return err
	}

	if err := s.repo.AddItem(ctx, userID, cartdomain.CartItem{ProductID: productID, Quantity: quantity}); err != nil {
		s.log.WithError(err).WithField("user_id", userID).Error("repo add item failed")
		return err
	}

	s.invalidateCache(userID)
	return nil
}

func (s *CartService) UpdateQuantity(ctx context.Context, userID string, productID int64, quantity int) error {
	if err := s.checkStock(ctx, productID, quantity); err != nil {
		return err
	}

	if err := s.repo.UpdateItemQuantity(ctx, userID, productID, quantity); err != nil {
		s.logRepoError(err, userID, "repo update item quantity failed")
		return err
	}

	s.invalidateCache(userID)
	return nil
}

func (s *CartService) UpdateSize(ctx context.Context, userID string, productID int64, size string) error {
	if err := s.repo.UpdateItemSize(ctx, userID, productID, size); err != nil {
		s.logRepoError(err, userID, "repo update item size failed")
		return err
	}

	s.invalidateCache(userID)
	return nil
}

func (s *CartService) RemoveItem(ctx context.Context, userID string, productID int64) error {
	if err := s.repo.RemoveItem(ctx, userID, productID); err != nil {
		s.logRepoError(err, userID, "repo remove item failed")
		return err
	}

	s.invalidateCache(userID)
	return nil
}

// ClearCart deletes the cart. Clearing a cart that does not exist succeeds.
func (s *CartService) ClearCart(ctx context.Context, userID string) error {
	err := s.repo.DeleteCart(ctx, userID)
	if err != nil && !errors.Is(err, repository.ErrCartNotFound) {
		s.log.WithError(err).WithField("user_id", userID).Error("repo delete cart failed")
		return err
	}

	s.invalidateCache(userID)
	return nil
}

func (s *CartService) checkStock(ctx context.Context, productID int64, want int) error {
	p, err := s.catalog.GetProduct(ctx, productID)
	if err != nil {
		return err
	}
	if !p.IsActive {
		return ErrProductUnavailable
	}
	if want > p.Stock {
		return ErrInsufficientStock
	}
	return nil
}

func (s *CartService) logRepoError(err error, userID, msg string) {
	entry := s.log.WithError(err).WithField("user_id", userID)
	if errors.Is(err, repository.ErrItemNotFound) || errors.Is(err, repository.ErrCartNotFound) {
		entry.Debug(msg)
		return
	}
	entry.Error(msg)
}

func (s *CartService) version(userID string) uint64 {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	return s.versions[userID]
}

// fillCache stores cart unless a write for userID landed after the read
// that produced it.
func (s *CartService) fillCache(ctx context.Context, userID string, cart *cartdomain.Cart, readVersion uint64) {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	if s.versions[userID] != readVersion {
		return
	}

	setCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheOpTimeout)
	defer cancel()
	if err := s.cache.Set(setCtx, userID, cart); err != nil {
		s.log.WithError(err).Warn("cache set failed")
	}
}

// invalidateCache runs after every write. Reads already in flight are
// detached from later callers and will not be cached.
func (s *CartService) invalidateCache(userID string) {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	s.versions[userID]++
	s.sfg.Forget(userID)

	ctx, cancel := context.WithTimeout(context.Background(), cacheOpTimeout)
	defer cancel()
	if err := s.cache.Delete(ctx, userID); err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("cache invalidate failed")
	}
}
