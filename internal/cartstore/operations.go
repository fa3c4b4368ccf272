package cartstore

import (
	"context"
	"fmt"

	"github.com/fjod/cartsync/internal/domain"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const signInToChangeSize = "Please sign in to change the size"

// AddItem adds quantity units of p. A guest line with the same product and
// size is merged; a member add goes to the cart API and the answer replaces
// the view.
func (s *Store) AddItem(ctx context.Context, p domain.Product, quantity int, size, color string) {
	if quantity < 1 {
		s.notifier.Info("Choose at least one item to add")
		return
	}

	if s.withGuest(ctx, func(g *guestCart) { g.add(p, quantity, size, color, s.now()) }) {
		s.notifier.Success(fmt.Sprintf("%s added to cart", p.Name))
		return
	}

	ok := s.remoteMutation(ctx, "add item", productTarget(p.ID), func(ctx context.Context, token string) (*domain.CartSnapshot, error) {
		return s.remote.AddItem(ctx, token, p.ID, quantity)
	})
	if ok {
		s.notifier.Success(fmt.Sprintf("%s added to cart", p.Name))
	}
}

// RemoveItem drops the first line of productID.
func (s *Store) RemoveItem(ctx context.Context, productID int64) {
	if s.withGuest(ctx, func(g *guestCart) { g.remove(productID) }) {
		return
	}

	s.remoteMutation(ctx, "remove item", productTarget(productID), func(ctx context.Context, token string) (*domain.CartSnapshot, error) {
		return s.remote.RemoveItem(ctx, token, productID)
	})
}

// UpdateQuantity sets the quantity of productID. Zero or less removes it.
func (s *Store) UpdateQuantity(ctx context.Context, productID int64, quantity int) {
	if quantity <= 0 {
		s.RemoveItem(ctx, productID)
		return
	}

	if s.withGuest(ctx, func(g *guestCart) { g.setQuantity(productID, quantity) }) {
		return
	}

	s.remoteMutation(ctx, "update quantity", productTarget(productID), func(ctx context.Context, token string) (*domain.CartSnapshot, error) {
		return s.remote.UpdateQuantity(ctx, token, productID, quantity)
	})
}

// UpdateSize is only available to signed-in users.
func (s *Store) UpdateSize(ctx context.Context, productID int64, size string) {
	s.mu.Lock()
	_, guest := s.cart.(*guestCart)
	s.mu.Unlock()
	if guest {
		s.notifier.Info(signInToChangeSize)
		return
	}

	s.remoteMutation(ctx, "update size", productTarget(productID), func(ctx context.Context, token string) (*domain.CartSnapshot, error) {
		return s.remote.UpdateSize(ctx, token, productID, size)
	})
}

func (s *Store) ClearCart(ctx context.Context) {
	s.mu.Lock()
	if g, ok := s.cart.(*guestCart); ok {
		g.lines = []domain.CartItem{}
		s.issueLocked(cartTarget)
		s.err = nil
		s.gen++
		s.dirty = false
		gen := s.gen
		s.mu.Unlock()
		s.persist(ctx, gen, s.cache.Clear)
		return
	}
	s.mu.Unlock()

	s.remoteMutation(ctx, "clear cart", cartTarget, func(ctx context.Context, token string) (*domain.CartSnapshot, error) {
		if err := s.remote.ClearCart(ctx, token); err != nil {
			return nil, err
		}
		return &domain.CartSnapshot{Items: []domain.SnapshotItem{}}, nil
	})
}

// withGuest applies fn when the cart is a guest cart and reports whether it
// did. The change invalidates a guest load that is still running.
func (s *Store) withGuest(ctx context.Context, fn func(*guestCart)) bool {
	gen, items, persist, ok := s.applyGuest(fn)
	if !ok {
		return false
	}
	if persist {
		s.persist(ctx, gen, func(ctx context.Context) error { return s.cache.Save(ctx, items) })
	}
	return true
}

func (s *Store) applyGuest(fn func(*guestCart)) (gen uint64, items []domain.CartItem, persist, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.cart.(*guestCart)
	if !ok {
		return 0, nil, false, false
	}
	fn(g)
	s.issueLocked(cartTarget)
	s.err = nil
	gen, items, persist = s.commitLocked()
	return gen, items, persist, true
}

type remoteCall func(ctx context.Context, token string) (*domain.CartSnapshot, error)

// remoteMutation runs call for the member cart and applies its answer if the
// ticket is still current. It reports whether the answer was applied.
func (s *Store) remoteMutation(ctx context.Context, op, target string, call remoteCall) bool {
	ctx, span := s.tracer.Start(ctx, "cartstore."+op)
	defer span.End()
	span.SetAttributes(attribute.String("cart.target", target))

	s.mu.Lock()
	m, ok := s.cart.(*memberCart)
	if !ok {
		// Logged out between dispatch and here.
		s.mu.Unlock()
		return false
	}
	token := m.session.Token
	t := s.issueLocked(target)
	s.inflight++
	s.mu.Unlock()

	released := false
	defer func() {
		if !released {
			s.mu.Lock()
			s.inflight--
			s.mu.Unlock()
		}
	}()

	snap, err := call(ctx, token)

	s.mu.Lock()
	s.inflight--
	released = true
	m, ok = s.cart.(*memberCart)
	if !ok || !s.currentLocked(t) {
		s.mu.Unlock()
		s.discard(op, t)
		return false
	}

	if err != nil {
		s.err = fmt.Errorf("%s: %w", op, err)
		s.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.WithFields(logrus.Fields{"operation": op, "target": target}).WithError(err).Warn("cart operation failed")
		s.notifier.Failure(fmt.Sprintf("Could not %s", op))
		return false
	}

	if snap == nil {
		snap = &domain.CartSnapshot{Items: []domain.SnapshotItem{}}
	}
	m.backend = snap
	m.fallback = nil
	s.err = nil
	gen, items, persist := s.commitLocked()
	s.mu.Unlock()

	if persist {
		s.persist(ctx, gen, func(ctx context.Context) error { return s.cache.Save(ctx, items) })
	}
	return true
}
