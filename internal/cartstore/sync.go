package cartstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/fjod/cartsync/internal/domain"
	"github.com/fjod/cartsync/internal/localcache"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const cartTarget = "cart"

func productTarget(productID int64) string {
	return "product:" + strconv.FormatInt(productID, 10)
}

// ticket identifies one state-changing request. Its answer is applied only
// while the ticket is still the newest for its target, no whole-cart request
// was issued after it and the session has not changed. A whole-cart answer
// is also dropped once any later request was issued.
type ticket struct {
	epoch   uint64
	target  string
	seq     uint64
	cartSeq uint64
	issued  uint64
}

func (s *Store) issueLocked(target string) ticket {
	s.seq[target]++
	s.issued++
	return ticket{
		epoch:   s.epoch,
		target:  target,
		seq:     s.seq[target],
		cartSeq: s.seq[cartTarget],
		issued:  s.issued,
	}
}

func (s *Store) currentLocked(t ticket) bool {
	if t.target == cartTarget && s.issued != t.issued {
		return false
	}
	return t.epoch == s.epoch &&
		s.seq[t.target] == t.seq &&
		s.seq[cartTarget] == t.cartSeq
}

func (s *Store) discard(op string, t ticket) {
	s.log.WithFields(logrus.Fields{
		"operation": op,
		"target":    t.target,
		"seq":       t.seq,
		"epoch":     t.epoch,
	}).Debug("discarding stale response")
}

// SyncCart reloads the cart: the guest cart from the local cache, the member
// cart from the cart API. Concurrent calls within one session share a single
// load. Failures are recorded in State.Error and never returned.
func (s *Store) SyncCart(ctx context.Context) {
	s.mu.Lock()
	key := strconv.FormatUint(s.epoch, 10)
	s.mu.Unlock()

	_, _, _ = s.syncs.Do(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), syncTimeout)
		defer cancel()
		s.sync(ctx)
		return nil, nil
	})
}

func (s *Store) sync(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "cartstore.SyncCart")
	defer span.End()

	s.mu.Lock()
	s.loading++
	t := s.issueLocked(cartTarget)
	member, isMember := s.cart.(*memberCart)
	var token string
	if isMember {
		token = member.session.Token
	}
	s.mu.Unlock()
	defer s.finishLoading(ctx)

	span.SetAttributes(attribute.Bool("cart.authenticated", isMember))
	if !isMember {
		s.syncGuest(ctx, t)
		return
	}

	snap, err := s.remote.GetCart(ctx, token)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.syncMemberFailed(ctx, t, err)
		return
	}

	s.mu.Lock()
	m, ok := s.cart.(*memberCart)
	if !ok || !s.currentLocked(t) {
		s.mu.Unlock()
		s.discard("sync", t)
		return
	}
	if snap == nil {
		snap = &domain.CartSnapshot{Items: []domain.SnapshotItem{}}
	}
	m.backend = snap
	m.fallback = nil
	s.err = nil
	// Written to the cache by finishLoading.
	s.commitLocked()
	s.mu.Unlock()
}

func (s *Store) syncGuest(ctx context.Context, t ticket) {
	items, err := s.cache.Load(ctx)
	if err != nil {
		s.guestLoadFailed(ctx, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.cart.(*guestCart)
	if !ok || !s.currentLocked(t) {
		s.discard("sync", t)
		return
	}
	g.lines = items
	s.err = nil
}

func (s *Store) guestLoadFailed(ctx context.Context, err error) {
	switch {
	case errors.Is(err, localcache.ErrMiss):
		return
	case errors.Is(err, localcache.ErrCorrupt), errors.Is(err, localcache.ErrIncompatible):
		s.log.WithError(err).Warn("discarding unreadable cached cart")
		if derr := s.cache.Clear(ctx); derr != nil {
			s.log.WithError(derr).Warn("failed to delete unreadable cached cart")
		}
	default:
		s.log.WithError(err).Warn("failed to read cached cart")
	}
}

// syncMemberFailed keeps the last applied server cart. Before the first
// successful fetch the cached lines are shown instead.
func (s *Store) syncMemberFailed(ctx context.Context, t ticket, cause error) {
	var cached []domain.CartItem
	s.mu.Lock()
	needFallback := false
	if m, ok := s.cart.(*memberCart); ok && m.backend == nil {
		needFallback = true
	}
	s.mu.Unlock()

	if needFallback {
		items, err := s.cache.Load(ctx)
		if err == nil {
			cached = items
		} else if !errors.Is(err, localcache.ErrMiss) {
			s.log.WithError(err).Warn("failed to read cached cart")
		}
	}

	s.mu.Lock()
	m, ok := s.cart.(*memberCart)
	if !ok || !s.currentLocked(t) {
		s.mu.Unlock()
		s.discard("sync", t)
		return
	}
	if m.backend == nil && cached != nil {
		m.fallback = cached
	}
	s.err = fmt.Errorf("sync cart: %w", cause)
	s.mu.Unlock()

	s.log.WithError(cause).Warn("failed to load cart, showing cached cart")
	s.notifier.Failure("Could not load your cart")
}

// finishLoading releases the loading flag and writes any state change that
// was held back while the load was running.
func (s *Store) finishLoading(ctx context.Context) {
	s.mu.Lock()
	s.loading--
	if s.loading > 0 || !s.dirty {
		s.mu.Unlock()
		return
	}
	gen, items, _ := s.commitLocked()
	s.mu.Unlock()
	s.persist(ctx, gen, func(ctx context.Context) error { return s.cache.Save(ctx, items) })
}

// commitLocked records a state change. persist is false while a load is
// running; the change is then written when the load finishes.
func (s *Store) commitLocked() (gen uint64, items []domain.CartItem, persist bool) {
	s.gen++
	if s.loading > 0 {
		s.dirty = true
		return s.gen, nil, false
	}
	s.dirty = false
	return s.gen, domain.CloneItems(s.cart.items()), true
}

// persist runs write unless a newer generation was already written. The
// write outlives a cancelled request context.
func (s *Store) persist(ctx context.Context, gen uint64, write func(context.Context) error) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if gen <= s.persistedGen {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := write(ctx); err != nil {
		s.log.WithError(err).Warn("failed to write cart cache")
		return
	}
	s.persistedGen = gen
}
