// Package cartstore keeps a shopping cart coherent between a guest cart held
// in a local cache and a member cart held by the cart API.
//
// All mutations go through Store. State transitions are serialized by a
// mutex that is never held across network calls; overlapping remote calls
// race and a per-target sequence decides which answer is applied.
package cartstore

import (
	"context"
	"sync"
	"time"

	"github.com/fjod/cartsync/internal/domain"
	"github.com/fjod/cartsync/internal/notify"
	"github.com/fjod/cartsync/internal/session"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

type Mode string

const (
	ModeGuest         Mode = "guest"
	ModeAuthenticated Mode = "authenticated"
)

// RemoteCart is the cart API as seen by the store. Every mutation answers
// with the full server cart; a nil snapshot means the user has no cart.
type RemoteCart interface {
	GetCart(ctx context.Context, token string) (*domain.CartSnapshot, error)
	AddItem(ctx context.Context, token string, productID int64, quantity int) (*domain.CartSnapshot, error)
	RemoveItem(ctx context.Context, token string, productID int64) (*domain.CartSnapshot, error)
	UpdateQuantity(ctx context.Context, token string, productID int64, quantity int) (*domain.CartSnapshot, error)
	UpdateSize(ctx context.Context, token string, productID int64, size string) (*domain.CartSnapshot, error)
	ClearCart(ctx context.Context, token string) error
}

// LocalCache persists the visible lines between page loads.
type LocalCache interface {
	Load(ctx context.Context) ([]domain.CartItem, error)
	Save(ctx context.Context, items []domain.CartItem) error
	Clear(ctx context.Context) error
}

// State is a read-only copy of the cart as the UI sees it.
type State struct {
	Mode        Mode                 `json:"mode"`
	UserID      string               `json:"userId,omitempty"`
	Items       []domain.CartItem    `json:"items"`
	BackendCart *domain.CartSnapshot `json:"backendCart,omitempty"`
	TotalItems  int                  `json:"totalItems"`
	TotalAmount decimal.Decimal      `json:"totalAmount"`
	IsOpen      bool                 `json:"isOpen"`
	IsLoading   bool                 `json:"isLoading"`
	IsSyncing   bool                 `json:"isSyncing"`
	Error       string               `json:"error,omitempty"`
}

const persistTimeout = 2 * time.Second

// syncTimeout bounds a shared reload, which no single caller may cancel.
const syncTimeout = 30 * time.Second

type Store struct {
	remote   RemoteCart
	cache    LocalCache
	notifier notify.Notifier
	log      logrus.FieldLogger
	tracer   trace.Tracer
	now      func() time.Time

	mu       sync.Mutex
	cart     cart
	open     bool
	loading  int
	inflight int
	err      error
	epoch    uint64
	seq      map[string]uint64
	issued   uint64
	gen      uint64
	dirty    bool

	persistMu    sync.Mutex
	persistedGen uint64

	syncs singleflight.Group
}

type Option func(*Store)

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) { s.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty guest store. Call Attach or SyncCart to populate it.
func New(remote RemoteCart, cache LocalCache, notifier notify.Notifier, opts ...Option) *Store {
	s := &Store{
		remote:   remote,
		cache:    cache,
		notifier: notifier,
		log:      logrus.StandardLogger(),
		tracer:   otel.Tracer("github.com/fjod/cartsync/internal/cartstore"),
		now:      time.Now,
		cart:     &guestCart{lines: []domain.CartItem{}},
		seq:      make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "cartstore")
	return s
}

func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := domain.CloneItems(s.cart.items())
	count, amount := domain.Totals(items)
	st := State{
		Mode:        ModeGuest,
		Items:       items,
		TotalItems:  count,
		TotalAmount: amount,
		IsOpen:      s.open,
		IsLoading:   s.loading > 0,
		IsSyncing:   s.inflight > 0,
	}
	if m, ok := s.cart.(*memberCart); ok {
		st.Mode = ModeAuthenticated
		st.UserID = m.session.UserID
		st.BackendCart = cloneSnapshot(m.backend)
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}

func (s *Store) OpenCart() {
	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
}

func (s *Store) CloseCart() {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
}

func (s *Store) ToggleCart() {
	s.mu.Lock()
	s.open = !s.open
	s.mu.Unlock()
}

// Attach subscribes the store to p, adopts p's current session and runs the
// initial sync. The returned function unsubscribes.
func (s *Store) Attach(ctx context.Context, p *session.Provider) func() {
	unsubscribe := p.Subscribe(s.SetSession)
	s.transition(ctx, p.Current())
	s.SyncCart(ctx)
	return unsubscribe
}

// SetSession reacts to an authentication change. Login, logout and a switch
// to another user reset the cart and resynchronize; a token refresh for the
// same user only replaces the token.
func (s *Store) SetSession(ctx context.Context, next *session.Session) {
	if s.transition(ctx, next) {
		s.SyncCart(ctx)
	}
}

func (s *Store) transition(ctx context.Context, next *session.Session) bool {
	s.mu.Lock()
	switch c := s.cart.(type) {
	case *memberCart:
		if next != nil && next.UserID == c.session.UserID {
			c.session = *next
			s.mu.Unlock()
			return false
		}
	case *guestCart:
		if next == nil {
			s.mu.Unlock()
			return false
		}
	}

	s.epoch++
	s.err = nil
	if next != nil {
		s.cart = &memberCart{session: *next}
		s.log.WithField("user_id", next.UserID).Info("session started, cart will resync")
		s.mu.Unlock()
		return true
	}

	s.cart = &guestCart{lines: []domain.CartItem{}}
	s.gen++
	s.dirty = false
	gen := s.gen
	s.mu.Unlock()
	s.log.Info("session ended, cart reset")

	// The cached member cart is overwritten even while a load is running so
	// the guest sync that follows starts empty.
	s.persist(ctx, gen, func(ctx context.Context) error {
		return s.cache.Save(ctx, []domain.CartItem{})
	})
	return true
}
