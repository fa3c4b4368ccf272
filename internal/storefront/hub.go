// Package storefront is the backend-for-frontend: it keeps one cart store
// per browser client and exposes it over HTTP.
package storefront

import (
	"context"
	"sync"
	"time"

	"github.com/fjod/cartsync/internal/cartstore"
	"github.com/fjod/cartsync/internal/localcache"
	"github.com/fjod/cartsync/internal/notify"
	"github.com/fjod/cartsync/internal/session"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultIdleTTL is how long a client is kept after its last request.
	DefaultIdleTTL = 30 * time.Minute

	// CleanupInterval is how often idle clients are evicted.
	CleanupInterval = time.Minute
)

// Client is the cart state of one browser.
type Client struct {
	ID      string
	Session *session.Provider
	Store   *cartstore.Store
	Toasts  *notify.Center

	attach      sync.Once
	unsubscribe func()
	lastSeen    time.Time
}

type HubConfig struct {
	JWTSecret       string
	ToastTTL        time.Duration
	IdleTTL         time.Duration
	CleanupInterval time.Duration
}

// Hub owns the live clients. Carts outlive eviction in the KV; sessions
// do not.
type Hub struct {
	remote cartstore.RemoteCart
	kv     localcache.KV
	cfg    HubConfig
	log    logrus.FieldLogger
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*Client

	stopCleanup chan struct{}
	wg          sync.WaitGroup
}

// NewHub starts the idle-client janitor. Call Close to stop it.
func NewHub(cfg HubConfig, remote cartstore.RemoteCart, kv localcache.KV, log logrus.FieldLogger) *Hub {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = CleanupInterval
	}
	h := &Hub{
		remote:      remote,
		kv:          kv,
		cfg:         cfg,
		log:         log.WithField("component", "hub"),
		now:         time.Now,
		clients:     make(map[string]*Client),
		stopCleanup: make(chan struct{}),
	}

	h.wg.Add(1)
	go h.cleanupLoop()

	return h
}

// Get returns the client for id, creating it and running its first sync
// if needed.
func (h *Hub) Get(ctx context.Context, id string) *Client {
	h.mu.Lock()
	c, ok := h.clients[id]
	if !ok {
		toasts := notify.NewCenter(h.cfg.ToastTTL)
		c = &Client{
			ID:      id,
			Session: session.NewProvider(h.cfg.JWTSecret),
			Toasts:  toasts,
			Store: cartstore.New(h.remote, localcache.NewGuestCache(h.kv, id), toasts,
				cartstore.WithLogger(h.log.WithField("client_id", id)),
			),
		}
		h.clients[id] = c
		h.log.WithField("client_id", id).Debug("client created")
	}
	c.lastSeen = h.now()
	h.mu.Unlock()

	c.attach.Do(func() {
		c.unsubscribe = c.Store.Attach(ctx, c.Session)
	})
	return c
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) cleanupLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.evictIdle()
		case <-h.stopCleanup:
			return
		}
	}
}

// evictIdle drops clients not seen for IdleTTL.
func (h *Hub) evictIdle() int {
	cutoff := h.now().Add(-h.cfg.IdleTTL)

	h.mu.Lock()
	var evicted []*Client
	for id, c := range h.clients {
		if c.lastSeen.Before(cutoff) {
			delete(h.clients, id)
			evicted = append(evicted, c)
		}
	}
	h.mu.Unlock()

	for _, c := range evicted {
		c.attach.Do(func() {})
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
	}
	if len(evicted) > 0 {
		h.log.WithField("count", len(evicted)).Info("evicted idle clients")
	}
	return len(evicted)
}

func (h *Hub) Close() {
	close(h.stopCleanup)
	h.wg.Wait()
}
