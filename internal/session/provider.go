// Package session holds the current authentication state of one storefront
// client and notifies observers when it changes.
package session

import (
	"context"
	"sync"
	"time"
)

// Session is an authenticated user. A nil *Session means guest.
type Session struct {
	UserID    string
	Email     string
	Role      Role
	Token     string
	ExpiresAt time.Time
}

func (s *Session) IsAdmin() bool {
	return s != nil && s.Role == RoleAdmin
}

// SameUser reports whether a and b refer to the same identity. Two guests
// are the same user.
func SameUser(a, b *Session) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.UserID == b.UserID
}

// Listener observes session changes: login, logout, user switch and token
// refresh. It runs synchronously on the goroutine that caused the change,
// and must not call Login or Logout on the same provider.
type Listener func(ctx context.Context, current *Session)

type Provider struct {
	secret string

	// deliver serializes each change with its notification, so listeners
	// see changes in the order they were made.
	deliver sync.Mutex

	mu        sync.RWMutex
	current   *Session
	listeners map[int]Listener
	nextID    int
}

func NewProvider(secret string) *Provider {
	return &Provider{
		secret:    secret,
		listeners: make(map[int]Listener),
	}
}

func (p *Provider) Current() *Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return nil
	}
	s := *p.current
	return &s
}

// Subscribe registers l and returns a function that removes it.
func (p *Provider) Subscribe(l Listener) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = l
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// Login validates token and makes it the current session.
func (p *Provider) Login(ctx context.Context, token string) (*Session, error) {
	s, err := ParseToken(token, p.secret)
	if err != nil {
		return nil, err
	}
	p.set(ctx, s)
	return s, nil
}

func (p *Provider) Logout(ctx context.Context) {
	p.set(ctx, nil)
}

func (p *Provider) set(ctx context.Context, next *Session) {
	p.deliver.Lock()
	defer p.deliver.Unlock()

	p.mu.Lock()
	changed := !SameUser(p.current, next) || (next != nil && p.current.Token != next.Token)
	p.current = next
	var ls []Listener
	if changed {
		ls = make([]Listener, 0, len(p.listeners))
		for _, l := range p.listeners {
			ls = append(ls, l)
		}
	}
	p.mu.Unlock()

	for _, l := range ls {
		var snapshot *Session
		if next != nil {
			s := *next
			snapshot = &s
		}
		l(ctx, snapshot)
	}
}
