// Package notify keeps transient, auto-dismissing user notifications.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindSuccess Kind = "success"
	KindFailure Kind = "failure"
	KindInfo    Kind = "info"
)

type Toast struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Notifier is what the cart store needs from a notification sink.
type Notifier interface {
	Success(message string)
	Failure(message string)
	Info(message string)
}

const DefaultTTL = 3 * time.Second

// Center is an in-memory Notifier. Toasts disappear once their TTL passes.
type Center struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	toasts []Toast
}

func NewCenter(ttl time.Duration) *Center {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Center{ttl: ttl, now: time.Now}
}

func (c *Center) Success(message string) { c.push(KindSuccess, message) }
func (c *Center) Failure(message string) { c.push(KindFailure, message) }
func (c *Center) Info(message string)    { c.push(KindInfo, message) }

func (c *Center) push(kind Kind, message string) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
	c.toasts = append(c.toasts, Toast{
		ID:        uuid.NewString(),
		Kind:      kind,
		Message:   message,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	})
}

// Active returns the toasts that have not expired, oldest first.
func (c *Center) Active() []Toast {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
	out := make([]Toast, len(c.toasts))
	copy(out, c.toasts)
	return out
}

// Dismiss removes a toast before it expires. It reports whether it was found.
func (c *Center) Dismiss(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.toasts {
		if t.ID == id {
			c.toasts = append(c.toasts[:i], c.toasts[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Center) pruneLocked(now time.Time) {
	kept := c.toasts[:0]
	for _, t := range c.toasts {
		if now.Before(t.ExpiresAt) {
			kept = append(kept, t)
		}
	}
	c.toasts = kept
}
