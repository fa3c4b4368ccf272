package cartstore

import (
	"time"

	"github.com/fjod/cartsync/internal/domain"
	"github.com/fjod/cartsync/internal/session"
	"github.com/shopspring/decimal"
)

// cart is the tagged variant behind the store: a guest cart owns its lines,
// a member cart derives them from the last server snapshot.
type cart interface {
	items() []domain.CartItem
}

type guestCart struct {
	lines []domain.CartItem
}

func (g *guestCart) items() []domain.CartItem { return g.lines }

// add merges into the line with the same product and size, or appends.
func (g *guestCart) add(p domain.Product, quantity int, size, color string, now time.Time) {
	contribution := p.Price.Mul(decimal.NewFromInt(int64(quantity)))
	for i := range g.lines {
		if g.lines[i].SameLine(p.ID, size) {
			g.lines[i].Quantity += quantity
			g.lines[i].LineTotal = g.lines[i].LineTotal.Add(contribution)
			return
		}
	}

	if p.Images != nil {
		p.Images = append([]string(nil), p.Images...)
	}
	g.lines = append(g.lines, domain.CartItem{
		ID:            domain.LocalItemID(p.ID, size, color, now),
		ProductID:     p.ID,
		Product:       p,
		Quantity:      quantity,
		SelectedSize:  size,
		SelectedColor: color,
		LineTotal:     contribution,
		AddedAt:       now,
	})
}

// remove drops the first line of productID.
func (g *guestCart) remove(productID int64) bool {
	for i := range g.lines {
		if g.lines[i].ProductID == productID {
			g.lines = append(g.lines[:i], g.lines[i+1:]...)
			return true
		}
	}
	return false
}

// setQuantity rescales the line total from the captured unit price instead
// of the catalog price. quantity must be positive.
func (g *guestCart) setQuantity(productID int64, quantity int) bool {
	for i := range g.lines {
		line := &g.lines[i]
		if line.ProductID != productID {
			continue
		}
		if line.Quantity > 0 {
			line.LineTotal = line.LineTotal.
				Mul(decimal.NewFromInt(int64(quantity))).
				Div(decimal.NewFromInt(int64(line.Quantity))).
				Round(2)
		} else {
			line.LineTotal = line.Product.Price.Mul(decimal.NewFromInt(int64(quantity)))
		}
		line.Quantity = quantity
		return true
	}
	return false
}

type memberCart struct {
	session session.Session
	// backend is the last applied server snapshot; nil until the first
	// successful fetch.
	backend *domain.CartSnapshot
	// fallback is shown while backend is nil, after a failed fetch.
	fallback []domain.CartItem
}

func (m *memberCart) items() []domain.CartItem {
	if m.backend != nil {
		return domain.ItemsFromSnapshot(m.backend)
	}
	return m.fallback
}

func cloneSnapshot(s *domain.CartSnapshot) *domain.CartSnapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Items = append([]domain.SnapshotItem(nil), s.Items...)
	return &c
}
