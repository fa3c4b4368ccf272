package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SnapshotItem is one line of the server cart as returned by the cart API.
type SnapshotItem struct {
	ProductID   int64           `json:"productId"`
	ProductName string          `json:"productName"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int             `json:"quantity"`
	Size        string          `json:"size"`
	Category    string          `json:"category"`
	ImageURL    string          `json:"imageUrl"`
	IsActive    bool            `json:"isActive"`
	LineTotal   decimal.Decimal `json:"lineTotal"`
}

// CartSnapshot is the authoritative server cart returned by every cart API call.
type CartSnapshot struct {
	Items       []SnapshotItem  `json:"items"`
	TotalItems  int             `json:"totalItems"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
}

// RemoteItemID derives a stable line id from a server item.
func RemoteItemID(item SnapshotItem) string {
	return fmt.Sprintf("srv-%d-%s", item.ProductID, item.Size)
}

// ItemsFromSnapshot is the pure transform from a server cart to the local
// line items. Lines with a non-positive quantity are dropped.
func ItemsFromSnapshot(s *CartSnapshot) []CartItem {
	if s == nil {
		return []CartItem{}
	}
	items := make([]CartItem, 0, len(s.Items))
	for _, it := range s.Items {
		if it.Quantity < 1 {
			continue
		}
		lineTotal := it.LineTotal
		if lineTotal.IsZero() {
			lineTotal = it.Price.Mul(decimal.NewFromInt(int64(it.Quantity)))
		}
		var images []string
		if it.ImageURL != "" {
			images = []string{it.ImageURL}
		}
		items = append(items, CartItem{
			ID:        RemoteItemID(it),
			ProductID: it.ProductID,
			Product: Product{
				ID:       it.ProductID,
				Name:     it.ProductName,
				Price:    it.Price,
				Images:   images,
				Category: it.Category,
			},
			Quantity:     it.Quantity,
			SelectedSize: it.Size,
			LineTotal:    lineTotal,
		})
	}
	return items
}

// Empty reports whether the snapshot carries no lines.
func (s *CartSnapshot) Empty() bool {
	return s == nil || len(s.Items) == 0
}
