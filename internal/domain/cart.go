package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Product is the display snapshot of a catalog product captured when it was
// put into the cart. It is a copy and may go stale relative to the catalog.
type Product struct {
	ID       int64           `json:"id" validate:"gt=0"`
	Name     string          `json:"name" validate:"required"`
	Price    decimal.Decimal `json:"price"`
	Images   []string        `json:"images,omitempty"`
	Category string          `json:"category,omitempty"`
	Stock    int             `json:"stock"`
}

type CartItem struct {
	ID            string          `json:"id"`
	ProductID     int64           `json:"productId"`
	Product       Product         `json:"product"`
	Quantity      int             `json:"quantity"`
	SelectedSize  string          `json:"selectedSize"`
	SelectedColor string          `json:"selectedColor"`
	LineTotal     decimal.Decimal `json:"lineTotal"`
	AddedAt       time.Time       `json:"addedAt"`
}

// SameLine reports whether the item is the merge target for an add of
// productID in the given size. Color does not take part in line identity.
func (i CartItem) SameLine(productID int64, size string) bool {
	return i.ProductID == productID && i.SelectedSize == size
}

// LocalItemID builds the id of a guest cart line.
func LocalItemID(productID int64, size, color string, at time.Time) string {
	return fmt.Sprintf("%d-%s-%s-%d", productID, size, color, at.UnixMilli())
}

// Totals sums quantities and line totals of items.
func Totals(items []CartItem) (int, decimal.Decimal) {
	count := 0
	amount := decimal.Zero
	for _, item := range items {
		count += item.Quantity
		amount = amount.Add(item.LineTotal)
	}
	return count, amount
}

// CloneItems returns a copy of items that shares no slices with the input.
func CloneItems(items []CartItem) []CartItem {
	if items == nil {
		return []CartItem{}
	}
	out := make([]CartItem, len(items))
	for i, item := range items {
		if item.Product.Images != nil {
			item.Product.Images = append([]string(nil), item.Product.Images...)
		}
		out[i] = item
	}
	return out
}
