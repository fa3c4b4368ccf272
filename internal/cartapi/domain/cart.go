// Package domain holds the server-side cart as stored by the cart API.
package domain

import "time"

type Cart struct {
	ID        string     `bson:"_id,omitempty" json:"-"`
	UserID    string     `bson:"user_id" json:"userId"`
	Items     []CartItem `bson:"items" json:"items"`
	CreatedAt time.Time  `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time  `bson:"updated_at" json:"updatedAt"`
}

type CartItem struct {
	ProductID int64     `bson:"product_id" json:"productId"`
	Quantity  int       `bson:"quantity" json:"quantity"`
	Size      string    `bson:"size,omitempty" json:"size,omitempty"`
	AddedAt   time.Time `bson:"added_at" json:"addedAt"`
}

// Item returns the line for productID, if any.
func (c *Cart) Item(productID int64) (CartItem, bool) {
	if c == nil {
		return CartItem{}, false
	}
	for _, it := range c.Items {
		if it.ProductID == productID {
			return it, true
		}
	}
	return CartItem{}, false
}
