// Package cart describes the shopping carts orders are created from.
package cart

import (
	"context"
	"fmt"
	"time"

	"github.com/xenking/kart-orders/internal/domain/failure"
)

// ErrNotFound is returned when a customer has no cart.
var ErrNotFound = fmt.Errorf("cart %w", failure.ErrNotFound)

// Cart is the set of variants a customer intends to buy.
type Cart struct {
	ID         string
	CustomerID string
	// CheckoutStartedAt is set when the customer enters checkout. A zero
	// value means checkout was never started.
	CheckoutStartedAt time.Time
	Lines             []Line
}

// Line is one variant in a cart.
type Line struct {
	VariantID string
	Quantity  int
}

// Empty reports whether the cart has no lines.
func (c *Cart) Empty() bool {
	return c == nil || len(c.Lines) == 0
}

// Repository defines cart persistence. Clear must join the transaction
// carried by ctx.
type Repository interface {
	GetByCustomer(ctx context.Context, customerID string) (*Cart, error)
	Clear(ctx context.Context, cartID string) error
}
