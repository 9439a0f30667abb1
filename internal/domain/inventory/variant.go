// Package inventory owns per-variant stock counts. The Ledger is the only
// component that moves quantities outside of administrative overrides.
package inventory

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-orders/internal/domain/failure"
)

// ErrVariantNotFound is returned when a variant does not exist.
var ErrVariantNotFound = fmt.Errorf("variant %w", failure.ErrNotFound)

// ErrInvalidQuantity is returned for non-positive stock movements.
var ErrInvalidQuantity = fmt.Errorf("quantity must be greater than 0: %w", failure.ErrValidation)

// Variant is a sellable stock unit of a product.
type Variant struct {
	ID        string
	ProductID string
	SKU       string
	Price     decimal.Decimal
	Quantity  int
	Active    bool
}

// InsufficientStockError reports a reservation that exceeds the available
// quantity of a variant.
type InsufficientStockError struct {
	VariantID string
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s (variant %s): requested %d, available %d",
		e.ProductID, e.VariantID, e.Requested, e.Available)
}

// Is matches failure.ErrInsufficientStock.
func (e *InsufficientStockError) Is(target error) bool {
	return target == failure.ErrInsufficientStock
}

// Repository defines stock persistence. Implementations must join the
// transaction carried by ctx when there is one.
type Repository interface {
	GetByIDs(ctx context.Context, ids []string) ([]Variant, error)
	// Decrement subtracts qty only while at least qty is available and
	// deactivates the variant when it reaches zero. ok is false when the
	// condition did not hold or the variant does not exist.
	Decrement(ctx context.Context, id string, qty int) (v Variant, ok bool, err error)
	// Increment adds qty unconditionally and re-activates a variant leaving
	// zero. ok is false when the variant does not exist.
	Increment(ctx context.Context, id string, qty int) (v Variant, ok bool, err error)
	// SetQuantity is the administrative override used by stock imports.
	SetQuantity(ctx context.Context, id string, qty int) (Variant, error)
}
