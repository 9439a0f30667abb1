package inventory

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// ProductScheduler queues asynchronous re-evaluation of a product's active
// flag after one of its variants changed availability.
type ProductScheduler interface {
	ScheduleReevaluation(ctx context.Context, productID string) error
}

// Ledger moves variant stock. Every movement is a single conditional
// statement in the Repository; the LockTable serializes movements on the
// same variant inside this process.
type Ledger struct {
	variants Repository
	locks    *LockTable
	products ProductScheduler
}

// NewLedger creates a Ledger. products may be nil when product activation
// is not tracked.
func NewLedger(variants Repository, locks *LockTable, products ProductScheduler) *Ledger {
	if locks == nil {
		locks = NewLockTable()
	}
	return &Ledger{
		variants: variants,
		locks:    locks,
		products: products,
	}
}

// Reserve takes qty units of a variant. It fails with InsufficientStockError
// when fewer than qty units are available and never drives the quantity
// below zero. A variant that reaches zero is deactivated and its product is
// queued for re-evaluation.
func (l *Ledger) Reserve(ctx context.Context, variantID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}

	// The lock covers only the stock statement. Scheduling writes a task row
	// that can wait on another transaction, which may itself be waiting for
	// this lock.
	unlock := l.locks.Lock(variantID)
	v, ok, err := l.variants.Decrement(ctx, variantID, qty)
	unlock()
	if err != nil {
		return errors.Wrapf(err, "reserve variant %s", variantID)
	}
	if !ok {
		return l.reserveFailure(ctx, variantID, qty)
	}

	if v.Quantity == 0 {
		l.scheduleReevaluation(ctx, v.ProductID)
	}
	return nil
}

// reserveFailure tells a missing variant apart from a short one.
func (l *Ledger) reserveFailure(ctx context.Context, variantID string, qty int) error {
	found, err := l.variants.GetByIDs(ctx, []string{variantID})
	if err != nil {
		return errors.Wrapf(err, "load variant %s", variantID)
	}
	if len(found) == 0 {
		return fmt.Errorf("reserve %s: %w", variantID, ErrVariantNotFound)
	}
	return &InsufficientStockError{
		VariantID: variantID,
		ProductID: found[0].ProductID,
		Requested: qty,
		Available: found[0].Quantity,
	}
}

// Release returns qty units to a variant. It only fails when the variant no
// longer exists.
func (l *Ledger) Release(ctx context.Context, variantID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}

	unlock := l.locks.Lock(variantID)
	v, ok, err := l.variants.Increment(ctx, variantID, qty)
	unlock()
	if err != nil {
		return errors.Wrapf(err, "release variant %s", variantID)
	}
	if !ok {
		return fmt.Errorf("release %s: %w", variantID, ErrVariantNotFound)
	}

	// Coming back from zero may re-activate the product.
	if v.Quantity == qty {
		l.scheduleReevaluation(ctx, v.ProductID)
	}
	return nil
}

// Available returns the current state of the given variants keyed by id.
// Missing variants are absent from the map.
func (l *Ledger) Available(ctx context.Context, variantIDs []string) (map[string]Variant, error) {
	found, err := l.variants.GetByIDs(ctx, variantIDs)
	if err != nil {
		return nil, errors.Wrap(err, "load variants")
	}
	out := make(map[string]Variant, len(found))
	for _, v := range found {
		out[v.ID] = v
	}
	return out, nil
}

// Override sets the quantity of a variant outright.
func (l *Ledger) Override(ctx context.Context, variantID string, qty int) (Variant, error) {
	if qty < 0 {
		return Variant{}, ErrInvalidQuantity
	}

	unlock := l.locks.Lock(variantID)
	v, err := l.variants.SetQuantity(ctx, variantID, qty)
	unlock()
	if err != nil {
		return Variant{}, errors.Wrapf(err, "override variant %s", variantID)
	}
	l.scheduleReevaluation(ctx, v.ProductID)
	return v, nil
}

func (l *Ledger) scheduleReevaluation(ctx context.Context, productID string) {
	if l.products == nil || productID == "" {
		return
	}
	if err := l.products.ScheduleReevaluation(ctx, productID); err != nil {
		zctx.From(ctx).Warn("Schedule product re-evaluation failed",
			zap.String("product_id", productID),
			zap.Error(err),
		)
	}
}
