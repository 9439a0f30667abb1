package order

import (
	"fmt"

	"github.com/xenking/kart-orders/internal/domain/failure"
)

// Sentinel errors for order workflows.
var (
	ErrOrderNotFound    = fmt.Errorf("order %w", failure.ErrNotFound)
	ErrUnknownCustomer  = fmt.Errorf("unknown customer: %w", failure.ErrUnauthorized)
	ErrActorRequired    = fmt.Errorf("actor id required: %w", failure.ErrUnauthorized)
	ErrNotOwner         = fmt.Errorf("order belongs to another customer: %w", failure.ErrForbidden)
	ErrAdminOnly        = fmt.Errorf("operation requires an administrator: %w", failure.ErrForbidden)
	ErrEmptyCart        = fmt.Errorf("cart is empty: %w", failure.ErrValidation)
	ErrInvalidAddress   = fmt.Errorf("address does not belong to customer: %w", failure.ErrValidation)
	ErrCheckoutExpired  = fmt.Errorf("checkout expired: %w", failure.ErrValidation)
	ErrAlreadyDeleted   = fmt.Errorf("order already deleted: %w", failure.ErrConflict)
	ErrNotDeleted       = fmt.Errorf("order is not deleted: %w", failure.ErrConflict)
	ErrOrderIDRequired  = fmt.Errorf("order id required: %w", failure.ErrValidation)
	ErrCustomerRequired = fmt.Errorf("customer id required: %w", failure.ErrUnauthorized)
	ErrInvalidFilter    = fmt.Errorf("invalid order filter: %w", failure.ErrValidation)
)

// InvalidQuantityError indicates a cart line with a non-positive quantity.
type InvalidQuantityError struct {
	VariantID string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for variant %s", e.VariantID)
}

// Is matches failure.ErrValidation.
func (e *InvalidQuantityError) Is(target error) bool {
	return target == failure.ErrValidation
}

// InvalidTransitionError reports a status change the state machine or the
// role rules refuse.
type InvalidTransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("cannot move order from %s to %s", e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is matches failure.ErrInvalidTransition.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == failure.ErrInvalidTransition
}
