package order

import (
	"fmt"

	"github.com/xenking/kart-orders/internal/domain/failure"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPendingPayment   Status = "pending_payment"
	StatusConfirmed        Status = "confirmed"
	StatusProcessing       Status = "processing"
	StatusShipped          Status = "shipped"
	StatusDelivered        Status = "delivered"
	StatusComplete         Status = "complete"
	StatusReturned         Status = "returned"
	StatusRefunded         Status = "refunded"
	StatusPaymentExpired   Status = "payment_expired"
	StatusCancelledByUser  Status = "cancelled_by_user"
	StatusCancelledByAdmin Status = "cancelled_by_admin"
)

// transitions is the complete set of legal status changes. States without an
// entry are terminal.
var transitions = map[Status][]Status{
	StatusPendingPayment: {StatusConfirmed, StatusPaymentExpired, StatusCancelledByUser, StatusCancelledByAdmin},
	StatusConfirmed:      {StatusProcessing, StatusCancelledByAdmin},
	StatusProcessing:     {StatusShipped, StatusCancelledByAdmin},
	StatusShipped:        {StatusDelivered},
	StatusDelivered:      {StatusComplete, StatusReturned, StatusRefunded},
	StatusPaymentExpired: {StatusCancelledByAdmin, StatusCancelledByUser},
}

// Statuses returns every known status in lifecycle order.
func Statuses() []Status {
	return []Status{
		StatusPendingPayment,
		StatusConfirmed,
		StatusProcessing,
		StatusShipped,
		StatusDelivered,
		StatusComplete,
		StatusReturned,
		StatusRefunded,
		StatusPaymentExpired,
		StatusCancelledByUser,
		StatusCancelledByAdmin,
	}
}

// ParseStatus converts a stored status into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown order status %q: %w", s, failure.ErrValidation)
	}
	return st, nil
}

func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, st := range Statuses() {
		if st == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// IsCancelled reports whether s is one of the cancellation states.
func (s Status) IsCancelled() bool {
	return s == StatusCancelledByUser || s == StatusCancelledByAdmin
}

// releasesStock reports whether reaching s returns reserved stock.
func (s Status) releasesStock() bool {
	return s.IsCancelled() || s == StatusPaymentExpired
}

// IsValidTransition reports whether an order may move from current to target.
func IsValidTransition(current, target Status) bool {
	for _, next := range transitions[current] {
		if next == target {
			return true
		}
	}
	return false
}
