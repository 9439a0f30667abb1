package order

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// Order represents a customer order and its line items.
type Order struct {
	ID         string          `json:"id"`
	Number     string          `json:"number"`
	CustomerID string          `json:"customer_id"`
	AddressID  string          `json:"address_id"`
	Status     Status          `json:"status"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	Total      decimal.Decimal `json:"total"`
	Notes      string          `json:"notes,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	// Each of the following is set at most once.
	ShippedAt   *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	// RestockedAt is set when reserved stock was returned. It guards against
	// returning the same stock twice.
	RestockedAt *time.Time `json:"restocked_at,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	Items       []Item     `json:"items"`
}

// Deleted reports whether the order was soft-deleted.
func (o *Order) Deleted() bool {
	return o.DeletedAt != nil
}

// ItemsByVariant returns the items sorted by variant id in byte order. Every
// path that moves stock for several variants walks them in this order, so
// concurrent callers lock variant rows in the same sequence.
func (o *Order) ItemsByVariant() []Item {
	items := slices.Clone(o.Items)
	slices.SortStableFunc(items, func(a, b Item) int { return strings.Compare(a.VariantID, b.VariantID) })
	return items
}

// PaymentDeadline is the moment an unpaid order expires.
func (o *Order) PaymentDeadline(timeout time.Duration) time.Time {
	return o.CreatedAt.Add(timeout)
}

// Item represents a single line of an order. Items never change after the
// order is created.
type Item struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	ProductID string          `json:"product_id"`
	VariantID string          `json:"variant_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
	OrderedAt time.Time       `json:"ordered_at"`
}

// Filter selects orders for listing and counting. Zero fields do not
// filter.
type Filter struct {
	CustomerID     string
	Statuses       []Status
	CreatedFrom    time.Time
	CreatedTo      time.Time
	IncludeDeleted bool
	// NotRestocked selects orders whose stock was never returned.
	NotRestocked bool
	Limit        int
}

// Repository defines persistence operations for orders. Implementations must
// join the transaction carried by ctx when there is one.
type Repository interface {
	// Get loads an order with its items, including soft-deleted ones.
	Get(ctx context.Context, id string) (*Order, error)
	// GetForUpdate is Get with a row lock held until the transaction ends.
	GetForUpdate(ctx context.Context, id string) (*Order, error)
	// List returns orders without their items, oldest first.
	List(ctx context.Context, f Filter) ([]Order, error)
	Count(ctx context.Context, f Filter) (int, error)
	Create(ctx context.Context, o *Order) error
	CreateItems(ctx context.Context, items []Item) error
	// Update writes the mutable fields: status, timestamps, and notes.
	Update(ctx context.Context, o *Order) error
	SoftDelete(ctx context.Context, id string, at time.Time) error
	Restore(ctx context.Context, id string) error
}

// NewNumber returns a unique, sortable, human-referenceable order number.
func NewNumber(now time.Time) string {
	return "ORD-" + ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}
