// Package customer describes the shoppers that place orders.
package customer

import (
	"context"
	"fmt"
	"time"

	"github.com/xenking/kart-orders/internal/domain/failure"
)

// ErrNotFound is returned when a customer or address does not exist.
var ErrNotFound = fmt.Errorf("customer %w", failure.ErrNotFound)

// Customer is a registered shopper.
type Customer struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
	DeletedAt *time.Time
}

// Address is a delivery address owned by a customer.
type Address struct {
	ID         string
	CustomerID string
	Line1      string
	Line2      string
	City       string
	PostalCode string
	Country    string
}

// Repository defines read access to customers and their addresses.
type Repository interface {
	Get(ctx context.Context, id string) (*Customer, error)
	GetAddress(ctx context.Context, id string) (*Address, error)
}
