package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-orders/internal/domain/cart"
	"github.com/xenking/kart-orders/internal/domain/customer"
)

const (
	getCustomerSQL = `SELECT id, email, name, created_at, deleted_at FROM customers WHERE id = $1`

	getAddressSQL = `SELECT id, customer_id, line1, line2, city, postal_code, country
		FROM addresses WHERE id = $1`

	getCartByCustomerSQL = `SELECT id, customer_id, checkout_started_at FROM carts WHERE customer_id = $1`

	listCartLinesSQL = `SELECT variant_id, quantity FROM cart_lines WHERE cart_id = $1 ORDER BY variant_id`

	clearCartLinesSQL = `DELETE FROM cart_lines WHERE cart_id = $1`
	resetCartSQL      = `UPDATE carts SET checkout_started_at = NULL WHERE id = $1`
)

var (
	_ customer.Repository = (*CustomerRepository)(nil)
	_ cart.Repository     = (*CartRepository)(nil)
)

// CustomerRepository implements customer.Repository backed by PostgreSQL.
type CustomerRepository struct {
	db *DB
}

// NewCustomerRepository returns a CustomerRepository over db.
func NewCustomerRepository(db *DB) *CustomerRepository {
	return &CustomerRepository{db: db}
}

// Get returns a customer, including soft-deleted ones.
func (r *CustomerRepository) Get(ctx context.Context, id string) (*customer.Customer, error) {
	rows, err := r.db.conn(ctx).Query(ctx, getCustomerSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting customer %q: %w", id, err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByPos[customer.Customer])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, customer.ErrNotFound
		}
		return nil, fmt.Errorf("getting customer %q: %w", id, err)
	}
	return &c, nil
}

// GetAddress returns an address by id.
func (r *CustomerRepository) GetAddress(ctx context.Context, id string) (*customer.Address, error) {
	rows, err := r.db.conn(ctx).Query(ctx, getAddressSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting address %q: %w", id, err)
	}
	a, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByPos[customer.Address])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, customer.ErrNotFound
		}
		return nil, fmt.Errorf("getting address %q: %w", id, err)
	}
	return &a, nil
}

// CartRepository implements cart.Repository backed by PostgreSQL.
type CartRepository struct {
	db *DB
}

// NewCartRepository returns a CartRepository over db.
func NewCartRepository(db *DB) *CartRepository {
	return &CartRepository{db: db}
}

// GetByCustomer returns the customer's cart with its lines.
func (r *CartRepository) GetByCustomer(ctx context.Context, customerID string) (*cart.Cart, error) {
	q := r.db.conn(ctx)

	var (
		c       cart.Cart
		started *time.Time
	)
	err := q.QueryRow(ctx, getCartByCustomerSQL, customerID).Scan(&c.ID, &c.CustomerID, &started)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cart.ErrNotFound
		}
		return nil, fmt.Errorf("getting cart of customer %q: %w", customerID, err)
	}
	if started != nil {
		c.CheckoutStartedAt = *started
	}

	rows, err := q.Query(ctx, listCartLinesSQL, c.ID)
	if err != nil {
		return nil, fmt.Errorf("listing lines of cart %q: %w", c.ID, err)
	}
	c.Lines, err = pgx.CollectRows(rows, pgx.RowToStructByPos[cart.Line])
	if err != nil {
		return nil, fmt.Errorf("listing lines of cart %q: %w", c.ID, err)
	}
	return &c, nil
}

// Clear removes all lines and resets the checkout marker.
func (r *CartRepository) Clear(ctx context.Context, cartID string) error {
	b := &pgx.Batch{}
	b.Queue(clearCartLinesSQL, cartID)
	b.Queue(resetCartSQL, cartID)
	if err := r.db.conn(ctx).SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("clearing cart %q: %w", cartID, err)
	}
	return nil
}
