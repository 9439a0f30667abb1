package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-orders/internal/domain/cart"
	"github.com/xenking/kart-orders/internal/domain/customer"
	"github.com/xenking/kart-orders/internal/domain/inventory"
	"github.com/xenking/kart-orders/internal/domain/product"
)

const (
	upsertProductSQL = `INSERT INTO products (id, name, category, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, category = EXCLUDED.category, active = EXCLUDED.active`

	upsertVariantSQL = `INSERT INTO variants (id, product_id, sku, price, quantity, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET sku = EXCLUDED.sku, price = EXCLUDED.price,
			quantity = EXCLUDED.quantity, active = EXCLUDED.active`

	upsertCustomerSQL = `INSERT INTO customers (id, email, name, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, name = EXCLUDED.name, deleted_at = NULL`

	upsertAddressSQL = `INSERT INTO addresses (id, customer_id, line1, line2, city, postal_code, country)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET line1 = EXCLUDED.line1, line2 = EXCLUDED.line2,
			city = EXCLUDED.city, postal_code = EXCLUDED.postal_code, country = EXCLUDED.country`

	upsertCartSQL = `INSERT INTO carts (id, customer_id, checkout_started_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET checkout_started_at = EXCLUDED.checkout_started_at`

	insertCartLineSQL = `INSERT INTO cart_lines (cart_id, variant_id, quantity) VALUES ($1, $2, $3)`
)

// Fixtures writes catalog, customer, and cart data. It backs the seed tool
// and integration tests.
type Fixtures struct {
	db *DB
}

// NewFixtures returns Fixtures over db.
func NewFixtures(db *DB) *Fixtures {
	return &Fixtures{db: db}
}

// UpsertProduct writes a product and its variants.
func (f *Fixtures) UpsertProduct(ctx context.Context, p product.Product, variants ...inventory.Variant) error {
	b := &pgx.Batch{}
	b.Queue(upsertProductSQL, p.ID, p.Name, p.Category, p.Active)
	for _, v := range variants {
		b.Queue(upsertVariantSQL, v.ID, p.ID, v.SKU, v.Price, v.Quantity, v.Active)
	}
	if err := f.db.conn(ctx).SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("upserting product %q: %w", p.ID, err)
	}
	return nil
}

// UpsertCustomer writes a customer and its addresses.
func (f *Fixtures) UpsertCustomer(ctx context.Context, c customer.Customer, addresses ...customer.Address) error {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	b := &pgx.Batch{}
	b.Queue(upsertCustomerSQL, c.ID, c.Email, c.Name, createdAt)
	for _, a := range addresses {
		b.Queue(upsertAddressSQL, a.ID, c.ID, a.Line1, a.Line2, a.City, a.PostalCode, a.Country)
	}
	if err := f.db.conn(ctx).SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("upserting customer %q: %w", c.ID, err)
	}
	return nil
}

// PutCart replaces the lines of a cart. A zero CheckoutStartedAt stores
// NULL.
func (f *Fixtures) PutCart(ctx context.Context, c cart.Cart) error {
	var started *time.Time
	if !c.CheckoutStartedAt.IsZero() {
		started = &c.CheckoutStartedAt
	}
	b := &pgx.Batch{}
	b.Queue(upsertCartSQL, c.ID, c.CustomerID, started)
	b.Queue(clearCartLinesSQL, c.ID)
	for _, l := range c.Lines {
		b.Queue(insertCartLineSQL, c.ID, l.VariantID, l.Quantity)
	}
	if err := f.db.conn(ctx).SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("putting cart %q: %w", c.ID, err)
	}
	return nil
}
