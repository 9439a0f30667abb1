package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-orders/internal/domain/product"
)

const (
	getProductByIDSQL = `SELECT id, name, category, active FROM products WHERE id = $1`

	productHasStockSQL = `SELECT EXISTS (
		SELECT 1 FROM variants WHERE product_id = $1 AND active AND quantity > 0
	)`

	setProductActiveSQL = `UPDATE products SET active = $2 WHERE id = $1`
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	db *DB
}

// NewProductRepository returns a ProductRepository over db.
func NewProductRepository(db *DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// GetByID returns a single product by its identifier.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	rows, err := r.db.conn(ctx).Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByPos[product.Product])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	return &p, nil
}

// HasStock reports whether any active variant of the product has stock.
func (r *ProductRepository) HasStock(ctx context.Context, id string) (bool, error) {
	var ok bool
	if err := r.db.conn(ctx).QueryRow(ctx, productHasStockSQL, id).Scan(&ok); err != nil {
		return false, fmt.Errorf("checking stock of product %q: %w", id, err)
	}
	return ok, nil
}

// SetActive updates the active flag.
func (r *ProductRepository) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := r.db.conn(ctx).Exec(ctx, setProductActiveSQL, id, active)
	if err != nil {
		return fmt.Errorf("updating product %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return product.ErrNotFound
	}
	return nil
}
