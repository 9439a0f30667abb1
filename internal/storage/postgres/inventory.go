package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-orders/internal/domain/inventory"
)

const (
	variantColumns = `id, product_id, sku, price, quantity, active`

	getVariantsByIDsSQL = `SELECT ` + variantColumns + ` FROM variants WHERE id = ANY($1) ORDER BY id`

	// The WHERE clause makes the check and the write one atomic step.
	decrementVariantSQL = `UPDATE variants
		SET quantity = quantity - $2, active = (quantity - $2) > 0
		WHERE id = $1 AND quantity >= $2
		RETURNING ` + variantColumns

	incrementVariantSQL = `UPDATE variants
		SET quantity = quantity + $2, active = active OR quantity = 0
		WHERE id = $1
		RETURNING ` + variantColumns

	setVariantQuantitySQL = `UPDATE variants
		SET quantity = $2, active = $2 > 0
		WHERE id = $1
		RETURNING ` + variantColumns

	getVariantIDsBySKUSQL = `SELECT sku, id FROM variants WHERE sku = ANY($1)`
)

var _ inventory.Repository = (*VariantRepository)(nil)

// VariantRepository implements inventory.Repository backed by PostgreSQL.
type VariantRepository struct {
	db *DB
}

// NewVariantRepository returns a VariantRepository over db.
func NewVariantRepository(db *DB) *VariantRepository {
	return &VariantRepository{db: db}
}

// GetByIDs returns the variants matching ids. Unknown ids are omitted.
func (r *VariantRepository) GetByIDs(ctx context.Context, ids []string) ([]inventory.Variant, error) {
	rows, err := r.db.conn(ctx).Query(ctx, getVariantsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting variants by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanVariant)
}

// Decrement subtracts qty while at least qty is available.
func (r *VariantRepository) Decrement(ctx context.Context, id string, qty int) (inventory.Variant, bool, error) {
	return r.move(ctx, decrementVariantSQL, id, qty)
}

// Increment adds qty.
func (r *VariantRepository) Increment(ctx context.Context, id string, qty int) (inventory.Variant, bool, error) {
	return r.move(ctx, incrementVariantSQL, id, qty)
}

func (r *VariantRepository) move(ctx context.Context, query, id string, qty int) (inventory.Variant, bool, error) {
	rows, err := r.db.conn(ctx).Query(ctx, query, id, qty)
	if err != nil {
		return inventory.Variant{}, false, fmt.Errorf("moving stock of variant %q: %w", id, err)
	}
	v, err := pgx.CollectExactlyOneRow(rows, scanVariant)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return inventory.Variant{}, false, nil
		}
		return inventory.Variant{}, false, fmt.Errorf("moving stock of variant %q: %w", id, err)
	}
	return v, true, nil
}

// SetQuantity overwrites the quantity of a variant.
func (r *VariantRepository) SetQuantity(ctx context.Context, id string, qty int) (inventory.Variant, error) {
	rows, err := r.db.conn(ctx).Query(ctx, setVariantQuantitySQL, id, qty)
	if err != nil {
		return inventory.Variant{}, fmt.Errorf("setting quantity of variant %q: %w", id, err)
	}
	v, err := pgx.CollectExactlyOneRow(rows, scanVariant)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return inventory.Variant{}, inventory.ErrVariantNotFound
		}
		return inventory.Variant{}, fmt.Errorf("setting quantity of variant %q: %w", id, err)
	}
	return v, nil
}

// IDsBySKU resolves SKUs to variant ids. Unknown SKUs are omitted.
func (r *VariantRepository) IDsBySKU(ctx context.Context, skus []string) (map[string]string, error) {
	rows, err := r.db.conn(ctx).Query(ctx, getVariantIDsBySKUSQL, skus)
	if err != nil {
		return nil, fmt.Errorf("resolving skus: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]string, len(skus))
	for rows.Next() {
		var sku, id string
		if err := rows.Scan(&sku, &id); err != nil {
			return nil, fmt.Errorf("scanning sku: %w", err)
		}
		ids[sku] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("resolving skus: %w", err)
	}
	return ids, nil
}

func scanVariant(row pgx.CollectableRow) (inventory.Variant, error) {
	var v inventory.Variant
	err := row.Scan(&v.ID, &v.ProductID, &v.SKU, &v.Price, &v.Quantity, &v.Active)
	return v, err
}
