package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-orders/internal/domain/order"
)

const (
	orderColumns = `id, number, customer_id, address_id, status, subtotal, total, notes,
		created_at, updated_at, shipped_at, delivered_at, cancelled_at, restocked_at, deleted_at`

	getOrderSQL          = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	getOrderForUpdateSQL = getOrderSQL + ` FOR UPDATE`

	listOrderItemsSQL = `SELECT id, order_id, product_id, variant_id, quantity, unit_price, line_total, ordered_at
		FROM order_items WHERE order_id = $1 ORDER BY variant_id COLLATE "C", id`

	createOrderSQL = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	updateOrderSQL = `UPDATE orders SET status = $2, notes = $3, updated_at = $4,
		shipped_at = $5, delivered_at = $6, cancelled_at = $7, restocked_at = $8
		WHERE id = $1`

	softDeleteOrderSQL = `UPDATE orders SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`
	restoreOrderSQL    = `UPDATE orders SET deleted_at = NULL WHERE id = $1 AND deleted_at IS NOT NULL`
)

var orderItemColumns = []string{
	"id", "order_id", "product_id", "variant_id", "quantity", "unit_price", "line_total", "ordered_at",
}

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	db *DB
}

// NewOrderRepository returns an OrderRepository over db.
func NewOrderRepository(db *DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Get loads an order and its items.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	return r.get(ctx, getOrderSQL, id)
}

// GetForUpdate loads an order and locks its row until the transaction
// carried by ctx ends.
func (r *OrderRepository) GetForUpdate(ctx context.Context, id string) (*order.Order, error) {
	return r.get(ctx, getOrderForUpdateSQL, id)
}

func (r *OrderRepository) get(ctx context.Context, query, id string) (*order.Order, error) {
	q := r.db.conn(ctx)
	rows, err := q.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrOrderNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}

	rows, err = q.Query(ctx, listOrderItemsSQL, id)
	if err != nil {
		return nil, fmt.Errorf("listing items of order %q: %w", id, err)
	}
	o.Items, err = pgx.CollectRows(rows, scanOrderItem)
	if err != nil {
		return nil, fmt.Errorf("listing items of order %q: %w", id, err)
	}
	return &o, nil
}

// List returns orders matching f, oldest first, without items.
func (r *OrderRepository) List(ctx context.Context, f order.Filter) ([]order.Order, error) {
	where, args := orderFilter(f)
	query := `SELECT ` + orderColumns + ` FROM orders` + where + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := r.db.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	return pgx.CollectRows(rows, scanOrder)
}

// Count returns the number of orders matching f.
func (r *OrderRepository) Count(ctx context.Context, f order.Filter) (int, error) {
	where, args := orderFilter(f)
	var n int
	if err := r.db.conn(ctx).QueryRow(ctx, `SELECT count(*) FROM orders`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting orders: %w", err)
	}
	return n, nil
}

// Create inserts the order row. Items are written by CreateItems.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	_, err := r.db.conn(ctx).Exec(ctx, createOrderSQL,
		o.ID, o.Number, o.CustomerID, o.AddressID, string(o.Status), o.Subtotal, o.Total, o.Notes,
		o.CreatedAt, o.UpdatedAt, o.ShippedAt, o.DeliveredAt, o.CancelledAt, o.RestockedAt, o.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	return nil
}

// CreateItems bulk-inserts order items with COPY.
func (r *OrderRepository) CreateItems(ctx context.Context, items []order.Item) error {
	if len(items) == 0 {
		return nil
	}
	src := pgx.CopyFromSlice(len(items), func(i int) ([]any, error) {
		it := items[i]
		return []any{it.ID, it.OrderID, it.ProductID, it.VariantID, it.Quantity, it.UnitPrice, it.LineTotal, it.OrderedAt}, nil
	})
	if _, err := r.db.conn(ctx).CopyFrom(ctx, pgx.Identifier{"order_items"}, orderItemColumns, src); err != nil {
		return fmt.Errorf("creating items of order %q: %w", items[0].OrderID, err)
	}
	return nil
}

// Update writes status, notes, and lifecycle timestamps.
func (r *OrderRepository) Update(ctx context.Context, o *order.Order) error {
	tag, err := r.db.conn(ctx).Exec(ctx, updateOrderSQL,
		o.ID, string(o.Status), o.Notes, o.UpdatedAt,
		o.ShippedAt, o.DeliveredAt, o.CancelledAt, o.RestockedAt,
	)
	if err != nil {
		return fmt.Errorf("updating order %q: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrOrderNotFound
	}
	return nil
}

// SoftDelete marks an order deleted.
func (r *OrderRepository) SoftDelete(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.conn(ctx).Exec(ctx, softDeleteOrderSQL, id, at)
	if err != nil {
		return fmt.Errorf("deleting order %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrAlreadyDeleted
	}
	return nil
}

// Restore clears the deletion mark.
func (r *OrderRepository) Restore(ctx context.Context, id string) error {
	tag, err := r.db.conn(ctx).Exec(ctx, restoreOrderSQL, id)
	if err != nil {
		return fmt.Errorf("restoring order %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotDeleted
	}
	return nil
}

func orderFilter(f order.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if !f.IncludeDeleted {
		conds = append(conds, "deleted_at IS NULL")
	}
	if f.NotRestocked {
		conds = append(conds, "restocked_at IS NULL")
	}
	if f.CustomerID != "" {
		add("customer_id = $%d", f.CustomerID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}
	if !f.CreatedFrom.IsZero() {
		add("created_at >= $%d", f.CreatedFrom)
	}
	if !f.CreatedTo.IsZero() {
		add("created_at <= $%d", f.CreatedTo)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o      order.Order
		status string
	)
	err := row.Scan(
		&o.ID, &o.Number, &o.CustomerID, &o.AddressID, &status, &o.Subtotal, &o.Total, &o.Notes,
		&o.CreatedAt, &o.UpdatedAt, &o.ShippedAt, &o.DeliveredAt, &o.CancelledAt, &o.RestockedAt, &o.DeletedAt,
	)
	o.Status = order.Status(status)
	return o, err
}

func scanOrderItem(row pgx.CollectableRow) (order.Item, error) {
	var it order.Item
	err := row.Scan(
		&it.ID, &it.OrderID, &it.ProductID, &it.VariantID, &it.Quantity, &it.UnitPrice, &it.LineTotal, &it.OrderedAt,
	)
	return it, err
}
