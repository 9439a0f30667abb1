package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-orders/internal/domain/audit"
	"github.com/xenking/kart-orders/internal/events"
)

const (
	insertAuditEntrySQL = `INSERT INTO audit_log (description, kind, actor_id, subject_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	listAuditBySubjectSQL = `SELECT id, description, kind, actor_id, subject_id, created_at
		FROM audit_log WHERE subject_id = $1 ORDER BY id`

	appendEventSQL = `INSERT INTO order_events (kind, order_id, customer_id, status, occurred_at)
		VALUES ($1, $2, $3, $4, $5)`

	pendingEventsSQL = `SELECT id, kind, order_id, customer_id, status, occurred_at
		FROM order_events WHERE published_at IS NULL
		ORDER BY id LIMIT $1
		FOR UPDATE SKIP LOCKED`

	markEventsPublishedSQL = `UPDATE order_events SET published_at = now() WHERE id = ANY($1)`
)

var (
	_ audit.Repository = (*AuditRepository)(nil)
	_ events.Outbox    = (*Outbox)(nil)
)

// AuditRepository implements audit.Repository backed by PostgreSQL.
type AuditRepository struct {
	db *DB
}

// NewAuditRepository returns an AuditRepository over db.
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Insert appends an entry.
func (r *AuditRepository) Insert(ctx context.Context, e audit.Entry) error {
	_, err := r.db.conn(ctx).Exec(ctx, insertAuditEntrySQL,
		e.Description, string(e.Kind), e.ActorID, e.SubjectID, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry for %q: %w", e.SubjectID, err)
	}
	return nil
}

// ListBySubject returns the entries of a subject in insertion order.
func (r *AuditRepository) ListBySubject(ctx context.Context, subjectID string) ([]audit.Entry, error) {
	rows, err := r.db.conn(ctx).Query(ctx, listAuditBySubjectSQL, subjectID)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries for %q: %w", subjectID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (audit.Entry, error) {
		var (
			e    audit.Entry
			kind string
		)
		err := row.Scan(&e.ID, &e.Description, &kind, &e.ActorID, &e.SubjectID, &e.CreatedAt)
		e.Kind = audit.Kind(kind)
		return e, err
	})
}

// Outbox implements events.Outbox on the order_events table.
type Outbox struct {
	db *DB
}

// NewOutbox returns an Outbox over db.
func NewOutbox(db *DB) *Outbox {
	return &Outbox{db: db}
}

// Append stores an event in the current transaction.
func (o *Outbox) Append(ctx context.Context, e events.Event) error {
	_, err := o.db.conn(ctx).Exec(ctx, appendEventSQL, e.Kind, e.OrderID, e.CustomerID, e.Status, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("appending %s event for order %q: %w", e.Kind, e.OrderID, err)
	}
	return nil
}

// Pending locks up to limit unpublished events. Rows locked by another
// relay are skipped.
func (o *Outbox) Pending(ctx context.Context, limit int) ([]events.Event, error) {
	rows, err := o.db.conn(ctx).Query(ctx, pendingEventsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("loading pending events: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[events.Event])
}

// MarkPublished records that the events were delivered.
func (o *Outbox) MarkPublished(ctx context.Context, ids []int64) error {
	if _, err := o.db.conn(ctx).Exec(ctx, markEventsPublishedSQL, ids); err != nil {
		return fmt.Errorf("marking %d events published: %w", len(ids), err)
	}
	return nil
}
