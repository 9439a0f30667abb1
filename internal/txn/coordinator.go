// Package txn coordinates units of work: every mutating operation runs
// between one Begin and exactly one Commit or Rollback, and any failure
// undoes all partial writes.
package txn

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/domain/failure"
)

// ErrDone is returned when committing a transaction that already finished.
var ErrDone = errors.New("transaction already finished")

// Tx is a started storage transaction.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner starts storage transactions. The returned context carries the
// transaction so repositories called with it join the unit of work. Calling
// Begin with a context that already carries a transaction starts a nested
// one (a savepoint).
type Beginner interface {
	Begin(ctx context.Context) (context.Context, Tx, error)
}

// Classifier maps storage errors raised at commit or inside the unit of work
// onto the failure taxonomy. It returns nil for errors it does not know.
type Classifier func(err error) error

// Coordinator runs units of work.
type Coordinator struct {
	db       Beginner
	classify Classifier
	tracer   trace.Tracer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClassifier sets the storage error classifier.
func WithClassifier(c Classifier) Option {
	return func(co *Coordinator) { co.classify = c }
}

// WithTracerProvider enables tracing of units of work.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(co *Coordinator) { co.tracer = tp.Tracer("github.com/xenking/kart-orders/internal/txn") }
}

// NewCoordinator creates a Coordinator over db.
func NewCoordinator(db Beginner, opts ...Option) *Coordinator {
	c := &Coordinator{
		db:       db,
		classify: func(error) error { return nil },
		tracer:   noop.NewTracerProvider().Tracer(""),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Transaction is a unit of work started by Begin.
type Transaction struct {
	ctx context.Context
	tx  Tx

	mu   sync.Mutex
	done bool
}

// Context returns the context bound to the transaction.
func (t *Transaction) Context() context.Context {
	return t.ctx
}

// Commit commits the transaction. It fails with ErrDone when the
// transaction already finished.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return ErrDone
	}
	t.done = true
	return t.tx.Commit(ctx)
}

// Rollback aborts the transaction. Calling it again, or after Commit, is a
// no-op.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback(ctx)
}

// Begin starts a transaction.
func (c *Coordinator) Begin(ctx context.Context) (*Transaction, error) {
	txCtx, tx, err := c.db.Begin(ctx)
	if err != nil {
		return nil, c.translate(err, "begin")
	}
	return &Transaction{ctx: txCtx, tx: tx}, nil
}

// RunInTx runs fn inside a transaction and commits when fn returns nil. An
// error or panic from fn rolls the transaction back. Business errors are
// returned unchanged; storage errors are mapped to failure.ErrConflict or
// failure.ErrPersistence.
func (c *Coordinator) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (rerr error) {
	ctx, span := c.tracer.Start(ctx, "txn.RunInTx")
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
			span.SetAttributes(attribute.String("failure.kind", string(failure.KindOf(rerr))))
		}
		span.End()
	}()

	t, err := c.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			zctx.From(ctx).Error("Panic in unit of work",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			c.rollback(ctx, t)
			rerr = failure.Persistence(fmt.Errorf("panic: %v", r), "unit of work")
		}
	}()

	if err := fn(t.Context()); err != nil {
		c.rollback(ctx, t)
		if failure.IsBusiness(err) || errors.Is(err, failure.ErrPersistence) || errors.Is(err, failure.ErrAuditLog) {
			return err
		}
		return c.translate(err, "unit of work")
	}

	if err := t.Commit(ctx); err != nil {
		c.rollback(ctx, t)
		return c.translate(err, "commit")
	}
	return nil
}

func (c *Coordinator) rollback(ctx context.Context, t *Transaction) {
	// The caller's context may already be cancelled; rollback must still reach
	// the database.
	if err := t.Rollback(context.WithoutCancel(ctx)); err != nil {
		zctx.From(ctx).Warn("Rollback failed", zap.Error(err))
	}
}

func (c *Coordinator) translate(err error, op string) error {
	if mapped := c.classify(err); mapped != nil {
		return mapped
	}
	return failure.Persistence(err, op)
}
