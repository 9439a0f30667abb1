package product

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/domain/failure"
	"github.com/xenking/kart-orders/internal/task"
)

// TaskReevaluate re-derives a product's active flag from its variants.
const TaskReevaluate = "product.reevaluate"

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = fmt.Errorf("product %w", failure.ErrNotFound)

// Product represents a catalog item. It is active while at least one of its
// variants is in stock.
type Product struct {
	ID       string
	Name     string
	Category string
	Active   bool
}

// Repository defines product persistence.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Product, error)
	// HasStock reports whether any active variant of the product has a
	// positive quantity.
	HasStock(ctx context.Context, id string) (bool, error)
	SetActive(ctx context.Context, id string, active bool) error
}

// UnitOfWork runs fn inside a transaction, or inside a savepoint when ctx
// already carries one.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Enqueuer queues deferred work.
type Enqueuer interface {
	Enqueue(ctx context.Context, t task.Task) error
}

// Scheduler queues product re-evaluations for the stock ledger.
type Scheduler struct {
	uow   UnitOfWork
	queue Enqueuer
}

// NewScheduler creates a Scheduler.
func NewScheduler(uow UnitOfWork, queue Enqueuer) *Scheduler {
	return &Scheduler{uow: uow, queue: queue}
}

// ScheduleReevaluation enqueues a re-evaluation. Inside a transaction the
// insert runs in a savepoint so a failure cannot abort the caller's
// transaction.
func (s *Scheduler) ScheduleReevaluation(ctx context.Context, productID string) error {
	return s.uow.RunInTx(ctx, func(ctx context.Context) error {
		return s.queue.Enqueue(ctx, task.New(TaskReevaluate, task.Args{"product_id": productID}).WithKey(productID))
	})
}

// Reevaluator keeps product active flags in line with variant stock.
type Reevaluator struct {
	uow      UnitOfWork
	products Repository
}

// NewReevaluator creates a Reevaluator.
func NewReevaluator(uow UnitOfWork, products Repository) *Reevaluator {
	return &Reevaluator{uow: uow, products: products}
}

// Reevaluate deactivates a product without stock and re-activates one that
// has stock again. It reports whether the flag changed.
func (r *Reevaluator) Reevaluate(ctx context.Context, productID string) (bool, error) {
	changed := false
	err := r.uow.RunInTx(ctx, func(ctx context.Context) error {
		p, err := r.products.GetByID(ctx, productID)
		if err != nil {
			return errors.Wrap(err, "get product")
		}
		inStock, err := r.products.HasStock(ctx, productID)
		if err != nil {
			return errors.Wrap(err, "check stock")
		}
		if p.Active == inStock {
			return nil
		}
		if err := r.products.SetActive(ctx, productID, inStock); err != nil {
			return errors.Wrap(err, "set active")
		}
		changed = true
		zctx.From(ctx).Info("Product availability changed",
			zap.String("product_id", productID),
			zap.Bool("active", inStock),
		)
		return nil
	})
	return changed, err
}

// Handle is the task handler for TaskReevaluate.
func (r *Reevaluator) Handle(ctx context.Context, t task.Task) error {
	id := t.Arg("product_id")
	if id == "" {
		return task.Permanent(errors.New("product_id is required"))
	}
	_, err := r.Reevaluate(ctx, id)
	if errors.Is(err, failure.ErrNotFound) {
		return task.Permanent(err)
	}
	return err
}
