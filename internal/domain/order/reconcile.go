package order

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/domain/failure"
	"github.com/xenking/kart-orders/internal/events"
	"github.com/xenking/kart-orders/internal/task"
)

// ExpireUnpaidOrder moves an order that is still PendingPayment past its
// payment deadline to PaymentExpired and schedules its restock. It reports
// whether the order was expired; any other state is a no-op.
func (s *Service) ExpireUnpaidOrder(ctx context.Context, orderID string) (bool, error) {
	if orderID == "" {
		return false, ErrOrderIDRequired
	}

	var o *Order
	expired := false
	err := s.uow.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		o, err = s.orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return errors.Wrap(err, "lock order")
		}
		if !s.paymentOverdue(o) {
			return nil
		}
		if _, err := s.apply(ctx, o, StatusPaymentExpired, SystemActor, "payment timeout"); err != nil {
			return err
		}
		expired = true
		return nil
	})
	if err != nil || !expired {
		return false, err
	}

	for _, w := range s.afterTransition(ctx, o) {
		zctx.From(ctx).Warn("Expiry follow-up failed", zap.String("order_id", orderID), zap.String("warning", w))
	}
	zctx.From(ctx).Info("Order payment expired", zap.String("order_id", orderID))
	return true, nil
}

func (s *Service) paymentOverdue(o *Order) bool {
	return o.Status == StatusPendingPayment && !s.now().Before(o.PaymentDeadline(s.cfg.PaymentTimeout))
}

// RestockOrderItems returns the reserved stock of a cancelled or expired
// order exactly once. A PendingPayment order past its deadline is expired
// first. Lines that fail to release are reported and skipped, so a partial
// restock still completes. It reports whether stock was returned.
func (s *Service) RestockOrderItems(ctx context.Context, orderID string) (bool, error) {
	if orderID == "" {
		return false, ErrOrderIDRequired
	}

	restocked := false
	var o *Order
	err := s.uow.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		o, err = s.orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return errors.Wrap(err, "lock order")
		}
		if o.RestockedAt != nil {
			return nil
		}
		if s.paymentOverdue(o) {
			if _, err := s.apply(ctx, o, StatusPaymentExpired, SystemActor, "payment timeout"); err != nil {
				return err
			}
		}
		if !o.Status.releasesStock() {
			return nil
		}

		for _, it := range o.ItemsByVariant() {
			// Each line runs in its own savepoint so a failed release does not
			// abort the transaction.
			err := s.uow.RunInTx(ctx, func(ctx context.Context) error {
				return s.stock.Release(ctx, it.VariantID, it.Quantity)
			})
			if err != nil {
				zctx.From(ctx).Error("Release stock failed",
					zap.String("order_id", o.ID),
					zap.String("variant_id", it.VariantID),
					zap.Int("quantity", it.Quantity),
					zap.Error(err),
				)
				s.notifier.Notify(ctx, "restock line failed",
					fmt.Sprintf("order %s variant %s quantity %d: %v", o.ID, it.VariantID, it.Quantity, err))
			}
		}

		now := s.now().UTC()
		o.RestockedAt = &now
		o.UpdatedAt = now
		if err := s.orders.Update(ctx, o); err != nil {
			return errors.Wrap(err, "update order")
		}
		if err := s.appendEvent(ctx, events.KindOrderRestocked, o); err != nil {
			return errors.Wrap(err, "append event")
		}
		restocked = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if restocked {
		s.published()
		zctx.From(ctx).Info("Order restocked", zap.String("order_id", orderID), zap.Int("items", len(o.Items)))
	}
	return restocked, nil
}

// SweepOverdue queues expiry for unpaid orders past their deadline whose
// scheduled check was lost.
func (s *Service) SweepOverdue(ctx context.Context) (int, error) {
	orders, err := s.orders.List(ctx, Filter{
		Statuses:       []Status{StatusPendingPayment},
		CreatedTo:      s.now().Add(-s.cfg.PaymentTimeout),
		IncludeDeleted: true,
		Limit:          s.cfg.SweepBatchSize,
	})
	if err != nil {
		return 0, errors.Wrap(err, "list overdue orders")
	}
	return s.enqueueFor(ctx, TaskExpireUnpaid, orders)
}

// SweepUnrestocked queues restock for cancelled and expired orders that
// still hold stock.
func (s *Service) SweepUnrestocked(ctx context.Context) (int, error) {
	orders, err := s.orders.List(ctx, Filter{
		Statuses:       []Status{StatusPaymentExpired, StatusCancelledByUser, StatusCancelledByAdmin},
		NotRestocked:   true,
		IncludeDeleted: true,
		Limit:          s.cfg.SweepBatchSize,
	})
	if err != nil {
		return 0, errors.Wrap(err, "list unrestocked orders")
	}
	return s.enqueueFor(ctx, TaskRestock, orders)
}

func (s *Service) enqueueFor(ctx context.Context, name string, orders []Order) (int, error) {
	n := 0
	for _, o := range orders {
		t := task.New(name, task.Args{"order_id": o.ID}).WithKey(o.ID)
		if err := s.scheduler.Enqueue(ctx, t); err != nil {
			return n, errors.Wrapf(err, "enqueue %s for %s", name, o.ID)
		}
		n++
	}
	return n, nil
}

// TaskRegistry binds task names to handlers.
type TaskRegistry interface {
	Handle(name string, h task.Handler)
}

// RegisterTasks binds the reconciliation handlers.
func (s *Service) RegisterTasks(r TaskRegistry) {
	r.Handle(TaskExpireUnpaid, s.handleOrderTask(s.ExpireUnpaidOrder))
	r.Handle(TaskRestock, s.handleOrderTask(s.RestockOrderItems))
}

func (s *Service) handleOrderTask(fn func(ctx context.Context, orderID string) (bool, error)) task.Handler {
	return func(ctx context.Context, t task.Task) error {
		orderID := t.Arg("order_id")
		if orderID == "" {
			return task.Permanent(ErrOrderIDRequired)
		}
		_, err := fn(ctx, orderID)
		if errors.Is(err, failure.ErrNotFound) {
			return task.Permanent(err)
		}
		return err
	}
}
