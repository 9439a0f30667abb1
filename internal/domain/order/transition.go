package order

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/domain/audit"
	"github.com/xenking/kart-orders/internal/domain/failure"
	"github.com/xenking/kart-orders/internal/events"
	"github.com/xenking/kart-orders/internal/task"
)

// TransitionRequest asks to move an order to Target.
type TransitionRequest struct {
	OrderID string
	Target  Status
	Actor   Actor
	Reason  string
}

// Transitioned is the outcome of a successful status change.
type Transitioned struct {
	OrderID  string
	From     Status
	To       Status
	Warnings []string
}

// Transition performs a single status change under a row lock. Stock moves,
// the audit entry, and the outbox event commit together with the new
// status; restock scheduling happens after commit.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (*Transitioned, error) {
	if req.OrderID == "" {
		return nil, ErrOrderIDRequired
	}
	if req.Actor.Role != RoleSystem && req.Actor.ID == "" {
		return nil, ErrActorRequired
	}
	if !req.Target.Valid() {
		return nil, fmt.Errorf("unknown target status %q: %w", req.Target, failure.ErrValidation)
	}

	var (
		res = &Transitioned{OrderID: req.OrderID, To: req.Target}
		o   *Order
	)
	err := s.uow.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		o, err = s.lockOrder(ctx, req.OrderID)
		if err != nil {
			return err
		}
		res.From = o.Status

		if err := authorize(o, req.Target, req.Actor); err != nil {
			return err
		}
		warnings, err := s.apply(ctx, o, req.Target, req.Actor, req.Reason)
		res.Warnings = append(res.Warnings, warnings...)
		return err
	})
	if err != nil {
		return nil, err
	}

	res.Warnings = append(res.Warnings, s.afterTransition(ctx, o)...)

	zctx.From(ctx).Info("Order status changed",
		zap.String("order_id", o.ID),
		zap.String("from", res.From.String()),
		zap.String("to", res.To.String()),
		zap.String("actor", req.Actor.ID),
	)
	return res, nil
}

// lockOrder loads a live order and locks its row.
func (s *Service) lockOrder(ctx context.Context, id string) (*Order, error) {
	o, err := s.orders.GetForUpdate(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "lock order")
	}
	if o.Deleted() {
		return nil, ErrOrderNotFound
	}
	return o, nil
}

// authorize applies the role rules on top of the state machine.
func authorize(o *Order, target Status, actor Actor) error {
	switch target {
	case StatusCancelledByUser:
		if actor.Role != RoleCustomer || actor.ID != o.CustomerID {
			return ErrNotOwner
		}
		if o.Status != StatusPendingPayment && o.Status != StatusPaymentExpired {
			return &InvalidTransitionError{From: o.Status, To: target, Reason: "only unpaid orders can be cancelled by the customer"}
		}
	case StatusCancelledByAdmin:
		if actor.Role == RoleCustomer {
			return ErrAdminOnly
		}
		switch {
		case o.Status.IsCancelled():
			return &InvalidTransitionError{From: o.Status, To: target, Reason: "order is already cancelled"}
		case o.Status == StatusDelivered, o.Status == StatusRefunded, o.Status == StatusReturned:
			return &InvalidTransitionError{From: o.Status, To: target, Reason: "order already reached the customer"}
		}
	default:
		if actor.Role == RoleCustomer {
			return ErrAdminOnly
		}
	}
	return nil
}

// apply moves a locked order to target inside the current transaction. It
// returns warnings for tolerated audit failures.
func (s *Service) apply(ctx context.Context, o *Order, target Status, actor Actor, reason string) ([]string, error) {
	from := o.Status
	if !IsValidTransition(from, target) {
		return nil, &InvalidTransitionError{From: from, To: target}
	}

	if target == StatusProcessing && o.RestockedAt != nil {
		if err := s.reduceStock(ctx, o); err != nil {
			return nil, err
		}
		o.RestockedAt = nil
	}

	now := s.now().UTC()
	o.Status = target
	o.UpdatedAt = now
	switch {
	case target == StatusShipped && o.ShippedAt == nil:
		o.ShippedAt = &now
	case target == StatusDelivered && o.DeliveredAt == nil:
		o.DeliveredAt = &now
	case target.IsCancelled() && o.CancelledAt == nil:
		o.CancelledAt = &now
	}

	var warnings []string
	if actor.Role != RoleSystem {
		desc := fmt.Sprintf("status %s -> %s", from, target)
		if reason != "" {
			desc += ": " + reason
		}
		if err := s.audit.Record(ctx, desc, auditKind(actor), actor.ID, o.ID); err != nil {
			if target != StatusConfirmed {
				return nil, failure.AuditLog(err, "record transition")
			}
			// Payment confirmation proceeds without its audit entry.
			zctx.From(ctx).Warn("Audit entry for payment confirmation failed",
				zap.String("order_id", o.ID),
				zap.Error(err),
			)
			warnings = append(warnings, s.warn(ctx, "audit entry for payment confirmation failed", err))
		}
	}

	if err := s.orders.Update(ctx, o); err != nil {
		return nil, errors.Wrap(err, "update order")
	}
	if err := s.appendEvent(ctx, events.KindOrderStatusChanged, o); err != nil {
		return nil, errors.Wrap(err, "append event")
	}
	return warnings, nil
}

// reduceStock reserves the items of an order whose stock was returned.
func (s *Service) reduceStock(ctx context.Context, o *Order) error {
	for _, it := range o.ItemsByVariant() {
		if err := s.stock.Reserve(ctx, it.VariantID, it.Quantity); err != nil {
			return errors.Wrapf(err, "reduce stock of variant %s", it.VariantID)
		}
	}
	return nil
}

// afterTransition runs the best-effort follow-ups of a committed change.
func (s *Service) afterTransition(ctx context.Context, o *Order) []string {
	var warnings []string
	if o.Status.releasesStock() && o.RestockedAt == nil {
		restock := task.New(TaskRestock, task.Args{"order_id": o.ID}).WithKey(o.ID)
		if err := s.scheduler.Enqueue(ctx, restock); err != nil {
			warnings = append(warnings, s.warn(ctx, "schedule restock failed", err))
		}
	}
	s.published()
	return warnings
}

func auditKind(a Actor) audit.Kind {
	if a.Role == RoleCustomer {
		return audit.KindCustomer
	}
	return audit.KindAdmin
}

// Confirm records payment for a pending order.
func (s *Service) Confirm(ctx context.Context, orderID string, actor Actor) (*Transitioned, error) {
	return s.Transition(ctx, TransitionRequest{OrderID: orderID, Target: StatusConfirmed, Actor: actor, Reason: "payment confirmed"})
}

// Process starts fulfilment of a confirmed order.
func (s *Service) Process(ctx context.Context, orderID string, actor Actor) (*Transitioned, error) {
	return s.Transition(ctx, TransitionRequest{OrderID: orderID, Target: StatusProcessing, Actor: actor})
}

// Ship marks an order as handed to the carrier.
func (s *Service) Ship(ctx context.Context, orderID string, actor Actor) (*Transitioned, error) {
	return s.Transition(ctx, TransitionRequest{OrderID: orderID, Target: StatusShipped, Actor: actor})
}

// Deliver marks an order as delivered.
func (s *Service) Deliver(ctx context.Context, orderID string, actor Actor) (*Transitioned, error) {
	return s.Transition(ctx, TransitionRequest{OrderID: orderID, Target: StatusDelivered, Actor: actor})
}

// Complete closes a delivered order.
func (s *Service) Complete(ctx context.Context, orderID string, actor Actor) (*Transitioned, error) {
	return s.Transition(ctx, TransitionRequest{OrderID: orderID, Target: StatusComplete, Actor: actor})
}

// Return records that a delivered order came back.
func (s *Service) Return(ctx context.Context, orderID string, actor Actor, reason string) (*Transitioned, error) {
	return s.Transition(ctx, TransitionRequest{OrderID: orderID, Target: StatusReturned, Actor: actor, Reason: reason})
}

// Refund records a refund for a delivered order.
func (s *Service) Refund(ctx context.Context, orderID string, actor Actor, reason string) (*Transitioned, error) {
	return s.Transition(ctx, TransitionRequest{OrderID: orderID, Target: StatusRefunded, Actor: actor, Reason: reason})
}

// ExpirePayment expires a pending order regardless of its deadline.
func (s *Service) ExpirePayment(ctx context.Context, orderID string, actor Actor) (*Transitioned, error) {
	return s.Transition(ctx, TransitionRequest{OrderID: orderID, Target: StatusPaymentExpired, Actor: actor})
}

// CancelByCustomer cancels an unpaid order on behalf of its owner.
func (s *Service) CancelByCustomer(ctx context.Context, orderID, customerID string) (*Transitioned, error) {
	return s.Transition(ctx, TransitionRequest{OrderID: orderID, Target: StatusCancelledByUser, Actor: Customer(customerID)})
}

// CancelByAdmin cancels an order that has not reached the customer.
func (s *Service) CancelByAdmin(ctx context.Context, orderID, adminID, reason string) (*Transitioned, error) {
	return s.Transition(ctx, TransitionRequest{OrderID: orderID, Target: StatusCancelledByAdmin, Actor: Admin(adminID), Reason: reason})
}
