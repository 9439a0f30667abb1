package api

import (
	"context"
	"net/http"

	"github.com/xenking/kart-orders/internal/domain/order"
	"github.com/xenking/kart-orders/internal/notify"
)

// OrderService is the workflow surface wrapped by Orders.
type OrderService interface {
	CreateFromCart(ctx context.Context, customerID string, req order.CheckoutRequest) (*order.Created, error)
	Transition(ctx context.Context, req order.TransitionRequest) (*order.Transitioned, error)
	GetOrder(ctx context.Context, orderID string, actor order.Actor) (*order.Order, error)
	CountOrders(ctx context.Context, f order.Filter) (int, error)
	ExpireUnpaidOrder(ctx context.Context, orderID string) (bool, error)
	RestockOrderItems(ctx context.Context, orderID string) (bool, error)
}

var _ OrderService = (*order.Service)(nil)

// Orders adapts the order workflows to Result-returning calls.
type Orders struct {
	svc      OrderService
	notifier notify.Notifier
}

// NewOrders creates Orders. A nil notifier discards reports.
func NewOrders(svc OrderService, notifier notify.Notifier) *Orders {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Orders{svc: svc, notifier: notifier}
}

// CreateOrderFromCart checks out the customer's cart.
func (o *Orders) CreateOrderFromCart(ctx context.Context, customerID string, req order.CheckoutRequest) Result[*order.Created] {
	return call(ctx, o, "create order", func() (Result[*order.Created], error) {
		created, err := o.svc.CreateFromCart(ctx, customerID, req)
		if err != nil {
			return Result[*order.Created]{}, err
		}
		return Result[*order.Created]{
			Success:    true,
			Message:    "order " + created.Number + " created",
			StatusCode: http.StatusCreated,
			Warnings:   created.Warnings,
			Value:      created,
		}, nil
	})
}

func (o *Orders) transition(ctx context.Context, orderID string, target order.Status, actor order.Actor, reason string) Result[bool] {
	return call(ctx, o, "transition to "+target.String(), func() (Result[bool], error) {
		t, err := o.svc.Transition(ctx, order.TransitionRequest{
			OrderID: orderID,
			Target:  target,
			Actor:   actor,
			Reason:  reason,
		})
		if err != nil {
			return Result[bool]{}, err
		}
		return Result[bool]{
			Success:    true,
			Message:    "order " + t.OrderID + " is now " + t.To.String(),
			StatusCode: http.StatusOK,
			Warnings:   t.Warnings,
			Value:      true,
		}, nil
	})
}

// ConfirmOrder records payment on behalf of an administrator.
func (o *Orders) ConfirmOrder(ctx context.Context, orderID, actorID string) Result[bool] {
	return o.transition(ctx, orderID, order.StatusConfirmed, order.Admin(actorID), "")
}

// ConfirmPayment records payment reported by the payment provider.
func (o *Orders) ConfirmPayment(ctx context.Context, orderID string) Result[bool] {
	return o.transition(ctx, orderID, order.StatusConfirmed, order.SystemActor, "")
}

// ProcessOrder starts fulfilment.
func (o *Orders) ProcessOrder(ctx context.Context, orderID, actorID string) Result[bool] {
	return o.transition(ctx, orderID, order.StatusProcessing, order.Admin(actorID), "")
}

// ShipOrder marks an order shipped.
func (o *Orders) ShipOrder(ctx context.Context, orderID, actorID string) Result[bool] {
	return o.transition(ctx, orderID, order.StatusShipped, order.Admin(actorID), "")
}

// DeliverOrder marks an order delivered.
func (o *Orders) DeliverOrder(ctx context.Context, orderID, actorID string) Result[bool] {
	return o.transition(ctx, orderID, order.StatusDelivered, order.Admin(actorID), "")
}

// CompleteOrder closes a delivered order.
func (o *Orders) CompleteOrder(ctx context.Context, orderID, actorID string) Result[bool] {
	return o.transition(ctx, orderID, order.StatusComplete, order.Admin(actorID), "")
}

// ReturnOrder records a return.
func (o *Orders) ReturnOrder(ctx context.Context, orderID, actorID, reason string) Result[bool] {
	return o.transition(ctx, orderID, order.StatusReturned, order.Admin(actorID), reason)
}

// RefundOrder records a refund.
func (o *Orders) RefundOrder(ctx context.Context, orderID, actorID, reason string) Result[bool] {
	return o.transition(ctx, orderID, order.StatusRefunded, order.Admin(actorID), reason)
}

// ExpirePayment expires an unpaid order on an administrator's request.
func (o *Orders) ExpirePayment(ctx context.Context, orderID, actorID string) Result[bool] {
	return o.transition(ctx, orderID, order.StatusPaymentExpired, order.Admin(actorID), "")
}

// CancelOrderByCustomer cancels an order on behalf of its owner.
func (o *Orders) CancelOrderByCustomer(ctx context.Context, orderID, customerID string) Result[bool] {
	return o.transition(ctx, orderID, order.StatusCancelledByUser, order.Customer(customerID), "")
}

// CancelOrderByAdmin cancels an order on behalf of an administrator.
func (o *Orders) CancelOrderByAdmin(ctx context.Context, orderID, adminID, reason string) Result[bool] {
	return o.transition(ctx, orderID, order.StatusCancelledByAdmin, order.Admin(adminID), reason)
}

// CountOrders counts orders matching f.
func (o *Orders) CountOrders(ctx context.Context, f order.Filter) Result[int] {
	return call(ctx, o, "count orders", func() (Result[int], error) {
		n, err := o.svc.CountOrders(ctx, f)
		if err != nil {
			return Result[int]{}, err
		}
		return Result[int]{Success: true, Message: "ok", StatusCode: http.StatusOK, Value: n}, nil
	})
}

// GetOrder returns an order visible to actor.
func (o *Orders) GetOrder(ctx context.Context, orderID string, actor order.Actor) Result[*order.Order] {
	return call(ctx, o, "get order", func() (Result[*order.Order], error) {
		ord, err := o.svc.GetOrder(ctx, orderID, actor)
		if err != nil {
			return Result[*order.Order]{}, err
		}
		return Result[*order.Order]{Success: true, Message: "ok", StatusCode: http.StatusOK, Value: ord}, nil
	})
}

// ExpireUnpaidOrder runs the expiry worker for one order. Value reports
// whether the order changed.
func (o *Orders) ExpireUnpaidOrder(ctx context.Context, orderID string) Result[bool] {
	return o.reconcile(ctx, "expire unpaid order", orderID, o.svc.ExpireUnpaidOrder)
}

// RestockOrderItems runs the restock worker for one order. Value reports
// whether stock was returned.
func (o *Orders) RestockOrderItems(ctx context.Context, orderID string) Result[bool] {
	return o.reconcile(ctx, "restock order", orderID, o.svc.RestockOrderItems)
}

func (o *Orders) reconcile(ctx context.Context, op, orderID string, fn func(context.Context, string) (bool, error)) Result[bool] {
	return call(ctx, o, op, func() (Result[bool], error) {
		changed, err := fn(ctx, orderID)
		if err != nil {
			return Result[bool]{}, err
		}
		msg := "nothing to do"
		if changed {
			msg = "done"
		}
		return Result[bool]{Success: true, Message: msg, StatusCode: http.StatusOK, Value: changed}, nil
	})
}
