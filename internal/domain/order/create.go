package order

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/domain/cart"
	"github.com/xenking/kart-orders/internal/domain/customer"
	"github.com/xenking/kart-orders/internal/domain/inventory"
	"github.com/xenking/kart-orders/internal/events"
	"github.com/xenking/kart-orders/internal/task"
)

// CheckoutRequest holds the input for creating an order from a cart.
type CheckoutRequest struct {
	AddressID string
	Notes     string
}

// Created is the outcome of a successful checkout.
type Created struct {
	OrderID  string
	Number   string
	Status   Status
	Total    decimal.Decimal
	Warnings []string
}

// CreateFromCart turns the customer's cart into a PendingPayment order,
// reserving stock for every line. Nothing is persisted unless every line
// could be reserved.
func (s *Service) CreateFromCart(ctx context.Context, customerID string, req CheckoutRequest) (*Created, error) {
	if customerID == "" {
		return nil, ErrCustomerRequired
	}

	var o *Order
	err := s.uow.RunInTx(ctx, func(ctx context.Context) error {
		c, err := s.checkoutCart(ctx, customerID, req.AddressID)
		if err != nil {
			return err
		}

		lines, err := s.pricedLines(ctx, c.Lines)
		if err != nil {
			return err
		}

		o = s.newOrder(customerID, req, lines)
		if err := s.orders.Create(ctx, o); err != nil {
			return errors.Wrap(err, "create order")
		}
		if err := s.orders.CreateItems(ctx, o.Items); err != nil {
			return errors.Wrap(err, "create order items")
		}

		for _, it := range o.ItemsByVariant() {
			if err := s.stock.Reserve(ctx, it.VariantID, it.Quantity); err != nil {
				return errors.Wrapf(err, "reserve variant %s", it.VariantID)
			}
		}

		if err := s.carts.Clear(ctx, c.ID); err != nil {
			return errors.Wrap(err, "clear cart")
		}
		return s.appendEvent(ctx, events.KindOrderCreated, o)
	})
	if err != nil {
		return nil, err
	}

	res := &Created{
		OrderID: o.ID,
		Number:  o.Number,
		Status:  o.Status,
		Total:   o.Total,
	}

	expire := task.New(TaskExpireUnpaid, task.Args{"order_id": o.ID}).WithKey(o.ID)
	if err := s.scheduler.Schedule(ctx, expire, o.PaymentDeadline(s.cfg.PaymentTimeout)); err != nil {
		res.Warnings = append(res.Warnings, s.warn(ctx, "schedule payment expiry failed", err))
	}
	s.published()

	zctx.From(ctx).Info("Order created",
		zap.String("order_id", o.ID),
		zap.String("number", o.Number),
		zap.String("total", o.Total.StringFixed(2)),
	)
	return res, nil
}

// checkoutCart validates the customer, address, and cart.
func (s *Service) checkoutCart(ctx context.Context, customerID, addressID string) (*cart.Cart, error) {
	cust, err := s.customers.Get(ctx, customerID)
	switch {
	case errors.Is(err, customer.ErrNotFound):
		return nil, ErrUnknownCustomer
	case err != nil:
		return nil, errors.Wrap(err, "get customer")
	case cust.DeletedAt != nil:
		return nil, ErrUnknownCustomer
	}

	c, err := s.carts.GetByCustomer(ctx, customerID)
	if err != nil && !errors.Is(err, cart.ErrNotFound) {
		return nil, errors.Wrap(err, "get cart")
	}
	if c.Empty() {
		return nil, ErrEmptyCart
	}

	addr, err := s.customers.GetAddress(ctx, addressID)
	switch {
	case errors.Is(err, customer.ErrNotFound):
		return nil, ErrInvalidAddress
	case err != nil:
		return nil, errors.Wrap(err, "get address")
	case addr.CustomerID != customerID:
		return nil, ErrInvalidAddress
	}

	if c.CheckoutStartedAt.IsZero() || s.now().Sub(c.CheckoutStartedAt) > s.cfg.CheckoutMaxAge {
		return nil, ErrCheckoutExpired
	}

	for _, l := range c.Lines {
		if l.Quantity <= 0 {
			return nil, &InvalidQuantityError{VariantID: l.VariantID}
		}
	}
	return c, nil
}

type pricedLine struct {
	variant  inventory.Variant
	quantity int
}

// pricedLines checks every line against current stock before anything is
// written.
func (s *Service) pricedLines(ctx context.Context, lines []cart.Line) ([]pricedLine, error) {
	ids := make([]string, len(lines))
	for i, l := range lines {
		ids[i] = l.VariantID
	}
	available, err := s.stock.Available(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "load stock")
	}

	// Lines for the same variant draw from the same stock.
	requested := make(map[string]int, len(lines))
	for _, l := range lines {
		requested[l.VariantID] += l.Quantity
	}

	out := make([]pricedLine, len(lines))
	for i, l := range lines {
		v, ok := available[l.VariantID]
		if !ok {
			return nil, errors.Wrapf(inventory.ErrVariantNotFound, "line %d", i)
		}
		if v.Quantity < requested[l.VariantID] {
			return nil, &inventory.InsufficientStockError{
				VariantID: v.ID,
				ProductID: v.ProductID,
				Requested: requested[l.VariantID],
				Available: v.Quantity,
			}
		}
		out[i] = pricedLine{variant: v, quantity: l.Quantity}
	}
	return out, nil
}

func (s *Service) newOrder(customerID string, req CheckoutRequest, lines []pricedLine) *Order {
	now := s.now().UTC()
	o := &Order{
		ID:         uuid.New().String(),
		Number:     NewNumber(now),
		CustomerID: customerID,
		AddressID:  req.AddressID,
		Status:     StatusPendingPayment,
		Notes:      req.Notes,
		CreatedAt:  now,
		UpdatedAt:  now,
		Items:      make([]Item, len(lines)),
	}

	subtotal := decimal.Zero
	for i, l := range lines {
		lineTotal := l.variant.Price.Mul(decimal.NewFromInt(int64(l.quantity))).Round(2)
		o.Items[i] = Item{
			ID:        uuid.New().String(),
			OrderID:   o.ID,
			ProductID: l.variant.ProductID,
			VariantID: l.variant.ID,
			Quantity:  l.quantity,
			UnitPrice: l.variant.Price,
			LineTotal: lineTotal,
			OrderedAt: now,
		}
		subtotal = subtotal.Add(lineTotal)
	}
	o.Subtotal = subtotal.Round(2)
	o.Total = o.Subtotal
	return o
}
