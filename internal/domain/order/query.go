package order

import (
	"context"
	"encoding/json"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/cache"
	"github.com/xenking/kart-orders/internal/domain/audit"
	"github.com/xenking/kart-orders/internal/domain/failure"
	"github.com/xenking/kart-orders/internal/events"
)

// GetOrder returns an order with its items. Customers only see their own
// live orders; administrators also see soft-deleted ones. Reads are served
// from the cache when possible.
func (s *Service) GetOrder(ctx context.Context, orderID string, actor Actor) (*Order, error) {
	if orderID == "" {
		return nil, ErrOrderIDRequired
	}
	if actor.Role != RoleSystem && actor.ID == "" {
		return nil, ErrActorRequired
	}

	o, err := s.cachedOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch {
	case actor.Role == RoleCustomer && o.CustomerID != actor.ID:
		return nil, ErrNotOwner
	case actor.Role == RoleCustomer && o.Deleted():
		return nil, ErrOrderNotFound
	}
	return o, nil
}

func (s *Service) cachedOrder(ctx context.Context, orderID string) (*Order, error) {
	key := "order:" + orderID
	lg := zctx.From(ctx)

	if b, ok, err := s.cache.Get(ctx, key); err != nil {
		lg.Warn("Read order from cache failed", zap.String("order_id", orderID), zap.Error(err))
	} else if ok {
		var o Order
		if err := json.Unmarshal(b, &o); err == nil {
			return &o, nil
		}
		lg.Warn("Discard malformed cached order", zap.String("order_id", orderID))
	}

	lease, release := s.leaseFor(ctx, key, cache.TagOrders, cache.OrderTag(orderID))
	defer release()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}

	if b, err := json.Marshal(o); err == nil {
		s.fill(ctx, lease, key, b, cache.TagOrders, cache.OrderTag(o.ID), cache.CustomerOrdersTag(o.CustomerID))
	}
	return o, nil
}

// CountOrders counts orders matching f. Results are cached until the next
// order mutation.
func (s *Service) CountOrders(ctx context.Context, f Filter) (int, error) {
	for _, st := range f.Statuses {
		if !st.Valid() {
			return 0, errors.Wrapf(ErrInvalidFilter, "status %q", st)
		}
	}
	if !f.CreatedFrom.IsZero() && !f.CreatedTo.IsZero() && f.CreatedTo.Before(f.CreatedFrom) {
		return 0, errors.Wrap(ErrInvalidFilter, "created_to before created_from")
	}

	key := countKey(f)
	lg := zctx.From(ctx)

	if b, ok, err := s.cache.Get(ctx, key); err != nil {
		lg.Warn("Read order count from cache failed", zap.Error(err))
	} else if ok {
		if n, err := strconv.Atoi(string(b)); err == nil {
			return n, nil
		}
	}

	tags := []string{cache.TagOrders}
	if f.CustomerID != "" {
		tags = append(tags, cache.CustomerOrdersTag(f.CustomerID))
	}
	lease, release := s.leaseFor(ctx, key, tags...)
	defer release()

	n, err := s.orders.Count(ctx, f)
	if err != nil {
		return 0, errors.Wrap(err, "count orders")
	}
	s.fill(ctx, lease, key, []byte(strconv.Itoa(n)), tags...)
	return n, nil
}

// leaseFor starts a read-through fill of key. A nil lease means the cache is
// unavailable and the read is served uncached.
func (s *Service) leaseFor(ctx context.Context, key string, tags ...string) (*cache.Lease, func()) {
	lease, err := cache.NewLease(ctx, s.cache, key, s.cfg.CacheTTL, tags...)
	if err != nil {
		zctx.From(ctx).Warn("Take cache lease failed", zap.String("key", key), zap.Error(err))
		return nil, func() {}
	}
	return lease, func() {
		if err := lease.Release(ctx); err != nil {
			zctx.From(ctx).Warn("Release cache lease failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// fill caches a value read under lease. Values read while an invalidation
// landed are dropped.
func (s *Service) fill(ctx context.Context, lease *cache.Lease, key string, value []byte, tags ...string) {
	if lease == nil {
		return
	}
	kept, err := lease.Fill(ctx, key, value, s.cfg.CacheTTL, tags...)
	switch {
	case err != nil:
		zctx.From(ctx).Warn("Cache fill failed", zap.String("key", key), zap.Error(err))
	case !kept:
		zctx.From(ctx).Debug("Cache fill dropped after invalidation", zap.String("key", key))
	}
}

// countKey builds a cache key that is equal for equal filters.
func countKey(f Filter) string {
	var b strings.Builder
	b.WriteString("orders:count")
	b.WriteString(":c=" + f.CustomerID)

	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = st.String()
	}
	slices.Sort(statuses)
	b.WriteString(":s=" + strings.Join(slices.Compact(statuses), ","))

	b.WriteString(":f=" + unixOrEmpty(f.CreatedFrom))
	b.WriteString(":t=" + unixOrEmpty(f.CreatedTo))
	b.WriteString(":d=" + strconv.FormatBool(f.IncludeDeleted))
	b.WriteString(":r=" + strconv.FormatBool(f.NotRestocked))
	return b.String()
}

func unixOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.Unix(), 10)
}

// Delete soft-deletes an order. Deleted orders are invisible to customers
// and to status transitions but still reconcile their stock.
func (s *Service) Delete(ctx context.Context, orderID string, actor Actor) error {
	return s.setDeleted(ctx, orderID, actor, true)
}

// Restore undoes Delete.
func (s *Service) Restore(ctx context.Context, orderID string, actor Actor) error {
	return s.setDeleted(ctx, orderID, actor, false)
}

func (s *Service) setDeleted(ctx context.Context, orderID string, actor Actor, deleted bool) error {
	if orderID == "" {
		return ErrOrderIDRequired
	}
	if actor.ID == "" {
		return ErrActorRequired
	}
	if actor.Role != RoleAdmin {
		return ErrAdminOnly
	}

	err := s.uow.RunInTx(ctx, func(ctx context.Context) error {
		o, err := s.orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return errors.Wrap(err, "lock order")
		}

		kind, desc := events.KindOrderDeleted, "order deleted"
		switch {
		case deleted && o.Deleted():
			return ErrAlreadyDeleted
		case !deleted && !o.Deleted():
			return ErrNotDeleted
		case deleted:
			if err := s.orders.SoftDelete(ctx, o.ID, s.now().UTC()); err != nil {
				return errors.Wrap(err, "soft delete order")
			}
		default:
			kind, desc = events.KindOrderRestored, "order restored"
			if err := s.orders.Restore(ctx, o.ID); err != nil {
				return errors.Wrap(err, "restore order")
			}
		}

		if err := s.audit.Record(ctx, desc, audit.KindAdmin, actor.ID, o.ID); err != nil {
			return failure.AuditLog(err, "record deletion")
		}
		return s.appendEvent(ctx, kind, o)
	})
	if err != nil {
		return err
	}
	s.published()
	return nil
}
