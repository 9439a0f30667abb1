package cache

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/events"
	"github.com/xenking/kart-orders/internal/notify"
)

// Dispatcher removes tagged cache entries in the background. Callers never
// wait for the cache and never see its failures.
type Dispatcher struct {
	cache    Manager
	notifier notify.Notifier
	lg       *zap.Logger
	timeout  time.Duration
	inbox    chan []string
}

// NewDispatcher creates a Dispatcher with an inbox of the given size.
func NewDispatcher(cache Manager, notifier notify.Notifier, lg *zap.Logger, size int) *Dispatcher {
	if size <= 0 {
		size = 1024
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Dispatcher{
		cache:    cache,
		notifier: notifier,
		lg:       lg,
		timeout:  5 * time.Second,
		inbox:    make(chan []string, size),
	}
}

// Dispatch queues removal of the tags. It never blocks: when the inbox is
// full the request is dropped and reported.
func (d *Dispatcher) Dispatch(tags ...string) {
	if len(tags) == 0 {
		return
	}
	select {
	case d.inbox <- tags:
	default:
		d.notifier.Notify(context.Background(), "cache invalidation dropped", strings.Join(tags, ","))
	}
}

// Run processes the inbox until ctx is cancelled, then drains what is left.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case tags := <-d.inbox:
			d.remove(ctx, tags)
		case <-ctx.Done():
			d.drain(context.WithoutCancel(ctx))
			return nil
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case tags := <-d.inbox:
			d.remove(ctx, tags)
		default:
			return
		}
	}
}

func (d *Dispatcher) remove(ctx context.Context, tags []string) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.cache.RemoveByTags(ctx, tags...); err != nil {
		d.lg.Warn("Cache invalidation failed", zap.Strings("tags", tags), zap.Error(err))
		d.notifier.Notify(ctx, "cache invalidation failed", err.Error())
	}
}

// EventTags returns the tags an order event invalidates.
func EventTags(e events.Event) []string {
	tags := []string{TagOrders, OrderTag(e.OrderID)}
	if e.CustomerID != "" {
		tags = append(tags, CustomerOrdersTag(e.CustomerID))
	}
	return tags
}

// InvalidationHandler returns an event handler that removes cache entries
// synchronously. It is used by event consumers, which retry on failure.
func InvalidationHandler(cache Manager) events.Handler {
	return func(ctx context.Context, e events.Event) error {
		return cache.RemoveByTags(ctx, EventTags(e)...)
	}
}

// DispatchHandler returns an event handler that hands tags to the
// Dispatcher and always succeeds.
func (d *Dispatcher) DispatchHandler() events.Handler {
	return func(_ context.Context, e events.Event) error {
		d.Dispatch(EventTags(e)...)
		return nil
	}
}
