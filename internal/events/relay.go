package events

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

// UnitOfWork runs fn inside a transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// RelayConfig tunes the outbox relay.
type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

// Relay moves events from the outbox to a Publisher. Delivery is at least
// once: a batch is marked published only after Publish succeeds.
type Relay struct {
	outbox    Outbox
	uow       UnitOfWork
	publisher Publisher
	cfg       RelayConfig
	lg        *zap.Logger
	wake      chan struct{}
	published metric.Int64Counter
}

// NewRelay creates a Relay.
func NewRelay(outbox Outbox, uow UnitOfWork, publisher Publisher, cfg RelayConfig, lg *zap.Logger) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	counter, _ := noop.NewMeterProvider().Meter("").Int64Counter("events.published")
	return &Relay{
		outbox:    outbox,
		uow:       uow,
		publisher: publisher,
		cfg:       cfg,
		lg:        lg,
		wake:      make(chan struct{}, 1),
		published: counter,
	}
}

// WithMeterProvider records the number of published events.
func (r *Relay) WithMeterProvider(mp metric.MeterProvider) *Relay {
	if c, err := mp.Meter("github.com/xenking/kart-orders/internal/events").Int64Counter("events.published",
		metric.WithDescription("Outbox events handed to the publisher")); err == nil {
		r.published = c
	}
	return r
}

// Notify wakes the relay so freshly committed events go out without waiting
// for the next poll. It never blocks.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run relays events until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.lg.Info("Starting outbox relay", zap.Duration("poll_interval", r.cfg.PollInterval))

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for {
			n, err := r.RelayOnce(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.lg.Error("Relay outbox failed", zap.Error(err))
				}
				break
			}
			if n < r.cfg.BatchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			r.lg.Info("Outbox relay stopped")
			return nil
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// RelayOnce publishes one batch and returns its size.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	var n int
	err := r.uow.RunInTx(ctx, func(ctx context.Context) error {
		batch, err := r.outbox.Pending(ctx, r.cfg.BatchSize)
		if err != nil {
			return errors.Wrap(err, "load pending events")
		}
		if len(batch) == 0 {
			return nil
		}
		if err := r.publisher.Publish(ctx, batch); err != nil {
			return errors.Wrap(err, "publish events")
		}
		ids := make([]int64, len(batch))
		for i, e := range batch {
			ids[i] = e.ID
		}
		if err := r.outbox.MarkPublished(ctx, ids); err != nil {
			return errors.Wrap(err, "mark events published")
		}
		n = len(batch)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.published.Add(ctx, int64(n))
	}
	return n, nil
}
