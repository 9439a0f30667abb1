package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/notify"
)

// Handler runs one task. Returning an error schedules a retry unless the
// error is Permanent or the task ran out of attempts.
type Handler func(ctx context.Context, t Task) error

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	Concurrency  int
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

func (c *PoolConfig) setDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = c.Concurrency * 4
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Minute
	}
}

// Pool claims due tasks from a Store and runs their handlers on a fixed
// number of workers.
type Pool struct {
	store    Store
	cfg      PoolConfig
	lg       *zap.Logger
	notifier notify.Notifier
	now      func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler

	wake chan struct{}

	tracer    trace.Tracer
	processed metric.Int64Counter
	failed    metric.Int64Counter
	buried    metric.Int64Counter
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithNotifier sets the channel for dead-lettered tasks.
func WithNotifier(n notify.Notifier) PoolOption {
	return func(p *Pool) { p.notifier = n }
}

// WithTelemetry enables tracing and metrics.
func WithTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) PoolOption {
	return func(p *Pool) {
		p.tracer = tp.Tracer("github.com/xenking/kart-orders/internal/task")
		p.initMetrics(mp.Meter("github.com/xenking/kart-orders/internal/task"))
	}
}

// NewPool creates a Pool.
func NewPool(store Store, cfg PoolConfig, lg *zap.Logger, opts ...PoolOption) *Pool {
	cfg.setDefaults()
	p := &Pool{
		store:    store,
		cfg:      cfg,
		lg:       lg,
		notifier: notify.Nop{},
		now:      time.Now,
		handlers: make(map[string]Handler),
		wake:     make(chan struct{}, 1),
		tracer:   tracenoop.NewTracerProvider().Tracer(""),
	}
	p.initMetrics(metricnoop.NewMeterProvider().Meter(""))
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pool) initMetrics(m metric.Meter) {
	// Instrument creation only fails on invalid names.
	p.processed, _ = m.Int64Counter("tasks.processed", metric.WithDescription("Tasks completed successfully"))
	p.failed, _ = m.Int64Counter("tasks.failed", metric.WithDescription("Task attempts that returned an error"))
	p.buried, _ = m.Int64Counter("tasks.buried", metric.WithDescription("Tasks moved to the dead letter state"))
}

// Handle registers the handler for a task name.
func (p *Pool) Handle(name string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[name] = h
}

// Wake asks the pool to poll immediately.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run polls for due tasks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.lg.Info("Starting task pool",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Duration("poll_interval", p.cfg.PollInterval),
	)

	jobs := make(chan Task)
	var wg sync.WaitGroup
	for range p.cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				p.process(ctx, t)
			}
		}()
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	defer func() {
		close(jobs)
		wg.Wait()
		p.lg.Info("Task pool stopped")
	}()

	for {
		tasks, err := p.store.Claim(ctx, p.now(), p.cfg.BatchSize, p.cfg.Lease)
		if err != nil && ctx.Err() == nil {
			p.lg.Error("Claim tasks failed", zap.Error(err))
		}
		for _, t := range tasks {
			select {
			case jobs <- t:
			case <-ctx.Done():
				return nil
			}
		}
		// A full batch suggests more work is due; poll again right away.
		if len(tasks) == p.cfg.BatchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// RunOnce claims one batch and runs it on the calling goroutine. It returns
// the number of tasks processed.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	tasks, err := p.store.Claim(ctx, p.now(), p.cfg.BatchSize, p.cfg.Lease)
	if err != nil {
		return 0, errors.Wrap(err, "claim tasks")
	}
	for _, t := range tasks {
		p.process(ctx, t)
	}
	return len(tasks), nil
}

func (p *Pool) process(ctx context.Context, t Task) {
	ctx, span := p.tracer.Start(ctx, "task."+t.Name, trace.WithAttributes(
		attribute.Int64("task.id", t.ID),
		attribute.Int("task.attempt", t.Attempt),
	))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("task.name", t.Name))
	lg := p.lg.With(zap.Int64("task_id", t.ID), zap.String("task", t.Name), zap.Int("attempt", t.Attempt))

	err := p.run(ctx, t)
	if err == nil {
		p.processed.Add(ctx, 1, attrs)
		if err := p.store.Complete(ctx, t.ID); err != nil {
			lg.Error("Complete task failed", zap.Error(err))
		}
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.failed.Add(ctx, 1, attrs)

	if IsPermanent(err) || t.Attempt >= p.cfg.MaxAttempts {
		lg.Error("Task buried", zap.Error(err))
		p.buried.Add(ctx, 1, attrs)
		if err := p.store.Bury(ctx, t.ID, err.Error()); err != nil {
			lg.Error("Bury task failed", zap.Error(err))
		}
		p.notifier.Notify(ctx, "task "+t.Name+" dead-lettered", fmt.Sprintf("id=%d args=%v: %v", t.ID, t.Args, err))
		return
	}

	next := p.now().Add(p.backoff(t.Attempt))
	lg.Warn("Task failed, retrying", zap.Time("run_at", next), zap.Error(err))
	if err := p.store.Retry(ctx, t.ID, next, err.Error()); err != nil {
		lg.Error("Reschedule task failed", zap.Error(err))
	}
}

func (p *Pool) run(ctx context.Context, t Task) (err error) {
	p.mu.RLock()
	h, ok := p.handlers[t.Name]
	p.mu.RUnlock()
	if !ok {
		return Permanent(errors.Errorf("no handler for task %q", t.Name))
	}

	defer func() {
		if r := recover(); r != nil {
			p.lg.Error("Task handler panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, t)
}

// backoff doubles BaseBackoff per attempt up to MaxBackoff.
func (p *Pool) backoff(attempt int) time.Duration {
	d := p.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.cfg.MaxBackoff {
			return p.cfg.MaxBackoff
		}
	}
	return d
}
