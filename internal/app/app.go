package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-orders/internal/api"
	"github.com/xenking/kart-orders/internal/cache"
	"github.com/xenking/kart-orders/internal/domain/audit"
	"github.com/xenking/kart-orders/internal/domain/auth"
	"github.com/xenking/kart-orders/internal/domain/inventory"
	"github.com/xenking/kart-orders/internal/domain/order"
	"github.com/xenking/kart-orders/internal/domain/product"
	"github.com/xenking/kart-orders/internal/events"
	"github.com/xenking/kart-orders/internal/handler"
	"github.com/xenking/kart-orders/internal/notify"
	"github.com/xenking/kart-orders/internal/storage/postgres"
	"github.com/xenking/kart-orders/internal/task"
	"github.com/xenking/kart-orders/internal/txn"
	"github.com/xenking/kart-orders/pkg/health"
	"github.com/xenking/kart-orders/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the background workers and the ops
// HTTP server, and handles graceful shutdown. It is the single wiring point
// for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.MaxConns)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	db := postgres.New(pool)

	var notifier notify.Multi
	notifier = append(notifier, notify.NewLog(lg.Named("alerts")))
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.AlertsTopic != "" {
		alerts := notify.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.AlertsTopic, "kart-orders", lg)
		defer func() { _ = alerts.Close() }()
		notifier = append(notifier, alerts)
	}

	healthSvc := health.New()
	healthSvc.Add(health.Check{
		Name:    "postgres",
		Probe:   health.Readiness,
		Timeout: 5 * time.Second,
		Func:    health.PingCheck(pool),
	})
	healthSvc.Add(health.Check{
		Name:  "goroutines",
		Probe: health.Liveness,
		Func:  health.GoroutineCountCheck(10000),
	})

	var cacheMgr cache.Manager = cache.NewMemory()
	if cfg.Redis.Enabled() {
		rdb, err := cache.NewRedisManager(ctx, cache.RedisConfig{
			URL:      cfg.Redis.URL,
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, lg)
		if err != nil {
			return errors.Wrap(err, "connect redis")
		}
		defer func() { _ = rdb.Close() }()
		cacheMgr = rdb
		healthSvc.Add(health.Check{
			Name:    "redis",
			Probe:   health.Readiness,
			Timeout: 2 * time.Second,
			Func:    health.PingCheck(rdb),
		})
	}

	// Repositories.
	uow := txn.NewCoordinator(db,
		txn.WithClassifier(postgres.Classify),
		txn.WithTracerProvider(m.TracerProvider()),
	)
	taskStore := postgres.NewTaskStore(db)
	outbox := postgres.NewOutbox(db)
	productRepo := postgres.NewProductRepository(db)

	healthSvc.Add(health.Check{
		Name:  "task_backlog",
		Probe: health.Readiness,
		Func:  health.BacklogCheck(taskStore.Pending, cfg.Worker.MaxBacklog),
	})

	// Deferred work.
	queue := task.NewQueue(taskStore)
	workers := task.NewPool(taskStore, task.PoolConfig{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
		BatchSize:    cfg.Worker.BatchSize,
		Lease:        cfg.Worker.Lease,
		MaxAttempts:  cfg.Worker.MaxAttempts,
	}, lg.Named("tasks"),
		task.WithNotifier(notifier),
		task.WithTelemetry(m.TracerProvider(), m.MeterProvider()),
	)
	queue.OnEnqueue(workers.Wake)

	// Events and cache invalidation.
	dispatcher := cache.NewDispatcher(cacheMgr, notifier, lg.Named("cache"), 0)
	var (
		publisher events.Publisher
		consume   func(ctx context.Context) error
	)
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() { _ = kp.Close() }()
		publisher = kp

		consumer := events.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.Topic, cfg.Kafka.Workers, lg.Named("events"))
		consume = func(ctx context.Context) error {
			return consumer.Run(ctx, cache.InvalidationHandler(cacheMgr))
		}
	} else {
		publisher = events.NewLocalPublisher(dispatcher.DispatchHandler())
	}
	relay := events.NewRelay(outbox, uow, publisher, events.RelayConfig{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
	}, lg.Named("relay")).WithMeterProvider(m.MeterProvider())

	// Domain services.
	ledger := inventory.NewLedger(
		postgres.NewVariantRepository(db),
		inventory.NewLockTable(),
		product.NewScheduler(uow, queue),
	)
	orderService := order.NewService(order.Deps{
		UnitOfWork: uow,
		Orders:     postgres.NewOrderRepository(db),
		Customers:  postgres.NewCustomerRepository(db),
		Carts:      postgres.NewCartRepository(db),
		Stock:      ledger,
		Audit:      audit.NewRecorder(postgres.NewAuditRepository(db)),
		Outbox:     outbox,
		Scheduler:  queue,
		Cache:      cacheMgr,
		Notifier:   notifier,
		Published:  relay.Notify,
	}, order.Config{
		PaymentTimeout: cfg.Orders.PaymentTimeout,
		CheckoutMaxAge: cfg.Orders.CheckoutMaxAge,
		CacheTTL:       cfg.Orders.CacheTTL,
		SweepBatchSize: cfg.Sweep.BatchSize,
	})
	orderService.RegisterTasks(workers)
	workers.Handle(product.TaskReevaluate, product.NewReevaluator(uow, productRepo).Handle)

	sweeper := task.NewSweeper(cfg.Sweep.Interval, lg.Named("sweep"))
	sweeper.Add("expire_unpaid", orderService.SweepOverdue)
	sweeper.Add("restock", orderService.SweepUnrestocked)

	// HTTP.
	authn := auth.NewAuthenticator(postgres.NewAPIKeyRepository(db), []byte(cfg.OpsAPIKeyPepper))
	h := handler.New(api.NewOrders(orderService, notifier), sweeper, authn, healthSvc)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: otelhttp.NewHandler(
			httpmiddleware.Wrap(h.Router(),
				httpmiddleware.InjectLogger(zctx.From(ctx)),
				httpmiddleware.RequestID(),
				httpmiddleware.Recovery(),
				httpmiddleware.LogRequests(),
			),
			"kart-orders",
			otelhttp.WithTracerProvider(m.TracerProvider()),
			otelhttp.WithMeterProvider(m.MeterProvider()),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	healthSvc.Start(gctx, 10*time.Second)
	defer healthSvc.Stop()

	g.Go(func() error { return workers.Run(gctx) })
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	if consume != nil {
		g.Go(func() error { return consume(gctx) })
	}

	// Graceful shutdown: wait for cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		return nil
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	healthSvc.SetReady(true)

	return g.Wait()
}
