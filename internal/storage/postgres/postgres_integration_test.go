//go:build integration

package postgres

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/cache"
	"github.com/xenking/kart-orders/internal/domain/audit"
	"github.com/xenking/kart-orders/internal/domain/cart"
	"github.com/xenking/kart-orders/internal/domain/customer"
	"github.com/xenking/kart-orders/internal/domain/failure"
	"github.com/xenking/kart-orders/internal/domain/inventory"
	"github.com/xenking/kart-orders/internal/domain/order"
	"github.com/xenking/kart-orders/internal/domain/product"
	"github.com/xenking/kart-orders/internal/events"
	"github.com/xenking/kart-orders/internal/task"
	"github.com/xenking/kart-orders/internal/txn"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:17-alpine",
		tcpostgres.WithDatabase("kart"),
		tcpostgres.WithUsername("kart"),
		tcpostgres.WithPassword("kart"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, dsn, 8)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, RunMigrations(ctx, pool))
	require.NoError(t, RunMigrations(ctx, pool), "schema must be idempotent")
	return pool
}

type stack struct {
	db       *DB
	uow      *txn.Coordinator
	tasks    *TaskStore
	pool     *task.Pool
	variants *VariantRepository
	products *ProductRepository
	orders   *OrderRepository
	audit    *AuditRepository
	outbox   *Outbox
	svc      *order.Service
}

func newStack(t *testing.T) *stack {
	pool := startPostgres(t)
	db := New(pool)
	s := &stack{
		db:       db,
		uow:      txn.NewCoordinator(db, txn.WithClassifier(Classify)),
		tasks:    NewTaskStore(db),
		variants: NewVariantRepository(db),
		products: NewProductRepository(db),
		orders:   NewOrderRepository(db),
		audit:    NewAuditRepository(db),
		outbox:   NewOutbox(db),
	}
	s.svc = s.newService(inventory.NewLockTable())

	s.pool = task.NewPool(s.tasks, task.PoolConfig{Concurrency: 1}, zap.NewNop())
	s.svc.RegisterTasks(s.pool)
	s.pool.Handle(product.TaskReevaluate, product.NewReevaluator(s.uow, s.products).Handle)
	return s
}

// newService builds an order service over the shared database. Services
// with different lock tables behave like separate processes.
func (s *stack) newService(locks *inventory.LockTable) *order.Service {
	queue := task.NewQueue(s.tasks)
	ledger := inventory.NewLedger(s.variants, locks, product.NewScheduler(s.uow, queue))
	return order.NewService(order.Deps{
		UnitOfWork: s.uow,
		Orders:     s.orders,
		Customers:  NewCustomerRepository(s.db),
		Carts:      NewCartRepository(s.db),
		Stock:      ledger,
		Audit:      audit.NewRecorder(s.audit),
		Outbox:     s.outbox,
		Scheduler:  queue,
		Cache:      cache.NewMemory(),
	}, order.Config{})
}

func (s *stack) seed(t *testing.T, qty int, lines ...cart.Line) {
	t.Helper()
	ctx := context.Background()
	f := NewFixtures(s.db)

	require.NoError(t, f.UpsertProduct(ctx,
		product.Product{ID: "p1", Name: "Waffle", Category: "Waffle", Active: true},
		inventory.Variant{ID: "v1", SKU: "WAF-1", Price: decimal.RequireFromString("12.50"), Quantity: qty, Active: true},
	))
	require.NoError(t, f.UpsertCustomer(ctx,
		customer.Customer{ID: "c1", Email: "c1@example.com", Name: "Customer One"},
		customer.Address{ID: "a1", Line1: "1 Main St", City: "Sydney", Country: "AU"},
	))
	require.NoError(t, f.PutCart(ctx, cart.Cart{
		ID:                "cart-c1",
		CustomerID:        "c1",
		CheckoutStartedAt: time.Now().Add(-time.Hour),
		Lines:             lines,
	}))
}

func (s *stack) drainTasks(t *testing.T) {
	t.Helper()
	for range 5 {
		n, err := s.pool.RunOnce(context.Background())
		require.NoError(t, err)
		if n == 0 {
			return
		}
	}
}

func (s *stack) variant(t *testing.T, id string) inventory.Variant {
	t.Helper()
	vs, err := s.variants.GetByIDs(context.Background(), []string{id})
	require.NoError(t, err)
	require.Len(t, vs, 1)
	return vs[0]
}

func (s *stack) productActive(t *testing.T) bool {
	t.Helper()
	p, err := s.products.GetByID(context.Background(), "p1")
	require.NoError(t, err)
	return p.Active
}

func TestOrderLifecycle_Postgres(t *testing.T) {
	s := newStack(t)
	s.seed(t, 2, cart.Line{VariantID: "v1", Quantity: 2})
	ctx := context.Background()

	created, err := s.svc.CreateFromCart(ctx, "c1", order.CheckoutRequest{AddressID: "a1", Notes: "ring twice"})
	require.NoError(t, err)
	assert.Empty(t, created.Warnings)
	assert.Equal(t, "25.00", created.Total.StringFixed(2))

	v := s.variant(t, "v1")
	assert.Equal(t, 0, v.Quantity)
	assert.False(t, v.Active)

	o, err := s.orders.Get(ctx, created.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPendingPayment, o.Status)
	require.Len(t, o.Items, 1)
	assert.Equal(t, "p1", o.Items[0].ProductID)

	c, err := NewCartRepository(s.db).GetByCustomer(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, c.Empty())

	// Sold out: the re-evaluation task deactivates the product.
	s.drainTasks(t)
	assert.False(t, s.productActive(t))

	_, err = s.svc.CancelByCustomer(ctx, created.OrderID, "c1")
	require.NoError(t, err)

	// Restock returns the units and the product comes back.
	s.drainTasks(t)
	v = s.variant(t, "v1")
	assert.Equal(t, 2, v.Quantity)
	assert.True(t, v.Active)
	assert.True(t, s.productActive(t))

	o, err = s.orders.Get(ctx, created.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelledByUser, o.Status)
	assert.NotNil(t, o.CancelledAt)
	assert.NotNil(t, o.RestockedAt)

	restocked, err := s.svc.RestockOrderItems(ctx, created.OrderID)
	require.NoError(t, err)
	assert.False(t, restocked, "second restock is a no-op")
	assert.Equal(t, 2, s.variant(t, "v1").Quantity)

	entries, err := s.audit.ListBySubject(ctx, created.OrderID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.KindCustomer, entries[0].Kind)

	var kinds []string
	require.NoError(t, s.uow.RunInTx(ctx, func(ctx context.Context) error {
		batch, err := s.outbox.Pending(ctx, 100)
		for _, e := range batch {
			kinds = append(kinds, e.Kind)
		}
		return err
	}))
	assert.Equal(t, []string{
		events.KindOrderCreated,
		events.KindOrderStatusChanged,
		events.KindOrderRestocked,
	}, kinds)
}

func TestCreateFromCart_InsufficientStockRollsBack_Postgres(t *testing.T) {
	s := newStack(t)
	s.seed(t, 1, cart.Line{VariantID: "v1", Quantity: 2})
	ctx := context.Background()

	_, err := s.svc.CreateFromCart(ctx, "c1", order.CheckoutRequest{AddressID: "a1"})
	var stockErr *inventory.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "p1", stockErr.ProductID)

	assert.Equal(t, 1, s.variant(t, "v1").Quantity)
	n, err := s.orders.Count(ctx, order.Filter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Zero(t, n)

	c, err := NewCartRepository(s.db).GetByCustomer(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, c.Lines, 1, "cart survives a failed checkout")
}

func TestCreateFromCart_ConcurrentProcessesNeverOversell_Postgres(t *testing.T) {
	const (
		stock     = 3
		customers = 8
	)
	s := newStack(t)
	s.seed(t, stock)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	f := NewFixtures(s.db)
	for i := range customers {
		id := fmt.Sprintf("race-%d", i)
		require.NoError(t, f.UpsertCustomer(ctx,
			customer.Customer{ID: id, Email: id + "@example.com"},
			customer.Address{ID: id + "-addr", Line1: "1 Main St", City: "Sydney", Country: "AU"},
		))
		require.NoError(t, f.PutCart(ctx, cart.Cart{
			ID:                "cart-" + id,
			CustomerID:        id,
			CheckoutStartedAt: time.Now().Add(-time.Hour),
			Lines:             []cart.Line{{VariantID: "v1", Quantity: 1}},
		}))
	}

	services := []*order.Service{
		s.newService(inventory.NewLockTable()),
		s.newService(inventory.NewLockTable()),
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		start = make(chan struct{})
		ok    int
		short int
		other []error
	)
	for i := range customers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("race-%d", i)
			<-start
			_, err := services[i%len(services)].CreateFromCart(ctx, id, order.CheckoutRequest{AddressID: id + "-addr"})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, failure.ErrInsufficientStock):
				short++
			default:
				other = append(other, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, other)
	assert.Equal(t, stock, ok)
	assert.Equal(t, customers-stock, short)
	assert.Equal(t, 0, s.variant(t, "v1").Quantity)

	n, err := s.orders.Count(ctx, order.Filter{})
	require.NoError(t, err)
	assert.Equal(t, stock, n)
}

func TestVariantRepository_ConditionalDecrement(t *testing.T) {
	s := newStack(t)
	s.seed(t, 3)
	ctx := context.Background()

	_, ok, err := s.variants.Decrement(ctx, "v1", 4)
	require.NoError(t, err)
	assert.False(t, ok)

	v, ok, err := s.variants.Decrement(ctx, "v1", 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, v.Quantity)
	assert.False(t, v.Active)

	v, ok, err = s.variants.Increment(ctx, "v1", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, v.Active)

	_, ok, err = s.variants.Increment(ctx, "missing", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	ids, err := s.variants.IDsBySKU(ctx, []string{"WAF-1", "NOPE"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"WAF-1": "v1"}, ids)
}

func TestTaskStore_DedupAndLease(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	now := time.Now()

	tk := task.New("order.restock", task.Args{"order_id": "o1"}).WithKey("o1")
	tk.RunAt = now
	require.NoError(t, s.tasks.Insert(ctx, tk))
	require.NoError(t, s.tasks.Insert(ctx, tk))
	n, err := s.tasks.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err := s.tasks.Claim(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "o1", claimed[0].Arg("order_id"))
	assert.Equal(t, 1, claimed[0].Attempt)

	again, err := s.tasks.Claim(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "leased tasks are not claimed twice")

	expired, err := s.tasks.Claim(ctx, now.Add(2*time.Minute), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, expired, 1, "an expired lease is claimable")
	assert.Equal(t, 2, expired[0].Attempt)

	require.NoError(t, s.tasks.Bury(ctx, expired[0].ID, "boom"))
	n, err = s.tasks.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDB_SavepointRollback(t *testing.T) {
	s := newStack(t)
	s.seed(t, 5)
	ctx := context.Background()

	err := s.uow.RunInTx(ctx, func(ctx context.Context) error {
		if _, _, err := s.variants.Decrement(ctx, "v1", 1); err != nil {
			return err
		}
		inner := s.uow.RunInTx(ctx, func(ctx context.Context) error {
			if _, _, err := s.variants.Decrement(ctx, "v1", 1); err != nil {
				return err
			}
			return errors.New("line failed")
		})
		require.Error(t, inner)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, s.variant(t, "v1").Quantity, "only the savepoint is undone")
}

func TestClassify(t *testing.T) {
	s := newStack(t)
	s.seed(t, 1)
	ctx := context.Background()

	_, err := s.db.Pool().Exec(ctx, `INSERT INTO customers (id, email) VALUES ('c2', 'c1@example.com')`)
	require.Error(t, err)
	mapped := Classify(err)
	require.Error(t, mapped)
	assert.Equal(t, failure.KindConflict, failure.KindOf(mapped))

	assert.NoError(t, Classify(errors.New("plain")))
}
