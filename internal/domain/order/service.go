package order

import (
	"context"
	"time"

	"github.com/xenking/kart-orders/internal/cache"
	"github.com/xenking/kart-orders/internal/domain/audit"
	"github.com/xenking/kart-orders/internal/domain/cart"
	"github.com/xenking/kart-orders/internal/domain/customer"
	"github.com/xenking/kart-orders/internal/domain/inventory"
	"github.com/xenking/kart-orders/internal/events"
	"github.com/xenking/kart-orders/internal/notify"
	"github.com/xenking/kart-orders/internal/task"
)

// Task names handled by the reconciliation workers.
const (
	TaskExpireUnpaid = "order.expire_unpaid"
	TaskRestock      = "order.restock"
)

// UnitOfWork runs fn inside a transaction. Nested calls run inside a
// savepoint of the enclosing transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Stock moves variant quantities.
type Stock interface {
	Reserve(ctx context.Context, variantID string, qty int) error
	Release(ctx context.Context, variantID string, qty int) error
	Available(ctx context.Context, variantIDs []string) (map[string]inventory.Variant, error)
}

// Auditor writes the operation log.
type Auditor interface {
	Record(ctx context.Context, description string, kind audit.Kind, actorID, subjectID string) error
}

// Scheduler queues deferred work. Delivery is at least once.
type Scheduler interface {
	Enqueue(ctx context.Context, t task.Task) error
	Schedule(ctx context.Context, t task.Task, at time.Time) error
}

// Role is the kind of actor performing an operation.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

// Actor identifies who performs an operation.
type Actor struct {
	ID   string
	Role Role
}

// SystemActor is the actor of background work.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// Customer returns a customer actor.
func Customer(id string) Actor { return Actor{ID: id, Role: RoleCustomer} }

// Admin returns an administrator actor.
func Admin(id string) Actor { return Actor{ID: id, Role: RoleAdmin} }

// Config holds order workflow settings.
type Config struct {
	// PaymentTimeout is how long an order may stay unpaid.
	PaymentTimeout time.Duration
	// CheckoutMaxAge is how old a cart checkout may be when the order is
	// created.
	CheckoutMaxAge time.Duration
	// CacheTTL bounds cached order reads.
	CacheTTL time.Duration
	// SweepBatchSize limits how many orders one sweep pass queues.
	SweepBatchSize int
}

func (c Config) withDefaults() Config {
	if c.PaymentTimeout <= 0 {
		c.PaymentTimeout = 2 * time.Hour
	}
	if c.CheckoutMaxAge <= 0 {
		c.CheckoutMaxAge = 7 * 24 * time.Hour
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = 100
	}
	return c
}

// Deps are the collaborators of a Service.
type Deps struct {
	UnitOfWork UnitOfWork
	Orders     Repository
	Customers  customer.Repository
	Carts      cart.Repository
	Stock      Stock
	Audit      Auditor
	Outbox     events.Outbox
	Scheduler  Scheduler
	Cache      cache.Manager
	Notifier   notify.Notifier
	// Published is called after every commit that appended events, typically
	// events.Relay.Notify.
	Published func()
}

// Service implements order creation, status transitions, and stock
// reconciliation.
type Service struct {
	uow       UnitOfWork
	orders    Repository
	customers customer.Repository
	carts     cart.Repository
	stock     Stock
	audit     Auditor
	outbox    events.Outbox
	scheduler Scheduler
	cache     cache.Manager
	notifier  notify.Notifier
	published func()
	cfg       Config
	now       func() time.Time
}

// NewService creates an order Service.
func NewService(d Deps, cfg Config) *Service {
	s := &Service{
		uow:       d.UnitOfWork,
		orders:    d.Orders,
		customers: d.Customers,
		carts:     d.Carts,
		stock:     d.Stock,
		audit:     d.Audit,
		outbox:    d.Outbox,
		scheduler: d.Scheduler,
		cache:     d.Cache,
		notifier:  d.Notifier,
		published: d.Published,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	if s.published == nil {
		s.published = func() {}
	}
	if s.cache == nil {
		s.cache = cache.NewMemory()
	}
	return s
}

// appendEvent writes an order event to the outbox of the current
// transaction.
func (s *Service) appendEvent(ctx context.Context, kind string, o *Order) error {
	return s.outbox.Append(ctx, events.Event{
		Kind:       kind,
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		Status:     o.Status.String(),
		OccurredAt: s.now().UTC(),
	})
}

// warn reports a best-effort failure that happened after commit.
func (s *Service) warn(ctx context.Context, message string, err error) string {
	s.notifier.Notify(ctx, message, err.Error())
	return message + ": " + err.Error()
}
