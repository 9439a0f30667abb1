package order

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/xenking/kart-orders/internal/domain/audit"
	"github.com/xenking/kart-orders/internal/domain/cart"
	"github.com/xenking/kart-orders/internal/domain/customer"
	"github.com/xenking/kart-orders/internal/domain/inventory"
	"github.com/xenking/kart-orders/internal/events"
	"github.com/xenking/kart-orders/internal/task"
)

// --- In-memory storage with transaction semantics ---

type memState struct {
	orders    map[string]Order
	customers map[string]customer.Customer
	addresses map[string]customer.Address
	carts     map[string]cart.Cart
	variants  map[string]inventory.Variant
	events    []events.Event
	audit     []audit.Entry
}

func (s memState) clone() memState {
	c := memState{
		orders:    make(map[string]Order, len(s.orders)),
		customers: maps.Clone(s.customers),
		addresses: maps.Clone(s.addresses),
		carts:     make(map[string]cart.Cart, len(s.carts)),
		variants:  maps.Clone(s.variants),
		events:    slices.Clone(s.events),
		audit:     slices.Clone(s.audit),
	}
	for id, o := range s.orders {
		o.Items = slices.Clone(o.Items)
		c.orders[id] = o
	}
	for id, ct := range s.carts {
		ct.Lines = slices.Clone(ct.Lines)
		c.carts[id] = ct
	}
	return c
}

// memDB keeps every table in memory. Top-level transactions are serialized
// and nested ones behave like savepoints.
type memDB struct {
	txMu sync.Mutex

	mu sync.Mutex
	st memState

	orderGets       int
	updateErr       error
	createItemsErr  error
	beforeDecrement func(st *memState, variantID string)
}

func newMemDB() *memDB {
	return &memDB{st: memState{
		orders:    make(map[string]Order),
		customers: make(map[string]customer.Customer),
		addresses: make(map[string]customer.Address),
		carts:     make(map[string]cart.Cart),
		variants:  make(map[string]inventory.Variant),
	}}
}

func (db *memDB) snapshot() memState {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.st.clone()
}

func (db *memDB) restore(st memState) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.st = st
}

func (db *memDB) variant(id string) inventory.Variant {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.st.variants[id]
}

func (db *memDB) order(id string) Order {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.st.orders[id]
}

func (db *memDB) orderCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.st.orders)
}

func (db *memDB) eventKinds() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]string, len(db.st.events))
	for i, e := range db.st.events {
		out[i] = e.Kind
	}
	return out
}

type txKey struct{}

type memUOW struct {
	db *memDB
}

func (u memUOW) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) == nil {
		u.db.txMu.Lock()
		defer u.db.txMu.Unlock()
		ctx = context.WithValue(ctx, txKey{}, true)
	}
	snap := u.db.snapshot()
	if err := fn(ctx); err != nil {
		u.db.restore(snap)
		return err
	}
	return nil
}

// --- Repositories ---

type memOrders struct{ db *memDB }

func (r memOrders) Get(_ context.Context, id string) (*Order, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.orderGets++
	o, ok := r.db.st.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	o.Items = slices.Clone(o.Items)
	return &o, nil
}

func (r memOrders) GetForUpdate(ctx context.Context, id string) (*Order, error) {
	return r.Get(ctx, id)
}

func (r memOrders) match(o Order, f Filter) bool {
	switch {
	case f.CustomerID != "" && o.CustomerID != f.CustomerID:
		return false
	case len(f.Statuses) > 0 && !slices.Contains(f.Statuses, o.Status):
		return false
	case !f.CreatedFrom.IsZero() && o.CreatedAt.Before(f.CreatedFrom):
		return false
	case !f.CreatedTo.IsZero() && o.CreatedAt.After(f.CreatedTo):
		return false
	case !f.IncludeDeleted && o.Deleted():
		return false
	case f.NotRestocked && o.RestockedAt != nil:
		return false
	}
	return true
}

func (r memOrders) List(_ context.Context, f Filter) ([]Order, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []Order
	for _, o := range r.db.st.orders {
		if r.match(o, f) {
			o.Items = nil
			out = append(out, o)
		}
	}
	slices.SortFunc(out, func(a, b Order) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r memOrders) Count(_ context.Context, f Filter) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	n := 0
	for _, o := range r.db.st.orders {
		if r.match(o, f) {
			n++
		}
	}
	return n, nil
}

func (r memOrders) Create(_ context.Context, o *Order) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	stored := *o
	stored.Items = nil
	r.db.st.orders[o.ID] = stored
	return nil
}

func (r memOrders) CreateItems(_ context.Context, items []Item) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.createItemsErr != nil {
		return r.db.createItemsErr
	}
	for _, it := range items {
		o := r.db.st.orders[it.OrderID]
		o.Items = append(o.Items, it)
		r.db.st.orders[it.OrderID] = o
	}
	return nil
}

func (r memOrders) Update(_ context.Context, o *Order) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.updateErr != nil {
		return r.db.updateErr
	}
	stored := r.db.st.orders[o.ID]
	stored.Status = o.Status
	stored.UpdatedAt = o.UpdatedAt
	stored.ShippedAt = o.ShippedAt
	stored.DeliveredAt = o.DeliveredAt
	stored.CancelledAt = o.CancelledAt
	stored.RestockedAt = o.RestockedAt
	stored.Notes = o.Notes
	r.db.st.orders[o.ID] = stored
	return nil
}

func (r memOrders) SoftDelete(_ context.Context, id string, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	o := r.db.st.orders[id]
	o.DeletedAt = &at
	r.db.st.orders[id] = o
	return nil
}

func (r memOrders) Restore(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	o := r.db.st.orders[id]
	o.DeletedAt = nil
	r.db.st.orders[id] = o
	return nil
}

type memCustomers struct{ db *memDB }

func (r memCustomers) Get(_ context.Context, id string) (*customer.Customer, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.st.customers[id]
	if !ok {
		return nil, customer.ErrNotFound
	}
	return &c, nil
}

func (r memCustomers) GetAddress(_ context.Context, id string) (*customer.Address, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	a, ok := r.db.st.addresses[id]
	if !ok {
		return nil, customer.ErrNotFound
	}
	return &a, nil
}

type memCarts struct{ db *memDB }

func (r memCarts) GetByCustomer(_ context.Context, customerID string) (*cart.Cart, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, c := range r.db.st.carts {
		if c.CustomerID == customerID {
			c.Lines = slices.Clone(c.Lines)
			return &c, nil
		}
	}
	return nil, cart.ErrNotFound
}

func (r memCarts) Clear(_ context.Context, cartID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c := r.db.st.carts[cartID]
	c.Lines = nil
	c.CheckoutStartedAt = time.Time{}
	r.db.st.carts[cartID] = c
	return nil
}

// memVariants mimics the conditional update of the SQL repository.
type memVariants struct{ db *memDB }

func (r memVariants) GetByIDs(_ context.Context, ids []string) ([]inventory.Variant, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []inventory.Variant
	for _, id := range ids {
		if v, ok := r.db.st.variants[id]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (r memVariants) Decrement(_ context.Context, id string, qty int) (inventory.Variant, bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.beforeDecrement != nil {
		r.db.beforeDecrement(&r.db.st, id)
	}
	v, ok := r.db.st.variants[id]
	if !ok || v.Quantity < qty {
		return inventory.Variant{}, false, nil
	}
	v.Quantity -= qty
	if v.Quantity == 0 {
		v.Active = false
	}
	r.db.st.variants[id] = v
	return v, true, nil
}

func (r memVariants) Increment(_ context.Context, id string, qty int) (inventory.Variant, bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	v, ok := r.db.st.variants[id]
	if !ok {
		return inventory.Variant{}, false, nil
	}
	v.Quantity += qty
	v.Active = true
	r.db.st.variants[id] = v
	return v, true, nil
}

func (r memVariants) SetQuantity(_ context.Context, id string, qty int) (inventory.Variant, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	v, ok := r.db.st.variants[id]
	if !ok {
		return inventory.Variant{}, inventory.ErrVariantNotFound
	}
	v.Quantity = qty
	v.Active = qty > 0
	r.db.st.variants[id] = v
	return v, nil
}

type memOutbox struct{ db *memDB }

func (r memOutbox) Append(_ context.Context, e events.Event) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	e.ID = int64(len(r.db.st.events) + 1)
	r.db.st.events = append(r.db.st.events, e)
	return nil
}

func (r memOutbox) Pending(context.Context, int) ([]events.Event, error) { return nil, nil }

func (r memOutbox) MarkPublished(context.Context, []int64) error { return nil }

// --- Collaborator mocks ---

type mockAuditor struct {
	db  *memDB
	err error
}

func (m *mockAuditor) Record(_ context.Context, description string, kind audit.Kind, actorID, subjectID string) error {
	if m.err != nil {
		return m.err
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.st.audit = append(m.db.st.audit, audit.Entry{
		Description: description,
		Kind:        kind,
		ActorID:     actorID,
		SubjectID:   subjectID,
	})
	return nil
}

type scheduled struct {
	task task.Task
	at   time.Time
}

type mockScheduler struct {
	mu    sync.Mutex
	now   func() time.Time
	tasks []scheduled
	err   error
}

func (m *mockScheduler) Enqueue(ctx context.Context, t task.Task) error {
	return m.Schedule(ctx, t, m.now())
}

func (m *mockScheduler) Schedule(_ context.Context, t task.Task, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.tasks = append(m.tasks, scheduled{task: t, at: at})
	return nil
}

func (m *mockScheduler) named(name string) []scheduled {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []scheduled
	for _, s := range m.tasks {
		if s.task.Name == name {
			out = append(out, s)
		}
	}
	return out
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingNotifier) Notify(_ context.Context, message, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
}

type handlerRegistry map[string]task.Handler

func (r handlerRegistry) Handle(name string, h task.Handler) { r[name] = h }
