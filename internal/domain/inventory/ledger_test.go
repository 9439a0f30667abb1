package inventory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-orders/internal/domain/failure"
)

// --- Mock implementations ---

// memRepo mimics the conditional update semantics of the SQL repository.
type memRepo struct {
	mu       sync.Mutex
	variants map[string]*Variant
	err      error
}

func newMemRepo(vs ...Variant) *memRepo {
	m := &memRepo{variants: make(map[string]*Variant, len(vs))}
	for i := range vs {
		v := vs[i]
		m.variants[v.ID] = &v
	}
	return m
}

func (m *memRepo) GetByIDs(_ context.Context, ids []string) ([]Variant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Variant
	for _, id := range ids {
		if v, ok := m.variants[id]; ok {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (m *memRepo) Decrement(_ context.Context, id string, qty int) (Variant, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Variant{}, false, m.err
	}
	v, ok := m.variants[id]
	if !ok || v.Quantity < qty {
		return Variant{}, false, nil
	}
	v.Quantity -= qty
	if v.Quantity == 0 {
		v.Active = false
	}
	return *v, true, nil
}

func (m *memRepo) Increment(_ context.Context, id string, qty int) (Variant, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.variants[id]
	if !ok {
		return Variant{}, false, nil
	}
	if v.Quantity == 0 {
		v.Active = true
	}
	v.Quantity += qty
	return *v, true, nil
}

func (m *memRepo) SetQuantity(_ context.Context, id string, qty int) (Variant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.variants[id]
	if !ok {
		return Variant{}, ErrVariantNotFound
	}
	v.Quantity = qty
	v.Active = qty > 0
	return *v, nil
}

func (m *memRepo) quantity(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.variants[id].Quantity
}

type mockProductScheduler struct {
	mu       sync.Mutex
	products []string
	err      error
}

func (m *mockProductScheduler) ScheduleReevaluation(_ context.Context, productID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products = append(m.products, productID)
	return m.err
}

// blockingScheduler records whether the variant lock was free when it was
// called and then waits for release, like a task insert stuck behind another
// transaction's uncommitted row.
type blockingScheduler struct {
	locks    *LockTable
	variant  string
	entered  chan struct{}
	release  chan struct{}
	lockFree atomic.Bool
}

func (s *blockingScheduler) ScheduleReevaluation(context.Context, string) error {
	m := s.locks.get(s.variant)
	if m.TryLock() {
		m.Unlock()
		s.lockFree.Store(true)
	}
	close(s.entered)
	<-s.release
	return nil
}

// --- Helpers ---

func newTestVariant(id string, qty int) Variant {
	return Variant{
		ID:        id,
		ProductID: "p-" + id,
		SKU:       "SKU-" + id,
		Price:     decimal.RequireFromString("10.00"),
		Quantity:  qty,
		Active:    qty > 0,
	}
}

// --- Tests ---

func TestReserve_Decrements(t *testing.T) {
	repo := newMemRepo(newTestVariant("v1", 5))
	l := NewLedger(repo, nil, nil)

	require.NoError(t, l.Reserve(context.Background(), "v1", 2))
	assert.Equal(t, 3, repo.quantity("v1"))
}

func TestReserve_Insufficient(t *testing.T) {
	repo := newMemRepo(newTestVariant("v1", 1))
	l := NewLedger(repo, nil, nil)

	err := l.Reserve(context.Background(), "v1", 2)

	var isErr *InsufficientStockError
	require.ErrorAs(t, err, &isErr)
	require.ErrorIs(t, err, failure.ErrInsufficientStock)
	assert.Equal(t, "p-v1", isErr.ProductID)
	assert.Equal(t, 2, isErr.Requested)
	assert.Equal(t, 1, isErr.Available)
	assert.Equal(t, 1, repo.quantity("v1"))
}

func TestReserve_MissingVariant(t *testing.T) {
	l := NewLedger(newMemRepo(), nil, nil)

	err := l.Reserve(context.Background(), "ghost", 1)
	require.ErrorIs(t, err, ErrVariantNotFound)
	require.ErrorIs(t, err, failure.ErrNotFound)
}

func TestReserve_InvalidQuantity(t *testing.T) {
	l := NewLedger(newMemRepo(newTestVariant("v1", 5)), nil, nil)

	for _, qty := range []int{0, -1} {
		require.ErrorIs(t, l.Reserve(context.Background(), "v1", qty), failure.ErrValidation)
		require.ErrorIs(t, l.Release(context.Background(), "v1", qty), failure.ErrValidation)
	}
}

func TestReserve_RepositoryError(t *testing.T) {
	repo := newMemRepo(newTestVariant("v1", 5))
	repo.err = errors.New("connection reset")
	l := NewLedger(repo, nil, nil)

	err := l.Reserve(context.Background(), "v1", 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, failure.ErrInsufficientStock)
}

func TestReserve_ZeroDeactivatesAndSchedules(t *testing.T) {
	repo := newMemRepo(newTestVariant("v1", 2))
	sched := &mockProductScheduler{}
	l := NewLedger(repo, nil, sched)

	require.NoError(t, l.Reserve(context.Background(), "v1", 1))
	assert.Empty(t, sched.products)

	require.NoError(t, l.Reserve(context.Background(), "v1", 1))
	assert.Equal(t, []string{"p-v1"}, sched.products)
	assert.False(t, repo.variants["v1"].Active)
}

func TestReserve_SchedulerFailureIgnored(t *testing.T) {
	repo := newMemRepo(newTestVariant("v1", 1))
	l := NewLedger(repo, nil, &mockProductScheduler{err: errors.New("queue down")})

	require.NoError(t, l.Reserve(context.Background(), "v1", 1))
	assert.Equal(t, 0, repo.quantity("v1"))
}

func TestRelease_Increments(t *testing.T) {
	repo := newMemRepo(newTestVariant("v1", 0))
	sched := &mockProductScheduler{}
	l := NewLedger(repo, nil, sched)

	require.NoError(t, l.Release(context.Background(), "v1", 3))
	assert.Equal(t, 3, repo.quantity("v1"))
	assert.True(t, repo.variants["v1"].Active)
	assert.Equal(t, []string{"p-v1"}, sched.products)

	require.NoError(t, l.Release(context.Background(), "v1", 1))
	assert.Len(t, sched.products, 1)
}

func TestRelease_MissingVariant(t *testing.T) {
	l := NewLedger(newMemRepo(), nil, nil)
	require.ErrorIs(t, l.Release(context.Background(), "ghost", 1), ErrVariantNotFound)
}

func TestReserveRelease_RoundTrip(t *testing.T) {
	repo := newMemRepo(newTestVariant("v1", 7))
	l := NewLedger(repo, nil, nil)
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, "v1", 3))
	require.NoError(t, l.Release(ctx, "v1", 3))
	assert.Equal(t, 7, repo.quantity("v1"))
}

func TestReserve_ConcurrentNeverNegative(t *testing.T) {
	const (
		stock   = 5
		callers = 50
	)
	repo := newMemRepo(newTestVariant("v1", stock))
	l := NewLedger(repo, nil, nil)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		short     atomic.Int32
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Reserve(context.Background(), "v1", 1)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, failure.ErrInsufficientStock):
				short.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(stock), succeeded.Load())
	assert.Equal(t, int32(callers-stock), short.Load())
	assert.Equal(t, 0, repo.quantity("v1"))
}

func TestReserve_SeparateLockTablesNeverOversell(t *testing.T) {
	const callers = 20
	repo := newMemRepo(newTestVariant("v1", 1))

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		short     atomic.Int32
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each caller stands in for a separate process.
			l := NewLedger(repo, NewLockTable(), nil)
			err := l.Reserve(context.Background(), "v1", 1)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, failure.ErrInsufficientStock):
				short.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(callers-1), short.Load())
	assert.Equal(t, 0, repo.quantity("v1"))
}

func TestReserve_LockReleasedBeforeScheduling(t *testing.T) {
	repo := newMemRepo(newTestVariant("v1", 1))
	locks := NewLockTable()
	sched := &blockingScheduler{
		locks:   locks,
		variant: "v1",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	l := NewLedger(repo, locks, sched)
	ctx := context.Background()

	reserved := make(chan error, 1)
	go func() { reserved <- l.Reserve(ctx, "v1", 1) }()
	<-sched.entered
	assert.True(t, sched.lockFree.Load(), "variant lock must be free while scheduling")

	// Another caller on the same variant proceeds while scheduling is stuck.
	other := make(chan error, 1)
	go func() { other <- NewLedger(repo, locks, nil).Release(ctx, "v1", 1) }()
	select {
	case err := <-other:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("release blocked behind a pending schedule")
	}

	close(sched.release)
	require.NoError(t, <-reserved)
	assert.Equal(t, 1, repo.quantity("v1"))
}

func TestAvailable(t *testing.T) {
	l := NewLedger(newMemRepo(newTestVariant("v1", 4), newTestVariant("v2", 0)), nil, nil)

	got, err := l.Available(context.Background(), []string{"v1", "v2", "missing"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 4, got["v1"].Quantity)
}

func TestOverride(t *testing.T) {
	repo := newMemRepo(newTestVariant("v1", 4))
	sched := &mockProductScheduler{}
	l := NewLedger(repo, nil, sched)

	v, err := l.Override(context.Background(), "v1", 0)
	require.NoError(t, err)
	assert.False(t, v.Active)
	assert.Equal(t, []string{"p-v1"}, sched.products)

	_, err = l.Override(context.Background(), "v1", -2)
	require.ErrorIs(t, err, failure.ErrValidation)
}
