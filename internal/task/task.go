// Package task implements deferred work as durable task descriptors: an
// operation name plus arguments, stored until a worker pool runs the handler
// registered for that name. Delivery is at least once, so handlers must be
// idempotent.
package task

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// Args are the string arguments of a task.
type Args map[string]string

// Task is a unit of deferred work.
type Task struct {
	ID   int64
	Name string
	Args Args
	// Key deduplicates pending tasks with the same Name. Empty disables
	// deduplication.
	Key     string
	RunAt   time.Time
	Attempt int
}

// Arg returns the named argument.
func (t Task) Arg(name string) string {
	return t.Args[name]
}

// New creates a task descriptor.
func New(name string, args Args) Task {
	return Task{Name: name, Args: args}
}

// WithKey sets the deduplication key.
func (t Task) WithKey(key string) Task {
	t.Key = key
	return t
}

// Store persists tasks. Implementations must join the transaction carried by
// ctx on Insert so tasks enqueued inside a unit of work only become visible
// on commit.
type Store interface {
	Insert(ctx context.Context, t Task) error
	// Claim leases up to limit due tasks for the given duration.
	Claim(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Task, error)
	Complete(ctx context.Context, id int64) error
	Retry(ctx context.Context, id int64, runAt time.Time, lastErr string) error
	Bury(ctx context.Context, id int64, lastErr string) error
	Pending(ctx context.Context) (int, error)
}

// Queue schedules tasks on a Store.
type Queue struct {
	store Store
	now   func() time.Time
	wake  func()
}

// NewQueue creates a Queue.
func NewQueue(store Store) *Queue {
	return &Queue{
		store: store,
		now:   time.Now,
		wake:  func() {},
	}
}

// OnEnqueue registers a callback invoked after every successful enqueue,
// typically Pool.Wake.
func (q *Queue) OnEnqueue(fn func()) {
	q.wake = fn
}

// Enqueue schedules t to run as soon as possible.
func (q *Queue) Enqueue(ctx context.Context, t Task) error {
	return q.Schedule(ctx, t, q.now())
}

// Schedule schedules t to run no earlier than at.
func (q *Queue) Schedule(ctx context.Context, t Task, at time.Time) error {
	if t.Name == "" {
		return errors.New("task name is required")
	}
	t.RunAt = at.UTC()
	if err := q.store.Insert(ctx, t); err != nil {
		return errors.Wrapf(err, "insert task %s", t.Name)
	}
	q.wake()
	return nil
}

// ScheduleAfter schedules t to run after delay.
func (q *Queue) ScheduleAfter(ctx context.Context, t Task, delay time.Duration) error {
	return q.Schedule(ctx, t, q.now().Add(delay))
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the pool buries the task instead of retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
