package cache

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// Lease guards a read-through fill. It is taken before reading the source
// of truth and stores a marker under the same tags the filled value depends
// on. An invalidation of any of those tags removes the marker, and Fill then
// drops the value it was given instead of caching a stale read.
type Lease struct {
	cache  Manager
	marker string
}

// NewLease stores a marker for key tagged with tags. ttl bounds how long an
// abandoned marker lives.
func NewLease(ctx context.Context, m Manager, key string, ttl time.Duration, tags ...string) (*Lease, error) {
	l := &Lease{cache: m, marker: "lease:" + key + ":" + uuid.NewString()}
	if err := m.Set(ctx, l.marker, []byte{1}, ttl, tags...); err != nil {
		return nil, errors.Wrap(err, "set lease")
	}
	return l, nil
}

// Valid reports whether no invalidation has hit the lease yet.
func (l *Lease) Valid(ctx context.Context) (bool, error) {
	_, ok, err := l.cache.Get(ctx, l.marker)
	if err != nil {
		return false, errors.Wrap(err, "get lease")
	}
	return ok, nil
}

// Fill stores value under key if the lease is still valid and reports
// whether the value was kept. An invalidation landing between the check and
// the write deletes the value again.
func (l *Lease) Fill(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) (bool, error) {
	if ok, err := l.Valid(ctx); err != nil || !ok {
		return false, err
	}
	if err := l.cache.Set(ctx, key, value, ttl, tags...); err != nil {
		return false, errors.Wrapf(err, "set %s", key)
	}
	ok, err := l.Valid(ctx)
	if err == nil && ok {
		return true, nil
	}
	if err := l.cache.Delete(ctx, key); err != nil {
		return false, errors.Wrapf(err, "delete %s", key)
	}
	return false, err
}

// Release removes the marker.
func (l *Lease) Release(ctx context.Context) error {
	return l.cache.Delete(ctx, l.marker)
}
