// Package cache holds cached order reads and removes them by tag when orders
// change.
package cache

import (
	"context"
	"sync"
	"time"
)

// Tags shared by order reads.
const (
	TagOrders = "orders"
)

// OrderTag is the tag of a single order.
func OrderTag(orderID string) string {
	return "order:" + orderID
}

// CustomerOrdersTag is the tag of all reads scoped to one customer.
func CustomerOrdersTag(customerID string) string {
	return "customer:" + customerID + ":orders"
}

// Manager stores tagged values.
type Manager interface {
	// Get returns the value stored under key. ok is false on a miss.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error
	// RemoveByTags deletes every key stored with any of the tags.
	RemoveByTags(ctx context.Context, tags ...string) error
	Delete(ctx context.Context, keys ...string) error
}

// Memory is an in-process Manager used when no Redis is configured.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
	tags    map[string]map[string]struct{}
}

type memoryEntry struct {
	value   []byte
	expires time.Time
	tags    []string
}

var _ Manager = (*Memory)(nil)

// NewMemory creates an empty Memory cache.
func NewMemory() *Memory {
	return &Memory{
		now:     time.Now,
		entries: make(map[string]memoryEntry),
		tags:    make(map[string]map[string]struct{}),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.remove(key)
	e := memoryEntry{value: value, tags: tags}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[key] = e
	for _, tag := range tags {
		keys, ok := m.tags[tag]
		if !ok {
			keys = make(map[string]struct{})
			m.tags[tag] = keys
		}
		keys[key] = struct{}{}
	}
	return nil
}

func (m *Memory) RemoveByTags(_ context.Context, tags ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tag := range tags {
		for key := range m.tags[tag] {
			m.remove(key)
		}
		delete(m.tags, tag)
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		m.remove(key)
	}
	return nil
}

// remove drops key and its tag memberships. m.mu must be held.
func (m *Memory) remove(key string) {
	e, ok := m.entries[key]
	if !ok {
		return
	}
	delete(m.entries, key)
	for _, tag := range e.tags {
		keys := m.tags[tag]
		delete(keys, key)
		if len(keys) == 0 {
			delete(m.tags, tag)
		}
	}
}
