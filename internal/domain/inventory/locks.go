package inventory

import (
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockShards = 64

// LockTable serializes stock operations on the same variant within one
// process. Locks are created on first use and never removed. It only
// reduces contention; the conditional update in the Repository is what keeps
// quantities correct across processes.
type LockTable struct {
	shards [lockShards]lockShard
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockTable returns an empty LockTable.
func NewLockTable() *LockTable {
	t := &LockTable{}
	for i := range t.shards {
		t.shards[i].locks = make(map[string]*sync.Mutex)
	}
	return t
}

func (t *LockTable) get(id string) *sync.Mutex {
	s := &t.shards[xxhash.Sum64String(id)%lockShards]
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

// Lock acquires the lock for a variant and returns its release function.
func (t *LockTable) Lock(id string) (unlock func()) {
	m := t.get(id)
	m.Lock()
	return m.Unlock
}

// LockAll acquires the locks of all given variants in a stable order, so two
// callers locking overlapping sets cannot deadlock each other.
func (t *LockTable) LockAll(ids []string) (unlock func()) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]*sync.Mutex, 0, len(sorted))
	for _, id := range sorted {
		m := t.get(id)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

// Len returns the number of variants that have a lock allocated.
func (t *LockTable) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
