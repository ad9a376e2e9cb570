// Package keyed provides the sharding and per-key locking primitives used by
// the registries, so that unrelated keys never contend on one global lock.
package keyed

import (
	"hash/fnv"
	"sync"
)

// ShardCount is the number of shards every registry splits its keys over.
const ShardCount = 32

// Index maps a key onto one of n shards.
func Index(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Mutex hands out one lock per key. Locks are reference counted and removed
// once nobody holds or waits for them.
type Mutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// NewMutex creates an empty keyed mutex.
func NewMutex() *Mutex {
	return &Mutex{locks: make(map[string]*refLock)}
}

// Lock blocks until the lock for key is held and returns its release func.
func (m *Mutex) Lock(key string) func() {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &refLock{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}

// Len returns the number of keys currently locked or waited on.
func (m *Mutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
