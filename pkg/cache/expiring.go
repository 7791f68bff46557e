package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// ExpiringMap is a concurrency-safe map whose entries carry an absolute
// expiry. It never evicts on its own; staleness is a query-time
// decision so callers can apply their own freshness skew.
type ExpiringMap[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]entry[V]
}

func NewExpiringMap[K comparable, V any]() *ExpiringMap[K, V] {
	return &ExpiringMap[K, V]{items: map[K]entry[V]{}}
}

// GetFresh returns the value for key if its expiry is after deadline.
func (m *ExpiringMap[K, V]) GetFresh(key K, deadline time.Time) (V, bool) {
	var zero V
	if m == nil {
		return zero, false
	}
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || !it.expiresAt.After(deadline) {
		return zero, false
	}
	return it.value, true
}

func (m *ExpiringMap[K, V]) Set(key K, value V, expiresAt time.Time) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.items[key] = entry[V]{value: value, expiresAt: expiresAt}
	m.mu.Unlock()
}

func (m *ExpiringMap[K, V]) Delete(key K) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

func (m *ExpiringMap[K, V]) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
