// Package partition serializes work per key. Operations on one key run one at
// a time; different keys proceed in parallel.
package partition

import "sync"

type entry[V any] struct {
	mu sync.Mutex
	v  V
}

// Map holds one lazily created value per key, each behind its own lock.
type Map[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
	init    func(K) V
}

// New creates a Map; init builds the value the first time a key is seen.
func New[K comparable, V any](init func(K) V) *Map[K, V] {
	return &Map[K, V]{entries: make(map[K]*entry[V]), init: init}
}

func (m *Map[K, V]) get(key K) *entry[V] {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry[V]{}
		if m.init != nil {
			e.v = m.init(key)
		}
		m.entries[key] = e
	}
	return e
}

// With runs f with exclusive access to key's value.
func (m *Map[K, V]) With(key K, f func(v *V) error) error {
	e := m.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return f(&e.v)
}

// Peek runs f on key's value under its lock, if the key exists.
func (m *Map[K, V]) Peek(key K, f func(v V)) bool {
	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	f(e.v)
	return true
}

// Delete forgets key. A call already inside With finishes on the old value.
func (m *Map[K, V]) Delete(key K) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// Len is the number of keys.
func (m *Map[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Keys returns a snapshot of the keys in no particular order.
func (m *Map[K, V]) Keys() []K {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]K, 0, len(m.entries))
	for k := range m.entries {
		out = append(out, k)
	}
	return out
}
