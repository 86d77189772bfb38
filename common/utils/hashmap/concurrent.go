package hashmap

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

// ConcurrentMap is a sharded HashMap backend for string-keyed registries
// that are read from many goroutines.
type ConcurrentMap[K comparable, V any] struct {
	backend cmap.ConcurrentMap[K, V]
}

func NewConcurrentMap[V any](shards int) *ConcurrentMap[string, V] {
	cmap.SHARD_COUNT = shards
	return &ConcurrentMap[string, V]{
		backend: cmap.New[V](),
	}
}

func (m *ConcurrentMap[K, V]) Delete(key K) {
	m.backend.Remove(key)
}

func (m *ConcurrentMap[K, V]) Load(key K) (ret V, ok bool) {
	var val interface{}
	val, ok = m.backend.Get(key)
	ret, _ = val.(V)
	return
}

func (m *ConcurrentMap[K, V]) LoadAndDelete(key K) (retVal V, retExists bool) {
	m.backend.RemoveCb(key, func(key K, val V, exists bool) bool {
		retVal = val
		retExists = exists
		return true
	})
	return
}

func (m *ConcurrentMap[K, V]) LoadOrStore(key K, value V) (V, bool) {
	set := m.backend.SetIfAbsent(key, value)
	if set {
		return value, false
	}
	return m.Load(key)
}

func (m *ConcurrentMap[K, V]) Range(f func(K, V) bool) {
	for item := range m.backend.IterBuffered() {
		if !f(item.Key, item.Val) {
			return
		}
	}
}

func (m *ConcurrentMap[K, V]) Store(key K, value V) {
	m.backend.Set(key, value)
}

func (m *ConcurrentMap[K, V]) Len() int {
	return m.backend.Count()
}
