package maps

import "sync"

// shardCount must be a power of two; shard selection is a bitwise AND on the
// handle value.
const shardCount = 64

type shard[K Handle, V any] struct {
	sync.RWMutex
	m map[K]V
}

// ShardedMap partitions the key space across independently locked shards.
// Handle values select a shard directly; handles from the loader are
// well-distributed addresses so no extra hashing is applied.
type ShardedMap[K Handle, V any] struct {
	shards [shardCount]shard[K, V]
}

// NewShardedMap creates and initializes a new ShardedMap.
func NewShardedMap[K Handle, V any]() ConcurrentMap[K, V] {
	m := &ShardedMap[K, V]{}
	for i := range m.shards {
		m.shards[i].m = make(map[K]V)
	}
	return m
}

func (m *ShardedMap[K, V]) getShard(key K) *shard[K, V] {
	return &m.shards[uint64(key)&(shardCount-1)]
}

func (m *ShardedMap[K, V]) Load(key K) (V, bool) {
	s := m.getShard(key)
	s.RLock()
	defer s.RUnlock()
	val, exists := s.m[key]
	return val, exists
}

func (m *ShardedMap[K, V]) Store(key K, value V) {
	s := m.getShard(key)
	s.Lock()
	defer s.Unlock()
	s.m[key] = value
}

func (m *ShardedMap[K, V]) Delete(key K) {
	s := m.getShard(key)
	s.Lock()
	defer s.Unlock()
	delete(s.m, key)
}

func (m *ShardedMap[K, V]) LoadAndDelete(key K) (V, bool) {
	s := m.getShard(key)
	s.Lock()
	defer s.Unlock()
	val, exists := s.m[key]
	if exists {
		delete(s.m, key)
	}
	return val, exists
}

func (m *ShardedMap[K, V]) LoadOrStore(key K, valueFactory func() V) (V, bool) {
	s := m.getShard(key)
	s.RLock()
	val, exists := s.m[key]
	s.RUnlock()
	if exists {
		return val, true
	}

	s.Lock()
	defer s.Unlock()
	// Re-check under the write lock; another goroutine may have won the race.
	if val, exists := s.m[key]; exists {
		return val, true
	}
	val = valueFactory()
	s.m[key] = val
	return val, false
}

func (m *ShardedMap[K, V]) Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool)) {
	s := m.getShard(key)
	s.Lock()
	defer s.Unlock()
	oldVal, exists := s.m[key]
	newVal, keep := updateFunc(oldVal, exists)
	if keep {
		s.m[key] = newVal
	} else if exists {
		delete(s.m, key)
	}
}

// Range iterates over a snapshot of each shard so the callback runs without
// any shard lock held.
func (m *ShardedMap[K, V]) Range(f func(key K, value V) bool) {
	for i := range m.shards {
		s := &m.shards[i]
		s.RLock()
		keys := make([]K, 0, len(s.m))
		values := make([]V, 0, len(s.m))
		for k, v := range s.m {
			keys = append(keys, k)
			values = append(values, v)
		}
		s.RUnlock()

		for j := range keys {
			if !f(keys[j], values[j]) {
				return
			}
		}
	}
}
