package maps

import (
	"sync"
	"testing"
)

// implementations under test. All must behave identically.
func implementations() []struct {
	name string
	m    ConcurrentMap[uint64, int]
} {
	return []struct {
		name string
		m    ConcurrentMap[uint64, int]
	}{
		{"XSyncMapV4", NewXSyncMap[uint64, int]()},
		{"ShardedMap", NewShardedMap[uint64, int]()},
		{"CornelkHashMap", NewCornelkMap[uint64, int]()},
		{"SyncMap", NewStdSyncMap[uint64, int]()},
	}
}

func TestMapBasicOperations(t *testing.T) {
	for _, impl := range implementations() {
		t.Run(impl.name, func(t *testing.T) {
			m := impl.m

			if _, ok := m.Load(1); ok {
				t.Error("Load on empty map returned ok")
			}

			m.Store(1, 100)
			if v, ok := m.Load(1); !ok || v != 100 {
				t.Errorf("Load(1) = %d, %v; want 100, true", v, ok)
			}

			m.Store(1, 200)
			if v, _ := m.Load(1); v != 200 {
				t.Errorf("Store did not overwrite: got %d", v)
			}

			m.Delete(1)
			if _, ok := m.Load(1); ok {
				t.Error("Load after Delete returned ok")
			}

			m.Store(2, 2)
			if v, ok := m.LoadAndDelete(2); !ok || v != 2 {
				t.Errorf("LoadAndDelete = %d, %v; want 2, true", v, ok)
			}
			if _, ok := m.LoadAndDelete(2); ok {
				t.Error("Second LoadAndDelete returned ok")
			}
		})
	}
}

func TestMapLoadOrStore(t *testing.T) {
	for _, impl := range implementations() {
		t.Run(impl.name, func(t *testing.T) {
			m := impl.m

			v, loaded := m.LoadOrStore(10, func() int { return 42 })
			if loaded || v != 42 {
				t.Errorf("First LoadOrStore = %d, %v; want 42, false", v, loaded)
			}
			v, loaded = m.LoadOrStore(10, func() int { return 99 })
			if !loaded || v != 42 {
				t.Errorf("Second LoadOrStore = %d, %v; want 42, true", v, loaded)
			}
		})
	}
}

func TestMapUpdate(t *testing.T) {
	for _, impl := range implementations() {
		t.Run(impl.name, func(t *testing.T) {
			m := impl.m

			m.Update(20, func(v int, exists bool) (int, bool) {
				if exists {
					t.Error("Update saw a phantom entry")
				}
				return 1, true
			})
			if v, _ := m.Load(20); v != 1 {
				t.Errorf("Update insert failed: got %d", v)
			}

			m.Update(20, func(v int, exists bool) (int, bool) {
				return v + 1, true
			})
			if v, _ := m.Load(20); v != 2 {
				t.Errorf("Update increment failed: got %d", v)
			}

			// keep=false removes the entry.
			m.Update(20, func(v int, exists bool) (int, bool) {
				return 0, false
			})
			if _, ok := m.Load(20); ok {
				t.Error("Update with keep=false did not delete")
			}
		})
	}
}

func TestMapRange(t *testing.T) {
	for _, impl := range implementations() {
		t.Run(impl.name, func(t *testing.T) {
			m := impl.m
			want := map[uint64]int{100: 1, 101: 2, 102: 3}
			for k, v := range want {
				m.Store(k, v)
			}

			got := map[uint64]int{}
			m.Range(func(k uint64, v int) bool {
				got[k] = v
				return true
			})
			for k, v := range want {
				if got[k] != v {
					t.Errorf("Range missed %d=%d, got %d", k, v, got[k])
				}
			}

			// Early termination.
			n := 0
			m.Range(func(uint64, int) bool {
				n++
				return false
			})
			if n != 1 {
				t.Errorf("Range ignored early stop: visited %d", n)
			}
		})
	}
}

func TestMapConcurrentAccess(t *testing.T) {
	for _, impl := range implementations() {
		t.Run(impl.name, func(t *testing.T) {
			m := impl.m
			var wg sync.WaitGroup
			for g := 0; g < 8; g++ {
				wg.Add(1)
				go func(g int) {
					defer wg.Done()
					for i := 0; i < 1000; i++ {
						key := uint64(i % 64)
						m.Store(key, g)
						m.Load(key)
						if i%10 == 0 {
							m.Delete(key)
						}
					}
				}(g)
			}
			wg.Wait()
		})
	}
}
