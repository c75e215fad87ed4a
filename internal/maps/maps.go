// Package maps provides the concurrent map used for handle-keyed tracking
// tables (device, queue and command buffer handles are address-sized
// integers). The interface hides the implementation so it can be swapped
// without touching tracking logic.
package maps

// mapImplementation selects the default implementation.
// Valid options: "xsync", "sharded", "cornelk", "sync".
const mapImplementation = "xsync"

// Handle is a constraint for the integer handle types used as keys.
type Handle interface {
	~uint32 | ~uint64 | ~uintptr
}

// ConcurrentMap is a generic, thread-safe map keyed by API handles.
type ConcurrentMap[K Handle, V any] interface {
	Load(key K) (V, bool)
	Store(key K, value V)
	Delete(key K)
	LoadAndDelete(key K) (V, bool)
	// LoadOrStore returns the existing value for key if present; otherwise it
	// stores the factory's value. The boolean reports whether the value was
	// loaded rather than created.
	LoadOrStore(key K, valueFactory func() V) (V, bool)
	// Update atomically reads, modifies and writes the entry for key. The
	// update function returns the new value and whether to keep the entry.
	Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool))
	Range(f func(key K, value V) bool)
}

// New returns the default ConcurrentMap implementation.
func New[K Handle, V any]() ConcurrentMap[K, V] {
	switch mapImplementation {
	case "xsync":
		return NewXSyncMap[K, V]()
	case "sharded":
		return NewShardedMap[K, V]()
	case "cornelk":
		return NewCornelkMap[K, V]()
	case "sync":
		return NewStdSyncMap[K, V]()
	default:
		return NewXSyncMap[K, V]()
	}
}
