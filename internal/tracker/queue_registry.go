package tracker

import (
	"vkcapture/internal/maps"
	"vkcapture/internal/vkapi"
)

// QueueRegistry records which logical device owns each execution queue. The
// association is discovered lazily when the application retrieves the queue
// and is immutable from then on.
type QueueRegistry struct {
	queues maps.ConcurrentMap[vkapi.Queue, vkapi.Device]
}

// NewQueueRegistry creates an empty registry.
func NewQueueRegistry() *QueueRegistry {
	return &QueueRegistry{queues: maps.New[vkapi.Queue, vkapi.Device]()}
}

// Register records queue as owned by device. Registering the same pair again
// is a no-op; registering the queue to a different device is a contract
// violation and the first owner is kept.
func (r *QueueRegistry) Register(queue vkapi.Queue, device vkapi.Device) error {
	owner, loaded := r.queues.LoadOrStore(queue, func() vkapi.Device { return device })
	if loaded && owner != device {
		return violationf("QueueRegistry.Register",
			"queue 0x%x already owned by device 0x%x, re-registration to device 0x%x rejected",
			queue, owner, device)
	}
	return nil
}

// DeviceOf returns the device owning queue. Queues are registered
// synchronously on the get-queue call, so a miss means the caller skipped
// that step.
func (r *QueueRegistry) DeviceOf(queue vkapi.Queue) (vkapi.Device, error) {
	dev, ok := r.queues.Load(queue)
	if !ok {
		return 0, notFoundf("QueueRegistry.DeviceOf", "queue 0x%x not registered", queue)
	}
	return dev, nil
}

// Forget drops every queue owned by device. Called on device destruction.
func (r *QueueRegistry) Forget(device vkapi.Device) {
	r.queues.Range(func(q vkapi.Queue, dev vkapi.Device) bool {
		if dev == device {
			r.queues.Delete(q)
		}
		return true
	})
}

// Count returns the number of registered queues.
func (r *QueueRegistry) Count() int {
	n := 0
	r.queues.Range(func(vkapi.Queue, vkapi.Device) bool {
		n++
		return true
	})
	return n
}
