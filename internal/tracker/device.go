package tracker

import (
	"sync"

	"vkcapture/internal/vkapi"
)

// deviceState bundles everything the layer owns for one logical device: the
// backing timestamp query pool, the slot pool managing its indices, the
// calibrated clock, and the list of submissions awaiting completion.
//
// mu is the coarse per-device lock: it guards command buffer state
// transitions and the in-flight submission list. The slot pool carries its
// own lock; lock order is always deviceState.mu before SlotPool.mu, and no
// operation ever holds two device locks at once.
type deviceState struct {
	handle vkapi.Device
	disp   vkapi.DeviceDispatch
	props  vkapi.DeviceProperties

	mu       sync.Mutex
	pool     *SlotPool
	clock    CalibratedClock
	inFlight []*submission
}

// submission is one submitted batch on one queue, snapshotted at submit time.
type submission struct {
	queue       vkapi.Queue
	cpuSubmitNs int64
	fence       vkapi.Fence
	entries     []submissionEntry
}

// submissionEntry pins one command buffer of the batch together with its
// generation at submit time and the end-timestamp slots whose availability
// signals completion of the whole buffer.
type submissionEntry struct {
	cb         *commandBuffer
	generation uint64
	endSlots   []uint32
}
