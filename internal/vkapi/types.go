// Package vkapi models the slice of the Vulkan API surface the capture layer
// interacts with. Handles coming from the loader are pointer-sized identities
// from a foreign ABI; they are carried as uint64 and only ever compared or
// used as map keys, never dereferenced.
package vkapi

// Opaque API handles.
type (
	Instance       uint64
	PhysicalDevice uint64
	Device         uint64
	Queue          uint64
	CommandPool    uint64
	CommandBuffer  uint64
	QueryPool      uint64
	Fence          uint64
	Semaphore      uint64
)

// Result mirrors VkResult for the codes the layer can observe on the calls it
// intercepts or issues itself.
type Result int32

const (
	Success  Result = 0
	NotReady Result = 1
	Timeout  Result = 2

	ErrOutOfHostMemory      Result = -1
	ErrOutOfDeviceMemory    Result = -2
	ErrInitializationFailed Result = -3
	ErrDeviceLost           Result = -4
	ErrUnknown              Result = -13
)

func (r Result) String() string {
	switch r {
	case Success:
		return "SUCCESS"
	case NotReady:
		return "NOT_READY"
	case Timeout:
		return "TIMEOUT"
	case ErrOutOfHostMemory:
		return "ERROR_OUT_OF_HOST_MEMORY"
	case ErrOutOfDeviceMemory:
		return "ERROR_OUT_OF_DEVICE_MEMORY"
	case ErrInitializationFailed:
		return "ERROR_INITIALIZATION_FAILED"
	case ErrDeviceLost:
		return "ERROR_DEVICE_LOST"
	default:
		return "ERROR_UNKNOWN"
	}
}

// Ok reports whether the result is a success code (VkResult >= 0).
func (r Result) Ok() bool { return r >= 0 }

// PipelineStage identifies the pipeline stage a timestamp is latched at.
// Only the two stages the layer writes timestamps at are modeled.
type PipelineStage uint32

const (
	StageTopOfPipe    PipelineStage = 0x00000001
	StageBottomOfPipe PipelineStage = 0x00002000
)

// SubmitInfo is the per-batch payload of a queue submission. Semaphore fields
// of VkSubmitInfo are omitted: the layer never waits on application semaphores.
type SubmitInfo struct {
	CommandBuffers []CommandBuffer
}

// DeviceProperties carries the physical-device limits the layer needs for
// timestamp conversion.
type DeviceProperties struct {
	// TimestampPeriod is the number of nanoseconds one GPU timestamp tick
	// represents (VkPhysicalDeviceLimits::timestampPeriod).
	TimestampPeriod float64

	// TimestampValidBits is the number of meaningful low bits in a timestamp
	// query result for the queue family the layer instruments.
	TimestampValidBits uint32
}

// ValidMask returns the bit mask selecting the meaningful timestamp bits.
func (p DeviceProperties) ValidMask() uint64 {
	if p.TimestampValidBits == 0 || p.TimestampValidBits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << p.TimestampValidBits) - 1
}
