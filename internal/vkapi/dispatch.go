package vkapi

// QuerySlotResult is one entry of a no-wait query pool read. Available is the
// availability status the driver reports for the slot; Value is undefined
// unless Available is true.
type QuerySlotResult struct {
	Value     uint64
	Available bool
}

// DeviceDispatch is the function table the capture core uses to reach the
// next layer in the call chain. It is constructed by the interception shim
// (per-device function-pointer resolution) and injected at device creation;
// the core invokes it but does not own it.
//
// All calls are forwarded verbatim to the driver. None of them may be assumed
// to be cheap except CmdWriteTimestamp, which only records into a command
// buffer.
type DeviceDispatch interface {
	// CreateQueryPool creates a timestamp query pool with queryCount slots.
	CreateQueryPool(device Device, queryCount uint32) (QueryPool, Result)

	// DestroyQueryPool destroys a pool previously created by CreateQueryPool.
	DestroyQueryPool(device Device, pool QueryPool)

	// ResetQueryPool resets slots [first, first+count) from the host side
	// (VK_EXT_host_query_reset). Must not be called while any of the slots
	// could still be written by in-flight work.
	ResetQueryPool(device Device, pool QueryPool, first, count uint32)

	// CmdWriteTimestamp records a timestamp write into slot query of pool,
	// latched when the given stage completes on the GPU.
	CmdWriteTimestamp(cb CommandBuffer, stage PipelineStage, pool QueryPool, query uint32)

	// QueryPoolResults performs a 64-bit, with-availability, no-wait read of
	// slots [first, first+count). Slots whose work has not completed come
	// back with Available == false; the call itself never blocks.
	QueryPoolResults(device Device, pool QueryPool, first, count uint32) ([]QuerySlotResult, Result)

	// CalibratedTimestamps samples the GPU timestamp counter and the host
	// clock as close to simultaneously as the driver can manage
	// (VK_EXT_calibrated_timestamps). cpuNanos is CLOCK_MONOTONIC-like host
	// time in nanoseconds since the Unix epoch; maxDeviation bounds the
	// sampling skew in nanoseconds.
	CalibratedTimestamps(device Device) (gpuTicks, cpuNanos, maxDeviation uint64, res Result)

	// Properties returns the device limits relevant to timestamp conversion.
	Properties(device Device) DeviceProperties
}
