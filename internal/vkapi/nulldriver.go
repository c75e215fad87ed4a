package vkapi

import (
	"sync"
	"time"
)

// NullDriver is a software implementation of DeviceDispatch. It stands in for
// a real ICD in tests and in the replay binary: timestamps come from a
// simulated GPU clock (monotonic nanosecond ticks since driver creation) and
// query results become available a configurable latency after Submit.
//
// The driver is not told about command buffer lifecycle by the dispatch
// interface, so the harness driving it calls Submit to "execute" recorded
// timestamp writes and ResetCommandBuffer before re-recording a buffer.
type NullDriver struct {
	mu         sync.Mutex
	start      time.Time
	props      DeviceProperties
	latency    time.Duration
	nextHandle uint64
	pools      map[QueryPool]*nullQueryPool
	recorded   map[CommandBuffer][]recordedWrite
}

type nullQueryPool struct {
	slots []nullSlot
}

type nullSlot struct {
	value       uint64
	availableAt time.Time
	written     bool
}

type recordedWrite struct {
	pool  QueryPool
	query uint32
}

// NewNullDriver creates a driver with a 1ns-per-tick, 48-valid-bit timestamp
// clock and zero result latency.
func NewNullDriver() *NullDriver {
	return &NullDriver{
		start: time.Now(),
		props: DeviceProperties{
			TimestampPeriod:    1.0,
			TimestampValidBits: 48,
		},
		pools:    make(map[QueryPool]*nullQueryPool),
		recorded: make(map[CommandBuffer][]recordedWrite),
	}
}

// SetResultLatency delays query availability after Submit, emulating GPU
// execution time.
func (d *NullDriver) SetResultLatency(latency time.Duration) {
	d.mu.Lock()
	d.latency = latency
	d.mu.Unlock()
}

// NewHandle mints a fresh opaque handle. The replay harness uses it for
// devices, queues and command buffers; handles only need to be unique.
func (d *NullDriver) NewHandle() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextHandle++
	return d.nextHandle
}

func (d *NullDriver) gpuNow() uint64 {
	return uint64(time.Since(d.start).Nanoseconds()) & d.props.ValidMask()
}

// Submit pretends to execute the timestamp writes recorded into the given
// command buffers, in recording order. Each write latches a strictly
// increasing tick value and becomes available after the configured latency.
func (d *NullDriver) Submit(cbs ...CommandBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tick := d.gpuNow()
	availableAt := time.Now().Add(d.latency)
	for _, cb := range cbs {
		for _, w := range d.recorded[cb] {
			pool, ok := d.pools[w.pool]
			if !ok || int(w.query) >= len(pool.slots) {
				continue
			}
			tick++
			pool.slots[w.query] = nullSlot{
				value:       tick & d.props.ValidMask(),
				availableAt: availableAt,
				written:     true,
			}
		}
	}
}

// ResetCommandBuffer drops the recorded writes of a command buffer. Called by
// the harness when the intercepted application re-records or frees a buffer.
func (d *NullDriver) ResetCommandBuffer(cb CommandBuffer) {
	d.mu.Lock()
	delete(d.recorded, cb)
	d.mu.Unlock()
}

// --- DeviceDispatch ---

func (d *NullDriver) CreateQueryPool(_ Device, queryCount uint32) (QueryPool, Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextHandle++
	handle := QueryPool(d.nextHandle)
	d.pools[handle] = &nullQueryPool{slots: make([]nullSlot, queryCount)}
	return handle, Success
}

func (d *NullDriver) DestroyQueryPool(_ Device, pool QueryPool) {
	d.mu.Lock()
	delete(d.pools, pool)
	d.mu.Unlock()
}

func (d *NullDriver) ResetQueryPool(_ Device, pool QueryPool, first, count uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pools[pool]
	if !ok {
		return
	}
	for i := first; i < first+count && int(i) < len(p.slots); i++ {
		p.slots[i] = nullSlot{}
	}
}

func (d *NullDriver) CmdWriteTimestamp(cb CommandBuffer, _ PipelineStage, pool QueryPool, query uint32) {
	d.mu.Lock()
	d.recorded[cb] = append(d.recorded[cb], recordedWrite{pool: pool, query: query})
	d.mu.Unlock()
}

func (d *NullDriver) QueryPoolResults(_ Device, pool QueryPool, first, count uint32) ([]QuerySlotResult, Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pools[pool]
	if !ok {
		return nil, ErrUnknown
	}
	now := time.Now()
	results := make([]QuerySlotResult, 0, count)
	res := Success
	for i := first; i < first+count; i++ {
		if int(i) >= len(p.slots) {
			return nil, ErrUnknown
		}
		slot := p.slots[i]
		available := slot.written && !now.Before(slot.availableAt)
		if !available {
			res = NotReady
		}
		results = append(results, QuerySlotResult{Value: slot.value, Available: available})
	}
	return results, res
}

func (d *NullDriver) CalibratedTimestamps(_ Device) (gpuTicks, cpuNanos, maxDeviation uint64, res Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gpuNow(), uint64(time.Now().UnixNano()), 0, Success
}

func (d *NullDriver) Properties(_ Device) DeviceProperties {
	return d.props
}
