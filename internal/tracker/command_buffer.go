package tracker

import (
	"errors"

	"vkcapture/internal/maps"
	"vkcapture/internal/vkapi"
)

// BufferState is the lifecycle state of a tracked command buffer, following
// the API's own state machine:
//
//	Initial -> Recording -> Executable -> (Pending <-> Executable) -> freed
type BufferState uint8

const (
	BufInitial BufferState = iota
	BufRecording
	BufExecutable
	BufPending
)

func (s BufferState) String() string {
	switch s {
	case BufInitial:
		return "initial"
	case BufRecording:
		return "recording"
	case BufExecutable:
		return "executable"
	case BufPending:
		return "pending"
	default:
		return "invalid"
	}
}

// region is one labeled GPU span recorded into a command buffer. A region
// owns a begin and an end timestamp slot unless it was degraded (pool
// exhausted, or left open at end of recording); degraded regions never
// produce an event. consumed marks regions whose results were read back, so
// a later drain or resubmission cannot emit them twice.
type region struct {
	label     string
	beginSlot uint32
	endSlot   uint32
	open      bool
	degraded  bool
	consumed  bool
}

// commandBuffer is the tracked state of one command buffer handle. All
// mutation happens under the owning device's lock; the API contract
// guarantees the application never records into one buffer concurrently, but
// Drain observes completion from a different thread.
type commandBuffer struct {
	handle vkapi.CommandBuffer
	pool   vkapi.CommandPool
	dev    *deviceState

	state      BufferState
	regions    []*region
	openStack  []*region
	generation uint64
}

// liveSlots returns the slot indices the buffer currently owns: both slots of
// every closed, instrumented, not-yet-consumed region.
func (cb *commandBuffer) liveSlots() []uint32 {
	var slots []uint32
	for _, r := range cb.regions {
		if r.degraded || r.consumed {
			continue
		}
		slots = append(slots, r.beginSlot, r.endSlot)
	}
	return slots
}

// CommandBufferTracker tracks every allocated command buffer across
// allocation, (re)recording, submission and free/reset, and the query slot
// assignments made while recording.
type CommandBufferTracker struct {
	buffers maps.ConcurrentMap[vkapi.CommandBuffer, *commandBuffer]
	tracker *StateTracker
}

func newCommandBufferTracker() *CommandBufferTracker {
	return &CommandBufferTracker{buffers: maps.New[vkapi.CommandBuffer, *commandBuffer]()}
}

func (t *CommandBufferTracker) setStateTracker(st *StateTracker) { t.tracker = st }

// Count returns the number of tracked command buffers.
func (t *CommandBufferTracker) Count() int {
	n := 0
	t.buffers.Range(func(vkapi.CommandBuffer, *commandBuffer) bool {
		n++
		return true
	})
	return n
}

func (t *CommandBufferTracker) lookup(op string, handle vkapi.CommandBuffer) (*commandBuffer, error) {
	cb, ok := t.buffers.Load(handle)
	if !ok {
		return nil, notFoundf(op, "command buffer 0x%x not tracked", handle)
	}
	return cb, nil
}

// OnAllocate registers freshly allocated command buffers in the Initial
// state. Seeing a handle that is still tracked means a free was missed; the
// stale entry is replaced and the violation reported.
func (t *CommandBufferTracker) OnAllocate(device vkapi.Device, pool vkapi.CommandPool, handles []vkapi.CommandBuffer) error {
	ds, err := t.tracker.device(device)
	if err != nil {
		return err
	}
	var errs []error
	for _, h := range handles {
		if _, stale := t.buffers.Load(h); stale {
			errs = append(errs, violationf("CommandBufferTracker.OnAllocate",
				"command buffer 0x%x reallocated while still tracked", h))
		}
		t.buffers.Store(h, &commandBuffer{handle: h, pool: pool, dev: ds, state: BufInitial})
	}
	return errors.Join(errs...)
}

// OnBeginRecording transitions the buffer to Recording, discarding any slot
// assignments left over from a prior recording.
func (t *CommandBufferTracker) OnBeginRecording(handle vkapi.CommandBuffer) error {
	cb, err := t.lookup("CommandBufferTracker.OnBeginRecording", handle)
	if err != nil {
		return err
	}
	cb.dev.mu.Lock()
	defer cb.dev.mu.Unlock()

	var verr error
	if cb.state != BufInitial && cb.state != BufExecutable {
		verr = violationf("CommandBufferTracker.OnBeginRecording",
			"command buffer 0x%x is %s, expected initial or executable", handle, cb.state)
	}
	// Recover regardless: reality is that the buffer is now recording.
	err = t.clearLocked(cb)
	cb.state = BufRecording
	return errors.Join(verr, err)
}

// OpenRegion starts a labeled region inside a recording buffer: it reserves a
// begin/end slot pair and records the begin timestamp write at the current
// point in the command stream. Under pool exhaustion the region is degraded
// (tracked but never timed); that is not an error.
func (t *CommandBufferTracker) OpenRegion(handle vkapi.CommandBuffer, label string) error {
	cb, err := t.lookup("CommandBufferTracker.OpenRegion", handle)
	if err != nil {
		return err
	}
	ds := cb.dev
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if cb.state != BufRecording {
		return violationf("CommandBufferTracker.OpenRegion",
			"command buffer 0x%x is %s, expected recording", handle, cb.state)
	}

	r := &region{label: label, open: true}
	slots := ds.pool.Reserve(2)
	if len(slots) < 2 {
		// Exhausted. Give back a partial grab and degrade this region.
		var err error
		if len(slots) == 1 {
			err = ds.pool.Release(slots[0])
		}
		r.degraded = true
		t.tracker.stats.RegionsDegraded.Add(1)
		cb.regions = append(cb.regions, r)
		cb.openStack = append(cb.openStack, r)
		return err
	}
	r.beginSlot, r.endSlot = slots[0], slots[1]
	ds.disp.CmdWriteTimestamp(handle, vkapi.StageTopOfPipe, ds.pool.Backing(), r.beginSlot)
	cb.regions = append(cb.regions, r)
	cb.openStack = append(cb.openStack, r)
	return nil
}

// CloseRegion ends the innermost open region, recording the end timestamp
// write. Regions nest like the debug labels that drive them.
func (t *CommandBufferTracker) CloseRegion(handle vkapi.CommandBuffer) error {
	cb, err := t.lookup("CommandBufferTracker.CloseRegion", handle)
	if err != nil {
		return err
	}
	ds := cb.dev
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if cb.state != BufRecording {
		return violationf("CommandBufferTracker.CloseRegion",
			"command buffer 0x%x is %s, expected recording", handle, cb.state)
	}
	if len(cb.openStack) == 0 {
		return violationf("CommandBufferTracker.CloseRegion",
			"unbalanced region end on command buffer 0x%x", handle)
	}
	r := cb.openStack[len(cb.openStack)-1]
	cb.openStack = cb.openStack[:len(cb.openStack)-1]
	r.open = false
	if !r.degraded {
		ds.disp.CmdWriteTimestamp(handle, vkapi.StageBottomOfPipe, ds.pool.Backing(), r.endSlot)
	}
	return nil
}

// OnEndRecording transitions the buffer to Executable. Regions still open
// cannot be timed and must not leak reservations: their slots go back to Free
// and the regions are degraded.
func (t *CommandBufferTracker) OnEndRecording(handle vkapi.CommandBuffer) error {
	cb, err := t.lookup("CommandBufferTracker.OnEndRecording", handle)
	if err != nil {
		return err
	}
	ds := cb.dev
	ds.mu.Lock()
	defer ds.mu.Unlock()

	var errs []error
	if cb.state != BufRecording {
		errs = append(errs, violationf("CommandBufferTracker.OnEndRecording",
			"command buffer 0x%x is %s, expected recording", handle, cb.state))
	}
	for _, r := range cb.openStack {
		r.open = false
		if !r.degraded {
			if err := ds.pool.Release(r.beginSlot, r.endSlot); err != nil {
				errs = append(errs, err)
			}
			r.degraded = true
		}
	}
	cb.openStack = nil
	cb.state = BufExecutable
	return errors.Join(errs...)
}

// submit transitions an Executable buffer to Pending, bumping its generation
// and moving its live slots to Pending. The returned entry carries everything
// the correlator needs to detect completion and attribute events.
func (t *CommandBufferTracker) submit(handle vkapi.CommandBuffer) (submissionEntry, error) {
	cb, err := t.lookup("CommandBufferTracker.submit", handle)
	if err != nil {
		return submissionEntry{}, err
	}
	ds := cb.dev
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if cb.state != BufExecutable {
		return submissionEntry{}, violationf("CommandBufferTracker.submit",
			"command buffer 0x%x submitted while %s", handle, cb.state)
	}
	cb.generation++
	var endSlots []uint32
	var errs []error
	for _, r := range cb.regions {
		if r.degraded || r.consumed {
			continue
		}
		if err := ds.pool.MarkPending(r.beginSlot, r.endSlot); err != nil {
			errs = append(errs, err)
			r.degraded = true
			continue
		}
		endSlots = append(endSlots, r.endSlot)
	}
	cb.state = BufPending
	return submissionEntry{cb: cb, generation: cb.generation, endSlots: endSlots}, errors.Join(errs...)
}

// observeCompletionLocked transitions Pending -> Executable and moves the
// buffer's live slots to Ready. Caller holds the device lock.
func (t *CommandBufferTracker) observeCompletionLocked(cb *commandBuffer) error {
	if cb.state != BufPending {
		return violationf("CommandBufferTracker.observeCompletion",
			"command buffer 0x%x is %s, expected pending", cb.handle, cb.state)
	}
	var errs []error
	for _, r := range cb.regions {
		if r.degraded || r.consumed {
			continue
		}
		if err := cb.dev.pool.MarkReady(r.beginSlot, r.endSlot); err != nil {
			errs = append(errs, err)
			r.degraded = true
		}
	}
	cb.state = BufExecutable
	return errors.Join(errs...)
}

// OnReset returns the buffer to Initial and releases everything it held.
// Resetting an in-flight buffer is a contract violation, but its slots are
// still recovered: leaving them Pending forever would leak pool capacity.
func (t *CommandBufferTracker) OnReset(handle vkapi.CommandBuffer) error {
	cb, err := t.lookup("CommandBufferTracker.OnReset", handle)
	if err != nil {
		return err
	}
	cb.dev.mu.Lock()
	defer cb.dev.mu.Unlock()
	return t.resetLocked(cb)
}

func (t *CommandBufferTracker) resetLocked(cb *commandBuffer) error {
	var verr error
	if cb.state == BufPending {
		verr = violationf("CommandBufferTracker.OnReset",
			"command buffer 0x%x reset while in flight", cb.handle)
	}
	err := t.clearLocked(cb)
	cb.state = BufInitial
	return errors.Join(verr, err)
}

// clearLocked releases all slots the buffer holds and drops its region data.
// Caller holds the device lock.
func (t *CommandBufferTracker) clearLocked(cb *commandBuffer) error {
	var err error
	if slots := cb.liveSlots(); len(slots) > 0 {
		err = cb.dev.pool.Release(slots...)
	}
	cb.regions = nil
	cb.openStack = nil
	return err
}

// OnFree releases each buffer's slots and removes it from tracking entirely.
// Freeing an in-flight buffer is a contract violation, slots recovered as in
// OnReset.
func (t *CommandBufferTracker) OnFree(handles []vkapi.CommandBuffer) error {
	var errs []error
	for _, h := range handles {
		cb, ok := t.buffers.LoadAndDelete(h)
		if !ok {
			errs = append(errs, notFoundf("CommandBufferTracker.OnFree",
				"command buffer 0x%x not tracked", h))
			continue
		}
		cb.dev.mu.Lock()
		if cb.state == BufPending {
			errs = append(errs, violationf("CommandBufferTracker.OnFree",
				"command buffer 0x%x freed while in flight", h))
		}
		if err := t.clearLocked(cb); err != nil {
			errs = append(errs, err)
		}
		cb.dev.mu.Unlock()
	}
	return errors.Join(errs...)
}

// OnResetPool resets every tracked buffer allocated from the given command
// pool, mirroring the driver-side semantics of a pool reset.
func (t *CommandBufferTracker) OnResetPool(device vkapi.Device, pool vkapi.CommandPool) error {
	ds, err := t.tracker.device(device)
	if err != nil {
		return err
	}
	var errs []error
	t.buffers.Range(func(_ vkapi.CommandBuffer, cb *commandBuffer) bool {
		if cb.dev != ds || cb.pool != pool {
			return true
		}
		ds.mu.Lock()
		if err := t.resetLocked(cb); err != nil {
			errs = append(errs, err)
		}
		ds.mu.Unlock()
		return true
	})
	return errors.Join(errs...)
}

// dropDevice forgets every buffer of a device being destroyed. Slots are not
// released individually; the whole backing pool goes away with the device.
func (t *CommandBufferTracker) dropDevice(ds *deviceState) {
	t.buffers.Range(func(h vkapi.CommandBuffer, cb *commandBuffer) bool {
		if cb.dev == ds {
			t.buffers.Delete(h)
		}
		return true
	})
}
