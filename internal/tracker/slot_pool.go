package tracker

import (
	"sync"

	"vkcapture/internal/vkapi"
)

// SlotState is the lifecycle state of one timestamp query slot. Slot state is
// owned exclusively by the SlotPool; other components only hold slot indices.
type SlotState uint8

const (
	// SlotFree: on the free list, available for reservation.
	SlotFree SlotState = iota
	// SlotReserved: assigned to a command buffer that is recording.
	SlotReserved
	// SlotPending: the owning command buffer was submitted; the GPU may still
	// write the slot. Reading it back is undefined.
	SlotPending
	// SlotReady: the submission completed; the result can be read back.
	SlotReady
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "free"
	case SlotReserved:
		return "reserved"
	case SlotPending:
		return "pending"
	case SlotReady:
		return "ready"
	default:
		return "invalid"
	}
}

// SlotPool manages the fixed set of timestamp query slots of one device's
// backing driver query pool. The free list bounds memory and keeps the
// submission hot path allocation-free; exhaustion yields fewer reservations,
// never blocking and never growth.
//
// Sum of slots over all states equals the pool capacity at all times.
type SlotPool struct {
	device  vkapi.Device
	backing vkapi.QueryPool
	disp    vkapi.DeviceDispatch

	mu     sync.Mutex
	states []SlotState
	free   []uint32
	counts [4]int
}

// NewSlotPool wraps the given backing driver query pool. All slots start Free.
func NewSlotPool(device vkapi.Device, backing vkapi.QueryPool, disp vkapi.DeviceDispatch, capacity uint32) *SlotPool {
	p := &SlotPool{
		device:  device,
		backing: backing,
		disp:    disp,
		states:  make([]SlotState, capacity),
		free:    make([]uint32, capacity),
	}
	// LIFO free list, lowest indices handed out first.
	for i := range p.free {
		p.free[i] = capacity - 1 - uint32(i)
	}
	p.counts[SlotFree] = int(capacity)
	return p
}

// Capacity returns the fixed slot count of the pool.
func (p *SlotPool) Capacity() int { return len(p.states) }

// Backing returns the driver query pool handle timestamps are written into.
func (p *SlotPool) Backing() vkapi.QueryPool { return p.backing }

// Reserve removes up to count slots from the free list and returns their
// indices. Returns fewer than requested, down to none, when the pool is
// exhausted. Never blocks.
func (p *SlotPool) Reserve(count int) []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := min(count, len(p.free))
	if n == 0 {
		return nil
	}
	taken := make([]uint32, n)
	copy(taken, p.free[len(p.free)-n:])
	p.free = p.free[:len(p.free)-n]
	for _, i := range taken {
		p.states[i] = SlotReserved
	}
	p.counts[SlotFree] -= n
	p.counts[SlotReserved] += n
	return taken
}

// MarkPending transitions Reserved slots to Pending at submission time.
func (p *SlotPool) MarkPending(indices ...uint32) error {
	return p.transition("SlotPool.MarkPending", SlotReserved, SlotPending, indices)
}

// MarkReady transitions Pending slots to Ready once their submission is
// known complete.
func (p *SlotPool) MarkReady(indices ...uint32) error {
	return p.transition("SlotPool.MarkReady", SlotPending, SlotReady, indices)
}

func (p *SlotPool) transition(op string, from, to SlotState, indices []uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var bad []uint32
	for _, i := range indices {
		if int(i) >= len(p.states) || p.states[i] != from {
			bad = append(bad, i)
			continue
		}
		p.states[i] = to
		p.counts[from]--
		p.counts[to]++
	}
	if bad != nil {
		return violationf(op, "slots %v of device 0x%x not in state %s", bad, p.device, from)
	}
	return nil
}

// Release returns slots to the free list from any non-Free state and resets
// the underlying driver slots so they can latch a new timestamp. Releasing a
// slot that is already Free is a double release.
func (p *SlotPool) Release(indices ...uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var bad []uint32
	for _, i := range indices {
		if int(i) >= len(p.states) || p.states[i] == SlotFree {
			bad = append(bad, i)
			continue
		}
		p.counts[p.states[i]]--
		p.counts[SlotFree]++
		p.states[i] = SlotFree
		p.free = append(p.free, i)
		p.disp.ResetQueryPool(p.device, p.backing, i, 1)
	}
	if bad != nil {
		return violationf("SlotPool.Release", "double release of slots %v on device 0x%x", bad, p.device)
	}
	return nil
}

// Available polls the driver for result availability of the given slots
// without waiting and without changing slot state. An empty index list is
// trivially available.
func (p *SlotPool) Available(indices []uint32) bool {
	for _, i := range indices {
		results, res := p.disp.QueryPoolResults(p.device, p.backing, i, 1)
		if !res.Ok() || len(results) != 1 || !results[0].Available {
			return false
		}
	}
	return true
}

// ReadBack reads the raw GPU tick values of Ready slots, in index order.
// Calling it on slots in any other state is a contract violation and reads
// nothing.
func (p *SlotPool) ReadBack(indices []uint32) ([]uint64, error) {
	p.mu.Lock()
	for _, i := range indices {
		if int(i) >= len(p.states) || p.states[i] != SlotReady {
			state := SlotState(255)
			if int(i) < len(p.states) {
				state = p.states[i]
			}
			p.mu.Unlock()
			return nil, violationf("SlotPool.ReadBack", "slot %d of device 0x%x is %s, not ready", i, p.device, state)
		}
	}
	p.mu.Unlock()

	values := make([]uint64, 0, len(indices))
	for _, i := range indices {
		results, res := p.disp.QueryPoolResults(p.device, p.backing, i, 1)
		if !res.Ok() || len(results) != 1 || !results[0].Available {
			return nil, violationf("SlotPool.ReadBack", "result of ready slot %d on device 0x%x unavailable (%s)", i, p.device, res)
		}
		values = append(values, results[0].Value)
	}
	return values, nil
}

// Counts returns the per-state slot counts. The four always sum to Capacity.
func (p *SlotPool) Counts() (free, reserved, pending, ready int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[SlotFree], p.counts[SlotReserved], p.counts[SlotPending], p.counts[SlotReady]
}
