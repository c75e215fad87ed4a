package tracker

import (
	"sync"
	"testing"
	"time"

	"vkcapture/internal/events"
	"vkcapture/internal/vkapi"
)

// captureSink collects emitted events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []events.TimedEvent
}

func (s *captureSink) Emit(e events.TimedEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *captureSink) all() []events.TimedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.TimedEvent(nil), s.events...)
}

// harness wires a tracker to the software driver with one device, one queue
// and one allocated command buffer, the minimal intercepted application.
type harness struct {
	t      *testing.T
	st     *StateTracker
	driver *vkapi.NullDriver
	sink   *captureSink
	dev    vkapi.Device
	queue  vkapi.Queue
	cpool  vkapi.CommandPool
	cb     vkapi.CommandBuffer
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{t: t, sink: &captureSink{}, driver: vkapi.NewNullDriver()}
	h.st = New(cfg, h.sink)
	h.dev = vkapi.Device(h.driver.NewHandle())
	if err := h.st.OnCreateDevice(h.dev, h.driver); err != nil {
		t.Fatalf("OnCreateDevice failed: %v", err)
	}
	h.queue = vkapi.Queue(h.driver.NewHandle())
	if err := h.st.RegisterQueue(h.queue, h.dev); err != nil {
		t.Fatalf("RegisterQueue failed: %v", err)
	}
	h.cpool = vkapi.CommandPool(h.driver.NewHandle())
	h.cb = vkapi.CommandBuffer(h.driver.NewHandle())
	if err := h.st.CommandBuffers.OnAllocate(h.dev, h.cpool, []vkapi.CommandBuffer{h.cb}); err != nil {
		t.Fatalf("OnAllocate failed: %v", err)
	}
	return h
}

// record records the given labels as flat sibling regions into the buffer.
func (h *harness) record(labels ...string) {
	h.t.Helper()
	h.driver.ResetCommandBuffer(h.cb)
	if err := h.st.CommandBuffers.OnBeginRecording(h.cb); err != nil {
		h.t.Fatalf("OnBeginRecording failed: %v", err)
	}
	for _, label := range labels {
		if err := h.st.CommandBuffers.OpenRegion(h.cb, label); err != nil {
			h.t.Fatalf("OpenRegion(%q) failed: %v", label, err)
		}
		if err := h.st.CommandBuffers.CloseRegion(h.cb); err != nil {
			h.t.Fatalf("CloseRegion failed: %v", err)
		}
	}
	if err := h.st.CommandBuffers.OnEndRecording(h.cb); err != nil {
		h.t.Fatalf("OnEndRecording failed: %v", err)
	}
}

// submit forwards the buffer through the correlator and "executes" it on the
// driver.
func (h *harness) submit() error {
	h.t.Helper()
	token := h.st.PreSubmit(h.queue)
	h.driver.Submit(h.cb)
	submits := []vkapi.SubmitInfo{{CommandBuffers: []vkapi.CommandBuffer{h.cb}}}
	return h.st.PostSubmit(h.queue, submits, 0, token)
}

func (h *harness) slotCounts() (free, reserved, pending, ready int) {
	h.st.RangeDeviceSlots(func(_ vkapi.Device, f, r, p, rd int) bool {
		free, reserved, pending, ready = f, r, p, rd
		return false
	})
	return
}

func TestRegionRoundTrip(t *testing.T) {
	h := newHarness(t, Config{SlotsPerDevice: 16})

	before := time.Now().UnixNano()
	h.record("draw_scene")
	if err := h.submit(); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := h.st.Drain(h.dev); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	evs := h.sink.all()
	if len(evs) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(evs))
	}
	e := evs[0]
	if e.Label != "draw_scene" {
		t.Errorf("Expected label draw_scene, got %q", e.Label)
	}
	if e.Device != h.dev || e.Queue != h.queue {
		t.Errorf("Event attributed to device 0x%x queue 0x%x", e.Device, e.Queue)
	}
	if e.BeginNs > e.EndNs {
		t.Errorf("Event range inverted: begin=%d end=%d", e.BeginNs, e.EndNs)
	}
	if e.SubmittedNs < before {
		t.Errorf("SubmittedNs %d predates the test", e.SubmittedNs)
	}
	if e.Generation != 1 {
		t.Errorf("Expected generation 1, got %d", e.Generation)
	}

	// All slots must be back on the free list after emission.
	free, reserved, pending, ready := h.slotCounts()
	if free != 16 || reserved != 0 || pending != 0 || ready != 0 {
		t.Errorf("Slots leaked: free=%d reserved=%d pending=%d ready=%d", free, reserved, pending, ready)
	}
	if got := h.st.Stats().EventsEmitted.Load(); got != 1 {
		t.Errorf("EventsEmitted = %d", got)
	}
}

func TestDrainEmitsExactlyOnce(t *testing.T) {
	h := newHarness(t, Config{SlotsPerDevice: 16})
	h.record("pass")
	if err := h.submit(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := h.st.Drain(h.dev); err != nil {
			t.Fatalf("Drain %d failed: %v", i, err)
		}
	}
	if got := len(h.sink.all()); got != 1 {
		t.Fatalf("Expected exactly 1 event across repeated drains, got %d", got)
	}
}

func TestResubmitWithoutRerecording(t *testing.T) {
	h := newHarness(t, Config{SlotsPerDevice: 16})
	h.record("pass")
	if err := h.submit(); err != nil {
		t.Fatal(err)
	}
	if err := h.st.Drain(h.dev); err != nil {
		t.Fatal(err)
	}

	// Submitting the executable buffer again without re-recording is legal;
	// its regions were already consumed, so nothing new may be emitted.
	if err := h.submit(); err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	if err := h.st.Drain(h.dev); err != nil {
		t.Fatal(err)
	}
	if got := len(h.sink.all()); got != 1 {
		t.Fatalf("Resubmission duplicated events: got %d", got)
	}

	// Re-recording restores instrumentation.
	h.record("pass")
	if err := h.submit(); err != nil {
		t.Fatal(err)
	}
	if err := h.st.Drain(h.dev); err != nil {
		t.Fatal(err)
	}
	if got := len(h.sink.all()); got != 2 {
		t.Fatalf("Expected 2 events after re-record, got %d", got)
	}
}

func TestIncompleteSubmissionRetained(t *testing.T) {
	h := newHarness(t, Config{SlotsPerDevice: 16})
	h.driver.SetResultLatency(50 * time.Millisecond)

	h.record("slow_pass")
	if err := h.submit(); err != nil {
		t.Fatal(err)
	}
	if err := h.st.Drain(h.dev); err != nil {
		t.Fatal(err)
	}
	if got := len(h.sink.all()); got != 0 {
		t.Fatalf("Drain emitted %d events before results were available", got)
	}

	time.Sleep(60 * time.Millisecond)
	if err := h.st.Drain(h.dev); err != nil {
		t.Fatal(err)
	}
	if got := len(h.sink.all()); got != 1 {
		t.Fatalf("Expected 1 event after latency elapsed, got %d", got)
	}
}

func TestSlotExhaustionDegrades(t *testing.T) {
	// Capacity for two regions; the third must degrade, not fail.
	h := newHarness(t, Config{SlotsPerDevice: 4})

	h.record("a", "b", "c")
	if err := h.submit(); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := h.st.Drain(h.dev); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	evs := h.sink.all()
	if len(evs) != 2 {
		t.Fatalf("Expected 2 events from a 4-slot pool, got %d", len(evs))
	}
	for _, e := range evs {
		if e.Label == "c" {
			t.Errorf("Degraded region %q emitted an event", e.Label)
		}
	}
	if got := h.st.Stats().RegionsDegraded.Load(); got != 1 {
		t.Errorf("RegionsDegraded = %d, expected 1", got)
	}
	free, _, _, _ := h.slotCounts()
	if free != 4 {
		t.Errorf("Expected all 4 slots free after drain, got %d", free)
	}
}

func TestNestedRegions(t *testing.T) {
	h := newHarness(t, Config{SlotsPerDevice: 16})

	h.driver.ResetCommandBuffer(h.cb)
	if err := h.st.CommandBuffers.OnBeginRecording(h.cb); err != nil {
		t.Fatal(err)
	}
	if err := h.st.CommandBuffers.OpenRegion(h.cb, "outer"); err != nil {
		t.Fatal(err)
	}
	if err := h.st.CommandBuffers.OpenRegion(h.cb, "inner"); err != nil {
		t.Fatal(err)
	}
	if err := h.st.CommandBuffers.CloseRegion(h.cb); err != nil {
		t.Fatal(err)
	}
	if err := h.st.CommandBuffers.CloseRegion(h.cb); err != nil {
		t.Fatal(err)
	}
	if err := h.st.CommandBuffers.OnEndRecording(h.cb); err != nil {
		t.Fatal(err)
	}
	if err := h.submit(); err != nil {
		t.Fatal(err)
	}
	if err := h.st.Drain(h.dev); err != nil {
		t.Fatal(err)
	}

	evs := h.sink.all()
	if len(evs) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(evs))
	}
	byLabel := map[string]events.TimedEvent{}
	for _, e := range evs {
		byLabel[e.Label] = e
	}
	outer, inner := byLabel["outer"], byLabel["inner"]
	if outer.Label == "" || inner.Label == "" {
		t.Fatalf("Missing labels in %v", evs)
	}
	if inner.BeginNs < outer.BeginNs || inner.EndNs > outer.EndNs {
		t.Errorf("Inner region [%d,%d] not contained in outer [%d,%d]",
			inner.BeginNs, inner.EndNs, outer.BeginNs, outer.EndNs)
	}
}

func TestUnbalancedRegions(t *testing.T) {
	h := newHarness(t, Config{SlotsPerDevice: 16})

	h.driver.ResetCommandBuffer(h.cb)
	if err := h.st.CommandBuffers.OnBeginRecording(h.cb); err != nil {
		t.Fatal(err)
	}

	// End without a matching begin.
	if err := h.st.CommandBuffers.CloseRegion(h.cb); KindOf(err) != KindContractViolation {
		t.Errorf("Expected violation for unbalanced region end, got %v", err)
	}

	// Begin left open at end of recording: degraded, slots recovered.
	if err := h.st.CommandBuffers.OpenRegion(h.cb, "left_open"); err != nil {
		t.Fatal(err)
	}
	if err := h.st.CommandBuffers.OnEndRecording(h.cb); err != nil {
		t.Fatal(err)
	}
	free, _, _, _ := h.slotCounts()
	if free != 16 {
		t.Errorf("Open region leaked slots: free=%d", free)
	}

	if err := h.submit(); err != nil {
		t.Fatal(err)
	}
	if err := h.st.Drain(h.dev); err != nil {
		t.Fatal(err)
	}
	if got := len(h.sink.all()); got != 0 {
		t.Errorf("Unclosed region emitted %d events", got)
	}
}

func TestResetInFlightRecoversSlots(t *testing.T) {
	h := newHarness(t, Config{SlotsPerDevice: 16})
	h.driver.SetResultLatency(time.Hour) // never completes on its own

	h.record("pass")
	if err := h.submit(); err != nil {
		t.Fatal(err)
	}

	err := h.st.CommandBuffers.OnReset(h.cb)
	if KindOf(err) != KindContractViolation {
		t.Fatalf("Expected violation resetting in-flight buffer, got %v", err)
	}
	// The violation is reported but the slots must still come back.
	free, _, _, _ := h.slotCounts()
	if free != 16 {
		t.Errorf("In-flight reset leaked slots: free=%d", free)
	}

	// The abandoned submission must not emit.
	if err := h.st.Drain(h.dev); err != nil {
		t.Fatalf("Drain after abandoned submission failed: %v", err)
	}
	if got := len(h.sink.all()); got != 0 {
		t.Errorf("Abandoned submission emitted %d events", got)
	}
}

func TestFreeInFlightBuffer(t *testing.T) {
	h := newHarness(t, Config{SlotsPerDevice: 16})
	h.driver.SetResultLatency(time.Hour)

	h.record("pass")
	if err := h.submit(); err != nil {
		t.Fatal(err)
	}
	err := h.st.CommandBuffers.OnFree([]vkapi.CommandBuffer{h.cb})
	if KindOf(err) != KindContractViolation {
		t.Fatalf("Expected violation freeing in-flight buffer, got %v", err)
	}
	if got := h.st.CommandBuffers.Count(); got != 0 {
		t.Errorf("Buffer still tracked after free: count=%d", got)
	}
	free, _, _, _ := h.slotCounts()
	if free != 16 {
		t.Errorf("Freed in-flight buffer leaked slots: free=%d", free)
	}
}

func TestRecordingStateViolations(t *testing.T) {
	h := newHarness(t, Config{SlotsPerDevice: 16})

	// Regions require a recording buffer.
	if err := h.st.CommandBuffers.OpenRegion(h.cb, "x"); KindOf(err) != KindContractViolation {
		t.Errorf("Expected violation opening region on initial buffer, got %v", err)
	}

	// Begin on a recording buffer is a violation, but tracking recovers.
	if err := h.st.CommandBuffers.OnBeginRecording(h.cb); err != nil {
		t.Fatal(err)
	}
	if err := h.st.CommandBuffers.OnBeginRecording(h.cb); KindOf(err) != KindContractViolation {
		t.Errorf("Expected violation re-beginning recording buffer, got %v", err)
	}
	if err := h.st.CommandBuffers.OnEndRecording(h.cb); err != nil {
		t.Fatalf("Recovery after double begin failed: %v", err)
	}

	// Submitting a buffer that was never ended.
	h2 := newHarness(t, Config{SlotsPerDevice: 16})
	if err := h2.st.CommandBuffers.OnBeginRecording(h2.cb); err != nil {
		t.Fatal(err)
	}
	if err := h2.submit(); KindOf(err) != KindContractViolation {
		t.Errorf("Expected violation submitting recording buffer, got %v", err)
	}
}

func TestQueueRegistry(t *testing.T) {
	h := newHarness(t, Config{SlotsPerDevice: 16})

	// Same pair again is a no-op.
	if err := h.st.RegisterQueue(h.queue, h.dev); err != nil {
		t.Errorf("Re-registering same pair failed: %v", err)
	}

	// Second device claiming the queue is rejected, first owner kept.
	dev2 := vkapi.Device(h.driver.NewHandle())
	if err := h.st.OnCreateDevice(dev2, h.driver); err != nil {
		t.Fatal(err)
	}
	if err := h.st.RegisterQueue(h.queue, dev2); KindOf(err) != KindContractViolation {
		t.Errorf("Expected violation re-registering queue to another device, got %v", err)
	}
	owner, err := h.st.Queues.DeviceOf(h.queue)
	if err != nil || owner != h.dev {
		t.Errorf("Queue owner changed: %v, %v", owner, err)
	}

	// Registering to an untracked device fails.
	if err := h.st.RegisterQueue(vkapi.Queue(h.driver.NewHandle()), vkapi.Device(0xdead)); KindOf(err) != KindNotFound {
		t.Errorf("Expected not-found for untracked device, got %v", err)
	}
}

func TestDeviceLifecycle(t *testing.T) {
	h := newHarness(t, Config{SlotsPerDevice: 16})

	if got := h.st.TrackedDevices(); got != 1 {
		t.Fatalf("TrackedDevices = %d", got)
	}
	// Duplicate creation is reported but the new state wins.
	if err := h.st.OnCreateDevice(h.dev, h.driver); KindOf(err) != KindContractViolation {
		t.Errorf("Expected violation for duplicate device creation, got %v", err)
	}
	if got := h.st.TrackedDevices(); got != 1 {
		t.Errorf("TrackedDevices after duplicate = %d", got)
	}

	if err := h.st.OnDestroyDevice(h.dev); err != nil {
		t.Fatalf("OnDestroyDevice failed: %v", err)
	}
	if got := h.st.TrackedDevices(); got != 0 {
		t.Errorf("TrackedDevices after destroy = %d", got)
	}
	if got := h.st.Queues.Count(); got != 0 {
		t.Errorf("Queues survived device destruction: %d", got)
	}
	if got := h.st.CommandBuffers.Count(); got != 0 {
		t.Errorf("Command buffers survived device destruction: %d", got)
	}
	if err := h.st.OnDestroyDevice(h.dev); KindOf(err) != KindNotFound {
		t.Errorf("Expected not-found destroying device twice, got %v", err)
	}
}

func TestResetPool(t *testing.T) {
	h := newHarness(t, Config{SlotsPerDevice: 16})

	cb2 := vkapi.CommandBuffer(h.driver.NewHandle())
	otherPool := vkapi.CommandPool(h.driver.NewHandle())
	if err := h.st.CommandBuffers.OnAllocate(h.dev, otherPool, []vkapi.CommandBuffer{cb2}); err != nil {
		t.Fatal(err)
	}

	h.record("pass")
	if err := h.st.CommandBuffers.OnResetPool(h.dev, h.cpool); err != nil {
		t.Fatalf("OnResetPool failed: %v", err)
	}
	free, _, _, _ := h.slotCounts()
	if free != 16 {
		t.Errorf("Pool reset leaked slots: free=%d", free)
	}
	// The executable buffer went back to initial, so submitting is now a
	// violation.
	if err := h.submit(); KindOf(err) != KindContractViolation {
		t.Errorf("Expected violation submitting pool-reset buffer, got %v", err)
	}
}

func TestMultiBufferSubmission(t *testing.T) {
	h := newHarness(t, Config{SlotsPerDevice: 16})
	cb2 := vkapi.CommandBuffer(h.driver.NewHandle())
	if err := h.st.CommandBuffers.OnAllocate(h.dev, h.cpool, []vkapi.CommandBuffer{cb2}); err != nil {
		t.Fatal(err)
	}

	record := func(cb vkapi.CommandBuffer, label string) {
		h.driver.ResetCommandBuffer(cb)
		if err := h.st.CommandBuffers.OnBeginRecording(cb); err != nil {
			t.Fatal(err)
		}
		if err := h.st.CommandBuffers.OpenRegion(cb, label); err != nil {
			t.Fatal(err)
		}
		if err := h.st.CommandBuffers.CloseRegion(cb); err != nil {
			t.Fatal(err)
		}
		if err := h.st.CommandBuffers.OnEndRecording(cb); err != nil {
			t.Fatal(err)
		}
	}
	record(h.cb, "first")
	record(cb2, "second")

	token := h.st.PreSubmit(h.queue)
	h.driver.Submit(h.cb, cb2)
	submits := []vkapi.SubmitInfo{{CommandBuffers: []vkapi.CommandBuffer{h.cb, cb2}}}
	if err := h.st.PostSubmit(h.queue, submits, 0, token); err != nil {
		t.Fatalf("PostSubmit failed: %v", err)
	}
	if err := h.st.Drain(h.dev); err != nil {
		t.Fatal(err)
	}

	evs := h.sink.all()
	if len(evs) != 2 {
		t.Fatalf("Expected 2 events from batch, got %d", len(evs))
	}
	if evs[0].SubmittedNs != evs[1].SubmittedNs {
		t.Errorf("Batch events carry different submit times: %d vs %d",
			evs[0].SubmittedNs, evs[1].SubmittedNs)
	}
}

func TestStaleAllocationReplaced(t *testing.T) {
	h := newHarness(t, Config{SlotsPerDevice: 16})

	// Same handle allocated again without a free in between.
	err := h.st.CommandBuffers.OnAllocate(h.dev, h.cpool, []vkapi.CommandBuffer{h.cb})
	if KindOf(err) != KindContractViolation {
		t.Fatalf("Expected violation for stale reallocation, got %v", err)
	}
	// The fresh entry is usable.
	h.record("pass")
	if err := h.submit(); err != nil {
		t.Fatalf("submit after reallocation failed: %v", err)
	}
}
