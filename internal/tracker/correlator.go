package tracker

import (
	"errors"
	"time"

	"vkcapture/internal/events"
	"vkcapture/internal/vkapi"
)

// SubmitToken is the opaque correlation data captured before a submit is
// forwarded and handed back after it returns.
type SubmitToken struct {
	// CPUNanos is wall-clock nanoseconds sampled immediately before the
	// driver saw the submission.
	CPUNanos int64
}

// PreSubmit snapshots the CPU clock for the submission about to be
// forwarded. It must stay this cheap: it runs on the application's
// submission path before every queue submit.
func (t *StateTracker) PreSubmit(vkapi.Queue) SubmitToken {
	return SubmitToken{CPUNanos: time.Now().UnixNano()}
}

// PostSubmit transitions every command buffer of the batch to Pending and
// queues the submission for completion polling. Buffers that fail the
// transition (violations) are reported and excluded; the rest of the batch
// is still tracked.
func (t *StateTracker) PostSubmit(queue vkapi.Queue, submits []vkapi.SubmitInfo, fence vkapi.Fence, token SubmitToken) error {
	dev, err := t.Queues.DeviceOf(queue)
	if err != nil {
		return err
	}
	ds, err := t.device(dev)
	if err != nil {
		return err
	}

	sub := &submission{queue: queue, cpuSubmitNs: token.CPUNanos, fence: fence}
	var errs []error
	for _, si := range submits {
		for _, h := range si.CommandBuffers {
			entry, err := t.CommandBuffers.submit(h)
			if err != nil {
				errs = append(errs, err)
			}
			if entry.cb != nil {
				sub.entries = append(sub.entries, entry)
			}
		}
	}
	if len(sub.entries) > 0 {
		ds.mu.Lock()
		ds.inFlight = append(ds.inFlight, sub)
		ds.mu.Unlock()
	}
	t.stats.Submissions.Add(1)
	return errors.Join(errs...)
}

// Drain reaps completed submissions of the device: it polls the query
// availability of every in-flight submission without waiting, observes
// completion on the command buffers whose results arrived, reads their
// timestamps back, converts them to wall-clock time and emits one TimedEvent
// per region. A region's slots are released right after read-back, so a
// repeated Drain can never emit it again.
//
// Completion detection deliberately uses the availability bit of the
// layer-owned query slots rather than the submission fence: the fence is
// application-owned and may never be signaled, be reset early, or not exist.
func (t *StateTracker) Drain(device vkapi.Device) error {
	ds, err := t.device(device)
	if err != nil {
		return err
	}
	t.stats.Drains.Add(1)

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.clock.Age() > t.cfg.CalibrationInterval {
		if err := ds.clock.Calibrate(ds.disp, ds.handle); err != nil {
			// Keep converting with the previous sample.
			t.log.Warn().Err(err).Uint64("device", uint64(device)).Msg("Clock recalibration failed")
		} else {
			t.stats.Recalibrations.Add(1)
		}
	}

	var errs []error
	remaining := ds.inFlight[:0]
	for _, sub := range ds.inFlight {
		// Drop entries whose buffer was reset or freed out from under the
		// submission (already reported as a violation at that point).
		live := sub.entries[:0]
		for _, e := range sub.entries {
			if e.cb.state == BufPending && e.cb.generation == e.generation {
				live = append(live, e)
			}
		}
		sub.entries = live
		if len(sub.entries) == 0 {
			continue
		}

		complete := true
		for _, e := range sub.entries {
			if !ds.pool.Available(e.endSlots) {
				complete = false
				break
			}
		}
		if !complete {
			remaining = append(remaining, sub)
			continue
		}

		for _, e := range sub.entries {
			if err := t.CommandBuffers.observeCompletionLocked(e.cb); err != nil {
				errs = append(errs, err)
				continue
			}
			if err := t.emitLocked(ds, sub, e); err != nil {
				errs = append(errs, err)
			}
		}
	}
	ds.inFlight = remaining
	return errors.Join(errs...)
}

// emitLocked reads back and emits every completed region of one submission
// entry. Caller holds the device lock.
func (t *StateTracker) emitLocked(ds *deviceState, sub *submission, e submissionEntry) error {
	var errs []error
	for _, r := range e.cb.regions {
		if r.degraded || r.consumed || r.open {
			continue
		}
		ticks, err := ds.pool.ReadBack([]uint32{r.beginSlot, r.endSlot})
		if err != nil {
			// Recover the slots rather than leaking them as Ready forever.
			errs = append(errs, err)
			r.degraded = true
			if rerr := ds.pool.Release(r.beginSlot, r.endSlot); rerr != nil {
				errs = append(errs, rerr)
			}
			continue
		}
		t.stats.SlotReadBacks.Add(2)

		beginNs, endNs := ds.clock.ToWallClockRange(ticks[0], ticks[1])
		t.sink.Emit(events.TimedEvent{
			Label:       r.label,
			Device:      ds.handle,
			Queue:       sub.queue,
			BeginNs:     beginNs,
			EndNs:       endNs,
			SubmittedNs: sub.cpuSubmitNs,
			Generation:  e.generation,
		})
		t.stats.EventsEmitted.Add(1)

		r.consumed = true
		if err := ds.pool.Release(r.beginSlot, r.endSlot); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
