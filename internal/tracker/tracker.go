// Package tracker is the state-tracking and timestamp-correlation core of the
// capture layer. It maintains, per logical device, the timestamp query slot
// pool, the command buffer lifecycle table and the queue-to-device registry,
// and turns completed submissions into wall-clock-correlated timed events.
//
// Everything runs inline on the intercepted application's threads; the
// package starts no goroutines of its own. Errors returned by tracker
// operations classify what went wrong (see Kind) and are reporting-only: the
// hook layer logs them and lets the intercepted call proceed untouched.
package tracker

import (
	"fmt"
	"time"

	"github.com/phuslu/log"

	"vkcapture/internal/events"
	"vkcapture/internal/logger"
	"vkcapture/internal/maps"
	"vkcapture/internal/vkapi"
)

// Config holds the tunables of the capture core.
type Config struct {
	// SlotsPerDevice is the capacity of the per-device timestamp query pool.
	// Two slots are consumed per instrumented region per recording.
	SlotsPerDevice uint32

	// CalibrationInterval bounds GPU/CPU clock drift: Drain re-samples the
	// calibrated clock once the previous sample is older than this.
	CalibrationInterval time.Duration
}

const (
	defaultSlotsPerDevice      = 16384
	defaultCalibrationInterval = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.SlotsPerDevice == 0 {
		c.SlotsPerDevice = defaultSlotsPerDevice
	}
	if c.CalibrationInterval <= 0 {
		c.CalibrationInterval = defaultCalibrationInterval
	}
	return c
}

// StateTracker is the lifetime-scoped context object owning all capture
// state. It is constructed at layer load and torn down with Close at layer
// unload; hooks receive it explicitly instead of reaching through a global.
type StateTracker struct {
	cfg  Config
	sink events.Sink

	Queues         *QueueRegistry
	CommandBuffers *CommandBufferTracker

	devices maps.ConcurrentMap[vkapi.Device, *deviceState]
	stats   Stats
	log     log.Logger
}

// New creates a StateTracker emitting into sink.
func New(cfg Config, sink events.Sink) *StateTracker {
	t := &StateTracker{
		cfg:            cfg.withDefaults(),
		sink:           sink,
		Queues:         NewQueueRegistry(),
		CommandBuffers: newCommandBufferTracker(),
		devices:        maps.New[vkapi.Device, *deviceState](),
		log:            logger.NewLoggerWithContext("state_tracker"),
	}
	t.CommandBuffers.setStateTracker(t)
	return t
}

// Stats returns the tracker's counters for the metrics collector.
func (t *StateTracker) Stats() *Stats { return &t.stats }

func (t *StateTracker) device(dev vkapi.Device) (*deviceState, error) {
	ds, ok := t.devices.Load(dev)
	if !ok {
		return nil, notFoundf("StateTracker.device", "device 0x%x not tracked", dev)
	}
	return ds, nil
}

// OnCreateDevice provisions the per-device capture state: the backing driver
// query pool, the slot pool over it, and the first clock calibration sample.
func (t *StateTracker) OnCreateDevice(dev vkapi.Device, disp vkapi.DeviceDispatch) error {
	props := disp.Properties(dev)
	backing, res := disp.CreateQueryPool(dev, t.cfg.SlotsPerDevice)
	if !res.Ok() {
		return fmt.Errorf("creating timestamp query pool for device 0x%x: %s", dev, res)
	}
	disp.ResetQueryPool(dev, backing, 0, t.cfg.SlotsPerDevice)

	ds := &deviceState{
		handle: dev,
		disp:   disp,
		props:  props,
		pool:   NewSlotPool(dev, backing, disp, t.cfg.SlotsPerDevice),
		clock:  newCalibratedClock(props),
	}
	if err := ds.clock.Calibrate(disp, dev); err != nil {
		disp.DestroyQueryPool(dev, backing)
		return fmt.Errorf("device 0x%x: %w", dev, err)
	}

	var verr error
	if _, dup := t.devices.Load(dev); dup {
		verr = violationf("StateTracker.OnCreateDevice", "device 0x%x created twice", dev)
	}
	t.devices.Store(dev, ds)
	t.log.Debug().
		Uint64("device", uint64(dev)).
		Uint32("slots", t.cfg.SlotsPerDevice).
		Float64("timestamp_period_ns", props.TimestampPeriod).
		Msg("Device registered for capture")
	return verr
}

// OnDestroyDevice tears down everything owned for the device: tracked
// command buffers, queue associations and the backing query pool.
func (t *StateTracker) OnDestroyDevice(dev vkapi.Device) error {
	ds, ok := t.devices.LoadAndDelete(dev)
	if !ok {
		return notFoundf("StateTracker.OnDestroyDevice", "device 0x%x not tracked", dev)
	}
	t.CommandBuffers.dropDevice(ds)
	t.Queues.Forget(dev)
	ds.disp.DestroyQueryPool(dev, ds.pool.Backing())
	t.log.Debug().Uint64("device", uint64(dev)).Msg("Device capture state destroyed")
	return nil
}

// RegisterQueue records the queue-to-device association discovered on a
// get-queue call.
func (t *StateTracker) RegisterQueue(queue vkapi.Queue, dev vkapi.Device) error {
	if _, err := t.device(dev); err != nil {
		return err
	}
	return t.Queues.Register(queue, dev)
}

// TrackedDevices returns the number of devices currently tracked.
func (t *StateTracker) TrackedDevices() int {
	n := 0
	t.devices.Range(func(vkapi.Device, *deviceState) bool {
		n++
		return true
	})
	return n
}

// RangeDeviceSlots calls f with a snapshot of each device's slot state
// counts. Used by the metrics collector.
func (t *StateTracker) RangeDeviceSlots(f func(dev vkapi.Device, free, reserved, pending, ready int) bool) {
	t.devices.Range(func(dev vkapi.Device, ds *deviceState) bool {
		free, reserved, pending, ready := ds.pool.Counts()
		return f(dev, free, reserved, pending, ready)
	})
}

// Close tears down all remaining device state at layer unload.
func (t *StateTracker) Close() {
	t.devices.Range(func(dev vkapi.Device, _ *deviceState) bool {
		_ = t.OnDestroyDevice(dev)
		return true
	})
}
