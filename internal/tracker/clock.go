package tracker

import (
	"fmt"
	"time"

	"vkcapture/internal/vkapi"
)

// CalibratedClock converts raw GPU timestamp ticks to wall-clock nanoseconds
// using a simultaneous CPU/GPU sample taken through the driver. The offset is
// established at device creation and refreshed opportunistically during Drain
// to bound clock drift; conversion itself is monotonic in the tick value.
type CalibratedClock struct {
	period    float64
	validMask uint64

	offsetNs     int64
	maxDeviation uint64
	calibratedAt time.Time
}

func newCalibratedClock(props vkapi.DeviceProperties) CalibratedClock {
	return CalibratedClock{
		period:    props.TimestampPeriod,
		validMask: props.ValidMask(),
	}
}

// Calibrate samples GPU and CPU clocks through the dispatch table and derives
// the tick-to-wall-clock offset.
func (c *CalibratedClock) Calibrate(disp vkapi.DeviceDispatch, device vkapi.Device) error {
	gpuTicks, cpuNanos, maxDeviation, res := disp.CalibratedTimestamps(device)
	if !res.Ok() {
		return fmt.Errorf("calibrated timestamp sample failed: %s", res)
	}
	c.offsetNs = int64(cpuNanos) - int64(float64(gpuTicks&c.validMask)*c.period)
	c.maxDeviation = maxDeviation
	c.calibratedAt = time.Now()
	return nil
}

// ToWallClock maps a raw GPU tick value to wall-clock nanoseconds since the
// Unix epoch.
func (c *CalibratedClock) ToWallClock(tick uint64) int64 {
	return c.offsetNs + int64(float64(tick&c.validMask)*c.period)
}

// ToWallClockRange converts a begin/end tick pair, correcting a single
// wraparound of the valid timestamp bits between the two samples so that
// begin <= end holds for the returned pair.
func (c *CalibratedClock) ToWallClockRange(beginTick, endTick uint64) (int64, int64) {
	b := beginTick & c.validMask
	e := endTick & c.validMask
	if e < b {
		e += c.validMask + 1
	}
	return c.offsetNs + int64(float64(b)*c.period), c.offsetNs + int64(float64(e)*c.period)
}

// Age returns the time since the last calibration sample.
func (c *CalibratedClock) Age() time.Duration {
	return time.Since(c.calibratedAt)
}
