// Package capturestats exposes the capture core's counters and slot pool
// occupancy as Prometheus metrics.
package capturestats

import (
	"strconv"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"

	"vkcapture/internal/events"
	"vkcapture/internal/logger"
	"vkcapture/internal/tracker"
	"vkcapture/internal/vkapi"
)

// CaptureCollector implements prometheus.Collector over the state tracker.
// All values are read from the tracker's atomic counters and from per-device
// snapshots at scrape time; the collector keeps no state of its own and never
// touches the capture hot path.
type CaptureCollector struct {
	tracker *tracker.StateTracker
	sink    *events.BufferedSink
	log     log.Logger

	eventsEmittedDesc   *prometheus.Desc
	eventsDroppedDesc   *prometheus.Desc
	submissionsDesc     *prometheus.Desc
	drainsDesc          *prometheus.Desc
	violationsDesc      *prometheus.Desc
	regionsDegradedDesc *prometheus.Desc
	slotReadBacksDesc   *prometheus.Desc
	recalibrationsDesc  *prometheus.Desc
	querySlotsDesc      *prometheus.Desc
	trackedBuffersDesc  *prometheus.Desc
	trackedQueuesDesc   *prometheus.Desc
	trackedDevicesDesc  *prometheus.Desc
}

// NewCaptureCollector creates a collector over the given tracker. sink may be
// nil when no buffered sink is in use; the drop counter is then omitted.
func NewCaptureCollector(t *tracker.StateTracker, sink *events.BufferedSink) *CaptureCollector {
	c := &CaptureCollector{
		tracker: t,
		sink:    sink,
		log:     logger.NewLoggerWithContext("capture_collector"),
	}

	c.eventsEmittedDesc = prometheus.NewDesc(
		"vkcapture_timed_events_total",
		"Total timed events emitted to the sink.",
		nil, nil)
	c.eventsDroppedDesc = prometheus.NewDesc(
		"vkcapture_timed_events_dropped_total",
		"Total timed events dropped because the sink buffer was full.",
		nil, nil)
	c.submissionsDesc = prometheus.NewDesc(
		"vkcapture_submissions_total",
		"Total queue submissions observed.",
		nil, nil)
	c.drainsDesc = prometheus.NewDesc(
		"vkcapture_drains_total",
		"Total completion drain passes.",
		nil, nil)
	c.violationsDesc = prometheus.NewDesc(
		"vkcapture_contract_violations_total",
		"Total API contract violations detected in the intercepted call stream.",
		nil, nil)
	c.regionsDegradedDesc = prometheus.NewDesc(
		"vkcapture_regions_degraded_total",
		"Total regions that could not be timed (slot exhaustion or unbalanced labels).",
		nil, nil)
	c.slotReadBacksDesc = prometheus.NewDesc(
		"vkcapture_slot_readbacks_total",
		"Total timestamp query slots read back from the driver.",
		nil, nil)
	c.recalibrationsDesc = prometheus.NewDesc(
		"vkcapture_clock_recalibrations_total",
		"Total successful GPU/CPU clock recalibrations after the initial sample.",
		nil, nil)
	c.querySlotsDesc = prometheus.NewDesc(
		"vkcapture_query_slots",
		"Timestamp query slots by device and lifecycle state.",
		[]string{"device", "state"}, nil)
	c.trackedBuffersDesc = prometheus.NewDesc(
		"vkcapture_tracked_command_buffers",
		"Command buffers currently tracked.",
		nil, nil)
	c.trackedQueuesDesc = prometheus.NewDesc(
		"vkcapture_tracked_queues",
		"Queues with a known device association.",
		nil, nil)
	c.trackedDevicesDesc = prometheus.NewDesc(
		"vkcapture_tracked_devices",
		"Devices currently tracked.",
		nil, nil)

	return c
}

// Describe implements prometheus.Collector.
func (c *CaptureCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.eventsEmittedDesc
	if c.sink != nil {
		ch <- c.eventsDroppedDesc
	}
	ch <- c.submissionsDesc
	ch <- c.drainsDesc
	ch <- c.violationsDesc
	ch <- c.regionsDegradedDesc
	ch <- c.slotReadBacksDesc
	ch <- c.recalibrationsDesc
	ch <- c.querySlotsDesc
	ch <- c.trackedBuffersDesc
	ch <- c.trackedQueuesDesc
	ch <- c.trackedDevicesDesc
}

// Collect implements prometheus.Collector.
func (c *CaptureCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.tracker.Stats()

	ch <- prometheus.MustNewConstMetric(c.eventsEmittedDesc,
		prometheus.CounterValue, float64(stats.EventsEmitted.Load()))
	if c.sink != nil {
		ch <- prometheus.MustNewConstMetric(c.eventsDroppedDesc,
			prometheus.CounterValue, float64(c.sink.Dropped()))
	}
	ch <- prometheus.MustNewConstMetric(c.submissionsDesc,
		prometheus.CounterValue, float64(stats.Submissions.Load()))
	ch <- prometheus.MustNewConstMetric(c.drainsDesc,
		prometheus.CounterValue, float64(stats.Drains.Load()))
	ch <- prometheus.MustNewConstMetric(c.violationsDesc,
		prometheus.CounterValue, float64(stats.ContractViolations.Load()))
	ch <- prometheus.MustNewConstMetric(c.regionsDegradedDesc,
		prometheus.CounterValue, float64(stats.RegionsDegraded.Load()))
	ch <- prometheus.MustNewConstMetric(c.slotReadBacksDesc,
		prometheus.CounterValue, float64(stats.SlotReadBacks.Load()))
	ch <- prometheus.MustNewConstMetric(c.recalibrationsDesc,
		prometheus.CounterValue, float64(stats.Recalibrations.Load()))

	c.tracker.RangeDeviceSlots(func(dev vkapi.Device, free, reserved, pending, ready int) bool {
		devLabel := "0x" + strconv.FormatUint(uint64(dev), 16)
		for _, s := range []struct {
			state string
			count int
		}{
			{"free", free},
			{"reserved", reserved},
			{"pending", pending},
			{"ready", ready},
		} {
			ch <- prometheus.MustNewConstMetric(c.querySlotsDesc,
				prometheus.GaugeValue, float64(s.count), devLabel, s.state)
		}
		return true
	})

	ch <- prometheus.MustNewConstMetric(c.trackedBuffersDesc,
		prometheus.GaugeValue, float64(c.tracker.CommandBuffers.Count()))
	ch <- prometheus.MustNewConstMetric(c.trackedQueuesDesc,
		prometheus.GaugeValue, float64(c.tracker.Queues.Count()))
	ch <- prometheus.MustNewConstMetric(c.trackedDevicesDesc,
		prometheus.GaugeValue, float64(c.tracker.TrackedDevices()))

	c.log.Debug().Msg("Collected capture metrics")
}
