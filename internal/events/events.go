// Package events defines the timed-event record the capture core produces and
// the sink boundary it hands events across. Transport and serialization of
// events to the collector process live behind the Sink interface, outside
// this module.
package events

import (
	"sync/atomic"

	"vkcapture/internal/vkapi"
)

// TimedEvent is one completed, wall-clock-correlated GPU region. Immutable
// once emitted; ownership transfers to the sink.
type TimedEvent struct {
	// Label is the region identifier the application supplied via a debug
	// label when recording the command buffer.
	Label string

	Device vkapi.Device
	Queue  vkapi.Queue

	// BeginNs and EndNs are wall-clock nanoseconds since the Unix epoch,
	// converted from GPU ticks with the device's calibrated clock offset.
	// BeginNs <= EndNs always holds.
	BeginNs int64
	EndNs   int64

	// SubmittedNs is the CPU-side wall-clock time captured immediately
	// before the submission carrying this region was forwarded to the
	// driver, correlating the GPU span with the CPU call that issued it.
	SubmittedNs int64

	// Generation is the submission generation of the command buffer the
	// region was recorded in, distinguishing successive submissions.
	Generation uint64
}

// DurationNs returns the GPU-side duration of the region.
func (e TimedEvent) DurationNs() int64 { return e.EndNs - e.BeginNs }

// Sink receives emitted events. Emit is fire-and-forget and must not block
// the calling thread beyond bounded buffering; it is called inline from
// intercepted API calls.
type Sink interface {
	Emit(TimedEvent)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(TimedEvent)

func (f SinkFunc) Emit(e TimedEvent) { f(e) }

// BufferedSink decouples the capture hot path from the event consumer with a
// fixed-size channel. When the consumer falls behind, Emit drops the event
// and counts the drop instead of blocking the intercepted call.
type BufferedSink struct {
	ch      chan TimedEvent
	dropped atomic.Uint64
}

// NewBufferedSink creates a sink buffering up to size events.
func NewBufferedSink(size int) *BufferedSink {
	return &BufferedSink{ch: make(chan TimedEvent, size)}
}

// Emit enqueues the event if buffer space is available, otherwise drops it.
func (s *BufferedSink) Emit(e TimedEvent) {
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Events returns the channel the consumer reads emitted events from.
func (s *BufferedSink) Events() <-chan TimedEvent { return s.ch }

// Dropped returns the number of events discarded due to a full buffer.
func (s *BufferedSink) Dropped() uint64 { return s.dropped.Load() }

// Close closes the event channel. Emit must not be called after Close.
func (s *BufferedSink) Close() { close(s.ch) }
