package tracker

import "sync/atomic"

// Stats aggregates hot-path counters for the capture core. All fields are
// atomics updated inline on the intercepted calls; the metrics collector
// reads them on scrape.
type Stats struct {
	Submissions        atomic.Uint64
	Drains             atomic.Uint64
	EventsEmitted      atomic.Uint64
	RegionsDegraded    atomic.Uint64
	ContractViolations atomic.Uint64
	SlotReadBacks      atomic.Uint64
	Recalibrations     atomic.Uint64
}
