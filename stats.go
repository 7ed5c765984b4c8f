package bufsched

import "sync/atomic"

// Stats is a read-only snapshot of scheduler activity counters, grounded
// on the teacher's buffer_pool/stats.go. Unlike the teacher's
// BufferPoolStats it never feeds back into scheduler behavior — there is
// no auto-tuning loop here, only observation (SPEC_FULL.md §4.5).
type Stats struct {
	Allocs      uint64
	Frees       uint64
	Swapins     uint64
	Evictions   uint64
	GrowEvents  uint64
	ShrinkEvents uint64
}

type statCounters struct {
	allocs       uint64
	frees        uint64
	swapins      uint64
	evictions    uint64
	growEvents   uint64
	shrinkEvents uint64
}

func (c *statCounters) snapshot() Stats {
	return Stats{
		Allocs:       atomic.LoadUint64(&c.allocs),
		Frees:        atomic.LoadUint64(&c.frees),
		Swapins:      atomic.LoadUint64(&c.swapins),
		Evictions:    atomic.LoadUint64(&c.evictions),
		GrowEvents:   atomic.LoadUint64(&c.growEvents),
		ShrinkEvents: atomic.LoadUint64(&c.shrinkEvents),
	}
}
