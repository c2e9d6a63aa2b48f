// Package accnt accumulates per-CPU time accounting for the allocator
// fastpath versus the direct-reclaim slowpath (§4.A), the memory-domain
// repurposing of the teacher's Accnt_t (accnt/accnt.go, originally
// per-process user/system CPU time): the same "two nanosecond counters
// plus a lock for consistent snapshots" shape, now measuring where an
// allocation spent its time instead of where a process did.
package accnt

import (
	"sync"
	"sync/atomic"
)

/// Accnt_t accumulates fastpath and slowpath nanoseconds for one
/// allocator (or one of its per-CPU shards). The embedded mutex lets
/// Fetch/Add take a consistent snapshot the way the teacher's rusage
/// export needed one.
type Accnt_t struct {
	/// FastNs is nanoseconds spent in the PCP/per-CPU-slab fastpath.
	FastNs int64
	/// SlowNs is nanoseconds spent in direct reclaim or a zone lock
	/// contended slowpath.
	SlowNs int64

	sync.Mutex
}

/// FastAdd adds delta nanoseconds to the fastpath counter.
func (a *Accnt_t) FastAdd(delta int64) {
	atomic.AddInt64(&a.FastNs, delta)
}

/// SlowAdd adds delta nanoseconds to the slowpath counter.
func (a *Accnt_t) SlowAdd(delta int64) {
	atomic.AddInt64(&a.SlowNs, delta)
}

/// Add merges another record's counters into this one, taking this
/// record's lock for the duration.
func (a *Accnt_t) Add(n *Accnt_t) {
	a.Lock()
	a.FastNs += atomic.LoadInt64(&n.FastNs)
	a.SlowNs += atomic.LoadInt64(&n.SlowNs)
	a.Unlock()
}

/// Snapshot is a point-in-time, lock-consistent copy of the counters.
type Snapshot struct {
	FastNs int64
	SlowNs int64
}

/// Fetch returns a consistent snapshot of the accounting data.
func (a *Accnt_t) Fetch() Snapshot {
	a.Lock()
	defer a.Unlock()
	return Snapshot{FastNs: a.FastNs, SlowNs: a.SlowNs}
}

/// SlowFraction reports the fraction (0..1) of total accounted time
/// spent on the slowpath, 0 if nothing has been recorded yet -- the
/// single number a shrinker-pressure heuristic or a metrics exporter
/// most wants from this type.
func (s Snapshot) SlowFraction() float64 {
	total := s.FastNs + s.SlowNs
	if total == 0 {
		return 0
	}
	return float64(s.SlowNs) / float64(total)
}
