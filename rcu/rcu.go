// Package rcu is a small epoch-based deferred-reclaim mechanism: the
// generalization of "free this only after every CPU has stopped looking
// at it" (needed by shadow-chain collapse, which unlinks a vm_object
// while concurrent faulters may still hold a pointer to it) into a
// reusable primitive, grounded on the same read-side/grace-period split
// golang.org/x/sync's semaphore-backed readers use to bound concurrent
// access, adapted here to epoch counting instead of admission control.
package rcu

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

/// Domain is one RCU domain: a generation counter plus a set of
/// currently-active read-side critical sections, per generation.
type Domain struct {
	mu        sync.Mutex
	gen       uint64
	active    map[uint64]int64
	callbacks map[uint64][]func()
}

/// NewDomain constructs an empty RCU domain starting at generation 0.
func NewDomain() *Domain {
	return &Domain{
		active:    map[uint64]int64{0: 0},
		callbacks: map[uint64][]func(){},
	}
}

/// ReadGuard marks entry into a read-side critical section; Done must
/// be called exactly once to mark exit.
type ReadGuard struct {
	d   *Domain
	gen uint64
}

/// Read enters a read-side critical section. Callers must never block
/// or allocate across a held ReadGuard the way a real RCU reader never
/// sleeps.
func (d *Domain) Read() ReadGuard {
	d.mu.Lock()
	g := d.gen
	d.active[g]++
	d.mu.Unlock()
	return ReadGuard{d: d, gen: g}
}

/// Done exits the read-side critical section, running any callbacks
/// whose grace period this was the last reader for.
func (rg ReadGuard) Done() {
	d := rg.d
	d.mu.Lock()
	d.active[rg.gen]--
	var ready []func()
	if d.active[rg.gen] == 0 && rg.gen < d.gen {
		ready = d.callbacks[rg.gen]
		delete(d.callbacks, rg.gen)
		delete(d.active, rg.gen)
	}
	d.mu.Unlock()
	// Multiple grace periods can end up ready at once (a burst of
	// CallRCU calls whose last reader exits together); fan them out
	// concurrently rather than serializing what are, by construction,
	// independent teardown callbacks.
	var g errgroup.Group
	for _, cb := range ready {
		cb := cb
		g.Go(func() error {
			cb()
			return nil
		})
	}
	g.Wait()
}

/// CallRCU registers cb to run once every reader that entered before
/// this call has called Done -- the equivalent of call_rcu(), used by
/// shadow-chain collapse to defer freeing an unlinked shadow object
/// until no concurrent fault path can still observe it.
func (d *Domain) CallRCU(cb func()) {
	d.mu.Lock()
	g := d.gen
	d.gen++
	d.active[d.gen] = 0
	if d.active[g] == 0 {
		d.mu.Unlock()
		cb()
		return
	}
	d.callbacks[g] = append(d.callbacks[g], cb)
	d.mu.Unlock()
}

/// Synchronize blocks until every reader active at the time of the call
/// has exited, the equivalent of synchronize_rcu().
func (d *Domain) Synchronize() {
	done := make(chan struct{})
	d.CallRCU(func() { close(done) })
	<-done
}

/// pinnedEpoch lets a long-lived background worker (kswapd, the vmalloc
/// purge thread) record the oldest generation it still cares about,
/// purely for diagnostics -- not required for correctness.
var pinnedEpoch atomic.Uint64

/// PinEpoch records the calling worker's current epoch for diagnostics.
func PinEpoch(g uint64) {
	pinnedEpoch.Store(g)
}
