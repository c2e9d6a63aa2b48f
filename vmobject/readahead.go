package vmobject

import (
	"context"

	"github.com/assembler-0/AeroSync-sub002/config"
)

// readaheadState tracks one vm_object's sequential-access detector and
// adaptive prefetch window (§4.D "adaptive readahead"), the generalized
// form of vm/as.go's fixed-size prefetch: a run of faults at
// consecutive ascending indices grows the window geometrically up to
// ReadaheadMaxPages; any non-sequential fault resets it to
// ReadaheadInitialPages.
type readaheadState struct {
	lastIndex uint64
	hasLast   bool
	window    int
	initial   int
	max       int

	// thrash counts refaults on a recently evicted page (§3 "thrash
	// counter"): each workingset-shadow hit in faultVnode bumps it,
	// giving a cheap signal that reclaim is evicting pages this object
	// is still actively using.
	thrash int
}

// recordRefault bumps the thrash counter; distance (the number of
// evictions that happened between this index's reclaim and its refault)
// is accepted for callers that want to log or export it even though this
// minimal accounting only tracks the count, not a distance histogram.
func (o *Object) recordRefault(distance uint64) {
	o.mu.Lock()
	o.ra.thrash++
	o.mu.Unlock()
}

func newReadaheadState(t *config.Tunables) readaheadState {
	return readaheadState{
		window:  t.ReadaheadInitialPages,
		initial: t.ReadaheadInitialPages,
		max:     t.ReadaheadMaxPages,
	}
}

// maybeReadahead is called after a fault at index resolves, deciding
// whether to prefetch the next window of pages from o.source. Anonymous
// objects have no backing source and this is a no-op for them;
// faultDevice never calls it.
// Callers hold o.mu already released by the time this runs its own
// locking, matching the rest of the object's lock discipline.
func (o *Object) maybeReadahead(index uint64) {
	if o.source == nil {
		return
	}
	o.mu.Lock()
	sequential := o.ra.hasLast && index == o.ra.lastIndex+1
	if sequential {
		o.ra.window *= 2
		if o.ra.window > o.ra.max {
			o.ra.window = o.ra.max
		}
	} else {
		o.ra.window = o.ra.initial
	}
	o.ra.lastIndex = index
	o.ra.hasLast = true
	window := o.ra.window
	o.mu.Unlock()

	if !sequential {
		return
	}
	o.prefetch(index+1, window)
}

// prefetch reads in up to n pages starting at index, stopping at the
// object's size or the first index already resident, without blocking
// the caller's own fault on any one page's error (a failed prefetch is
// silently dropped; the page will simply fault again on real access).
func (o *Object) prefetch(start uint64, n int) {
	ctx := context.Background()
	for i := 0; i < n; i++ {
		idx := start + uint64(i)
		if idx*uint64(pageSize(o)) >= o.size {
			return
		}
		o.mu.Lock()
		present := o.pages.Lookup(idx) != nil
		o.mu.Unlock()
		if present {
			continue
		}
		pfn, err := o.alloc.AllocPages(0, o.flags)
		if err != nil {
			return
		}
		buf := o.alloc.Dmap(pfn)
		if err := o.source.ReadPage(ctx, idx*uint64(pageSize(o)), buf[:]); err != nil {
			o.alloc.Refdown(pfn, 0, o.flags)
			return
		}
		o.alloc.Refup(pfn)
		o.mu.Lock()
		if o.pages.Lookup(idx) == nil {
			o.pages.Store(idx, Entry{Tag: TagFolio, Value: pfn})
		} else {
			o.mu.Unlock()
			o.alloc.Refdown(pfn, 0, o.flags)
			continue
		}
		o.mu.Unlock()
	}
}
