package vmobject

import (
	"context"
	"fmt"
)

/// FaultResult reports the outcome of resolving a page fault: which
/// physical page now backs the index and whether the mapping should be
/// writable.
type FaultResult struct {
	PFN      uint64
	Writable bool
}

/// Fault resolves index (a page-number offset into the object, not a
/// byte offset) for a fault of the given write-intent, allocating,
/// reading in, or copying-on-write as needed (§4.D, mirroring
/// vm/as.go's Sys_pgfault). It returns the resident page's refcount
/// already bumped once for the caller's new mapping.
func (o *Object) Fault(ctx context.Context, index uint64, write bool) (FaultResult, error) {
	if uint64(index)*uint64(pageSize(o)) >= o.size {
		return FaultResult{}, fmt.Errorf("vmobject: fault at index %d past object size", index)
	}

	if res, handled, err := o.faultViaUffd(ctx, index, write); handled {
		return res, err
	}

	switch o.kind {
	case Anonymous:
		return o.faultAnonymous(ctx, index, write)
	case Shadow:
		return o.faultShadow(ctx, index, write)
	case Vnode:
		return o.faultVnode(ctx, index, write)
	case Device:
		return o.faultDevice(ctx, index, write)
	default:
		return FaultResult{}, fmt.Errorf("vmobject: unknown kind %v", o.kind)
	}
}

func pageSize(o *Object) int { return 4096 } // kept as a function so tests can stub it; mirrors mem.PGSIZE without importing mem just for a constant

// faultAnonymous resolves a fault against an Anonymous object's page
// tree, decoding whichever of the four entry tags (§3 page-tree entry
// encoding) occupies the index and handling each per §4.E's "Anonymous
// object" fault list: a resident folio is handed back directly unless
// it is the shared zero page being written to, in which case this index
// diverges onto its own private copy; a compressed or swapped-out page
// is brought back in; a missing index is either the shared zero folio
// (read-only) or a fresh zeroed allocation (write).
func (o *Object) faultAnonymous(ctx context.Context, index uint64, write bool) (FaultResult, error) {
	o.mu.Lock()
	e := o.pages.Lookup(index)

	if e != nil {
		switch e.Tag {
		case TagFolio:
			if !(write && o.alloc.IsZeroPage(e.Value)) {
				o.alloc.Refup(e.Value)
				o.mu.Unlock()
				return FaultResult{PFN: e.Value, Writable: true}, nil
			}
			// write to the shared zero page: drop this index's
			// reference on it and fall through to a private allocation.
			o.alloc.Refdown(e.Value, 0, o.flags)
		case TagCompressed:
			o.mu.Unlock()
			return o.faultCompressedIn(index, e.Value)
		case TagSwap:
			o.mu.Unlock()
			return o.faultSwapIn(index, e.Value)
		case TagWorkingsetShadow:
			// Anonymous objects in this core never produce a
			// workingset-shadow entry themselves (EvictToShadow is
			// Vnode-only), but fall through to the missing-page path
			// rather than misreport writability if one ever appears.
		}
	}

	if e == nil && !write {
		zpfn, err := o.alloc.ZeroPage()
		if err != nil {
			o.mu.Unlock()
			return FaultResult{}, err
		}
		if cur := o.pages.Lookup(index); cur == nil {
			o.pages.Store(index, Entry{Tag: TagFolio, Value: zpfn})
			o.mu.Unlock()
			return FaultResult{PFN: zpfn, Writable: false}, nil
		}
		// lost a race with a concurrent fault that already installed
		// something at this index between the Lookup above and here.
		o.alloc.Refdown(zpfn, 0, o.flags)
		o.mu.Unlock()
		return o.faultAnonymous(ctx, index, write)
	}

	pfn, err := o.alloc.AllocPages(0, o.flags)
	if err != nil {
		o.mu.Unlock()
		return FaultResult{}, err
	}
	clear(o.alloc.Dmap(pfn)[:])
	o.alloc.Refup(pfn) // one ref for the object's own tree entry, one for the caller's mapping
	o.pages.Store(index, Entry{Tag: TagFolio, Value: pfn})
	o.mu.Unlock()
	o.maybeReadahead(index)
	return FaultResult{PFN: pfn, Writable: true}, nil
}

// faultCompressedIn decompresses a reclaimed page back into a fresh
// folio (§4.E "Compressed handle" branch), replacing the page-tree
// entry and freeing the compressed handle.
func (o *Object) faultCompressedIn(index uint64, handle uint64) (FaultResult, error) {
	data, ok, err := compressedPool.in(handle)
	if err != nil {
		return FaultResult{}, fmt.Errorf("vmobject: decompress handle %d: %w", handle, err)
	}
	if !ok {
		return FaultResult{}, fmt.Errorf("vmobject: compressed handle %d not found", handle)
	}
	pfn, err := o.alloc.AllocPages(0, o.flags)
	if err != nil {
		return FaultResult{}, err
	}
	copy(o.alloc.Dmap(pfn)[:], data)
	o.alloc.Refup(pfn)
	o.mu.Lock()
	o.pages.Store(index, Entry{Tag: TagFolio, Value: pfn})
	o.mu.Unlock()
	return FaultResult{PFN: pfn, Writable: true}, nil
}

// faultSwapIn reads a swapped-out page back in (§4.E "Swap entry"
// branch), replacing the page-tree entry and freeing the swap slot.
func (o *Object) faultSwapIn(index uint64, slot uint64) (FaultResult, error) {
	data, ok := swap.in(slot)
	if !ok {
		return FaultResult{}, fmt.Errorf("vmobject: swap slot %d not found", slot)
	}
	pfn, err := o.alloc.AllocPages(0, o.flags)
	if err != nil {
		return FaultResult{}, err
	}
	copy(o.alloc.Dmap(pfn)[:], data)
	o.alloc.Refup(pfn)
	o.mu.Lock()
	o.pages.Store(index, Entry{Tag: TagFolio, Value: pfn})
	o.mu.Unlock()
	return FaultResult{PFN: pfn, Writable: true}, nil
}

// faultVnode resolves a fault against a file-backed object: a resident
// folio is handed back directly; a workingset-shadow entry (left behind
// by EvictToShadow reclaiming a clean page without needing swap) is
// treated as missing but first charged to the object's refault/thrash
// accounting (§4.E "Shadow entry -> treat as missing; remember entry for
// refault accounting"); a genuinely missing index is read in from
// Source.
func (o *Object) faultVnode(ctx context.Context, index uint64, write bool) (FaultResult, error) {
	o.mu.Lock()
	e := o.pages.Lookup(index)
	var refaultDistance uint64
	wasShadow := false
	if e != nil {
		if e.Tag == TagFolio {
			o.alloc.Refup(e.Value)
			o.mu.Unlock()
			return FaultResult{PFN: e.Value, Writable: write && o.shared}, nil
		}
		if e.Tag == TagWorkingsetShadow {
			wasShadow = true
			if cur := evictionSeq.Load(); cur > e.Value {
				refaultDistance = cur - e.Value
			}
		}
	}
	o.mu.Unlock()

	if wasShadow {
		o.recordRefault(refaultDistance)
	}

	pfn, err := o.alloc.AllocPages(0, o.flags)
	if err != nil {
		return FaultResult{}, err
	}
	buf := o.alloc.Dmap(pfn)
	if err := o.source.ReadPage(ctx, index*uint64(pageSize(o)), buf[:]); err != nil {
		o.alloc.Refdown(pfn, 0, o.flags)
		return FaultResult{}, err
	}
	o.alloc.Refup(pfn)
	o.mu.Lock()
	o.pages.Store(index, Entry{Tag: TagFolio, Value: pfn})
	o.mu.Unlock()
	o.maybeReadahead(index)
	return FaultResult{PFN: pfn, Writable: write && o.shared}, nil
}

func (o *Object) faultDevice(ctx context.Context, index uint64, write bool) (FaultResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pfn, err := o.alloc.AllocPages(0, o.flags)
	if err != nil {
		return FaultResult{}, err
	}
	buf := o.alloc.Dmap(pfn)
	if err := o.source.ReadPage(ctx, index*uint64(pageSize(o)), buf[:]); err != nil {
		o.alloc.Refdown(pfn, 0, o.flags)
		return FaultResult{}, err
	}
	return FaultResult{PFN: pfn, Writable: write}, nil
}

// faultShadow implements copy-on-write with the steal-or-copy
// optimization vm/as.go's Sys_pgfault performs inline (§4.D): a
// read fault is satisfied by walking up the shadow chain to the first
// object holding the page, without copying. A write fault to a page
// found only in an ancestor either steals it in place (if this shadow
// is the page's only remaining referencer, recognizable from a refcount
// of exactly 2: one for the ancestor's tree entry, one for the single
// mapping its own write fault handed out) or copies it down into this
// object's own tree, privately diverging from the chain at this index.
func (o *Object) faultShadow(ctx context.Context, index uint64, write bool) (FaultResult, error) {
	rg := chainRCU.Read()
	defer rg.Done()

	o.mu.Lock()
	if e := o.pages.Lookup(index); e != nil {
		o.alloc.Refup(e.Value)
		o.mu.Unlock()
		return FaultResult{PFN: e.Value, Writable: true}, nil
	}
	o.mu.Unlock()

	ancestor, e := o.findInChain(index)
	if e == nil {
		return o.faultAnonymousInto(ctx, index, write)
	}
	if !write {
		o.alloc.Refup(e.Value)
		return FaultResult{PFN: e.Value, Writable: false}, nil
	}

	if ancestor == o.shadowParent && o.alloc.Refcnt(e.Value) == 2 {
		o.mu.Lock()
		o.pages.Store(index, *e)
		o.mu.Unlock()
		o.alloc.Refup(e.Value)
		return FaultResult{PFN: e.Value, Writable: true}, nil
	}

	newPFN, err := o.alloc.AllocPages(0, o.flags)
	if err != nil {
		return FaultResult{}, err
	}
	dst := o.alloc.Dmap(newPFN)
	src := o.alloc.Dmap(e.Value)
	copy(dst[:], src[:])
	o.alloc.Refup(newPFN)
	o.mu.Lock()
	o.pages.Store(index, Entry{Tag: TagFolio, Value: newPFN})
	o.mu.Unlock()
	return FaultResult{PFN: newPFN, Writable: true}, nil
}

// findInChain walks from o.shadowParent upward (skipping o itself,
// already checked by the caller) until index is found, returning the
// owning object and its entry, or (nil, nil) if no ancestor has it --
// meaning the index was never written anywhere in the chain and should
// be zero-filled.
func (o *Object) findInChain(index uint64) (*Object, *Entry) {
	for cur := o.shadowParent; cur != nil; {
		cur.mu.Lock()
		e := cur.pages.Lookup(index)
		cur.mu.Unlock()
		if e != nil {
			return cur, e
		}
		if cur.kind == Shadow {
			cur = cur.shadowParent
		} else {
			return nil, nil
		}
	}
	return nil, nil
}

// faultAnonymousInto installs the first entry a shadow chain has ever
// had at index: the shared zero folio for a read fault, or a fresh
// private zeroed folio for a write, mirroring faultAnonymous's own
// missing-entry branches (§4.E) for an object with no backing object at
// all to have inherited the index from.
func (o *Object) faultAnonymousInto(ctx context.Context, index uint64, write bool) (FaultResult, error) {
	if !write {
		zpfn, err := o.alloc.ZeroPage()
		if err != nil {
			return FaultResult{}, err
		}
		o.mu.Lock()
		if cur := o.pages.Lookup(index); cur == nil {
			o.pages.Store(index, Entry{Tag: TagFolio, Value: zpfn})
			o.mu.Unlock()
			return FaultResult{PFN: zpfn, Writable: false}, nil
		}
		o.mu.Unlock()
		o.alloc.Refdown(zpfn, 0, o.flags)
		return o.faultShadow(ctx, index, write)
	}
	pfn, err := o.alloc.AllocPages(0, o.flags)
	if err != nil {
		return FaultResult{}, err
	}
	clear(o.alloc.Dmap(pfn)[:])
	o.alloc.Refup(pfn)
	o.mu.Lock()
	o.pages.Store(index, Entry{Tag: TagFolio, Value: pfn})
	o.mu.Unlock()
	return FaultResult{PFN: pfn, Writable: true}, nil
}
