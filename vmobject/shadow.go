package vmobject

import (
	"context"

	"github.com/assembler-0/AeroSync-sub002/rcu"
)

// chainRCU is the read-side domain faultShadow's chain walk registers
// against: collapse must not unlink and free an ancestor while a
// faulter may still be mid-walk over it, the same "wait for every CPU
// to leave its read-side section" rule a real RCU-protected linked
// structure relies on instead of taking a lock on the hot fault path.
var chainRCU = rcu.NewDomain()

// maybeEnqueueCollapse checks the shadow chain depth after a new Shadow
// is linked in and, once it crosses ShadowCollapseThreshold, enqueues an
// asynchronous collapse pass on the object's workqueue (§4.D "shadow
// chain collapse/bypass"): long COW chains built up by repeated fork()
// without exec() otherwise turn every fault into an O(depth) chain walk
// (see findInChain), so the chain is periodically flattened in the
// background rather than on any fault's critical path.
func (o *Object) maybeEnqueueCollapse(ctx context.Context) {
	if o.kind != Shadow || o.shadowDepth < o.tunables.ShadowCollapseThreshold {
		return
	}
	if o.wq == nil {
		return
	}
	o.wq.Enqueue(func() {
		o.collapse(ctx)
	})
}

// collapse walks o's shadow chain and, where safe, folds an ancestor's
// pages into o and bypasses (relinks past) that ancestor, shortening the
// chain o's future faults must walk. Folding backing into o is only
// safe when parent has exactly one child (o itself) and exactly one
// reference (§4.E "if the immediate backing is anonymous and has
// exactly one child (the caller) and one reference, merge backing into
// child"): a parent shared by a sibling Shadow (the common double-fork
// topology, two children forked from the same ancestor) must be left
// alone, since stealing its pages into o would leave the sibling's own
// chain walk unable to find them and silently zero-fill instead.
func (o *Object) collapse(ctx context.Context) {
	o.mu.Lock()
	parent := o.shadowParent
	o.mu.Unlock()
	if parent == nil {
		return
	}

	// Pull down every page parent holds that o does not already shadow
	// with its own entry, recursing up the chain first so the deepest
	// ancestor's pages are folded in before nearer ones (nearer entries
	// must win where both have the same index). The recursive call
	// checks its own parent/grandparent pair's precondition independently
	// of the check this level performs below.
	if parent.kind == Shadow {
		parent.collapse(ctx)
	}

	parent.mu.Lock()
	if parent.children.Load() != 1 || parent.ref.Count() != 1 {
		parent.mu.Unlock()
		return
	}
	toFold := make(map[uint64]Entry)
	parent.pages.Range(0, ^uint64(0), func(index uint64, e *Entry) bool {
		toFold[index] = *e
		return true
	})
	parent.mu.Unlock()

	o.mu.Lock()
	for index, e := range toFold {
		if o.pages.Lookup(index) == nil {
			o.pages.Store(index, e)
			o.alloc.Refup(e.Value)
		}
	}
	o.mu.Unlock()

	// A faulter that started walking the chain before this point may
	// still be holding a pointer to parent and about to look up one of
	// the indices folded above; wait for every such reader to finish its
	// read-side section before deleting parent's copy out from under it.
	// Readers that start after this call see the folded copy in o.pages
	// first and never need parent's at all.
	chainRCU.Synchronize()

	// Re-check under lock: nothing can have added a second child or
	// reference to parent since the first check (both paths that would
	// do so -- NewShadow and Get -- take parent.mu or go through kref,
	// and the Synchronize above only ordered against readers, not
	// writers), but re-confirming here keeps the invariant airtight
	// rather than relying on that reasoning holding forever.
	parent.mu.Lock()
	if parent.children.Load() != 1 || parent.ref.Count() != 1 {
		parent.mu.Unlock()
		return
	}
	for index, e := range toFold {
		if parent.pages.Delete(index) {
			o.alloc.Refdown(e.Value, 0, o.flags)
		}
	}
	grandparent := parent.shadowParent
	parent.shadowParent = nil
	parent.mu.Unlock()

	o.mu.Lock()
	o.shadowParent = grandparent
	if grandparent != nil {
		o.shadowDepth = grandparent.shadowChainDepth() + 1
	} else {
		o.shadowDepth = 0
	}
	o.mu.Unlock()

	if grandparent != nil {
		grandparent.mu.Lock()
		grandparent.children.Add(1)
		grandparent.mu.Unlock()
		grandparent.Get()
	}
	parent.mu.Lock()
	parent.children.Add(-1)
	parent.mu.Unlock()
	parent.Put(ctx)
}
