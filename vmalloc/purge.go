package vmalloc

import "github.com/assembler-0/AeroSync-sub002/mem"

// enqueuePurge schedules purgeBlocks on the allocator's workqueue once
// accumulated lazy-free pages cross VmallocLazyPurgeThresholdPages
// (§4 "lazy TLB purge"): actually unmapping and shooting down the TLB
// for every freed small allocation inline would turn a tight
// alloc/free loop into a storm of IPIs, the same problem Linux's
// vmalloc lazy purge exists to avoid.
func (a *Allocator) enqueuePurge() {
	if a.wq == nil {
		a.purgeLocked()
		return
	}
	a.wq.Enqueue(func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.purgeLocked()
	})
}

// purgeLocked unmaps and releases every fully-free block, called with
// a.mu held (either directly, when there is no workqueue to defer to,
// or from the queued closure above).
func (a *Allocator) purgeLocked() {
	kept := a.blocks[:0]
	for _, b := range a.blocks {
		if b.freeCount != b.pages {
			kept = append(kept, b)
			continue
		}
		for slot, pfn := range b.pfns {
			if pfn == 0 && !b.used[slot] {
				continue
			}
			virt := b.area.Start + uintptr(slot*mem.PGSIZE)
			a.pt.UnmapPage(a.mmID, virt)
			a.mem.FreePages(pfn, 0, a.flags)
			a.lazyFreePages--
		}
		a.pt.TLBShootdown(a.mmID, b.area.Start, b.pages)
		a.space.Remove(b.area.Start)
	}
	a.blocks = kept
}
