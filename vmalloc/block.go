package vmalloc

import (
	"fmt"

	"github.com/assembler-0/AeroSync-sub002/boot"
	"github.com/assembler-0/AeroSync-sub002/mem"
	"github.com/assembler-0/AeroSync-sub002/vma"
)

// vmapBlock is one fixed-size virtual address range (config's
// VmallocBlockPages pages) subdivided page-by-page for small
// allocations, the bin SeleniaProject-Orizon's vmm.go packs many small
// vmalloc requests into instead of giving each its own dedicated range.
type vmapBlock struct {
	area      *vma.Area
	pages     int
	used      []bool
	pfns      []uint64 // 0 until a page is actually faulted in by allocSmall
	freeCount int
}

func newVmapBlock(area *vma.Area, pages int) *vmapBlock {
	return &vmapBlock{area: area, pages: pages, used: make([]bool, pages), pfns: make([]uint64, pages), freeCount: pages}
}

func (b *vmapBlock) findFree() (int, bool) {
	for i, u := range b.used {
		if !u {
			return i, true
		}
	}
	return 0, false
}

// allocSmall services a single-page request by packing it into an
// existing block with room or a freshly created one; it rejects any
// other page count (Alloc sends every multi-page request to allocLarge).
func (a *Allocator) allocSmall(pages int) (*Allocation, error) {
	if pages != 1 {
		return nil, fmt.Errorf("vmalloc: multi-page small allocations are not yet supported, request %d pages", pages)
	}

	for _, b := range a.blocks {
		if b.freeCount > 0 {
			return a.allocFromBlock(b)
		}
	}

	start, ok := a.space.FindFreeGap(uintptr(a.t.VmallocBlockPages*mem.PGSIZE), a.space.Low())
	if !ok {
		return nil, fmt.Errorf("vmalloc: no virtual address range for a new block")
	}
	area := &vma.Area{Start: start, End: start + uintptr(a.t.VmallocBlockPages*mem.PGSIZE), Perms: vma.PermRead | vma.PermWrite}
	if err := a.space.Insert(area); err != nil {
		return nil, err
	}
	block := newVmapBlock(area, a.t.VmallocBlockPages)
	a.blocks = append(a.blocks, block)
	return a.allocFromBlock(block)
}

func (a *Allocator) allocFromBlock(b *vmapBlock) (*Allocation, error) {
	slot, ok := b.findFree()
	if !ok {
		return nil, fmt.Errorf("vmalloc: block reported free space it does not have")
	}
	virt := b.area.Start + uintptr(slot*mem.PGSIZE)
	if b.pfns[slot] != 0 {
		// freed but not yet purged: the slot's page is still mapped at
		// virt, so it is handed out again rather than replaced.
		b.used[slot] = true
		b.freeCount--
		a.lazyFreePages--
		return &Allocation{Start: virt, Pages: 1, small: true, block: b, blockSlot: slot}, nil
	}
	pfn, err := a.mem.AllocPages(0, a.flags)
	if err != nil {
		return nil, err
	}
	if err := a.pt.MapPage(a.mmID, virt, uintptr(pfn)*uintptr(mem.PGSIZE), boot.PTEFlags(0)); err != nil {
		a.mem.FreePages(pfn, 0, a.flags)
		return nil, err
	}
	b.used[slot] = true
	b.pfns[slot] = pfn
	b.freeCount--
	return &Allocation{Start: virt, Pages: 1, small: true, block: b, blockSlot: slot}, nil
}

// freeSmall marks slot free without immediately unmapping it: real
// unmap and physical-page release wait for a lazy-purge pass so a
// churning alloc/free pattern on one block does not pay a TLB shootdown
// per call.
func (a *Allocator) freeSmall(alloc *Allocation) {
	b := alloc.block
	b.used[alloc.blockSlot] = false
	b.freeCount++
	a.lazyFreePages++
	if a.lazyFreePages >= a.t.VmallocLazyPurgeThresholdPages {
		a.enqueuePurge()
	}
}
