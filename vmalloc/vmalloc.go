// Package vmalloc implements the non-contiguous virtual memory
// allocator (§4 "vmalloc"): kernel virtual address ranges backed by
// physical pages that need not be physically contiguous, the thing a
// large driver ring buffer or module image needs when no single buddy
// order can satisfy it. Grounded on gopher-os's vmm package for the
// page-table-collaborator shape (vmm.go's FrameAllocatorFn / Translate
// split, generalized here into the boot.PageTable interface) and on
// SeleniaProject-Orizon's vmm.go for the vmap_block-per-CPU-bin idea a
// single-address-space kernel allocator needs. Single-page requests are
// packed into shared vmap_block arenas; every multi-page request gets a
// dedicated range and, past VmallocHugePageThresholdPages, a single huge
// mapping instead of 512 individual PTEs.
package vmalloc

import (
	"fmt"
	"sync"

	"github.com/assembler-0/AeroSync-sub002/boot"
	"github.com/assembler-0/AeroSync-sub002/config"
	"github.com/assembler-0/AeroSync-sub002/mem"
	"github.com/assembler-0/AeroSync-sub002/util"
	"github.com/assembler-0/AeroSync-sub002/vma"
	"github.com/assembler-0/AeroSync-sub002/workqueue"
)

/// Allocation describes one live vmalloc mapping: the virtual range it
/// occupies and whether it was satisfied with a single huge mapping.
type Allocation struct {
	Start uintptr
	Pages int
	Huge  bool

	small     bool
	block     *vmapBlock
	blockSlot int
	pfns      []uint64 // only populated for large (non-block) allocations
}

/// Allocator is the vmalloc arena: a reserved virtual address range
/// subdivided into vmap_block bins for small allocations and individual
/// dedicated ranges for large ones, all backed by physical pages drawn
/// from mem.Allocator and mapped through the boot.PageTable collaborator.
type Allocator struct {
	mu    sync.Mutex
	mem   *mem.Allocator
	pt    boot.PageTable
	flags mem.AllocFlags
	mmID  uintptr // the address-space handle passed to PageTable; 0 for the kernel's own

	space *vma.Map
	t     *config.Tunables

	blocks []*vmapBlock

	lazyFreePages uint64
	wq            *workqueue.Queue
}

/// New constructs a vmalloc arena over [lo, hi) of virtual address
/// space, backed by mem and mapped through pt for address space mmID.
func New(lo, hi uintptr, mem_ *mem.Allocator, pt boot.PageTable, mmID uintptr, flags mem.AllocFlags, t *config.Tunables, wq *workqueue.Queue) *Allocator {
	return &Allocator{
		mem:   mem_,
		pt:    pt,
		flags: flags,
		mmID:  mmID,
		space: vma.NewMap(lo, hi, uintptr(mem.PGSIZE)),
		t:     t,
		wq:    wq,
	}
}

/// Alloc reserves and maps size bytes of non-contiguous virtual memory,
/// rounding up to a whole number of pages. Requests at or above
/// VmallocHugePageThresholdPages worth of pages are attempted as a
/// single huge mapping before falling back to per-page mapping.
func (a *Allocator) Alloc(size int) (*Allocation, error) {
	if size <= 0 {
		return nil, fmt.Errorf("vmalloc: invalid size %d", size)
	}
	pages := (size + mem.PGSIZE - 1) / mem.PGSIZE

	a.mu.Lock()
	defer a.mu.Unlock()

	if pages > 1 || pages*2 > a.t.VmallocBlockPages {
		return a.allocLarge(pages)
	}
	return a.allocSmall(pages)
}

// allocLarge reserves a dedicated [start, start+pages*PGSIZE) range,
// attempting one huge buddy-order allocation when the request qualifies
// and falling back to pages individually allocated pages otherwise.
func (a *Allocator) allocLarge(pages int) (*Allocation, error) {
	start, ok := a.space.FindFreeGap(uintptr(pages*mem.PGSIZE), a.space.Low())
	if !ok {
		return nil, fmt.Errorf("vmalloc: no virtual address range of %d pages available", pages)
	}
	area := &vma.Area{Start: start, End: start + uintptr(pages*mem.PGSIZE), Perms: vma.PermRead | vma.PermWrite}
	if err := a.space.Insert(area); err != nil {
		return nil, err
	}

	if pages >= a.t.VmallocHugePageThresholdPages {
		if alloc, ok := a.tryHuge(start, pages); ok {
			return alloc, nil
		}
	}

	pfns := make([]uint64, pages)
	for i := 0; i < pages; i++ {
		pfn, err := a.mem.AllocPages(0, a.flags)
		if err != nil {
			a.unwindLarge(area, pfns[:i])
			return nil, err
		}
		pfns[i] = pfn
		virt := start + uintptr(i*mem.PGSIZE)
		if err := a.pt.MapPage(a.mmID, virt, uintptr(pfn)*uintptr(mem.PGSIZE), boot.PTEFlags(0)); err != nil {
			a.mem.FreePages(pfn, 0, a.flags)
			a.unwindLarge(area, pfns[:i])
			return nil, err
		}
	}
	return &Allocation{Start: start, Pages: pages, pfns: pfns}, nil
}

// tryHuge attempts to satisfy a large request with one contiguous
// buddy-order physical allocation mapped as a single huge PTE range,
// returning ok=false if no suitable order covers the request exactly
// (vmalloc never rounds a request up past what the caller asked for).
func (a *Allocator) tryHuge(start uintptr, pages int) (*Allocation, bool) {
	order := orderFor(pages)
	if order < 0 || (1<<uint(order)) != pages {
		return nil, false
	}
	pfn, err := a.mem.AllocPages(uint(order), a.flags)
	if err != nil {
		return nil, false
	}
	if err := a.pt.MapPage(a.mmID, start, uintptr(pfn)*uintptr(mem.PGSIZE), boot.PTEFlags(0)); err != nil {
		a.mem.FreePages(pfn, uint(order), a.flags)
		return nil, false
	}
	return &Allocation{Start: start, Pages: pages, Huge: true, pfns: []uint64{pfn}}, true
}

func orderFor(pages int) int {
	if pages <= 0 || !util.IsPow2(pages) {
		return -1
	}
	return int(util.Log2(pages))
}

func (a *Allocator) unwindLarge(area *vma.Area, pfns []uint64) {
	for i, pfn := range pfns {
		a.pt.UnmapPage(a.mmID, area.Start+uintptr(i*mem.PGSIZE))
		a.mem.FreePages(pfn, 0, a.flags)
	}
	a.space.Remove(area.Start)
}

/// Free releases a previously returned Allocation. Small (block-packed)
/// allocations are marked lazily free and only actually unmapped once a
/// purge pass (enqueuePurge) runs; large allocations are torn down immediately since
/// each owns its whole virtual range outright.
func (a *Allocator) Free(alloc *Allocation) {
	if alloc == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if alloc.small {
		a.freeSmall(alloc)
		return
	}

	for i, pfn := range alloc.pfns {
		order := uint(0)
		virt := alloc.Start
		if alloc.Huge {
			order = uint(orderFor(alloc.Pages))
		} else {
			virt = alloc.Start + uintptr(i*mem.PGSIZE)
		}
		a.pt.UnmapPage(a.mmID, virt)
		a.mem.FreePages(pfn, order, a.flags)
		if alloc.Huge {
			break
		}
	}
	a.pt.TLBShootdown(a.mmID, alloc.Start, alloc.Pages)
	a.space.Remove(alloc.Start)
}

/// LazyPages reports how many pages are currently marked free-but-not-
/// yet-unmapped, awaiting a purge pass.
func (a *Allocator) LazyPages() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lazyFreePages
}
