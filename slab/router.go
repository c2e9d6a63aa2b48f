package slab

import (
	"unsafe"

	"github.com/assembler-0/AeroSync-sub002/boot"
	"github.com/assembler-0/AeroSync-sub002/config"
	"github.com/assembler-0/AeroSync-sub002/mem"
	"github.com/assembler-0/AeroSync-sub002/numa"
)

// alignedMagic marks a kmalloc_aligned header so KfreeAligned can catch a
// caller passing a plain Kmalloc pointer by mistake.
const alignedMagic uint64 = 0xa11911eda11911ed

// alignedHeader sits immediately before the aligned pointer returned by
// KmallocAligned (§3 "kmalloc_aligned(size, align)"): 16 bytes holding a
// magic tag and the real, possibly-unaligned backing allocation's
// address, so KfreeAligned can recover what to actually hand back to
// Kfree.
type alignedHeader struct {
	magic    uint64
	original uintptr
}

/// Allocator is the kmalloc-family entry point: one Cache per size
/// class, selected by rounding a request up to the nearest class. This
/// is the slab-side analogue of package mem's zone/PCP split: Allocator
/// is the router, Cache is where the real work happens.
type Allocator struct {
	caches   [256]*Cache // indexed by classIndex, sparsely populated
	order    []int       // registered class sizes, ascending
	mem      *mem.Allocator
	pageFlag mem.AllocFlags
}

/// NewAllocator constructs every registered size class's Cache eagerly;
/// a kernel-grade allocator wants no allocation-time cache-creation race.
func NewAllocator(m *mem.Allocator, smp boot.SMP, topo *numa.Topology, t *config.Tunables, cflags CacheFlags) *Allocator {
	a := &Allocator{mem: m}
	for _, size := range sizeClassesSlice() {
		c := NewCache(size, m, smp, topo, t, cflags)
		a.caches[classIndex(size)] = c
		a.order = append(a.order, size)
		m.RegisterShrinker(c)
	}
	return a
}

func sizeClassesSlice() []int {
	return sizeClasses
}

/// Kmalloc allocates n uninitialized bytes, rounded up to the nearest
/// size class. Requests larger than the biggest class allocate whole
/// pages directly from package mem instead of through a Cache (the
/// "large kmalloc" path every real SLAB/SLUB implementation also has).
func (a *Allocator) Kmalloc(n int) (unsafe.Pointer, int, bool) {
	class, ok := ClassFor(n)
	if !ok {
		return a.largeAlloc(n)
	}
	c := a.caches[classIndex(class)]
	ptr, ok := c.Alloc()
	return ptr, class, ok
}

/// Kzalloc is Kmalloc followed by a zero-fill, the default-safe
/// allocation primitive the fault path and vm_object metadata use.
func (a *Allocator) Kzalloc(n int) (unsafe.Pointer, int, bool) {
	ptr, class, ok := a.Kmalloc(n)
	if !ok {
		return nil, 0, false
	}
	clear(unsafe.Slice((*byte)(ptr), class))
	return ptr, class, true
}

/// Kfree returns a previously allocated object of the given class size
/// to its cache. size must be the class returned by Kmalloc/Kzalloc, not
/// the original request size.
func (a *Allocator) Kfree(ptr unsafe.Pointer, size int) {
	if class, ok := ClassFor(size); ok && class == size {
		a.caches[classIndex(class)].FreeObj(ptr)
		return
	}
	a.largeFree(ptr, size)
}

/// Krealloc resizes an allocation, copying the overlapping prefix and
/// freeing the old object if the size class actually changed. Like the
/// real krealloc, a shrink that stays within the same size class is a
/// no-op beyond returning the same pointer.
func (a *Allocator) Krealloc(ptr unsafe.Pointer, oldSize, newSize int) (unsafe.Pointer, int, bool) {
	oldClass, oldIsClass := ClassFor(oldSize)
	newClass, newIsClass := ClassFor(newSize)
	if oldIsClass && newIsClass && oldClass == newClass {
		return ptr, oldClass, true
	}
	newPtr, newRealClass, ok := a.Kmalloc(newSize)
	if !ok {
		return nil, 0, false
	}
	n := oldSize
	if newSize < n {
		n = newSize
	}
	copy(unsafe.Slice((*byte)(newPtr), n), unsafe.Slice((*byte)(ptr), n))
	a.Kfree(ptr, oldSize)
	return newPtr, newRealClass, true
}

/// KmallocAligned allocates n bytes whose address is a multiple of
/// align, for callers (page-table pages, DMA descriptors) that cannot
/// tolerate a size class's natural alignment. It over-allocates through
/// the ordinary Kmalloc path and hands back a pointer shifted up to the
/// next aligned address, stashing a 16-byte header just behind it so
/// KfreeAligned can recover the real allocation to free.
func (a *Allocator) KmallocAligned(n int, align int) (unsafe.Pointer, bool) {
	if align < 1 || align&(align-1) != 0 {
		panic("slab: KmallocAligned: align must be a power of two")
	}
	headerSize := int(unsafe.Sizeof(alignedHeader{}))
	raw, _, ok := a.Kmalloc(n + align - 1 + headerSize)
	if !ok {
		return nil, false
	}
	base := uintptr(raw)
	aligned := (base + uintptr(headerSize) + uintptr(align-1)) &^ uintptr(align-1)
	hdr := (*alignedHeader)(unsafe.Pointer(aligned - uintptr(headerSize)))
	hdr.magic = alignedMagic
	hdr.original = base
	return unsafe.Pointer(aligned), true
}

/// KfreeAligned returns an allocation obtained from KmallocAligned. size
/// and align must match the values KmallocAligned was called with.
func (a *Allocator) KfreeAligned(ptr unsafe.Pointer, n int, align int) {
	headerSize := int(unsafe.Sizeof(alignedHeader{}))
	hdr := (*alignedHeader)(unsafe.Pointer(uintptr(ptr) - uintptr(headerSize)))
	if hdr.magic != alignedMagic {
		panic("slab: KfreeAligned: bad header, not a KmallocAligned pointer")
	}
	original := hdr.original
	raw := n + align - 1 + headerSize
	class, ok := ClassFor(raw)
	if !ok {
		order := uint(0)
		for (1<<order)*mem.PGSIZE < raw {
			order++
		}
		class = (1 << order) * mem.PGSIZE
	}
	a.Kfree(unsafe.Pointer(original), class)
}

/// KmallocBulk is cache_alloc_bulk exposed at the router level: n
/// objects of the size class size rounds up to, or as many as the cache
/// could produce before running out.
func (a *Allocator) KmallocBulk(size, n int) ([]unsafe.Pointer, int) {
	class, ok := ClassFor(size)
	if !ok {
		return nil, 0
	}
	dst := make([]unsafe.Pointer, n)
	got := a.caches[classIndex(class)].AllocBulk(dst)
	return dst[:got], got
}

/// KfreeBulk is cache_free_bulk exposed at the router level: size must
/// be the class every pointer in ptrs was allocated at.
func (a *Allocator) KfreeBulk(size int, ptrs []unsafe.Pointer) {
	class, ok := ClassFor(size)
	if !ok {
		return
	}
	a.caches[classIndex(class)].FreeBulk(ptrs)
}

// largeAlloc handles requests bigger than the top size class directly
// through package mem; Kfree routes back here via the same size check.
func (a *Allocator) largeAlloc(n int) (unsafe.Pointer, int, bool) {
	order := uint(0)
	for (1 << order) * mem.PGSIZE < n {
		order++
	}
	pfn, err := a.mem.AllocPages(order, mem.AllocFlags{Kind: mem.ZoneNormal, Migrate: mem.Movable})
	if err != nil {
		return nil, 0, false
	}
	return unsafe.Pointer(a.mem.Dmap(pfn)), (1 << order) * mem.PGSIZE, true
}

func (a *Allocator) largeFree(ptr unsafe.Pointer, size int) {
	pfn, ok := a.mem.PFNFromPointer(ptr)
	if !ok {
		panic("slab: largeFree: pointer not from this allocator")
	}
	order := uint(0)
	for (1 << order) * mem.PGSIZE < size {
		order++
	}
	a.mem.FreePages(pfn, order, mem.AllocFlags{Kind: mem.ZoneNormal, Migrate: mem.Movable})
}

/// Ksize returns the actual usable size of an allocation given the
/// class size it was allocated with -- identity for this allocator,
/// since every class's objects are exactly its class size, but kept as
/// a named operation because callers conceptually ask for "how much did
/// I actually get," not "what class is this."
func Ksize(class int) int {
	return class
}
