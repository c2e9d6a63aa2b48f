package slab

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/assembler-0/AeroSync-sub002/boot"
	"github.com/assembler-0/AeroSync-sub002/config"
	"github.com/assembler-0/AeroSync-sub002/mem"
	"github.com/assembler-0/AeroSync-sub002/numa"
)

// freelistWord packs a slab page's freelist head (local object index,
// 32 bits) with a transaction id (32 bits) into one word, so a remote
// CPU's Free can race a local Alloc with a single CAS instead of a
// lock -- the Go-reachable equivalent of SLUB's cmpxchg_double over
// {freelist pointer, tid} (§4.B point 1). Packing into one atomic.Uint64
// sidesteps Go's lack of a portable double-word CAS over raw pointers.
type freelistWord uint64

func packFreelist(head uint32, tid uint32) freelistWord {
	return freelistWord(uint64(tid)<<32 | uint64(head))
}

func (w freelistWord) head() uint32 { return uint32(w) }
func (w freelistWord) tid() uint32  { return uint32(w >> 32) }

/// activeSlab is one CPU's current slab page for a given size class: the
/// page objects are carved from, plus the CAS-guarded freelist word.
type activeSlab struct {
	page *slabPage
	word atomic.Uint64
}

/// partialNode is one NUMA node's list of slabs that have free objects
/// but are not any CPU's current active slab.
type partialNode struct {
	mu      sync.Mutex
	partial []*slabPage
}

/// Cache is one size class's slab cache (§4.B): a per-CPU active-slab
/// fastpath over per-node partial lists, falling back across NUMA
/// nodes in distance order exactly like package mem's zone fallback.
type Cache struct {
	size    int
	objSize int // size plus whatever CacheFlags.stride adds (redzone/alignment)
	cflags  CacheFlags

	alloc *mem.Allocator
	smp   boot.SMP
	topo  *numa.Topology
	flags mem.AllocFlags

	active []*activeSlab // one per CPU
	nodes  []*partialNode

	pagesMu sync.Mutex
	pages   map[uint64]*slabPage // pfn -> owning slab page, for Free(ptr)

	minPartial int
}

/// NewCache constructs a cache for the given object size (must be a
/// registered size class), fronting mem.Allocator order-0 pages.
func NewCache(size int, a *mem.Allocator, smp boot.SMP, topo *numa.Topology, t *config.Tunables, cflags CacheFlags) *Cache {
	_ = classIndex(size) // panics if not a valid class
	c := &Cache{
		size:       size,
		objSize:    cflags.stride(size),
		cflags:     cflags,
		alloc:      a,
		smp:        smp,
		topo:       topo,
		flags:      mem.AllocFlags{Kind: mem.ZoneNormal, Migrate: mem.Reclaimable},
		active:     make([]*activeSlab, smp.NumCPU()),
		nodes:      make([]*partialNode, topo.NumNodes()),
		pages:      make(map[uint64]*slabPage),
		minPartial: t.SlabMinPartial,
	}
	for i := range c.active {
		c.active[i] = &activeSlab{}
	}
	for i := range c.nodes {
		c.nodes[i] = &partialNode{}
	}
	return c
}

func (c *Cache) newPage(node numa.Node) (*slabPage, bool) {
	flags := c.flags
	flags.Node = node
	pfn, err := c.alloc.AllocPages(0, flags)
	if err != nil {
		return nil, false
	}
	bytes := c.alloc.Dmap(pfn)
	p := newSlabPage(pfn, bytes, c.objSize, c.cflags.Poison, c.cflags.Redzone)
	c.pagesMu.Lock()
	c.pages[pfn] = p
	c.pagesMu.Unlock()
	return p, true
}

// refillFromPartial pulls one slab with free objects off node's partial
// list, trying the requested node then its NUMA neighbors nearest-first.
func (c *Cache) refillFromPartial(node numa.Node) *slabPage {
	order := append([]numa.Node{node}, c.topo.FallbackOrder(node)...)
	for _, n := range order {
		pn := c.nodes[n]
		pn.mu.Lock()
		if len(pn.partial) > 0 {
			p := pn.partial[len(pn.partial)-1]
			pn.partial = pn.partial[:len(pn.partial)-1]
			pn.mu.Unlock()
			return p
		}
		pn.mu.Unlock()
	}
	return nil
}

/// Alloc returns one zeroed (if poison mode) or uninitialized object
/// from the calling CPU's active slab, refilling from the partial list
/// or the page allocator as needed (§4.B points 1-4).
func (c *Cache) Alloc() (unsafe.Pointer, bool) {
	cpu := c.smp.CPUID() % uint32(len(c.active))
	as := c.active[cpu]
	node := currentNodeHint(c, cpu)

	for {
		if as.page != nil {
			for {
				w := freelistWord(as.word.Load())
				if w.head() == slabNoObj {
					break
				}
				ptr, ok := as.page.popFree()
				if !ok {
					break
				}
				next := as.page.freeHead
				nw := packFreelist(next, w.tid()+1)
				if as.word.CompareAndSwap(uint64(w), uint64(nw)) {
					return ptr, true
				}
				// lost the race to a concurrent remote Free: undo the
				// local pop's bookkeeping and retry against fresh state.
				as.page.pushFree(ptr)
			}
		}
		// active slab exhausted (or absent): get a new one.
		if p := c.refillFromPartial(node); p != nil {
			as.page = p
			as.word.Store(uint64(packFreelist(p.freeHead, 0)))
			continue
		}
		p, ok := c.newPage(node)
		if !ok {
			return nil, false
		}
		as.page = p
		as.word.Store(uint64(packFreelist(p.freeHead, 0)))
	}
}

// currentNodeHint resolves the allocation-time NUMA node for a CPU; a
// real kernel reads this from per-CPU topology data, here a simple
// round-robin over the node count stands in since the core has no
// running-CPU-to-node map.
func currentNodeHint(c *Cache, cpu uint32) numa.Node {
	return numa.Node(int(cpu) % len(c.nodes))
}

/// FreeObj returns an object previously obtained from Alloc, looking up
/// its owning page from the object's address via the allocator's Dmap
/// arena (so callers need not track which page an object came from).
func (c *Cache) FreeObj(ptr unsafe.Pointer) {
	pfn, ok := c.alloc.PFNFromPointer(ptr)
	if !ok {
		panic("slab: FreeObj: pointer not from this allocator's arena")
	}
	// the object's page is the one whose range [pfn*PGSIZE, +PGSIZE)
	// contains ptr; PFNFromPointer already rounds down to it since Dmap
	// pages are page-aligned.
	c.pagesMu.Lock()
	page, ok := c.pages[pfn]
	c.pagesMu.Unlock()
	if !ok {
		panic("slab: FreeObj: page not tracked by this cache")
	}
	c.Free(page, ptr)
}

/// Free returns an object to its owning slab page. Freeing from a
/// different CPU than the one that allocated it (the common case for
/// an object passed between goroutines) takes the CAS-guarded remote
/// path (§4.B point 1); freeing locally is the same path, since Alloc
/// and local Free both push/pop the active slab's page freelist and then
/// publish the new head through the CAS word.
func (c *Cache) Free(page *slabPage, ptr unsafe.Pointer) {
	for {
		owning := c.ownerOf(page)
		if owning == nil {
			c.freeToPartial(page, ptr)
			return
		}
		wv := freelistWord(owning.word.Load())
		if owning.page != page {
			c.freeToPartial(page, ptr)
			return
		}
		page.pushFree(ptr)
		nw := packFreelist(page.freeHead, wv.tid()+1)
		if owning.word.CompareAndSwap(uint64(wv), uint64(nw)) {
			return
		}
		// lost the race: undo the push and retry against fresh state.
		page.popFree()
	}
}

/// AllocBulk is the cache_alloc_bulk fastpath: it fills dst with n
/// freshly allocated objects, stopping early and returning the short
/// count if the cache runs out before dst is full (§3 "cache_alloc_bulk
/// / cache_free_bulk"). It calls Alloc once per object, so each object
/// goes through the same CPUID/refill bookkeeping as a single Alloc.
func (c *Cache) AllocBulk(dst []unsafe.Pointer) int {
	n := 0
	for n < len(dst) {
		ptr, ok := c.Alloc()
		if !ok {
			break
		}
		dst[n] = ptr
		n++
	}
	return n
}

/// FreeBulk is cache_free_bulk: it returns every object in ptrs to this
/// cache, looking up each one's owning page independently since a batch
/// freed together was not necessarily allocated from the same page.
func (c *Cache) FreeBulk(ptrs []unsafe.Pointer) {
	for _, p := range ptrs {
		c.FreeObj(p)
	}
}

func (c *Cache) ownerOf(page *slabPage) *activeSlab {
	for _, as := range c.active {
		if as.page == page {
			return as
		}
	}
	return nil
}

// freeToPartial handles freeing an object on a page that is not
// anybody's current active slab: lock the page's node partial list
// directly (the slow path SLUB calls __slab_free's "page is on a
// list" branch).
func (c *Cache) freeToPartial(page *slabPage, ptr unsafe.Pointer) {
	page.pushFree(ptr)
	node := c.alloc.Node(page.pfn)
	pn := c.nodes[node]
	pn.mu.Lock()
	defer pn.mu.Unlock()
	if page.empty() && !c.cflags.TypesafeByRCU {
		c.alloc.FreePages(page.pfn, 0, c.flags)
		c.pagesMu.Lock()
		delete(c.pages, page.pfn)
		c.pagesMu.Unlock()
		for i, p := range pn.partial {
			if p == page {
				pn.partial = append(pn.partial[:i], pn.partial[i+1:]...)
				break
			}
		}
		return
	}
	for _, p := range pn.partial {
		if p == page {
			return
		}
	}
	pn.partial = append(pn.partial, page)
}

/// Reclaim implements mem.Shrinker: it walks every node's partial list
/// and returns fully-empty pages to the page allocator, keeping the
/// first minPartial partial-list entries of each node (empty or not) to
/// avoid thrashing repeated alloc/free cycles against the page allocator.
func (c *Cache) Reclaim(target uint64) uint64 {
	if c.cflags.TypesafeByRCU {
		return 0
	}
	var freed uint64
	for _, pn := range c.nodes {
		pn.mu.Lock()
		kept := pn.partial[:0]
		for _, p := range pn.partial {
			if p.empty() && len(kept) >= c.minPartial && freed < target {
				c.alloc.FreePages(p.pfn, 0, c.flags)
				c.pagesMu.Lock()
				delete(c.pages, p.pfn)
				c.pagesMu.Unlock()
				freed++
				continue
			}
			kept = append(kept, p)
		}
		pn.partial = kept
		pn.mu.Unlock()
		if freed >= target {
			break
		}
	}
	return freed
}
