package mem

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog"

	"github.com/assembler-0/AeroSync-sub002/boot"
	"github.com/assembler-0/AeroSync-sub002/config"
	"github.com/assembler-0/AeroSync-sub002/numa"
	"github.com/assembler-0/AeroSync-sub002/oommsg"
)

/// AllocFlags selects which zone, NUMA node, and migrate type an
/// allocation is drawn from -- the generalization of the teacher's bare
/// Refpg_new() (always node-0 Movable) into the full gfp_mask-shaped
/// request the spec's fault path and slab allocator both need.
type AllocFlags struct {
	Kind          ZoneKind
	Node          numa.Node
	Migrate       MigrateType
	AllowBelowLow bool // emergency reserve: direct-reclaim/OOM path only
}

/// DefaultFlags requests an order-0 Movable page from the normal zone on
/// whichever node the caller names.
func DefaultFlags(node numa.Node) AllocFlags {
	return AllocFlags{Kind: ZoneNormal, Node: node, Migrate: Movable}
}

type nodeZones struct {
	zones [numZoneKinds]*Zone
	pcp   *PerCPUPages // fronts ZoneNormal, order-0, Movable -- the hot path
}

/// Allocator is the top-level physical page allocator (§4.A): the
/// direct descendant of the teacher's Physmem_t (mem/mem.go, now
/// removed in favor of the zone/PCP/reclaim split below), generalized
/// from one flat free list into per-node, per-zone buddy allocators
/// fronted by per-CPU caches, with an explicit reclaim path instead of
/// the teacher's "just keep more reserved pages than you'll ever need."
type Allocator struct {
	log      zerolog.Logger
	tunables *config.Tunables
	topo     *numa.Topology
	smp      boot.SMP

	memMap  []PageDescriptor
	basePFN uint64

	nodes []nodeZones

	arena   []byte // backs Dmap: arena[pfn-basePFN] is page (PFN-basePFN)'s bytes
	arenaPA uintptr

	shrinkers []Shrinker
	reclaimers []*reclaimer

	zeroOnce  sync.Once
	zeroPFN   uint64
	zeroErr   error
	zeroReady atomic.Bool
}

/// New constructs an allocator over the usable regions of mm, grounded
/// entirely on a host-supplied byte arena (see package hostenv) rather
/// than a real direct map, so the same code drives both production and
/// tests (§6).
func New(mm *boot.MemoryMap, topo *numa.Topology, smp boot.SMP, arena []byte, t *config.Tunables, log zerolog.Logger) (*Allocator, error) {
	usable := mm.UsablePages()
	if len(usable) == 0 {
		return nil, fmt.Errorf("mem: no usable regions in memory map")
	}
	var totalBytes uintptr
	minBase := ^uintptr(0)
	for _, r := range usable {
		totalBytes += r.Length
		if r.Base < minBase {
			minBase = r.Base
		}
	}
	if uintptr(len(arena)) < totalBytes {
		return nil, fmt.Errorf("mem: arena too small: have %d bytes, need %d", len(arena), totalBytes)
	}

	basePFN := uint64(minBase) >> PGSHIFT
	totalPages := uint64(0)
	for _, r := range usable {
		span := uint64(r.Length) >> PGSHIFT
		top := (uint64(r.Base) >> PGSHIFT) + span
		if top-basePFN > totalPages {
			totalPages = top - basePFN
		}
	}

	a := &Allocator{
		log:      log.With().Str("component", "mem.Allocator").Logger(),
		tunables: t,
		topo:     topo,
		smp:      smp,
		memMap:   make([]PageDescriptor, totalPages),
		basePFN:  basePFN,
		nodes:    make([]nodeZones, topo.NumNodes()),
		arena:    arena,
		arenaPA:  minBase,
	}

	for pfn := range a.memMap {
		a.memMap[pfn].Flags = FlagReserved
		a.memMap[pfn].Refcnt = -1
	}

	for _, r := range usable {
		node := r.Node
		if int(node) < 0 || int(node) >= topo.NumNodes() {
			node = 0
		}
		kind := classifyZone(r.Base, t)
		startPFN := uint64(r.Base) >> PGSHIFT
		spanPages := uint64(r.Length) >> PGSHIFT
		localStart := startPFN - basePFN
		pages := a.memMap[localStart : localStart+spanPages]

		z := a.nodes[node].zones[kind]
		if z == nil {
			z = NewZone(node, kind, startPFN, 0, nil, t)
			a.nodes[node].zones[kind] = z
		}
		for i := range pages {
			pages[i].Node = node
			pages[i].Zone = uint8(kind)
		}
		a.seedZoneRegion(z, pages, startPFN)
	}

	for n := range a.nodes {
		if z := a.nodes[n].zones[ZoneNormal]; z != nil {
			a.nodes[n].pcp = NewPerCPUPages(z, int(smp.NumCPU()), t.PCPBatch, t.PCPCapacity)
		}
		r := newReclaimer(a, numa.Node(n), &a.nodes[n], t, log)
		a.reclaimers = append(a.reclaimers, r)
	}

	a.log.Info().Uint64("total_pages", totalPages).Int("nodes", topo.NumNodes()).Msg("physical allocator initialized")
	return a, nil
}

func classifyZone(base uintptr, t *config.Tunables) ZoneKind {
	switch {
	case uint64(base) < t.ZoneDMALimit:
		return ZoneDMA
	case uint64(base) < t.ZoneDMA32Limit:
		return ZoneDMA32
	default:
		return ZoneNormal
	}
}

// seedZoneRegion folds a contiguous usable region into z's free lists
// as the largest aligned power-of-two buddy blocks it decomposes into,
// mirroring how a real buddy allocator bootstraps from firmware memory
// map entries of arbitrary length. z.pages is always re-sliced directly
// out of the allocator's flat memMap (never copied) so that mutations
// Zone makes to a page descriptor remain visible through
// Allocator.descriptor -- a second region for the same zone must be
// immediately PFN-adjacent to the first, which holds for every memory
// map this host-simulated core constructs (one usable region per
// node/zone pairing).
func (a *Allocator) seedZoneRegion(z *Zone, pages []PageDescriptor, startPFN uint64) {
	localStart := startPFN - a.basePFN
	n := uint32(len(pages))
	var localBase uint32
	if z.spanned == 0 {
		z.startPFN = startPFN
		z.pages = pages
		localBase = 0
	} else {
		wantStart := z.startPFN - a.basePFN + z.spanned
		if localStart != wantStart {
			panic("mem: zone seeded from non-adjacent regions, unsupported")
		}
		z.pages = a.memMap[z.startPFN-a.basePFN : localStart+uint64(n)]
		localBase = uint32(z.spanned)
	}
	z.spanned += uint64(n)
	z.present = z.spanned

	var i uint32
	for i < n {
		maxOrder := uint(0)
		for maxOrder+1 < z.maxOrder && (localBase+i)&((1<<(maxOrder+1))-1) == 0 && i+(1<<(maxOrder+1)) <= n {
			maxOrder++
		}
		z.SeedFree(localBase+i, maxOrder, Movable)
		i += 1 << maxOrder
	}
}

/// AllocPages allocates a 2^order-page block per flags and returns its
/// first page's PFN. It tries the PCP fastpath (order 0, Movable,
/// Normal zone only), then the zone directly, then falls back across
/// the node's NUMA-distance-ordered neighbors, then runs direct reclaim
/// before finally reporting OOM (§4.A point 6, §5 scenario 6).
func (a *Allocator) AllocPages(order uint, flags AllocFlags) (uint64, error) {
	node := numa.Resolve(flags.Node, 0)
	if int(node) >= len(a.nodes) {
		node = 0
	}

	if order == 0 && flags.Kind == ZoneNormal && flags.Migrate == Movable && a.smp != nil {
		if pcp := a.nodes[node].pcp; pcp != nil {
			if pfn, ok := pcp.Alloc(a.smp.CPUID()); ok {
				return pfn, nil
			}
		}
	}

	if pfn, ok := a.tryNode(node, order, flags); ok {
		return pfn, nil
	}
	for _, fb := range a.topo.FallbackOrder(node) {
		if pfn, ok := a.tryNode(fb, order, flags); ok {
			return pfn, nil
		}
	}

	if pfn, ok := a.directReclaimAndRetry(node, order, flags); ok {
		return pfn, nil
	}
	if a.notifyOOM(order) {
		if pfn, ok := a.tryNode(node, order, flags); ok {
			return pfn, nil
		}
	}
	return 0, errOOM(order, flags)
}

// notifyOOM posts to oommsg.OomCh and waits for a reply, giving an
// out-of-band OOM killer one chance to free memory before this
// allocation is finally failed. If nothing is listening, the send is
// skipped and notifyOOM returns false immediately.
func (a *Allocator) notifyOOM(order uint) bool {
	resume := make(chan bool, 1)
	select {
	case oommsg.OomCh <- oommsg.Oommsg_t{Need: 1 << order, Resume: resume}:
	default:
		return false
	}
	return <-resume
}

func (a *Allocator) tryNode(node numa.Node, order uint, flags AllocFlags) (uint64, bool) {
	z := a.nodes[node].zones[flags.Kind]
	if z == nil {
		return 0, false
	}
	return z.AllocOrder(order, flags.Migrate, flags.AllowBelowLow)
}

func (a *Allocator) directReclaimAndRetry(node numa.Node, order uint, flags AllocFlags) (uint64, bool) {
	for try := 0; try < a.tunables.ReclaimMaxRetries; try++ {
		reclaimed := a.runShrinkers(uint64(a.tunables.ReclaimBatchPages))
		if pfn, ok := a.tryNode(node, order, flags); ok {
			return pfn, true
		}
		if reclaimed == 0 {
			break
		}
	}
	return 0, false
}

func (a *Allocator) runShrinkers(target uint64) uint64 {
	var total uint64
	for _, s := range a.shrinkers {
		total += s.Reclaim(target)
		if total >= target {
			break
		}
	}
	return total
}

/// StartReclaimers launches one background reclaimer goroutine per
/// NUMA node; they exit when ctx is cancelled.
func (a *Allocator) StartReclaimers(ctx context.Context) {
	for _, r := range a.reclaimers {
		go r.Run(ctx)
	}
}

/// RegisterShrinker adds a reclaim source (vm_object LRU scan, slab
/// partial-slab trim, ...) that direct reclaim and kswapd both drive.
func (a *Allocator) RegisterShrinker(s Shrinker) {
	a.shrinkers = append(a.shrinkers, s)
}

func errOOM(order uint, flags AllocFlags) error {
	return fmt.Errorf("mem: out of memory: order=%d zone=%d node=%d migrate=%d", order, flags.Kind, flags.Node, flags.Migrate)
}

/// FreePages returns a 2^order-page block previously returned by
/// AllocPages. Freeing with the wrong order, or a pointer that was
/// never allocated, corrupts the buddy free lists -- callers must track
/// the order they allocated with, exactly like the teacher's
/// unchecked Refdown.
func (a *Allocator) FreePages(pfn uint64, order uint, flags AllocFlags) {
	node := numa.Resolve(flags.Node, 0)
	if order == 0 && flags.Kind == ZoneNormal && flags.Migrate == Movable && a.smp != nil {
		if pcp := a.nodes[node].pcp; pcp != nil {
			pcp.Free(a.smp.CPUID(), pfn)
			return
		}
	}
	z := a.nodes[node].zones[flags.Kind]
	z.FreeOrder(pfn, order, flags.Migrate)
}

func (a *Allocator) descriptor(pfn uint64) *PageDescriptor {
	return &a.memMap[pfn-a.basePFN]
}

/// Refcnt returns a page's current reference count.
func (a *Allocator) Refcnt(pfn uint64) int32 {
	return atomic.LoadInt32(&a.descriptor(pfn).Refcnt)
}

/// Refup increments a page's reference count (§3: every vm_object page
/// and every COW-shared page is refcounted; a page reaches zero exactly
/// once, at which point it returns to its zone).
func (a *Allocator) Refup(pfn uint64) {
	c := atomic.AddInt32(&a.descriptor(pfn).Refcnt, 1)
	if c <= 0 {
		panic("mem: Refup on a page with non-positive refcount")
	}
}

/// Refdown decrements a page's reference count, freeing it back to its
/// zone when it reaches zero. Returns true if the page was freed.
func (a *Allocator) Refdown(pfn uint64, order uint, flags AllocFlags) bool {
	c := atomic.AddInt32(&a.descriptor(pfn).Refcnt, -1)
	if c < 0 {
		panic("mem: Refdown below zero: double free")
	}
	if c == 0 {
		a.FreePages(pfn, order, flags)
		return true
	}
	return false
}

/// Dmap returns a byte-addressed view of the page identified by pfn,
/// the host-arena stand-in for the teacher's direct map (mem/dmap.go,
/// now removed): Vdirect + pa there, arena[pfn-basePFN] here.
func (a *Allocator) Dmap(pfn uint64) *Bytepg_t {
	off := (pfn - a.basePFN) * uint64(PGSIZE)
	if off+uint64(PGSIZE) > uint64(len(a.arena)) {
		panic("mem: Dmap: pfn out of arena range")
	}
	return (*Bytepg_t)(unsafe.Pointer(&a.arena[off]))
}

/// DmapWords is Dmap reinterpreted as a word page, for code that walks
/// page-table pages as []Pa_t-shaped entries.
func (a *Allocator) DmapWords(pfn uint64) *Pg_t {
	return Bytepg2pg(a.Dmap(pfn))
}

/// PFNFromPointer recovers the PFN owning a byte previously obtained
/// from Dmap, letting an object allocator (package slab) map a live
/// object pointer back to the page it came from without keeping its own
/// parallel address-range table.
func (a *Allocator) PFNFromPointer(p unsafe.Pointer) (uint64, bool) {
	base := uintptr(unsafe.Pointer(&a.arena[0]))
	addr := uintptr(p)
	if addr < base || addr >= base+uintptr(len(a.arena)) {
		return 0, false
	}
	return a.basePFN + uint64(addr-base)/uint64(PGSIZE), true
}

/// FreePagesCount reports the sum of free pages across every zone on
/// every node, for the metrics package and the OOM killer's last-resort
/// check.
func (a *Allocator) FreePagesCount() uint64 {
	var total uint64
	for n := range a.nodes {
		for _, z := range a.nodes[n].zones {
			if z != nil {
				total += z.FreePages()
			}
		}
	}
	return total
}

/// ZeroPage returns the shared, never-written global zero folio's PFN
/// (§4.E "install the global zero folio" for a missing, read-only
/// anonymous fault), lazily allocating and zero-filling it on first use.
/// Every caller gets its own reference via Refup; the page's own
/// baseline allocation reference is never dropped, so Refdown can never
/// actually free it back to its zone.
func (a *Allocator) ZeroPage() (uint64, error) {
	a.zeroOnce.Do(func() {
		pfn, err := a.AllocPages(0, DefaultFlags(0))
		if err != nil {
			a.zeroErr = err
			return
		}
		clear(a.Dmap(pfn)[:])
		a.zeroPFN = pfn
		a.zeroReady.Store(true)
	})
	if a.zeroErr != nil {
		return 0, a.zeroErr
	}
	a.Refup(a.zeroPFN)
	return a.zeroPFN, nil
}

/// IsZeroPage reports whether pfn is the shared global zero folio, so a
/// caller about to write to (or evict) a page can special-case the one
/// physical frame that must never be mutated in place. Before ZeroPage
/// has ever been called, no pfn is the zero page.
func (a *Allocator) IsZeroPage(pfn uint64) bool {
	return a.zeroReady.Load() && pfn == a.zeroPFN
}

/// Node reports the NUMA node a PFN belongs to.
func (a *Allocator) Node(pfn uint64) numa.Node {
	return a.descriptor(pfn).Node
}
