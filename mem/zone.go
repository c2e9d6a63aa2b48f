package mem

import (
	"sync"

	"github.com/assembler-0/AeroSync-sub002/config"
	"github.com/assembler-0/AeroSync-sub002/numa"
)

/// ZoneKind classifies a zone by DMA capability, narrowing which zones
/// an allocation flag set may draw from (DMA < DMA32 < Normal).
type ZoneKind uint8

const (
	ZoneDMA ZoneKind = iota
	ZoneDMA32
	ZoneNormal
	numZoneKinds
)

type freelistHead struct {
	head uint32 // local page index, or sentinel below
	n    int
}

const noPage uint32 = ^uint32(0)

/// Zone is a partition of one NUMA node's memory by DMA capability
/// (§3). It owns a contiguous slice of the allocator's flat mem_map and
/// a set of order x migrate-type buddy free lists.
type Zone struct {
	mu sync.Mutex

	node       numa.Node
	kind       ZoneKind
	startPFN   uint64
	spanned    uint64
	present    uint64
	pages      []PageDescriptor // view into Allocator.memMap[startIdx:startIdx+spanned]
	maxOrder   uint

	freePages uint64 // atomic, but protected by mu here for simplicity of multi-field updates

	watermarkMin  uint64
	watermarkLow  uint64
	watermarkHigh uint64

	freeList       [][numMigrateTypes]freelistHead // indexed by order
	maxFreeOrder   int                             // hint: highest order known non-empty, -1 if none known

	kswapdWake chan struct{}
}

/// NewZone constructs an empty zone spanning the given pages (not yet
/// linked into any free list -- callers seed it via SeedFree).
func NewZone(node numa.Node, kind ZoneKind, startPFN, spanned uint64, pages []PageDescriptor, t *config.Tunables) *Zone {
	if t.WatermarkMinPages > t.WatermarkLowPages || t.WatermarkLowPages > t.WatermarkHighPages {
		panic("watermarks must satisfy min <= low <= high")
	}
	z := &Zone{
		node:          node,
		kind:          kind,
		startPFN:      startPFN,
		spanned:       spanned,
		present:       spanned,
		pages:         pages,
		maxOrder:      t.MaxOrder,
		watermarkMin:  t.WatermarkMinPages,
		watermarkLow:  t.WatermarkLowPages,
		watermarkHigh: t.WatermarkHighPages,
		freeList:      make([][numMigrateTypes]freelistHead, t.MaxOrder),
		maxFreeOrder:  -1,
		kswapdWake:    make(chan struct{}, 1),
	}
	for o := range z.freeList {
		for m := range z.freeList[o] {
			z.freeList[o][m] = freelistHead{head: noPage, n: 0}
		}
	}
	return z
}

/// FreePages returns the zone's current free-page count.
func (z *Zone) FreePages() uint64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.freePages
}

/// KswapdWake signals (non-blocking) the per-node reclaim goroutine.
func (z *Zone) KswapdWake() {
	select {
	case z.kswapdWake <- struct{}{}:
	default:
	}
}

// listPush links local page index idx onto freeList[order][mt]'s head.
func (z *Zone) listPush(order uint, mt MigrateType, idx uint32) {
	fl := &z.freeList[order][mt]
	z.pages[idx].listNext = fl.head
	z.pages[idx].listPrev = noPage
	if fl.head != noPage {
		z.pages[fl.head].listPrev = idx
	}
	fl.head = idx
	fl.n++
	if int(order) > z.maxFreeOrder {
		z.maxFreeOrder = int(order)
	}
}

// listPop detaches a specific local index from its free list.
func (z *Zone) listPop(order uint, mt MigrateType, idx uint32) {
	fl := &z.freeList[order][mt]
	p := &z.pages[idx]
	if p.listPrev != noPage {
		z.pages[p.listPrev].listNext = p.listNext
	} else {
		fl.head = p.listNext
	}
	if p.listNext != noPage {
		z.pages[p.listNext].listPrev = p.listPrev
	}
	p.listNext, p.listPrev = noPage, noPage
	fl.n--
}

// listPopHead detaches and returns the head of freeList[order][mt], or
// ok=false if empty.
func (z *Zone) listPopHead(order uint, mt MigrateType) (uint32, bool) {
	fl := &z.freeList[order][mt]
	if fl.head == noPage {
		return 0, false
	}
	idx := fl.head
	z.listPop(order, mt, idx)
	return idx, true
}

/// SeedFree marks [startLocal, startLocal+1<<order) as one free buddy
/// block of the given order and migrate type, used during bootstrap to
/// hand the zone its initial free memory. It does not attempt to merge.
func (z *Zone) SeedFree(startLocal uint32, order uint, mt MigrateType) {
	z.mu.Lock()
	defer z.mu.Unlock()
	p := &z.pages[startLocal]
	p.Flags |= FlagBuddy
	p.Order = uint8(order)
	p.Migrate = mt
	p.Refcnt = 0
	z.listPush(order, mt, startLocal)
	z.freePages += 1 << order
}

/// buddyOf returns the local index of the buddy block for a block of
/// the given order starting at local index idx.
func buddyOf(idx uint32, order uint) uint32 {
	return idx ^ (1 << order)
}

/// expand splits a block of order `from` located at idx down to order
/// `to`, pushing each upper half onto the appropriate free list, and
/// returns the (now order-`to`-sized) block at idx. Caller holds z.mu.
func (z *Zone) expand(idx uint32, from, to uint, mt MigrateType) uint32 {
	for from > to {
		from--
		buddy := idx + (1 << from)
		p := &z.pages[buddy]
		p.Flags |= FlagBuddy
		p.Order = uint8(from)
		p.Migrate = mt
		z.listPush(from, mt, buddy)
	}
	return idx
}

/// allocLocked finds and removes a free block of the requested order and
/// migrate type, falling back to other migrate types (largest order
/// first) per §4.A point 3. Caller holds z.mu. Returns the local page
/// index and true, or false on exhaustion of this zone.
func (z *Zone) allocLocked(order uint, mt MigrateType) (uint32, bool) {
	for o := order; o < z.maxOrder; o++ {
		if idx, ok := z.listPopHead(o, mt); ok {
			return z.expand(idx, o, order, mt), true
		}
	}
	// migrate-type fallback: scan largest-first across orders for any
	// fallback type, borrow, split, and relabel under the requested type.
	for _, fb := range fallbackOrder[mt] {
		for o := int(z.maxOrder) - 1; o >= int(order); o-- {
			if idx, ok := z.listPopHead(uint(o), fb); ok {
				return z.expand(idx, uint(o), order, mt), true
			}
		}
	}
	return 0, false
}

/// AllocOrder allocates one block of the given order and migrate type
/// from this zone. Returns the PFN of the block's first page, or
/// ok=false if the zone cannot satisfy it right now (watermark or
/// fragmentation -- callers decide whether that's OOM or "try reclaim").
func (z *Zone) AllocOrder(order uint, mt MigrateType, allowBelowLow bool) (uint64, bool) {
	if order >= z.maxOrder {
		panic("order >= MAX_ORDER refused")
	}
	z.mu.Lock()
	if !allowBelowLow && z.freePages < z.watermarkLow {
		belowMin := z.freePages < z.watermarkMin
		z.mu.Unlock()
		z.KswapdWake()
		if belowMin {
			return 0, false
		}
		z.mu.Lock()
	}
	idx, ok := z.allocLocked(order, mt)
	if !ok {
		z.mu.Unlock()
		return 0, false
	}
	z.freePages -= 1 << order
	p := &z.pages[idx]
	p.Flags &^= FlagBuddy
	p.Order = 0
	p.Refcnt = 1
	below := z.freePages < z.watermarkLow
	z.mu.Unlock()
	if below {
		z.KswapdWake()
	}
	return z.startPFN + uint64(idx), true
}

/// FreeOrder returns a block of the given order (by its first page's
/// PFN) to the zone, coalescing with its buddy as long as the buddy is
/// free, same order, and same migrate type (§4.A point 2). Freeing a
/// page already flagged Buddy is a double-free and is fatal (§7).
func (z *Zone) FreeOrder(pfn uint64, order uint, mt MigrateType) {
	if pfn < z.startPFN || pfn >= z.startPFN+z.spanned {
		panic("pfn not in this zone")
	}
	idx := uint32(pfn - z.startPFN)
	z.mu.Lock()
	defer z.mu.Unlock()
	p := &z.pages[idx]
	if p.Flags&FlagBuddy != 0 {
		panic("double free: page already on buddy free list")
	}
	for order < z.maxOrder-1 {
		buddy := buddyOf(idx, order)
		if int(buddy) >= len(z.pages) {
			break
		}
		bp := &z.pages[buddy]
		if bp.Flags&FlagBuddy == 0 || bp.Order != uint8(order) || bp.Migrate != mt {
			break
		}
		z.listPop(order, mt, buddy)
		if buddy < idx {
			idx = buddy
		}
		order++
	}
	p = &z.pages[idx]
	p.Flags |= FlagBuddy
	p.Order = uint8(order)
	p.Migrate = mt
	z.listPush(order, mt, idx)
	z.freePages += 1 << order
}

/// Watermarks reports the zone's configured min/low/high thresholds.
func (z *Zone) Watermarks() (min, low, high uint64) {
	return z.watermarkMin, z.watermarkLow, z.watermarkHigh
}
