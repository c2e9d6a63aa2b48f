package mem

import "sync"

/// pcpMagazine holds up to capacity order-0 pages for one CPU's per-CPU
/// cache before Free spills back to the zone, mirroring the teacher's
/// pcpuphys_t.freelen cap of 100 (mem/mem.go, now superseded) generalized
/// to a configurable magazine size instead of a hardcoded constant.
type pcpMagazine struct {
	mu       sync.Mutex
	pfns     []uint64
	capacity int
}

func newPCPMagazine(capacity int) *pcpMagazine {
	return &pcpMagazine{pfns: make([]uint64, 0, capacity), capacity: capacity}
}

/// pop removes one PFN from the magazine, or ok=false if it is empty.
func (m *pcpMagazine) pop() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.pfns)
	if n == 0 {
		return 0, false
	}
	pfn := m.pfns[n-1]
	m.pfns = m.pfns[:n-1]
	return pfn, true
}

/// push adds a PFN to the magazine. Returns false if the magazine is at
/// capacity, in which case the caller must free directly to the zone.
func (m *pcpMagazine) push(pfn uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pfns) >= m.capacity {
		return false
	}
	m.pfns = append(m.pfns, pfn)
	return true
}

func (m *pcpMagazine) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pfns)
}

/// drain empties the magazine, returning every PFN it held, for periodic
/// reclaim or CPU-offline flush.
func (m *pcpMagazine) drain() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pfns
	m.pfns = make([]uint64, 0, m.capacity)
	return out
}

/// perCPUCache is one CPU's order-0 fastpath cache for one zone, the
/// direct descendant of the teacher's pcpuphys_t (mem/mem.go): a small
/// free list of whole pages, guarded by its own per-CPU mutex, that
/// avoids the zone lock on every allocation/free of a single page.
type perCPUCache struct {
	mag *pcpMagazine
}

/// PerCPUPages fronts a Zone's order-0 free list with one magazine per
/// CPU (§4.A point 4), refilling/draining in batches from the zone's
/// buddy free list to amortize the zone lock.
type PerCPUPages struct {
	zone       *Zone
	caches     []perCPUCache
	batch      int
	mt         MigrateType
}

/// NewPerCPUPages constructs the per-CPU front end for one zone's
/// order-0 Movable-type allocations, the hottest path for anonymous
/// page faults.
func NewPerCPUPages(z *Zone, numCPU int, batch, capacity int) *PerCPUPages {
	p := &PerCPUPages{zone: z, caches: make([]perCPUCache, numCPU), batch: batch, mt: Movable}
	for i := range p.caches {
		p.caches[i] = perCPUCache{mag: newPCPMagazine(capacity)}
	}
	return p
}

/// Alloc returns one order-0 page's PFN for the calling CPU, refilling
/// this CPU's magazine from the zone in a batch if it is empty.
func (p *PerCPUPages) Alloc(cpu uint32) (uint64, bool) {
	c := &p.caches[cpu%uint32(len(p.caches))]
	if pfn, ok := c.mag.pop(); ok {
		return pfn, true
	}
	for i := 0; i < p.batch; i++ {
		pfn, ok := p.zone.AllocOrder(0, p.mt, false)
		if !ok {
			break
		}
		if !c.mag.push(pfn) {
			p.zone.FreeOrder(pfn, 0, p.mt)
			break
		}
	}
	return c.mag.pop()
}

/// Free returns one order-0 page to the calling CPU's magazine, spilling
/// a batch of its oldest pages back to the zone's buddy lists when the
/// magazine is full.
func (p *PerCPUPages) Free(cpu uint32, pfn uint64) {
	c := &p.caches[cpu%uint32(len(p.caches))]
	if c.mag.push(pfn) {
		return
	}
	drained := c.mag.drain()
	spill := p.batch
	if spill > len(drained) {
		spill = len(drained)
	}
	for _, f := range drained[:spill] {
		p.zone.FreeOrder(f, 0, p.mt)
	}
	for _, f := range drained[spill:] {
		c.mag.push(f)
	}
	p.zone.FreeOrder(pfn, 0, p.mt)
}

/// DrainAll empties every CPU's magazine back to the zone, used before a
/// zone-wide compaction pass or CPU hot-unplug.
func (p *PerCPUPages) DrainAll() {
	for i := range p.caches {
		for _, pfn := range p.caches[i].mag.drain() {
			p.zone.FreeOrder(pfn, 0, p.mt)
		}
	}
}
