package vmalloc_test

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/assembler-0/AeroSync-sub002/boot"
	"github.com/assembler-0/AeroSync-sub002/config"
	"github.com/assembler-0/AeroSync-sub002/mem"
	"github.com/assembler-0/AeroSync-sub002/numa"
	"github.com/assembler-0/AeroSync-sub002/vmalloc"
)

type fakeSMP struct{ n uint32 }

func (f fakeSMP) CPUID() uint32               { return 0 }
func (f fakeSMP) NumCPU() uint32              { return f.n }
func (f fakeSMP) SendIPI(boot.CPUMask, uint8) {}

// fakePageTable tracks mappings in a plain map instead of real
// hardware page tables, letting vmalloc's bookkeeping be exercised
// host-side (§6 host-testable design).
type fakePageTable struct {
	mu        sync.Mutex
	mappings  map[uintptr]uintptr // virt -> phys
	shootdown int
}

func newFakePageTable() *fakePageTable {
	return &fakePageTable{mappings: make(map[uintptr]uintptr)}
}

func (p *fakePageTable) MapPage(mm, virt, phys uintptr, prot boot.PTEFlags) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mappings[virt] = phys
	return nil
}

func (p *fakePageTable) UnmapPage(mm, virt uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.mappings, virt)
	return nil
}

func (p *fakePageTable) VirtToPhys(mm, virt uintptr) (uintptr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	phys, ok := p.mappings[virt]
	return phys, ok
}

func (p *fakePageTable) SwitchMM(mm uintptr) {}

func (p *fakePageTable) TLBShootdown(mm, start uintptr, pages int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shootdown++
}

func newTestAllocator(t *testing.T, pages uint64) (*mem.Allocator, *config.Tunables) {
	t.Helper()
	tun := config.DefaultTunables()
	tun.MaxOrder = 8
	tun.VmallocBlockPages = 4
	tun.VmallocLazyPurgeThresholdPages = 4
	tun.VmallocHugePageThresholdPages = 4
	arena := make([]byte, pages*uint64(mem.PGSIZE))
	const normalBase = uintptr(8) << 30
	mm := &boot.MemoryMap{
		Regions: []boot.Region{
			{Base: normalBase, Length: uintptr(pages) * uintptr(mem.PGSIZE), Type: boot.Usable, Node: 0},
		},
		NumNodes: 1,
	}
	topo := numa.NewUniform(1, tun)
	a, err := mem.New(mm, topo, fakeSMP{n: 1}, arena, tun, zerolog.Nop())
	require.NoError(t, err)
	return a, tun
}

func TestAllocSmallPacksIntoOneBlock(t *testing.T) {
	m, tun := newTestAllocator(t, 256)
	pt := newFakePageTable()
	va := vmalloc.New(0x4000_0000, 0x5000_0000, m, pt, 0, mem.DefaultFlags(0), tun, nil)

	a1, err := va.Alloc(mem.PGSIZE)
	require.NoError(t, err)
	a2, err := va.Alloc(mem.PGSIZE)
	require.NoError(t, err)
	require.NotEqual(t, a1.Start, a2.Start)

	_, ok := pt.VirtToPhys(0, a1.Start)
	require.True(t, ok)
}

func TestAllocLargeGetsDedicatedRange(t *testing.T) {
	m, tun := newTestAllocator(t, 256)
	pt := newFakePageTable()
	va := vmalloc.New(0x4000_0000, 0x5000_0000, m, pt, 0, mem.DefaultFlags(0), tun, nil)

	alloc, err := va.Alloc(64 * mem.PGSIZE)
	require.NoError(t, err)
	require.Equal(t, 64, alloc.Pages)

	va.Free(alloc)
	require.Equal(t, 1, pt.shootdown)
}

func TestHugeAllocationUsesOneMapping(t *testing.T) {
	m, tun := newTestAllocator(t, 256)
	pt := newFakePageTable()
	va := vmalloc.New(0x4000_0000, 0x5000_0000, m, pt, 0, mem.DefaultFlags(0), tun, nil)

	alloc, err := va.Alloc(4 * mem.PGSIZE)
	require.NoError(t, err)
	require.True(t, alloc.Huge)
	require.Equal(t, 4, alloc.Pages)
}

// TestLazyPurgeReclaimsFullyFreeBlock uses a nil workqueue, which runs
// the purge pass synchronously inline instead of deferring it to a
// worker goroutine, so the reclaim can be asserted deterministically.
func TestLazyPurgeReclaimsFullyFreeBlock(t *testing.T) {
	m, tun := newTestAllocator(t, 256)
	pt := newFakePageTable()
	va := vmalloc.New(0x4000_0000, 0x5000_0000, m, pt, 0, mem.DefaultFlags(0), tun, nil)

	var allocs []*vmalloc.Allocation
	for i := 0; i < 8; i++ {
		a, err := va.Alloc(mem.PGSIZE)
		require.NoError(t, err)
		allocs = append(allocs, a)
	}
	for _, a := range allocs {
		va.Free(a)
	}
	require.GreaterOrEqual(t, pt.shootdown, 1, "a fully-freed block must be purged once the lazy threshold is crossed")
}
