package vm_test

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/assembler-0/AeroSync-sub002/boot"
	"github.com/assembler-0/AeroSync-sub002/config"
	"github.com/assembler-0/AeroSync-sub002/mem"
	"github.com/assembler-0/AeroSync-sub002/numa"
	"github.com/assembler-0/AeroSync-sub002/vm"
	"github.com/assembler-0/AeroSync-sub002/vma"
	"github.com/assembler-0/AeroSync-sub002/vmobject"
)

type fakeSMP struct{ n uint32 }

func (f fakeSMP) CPUID() uint32               { return 0 }
func (f fakeSMP) NumCPU() uint32              { return f.n }
func (f fakeSMP) SendIPI(boot.CPUMask, uint8) {}

type fakePageTable struct {
	mu       sync.Mutex
	mappings map[uintptr]uintptr
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

func (p *fakePageTable) SwitchMM(mm uintptr)                          {}
func (p *fakePageTable) TLBShootdown(mm, start uintptr, pages int)    {}

func newTestAllocator(t *testing.T, pages uint64) *mem.Allocator {
	t.Helper()
	tun := config.DefaultTunables()
	tun.MaxOrder = 6
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
	return a
}

func TestMmapAndPageFaultInstallsMapping(t *testing.T) {
	m := newTestAllocator(t, 64)
	pt := newFakePageTable()
	as := vm.New(0, 1<<32, pt, 0)
	tun := config.DefaultTunables()

	obj := vmobject.NewAnonymous(4*uint64(mem.PGSIZE), m, mem.DefaultFlags(0), tun, nil)
	require.NoError(t, as.Mmap(0x1000, 4*uintptr(mem.PGSIZE), vma.PermRead|vma.PermWrite, obj, 0))

	require.NoError(t, as.PageFault(context.Background(), 0x1000, true))
	_, ok := pt.VirtToPhys(0, 0x1000)
	require.True(t, ok)
}

func TestUserbufRoundTrip(t *testing.T) {
	m := newTestAllocator(t, 64)
	pt := newFakePageTable()
	as := vm.New(0, 1<<32, pt, 0)
	tun := config.DefaultTunables()

	obj := vmobject.NewAnonymous(4*uint64(mem.PGSIZE), m, mem.DefaultFlags(0), tun, nil)
	require.NoError(t, as.Mmap(0x2000, 4*uintptr(mem.PGSIZE), vma.PermRead|vma.PermWrite, obj, 0))

	var ub vm.Userbuf_t
	ub.Init(as, m, 0x2000, 16)
	n, err := ub.Uiowrite(context.Background(), []byte("hello, vmalloc!!"))
	require.NoError(t, err)
	require.Equal(t, 16, n)

	var ub2 vm.Userbuf_t
	ub2.Init(as, m, 0x2000, 16)
	out := make([]byte, 16)
	n, err = ub2.Uioread(context.Background(), out)
	require.NoError(t, err)
	require.Equal(t, 16, n)
	require.Equal(t, "hello, vmalloc!!", string(out))
}

func TestUnmapDropsObjectReference(t *testing.T) {
	m := newTestAllocator(t, 64)
	pt := newFakePageTable()
	as := vm.New(0, 1<<32, pt, 0)
	tun := config.DefaultTunables()

	obj := vmobject.NewAnonymous(4*uint64(mem.PGSIZE), m, mem.DefaultFlags(0), tun, nil)
	require.NoError(t, as.Mmap(0x3000, 4*uintptr(mem.PGSIZE), vma.PermRead|vma.PermWrite, obj, 0))
	require.NoError(t, as.PageFault(context.Background(), 0x3000, true))

	require.NoError(t, as.Unmap(context.Background(), 0x3000))
	_, ok := pt.VirtToPhys(0, 0x3000)
	require.False(t, ok)
}
