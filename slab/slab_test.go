package slab_test

import (
	"testing"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/assembler-0/AeroSync-sub002/boot"
	"github.com/assembler-0/AeroSync-sub002/config"
	"github.com/assembler-0/AeroSync-sub002/mem"
	"github.com/assembler-0/AeroSync-sub002/numa"
	"github.com/assembler-0/AeroSync-sub002/slab"
)

type fakeSMP struct{}

func (fakeSMP) CPUID() uint32               { return 0 }
func (fakeSMP) NumCPU() uint32               { return 1 }
func (fakeSMP) SendIPI(boot.CPUMask, uint8)  {}

func newTestSlabAllocator(t *testing.T) *slab.Allocator {
	return newTestSlabAllocatorFlags(t, slab.CacheFlags{Poison: true})
}

func newTestSlabAllocatorFlags(t *testing.T, cflags slab.CacheFlags) *slab.Allocator {
	t.Helper()
	tun := config.DefaultTunables()
	tun.MaxOrder = 8
	const pages = 4096
	arena := make([]byte, pages*uint64(mem.PGSIZE))
	mm := &boot.MemoryMap{
		Regions: []boot.Region{
			{Base: uintptr(8) << 30, Length: uintptr(pages) * uintptr(mem.PGSIZE), Type: boot.Usable, Node: 0},
		},
		NumNodes: 1,
	}
	topo := numa.NewUniform(1, tun)
	m, err := mem.New(mm, topo, fakeSMP{}, arena, tun, zerolog.Nop())
	require.NoError(t, err)
	return slab.NewAllocator(m, fakeSMP{}, topo, tun, cflags)
}

func TestKmallocRoundTrip(t *testing.T) {
	a := newTestSlabAllocator(t)
	ptr, class, ok := a.Kzalloc(40)
	require.True(t, ok)
	require.Equal(t, 48, class)
	buf := (*[48]byte)(ptr)
	for _, b := range buf {
		require.Zero(t, b)
	}
	a.Kfree(ptr, class)
}

func TestKmallocManyObjectsForcesNewSlabPage(t *testing.T) {
	a := newTestSlabAllocator(t)
	var raw []uintptr
	for i := 0; i < 1000; i++ {
		ptr, class, ok := a.Kmalloc(32)
		require.True(t, ok)
		require.Equal(t, 32, class)
		raw = append(raw, uintptr(ptr))
	}
	seen := map[uintptr]bool{}
	for _, r := range raw {
		require.False(t, seen[r], "duplicate object address handed out twice")
		seen[r] = true
	}
}

func TestKreallocGrowsAcrossClasses(t *testing.T) {
	a := newTestSlabAllocator(t)
	ptr, class, ok := a.Kmalloc(16)
	require.True(t, ok)
	require.Equal(t, 16, class)
	b := (*[16]byte)(ptr)
	b[0], b[15] = 0xAA, 0xBB

	grown, newClass, ok := a.Krealloc(ptr, 16, 200)
	require.True(t, ok)
	require.Equal(t, 256, newClass)
	gb := (*[200]byte)(grown)
	require.Equal(t, byte(0xAA), gb[0])
	require.Equal(t, byte(0xBB), gb[15])
	a.Kfree(grown, newClass)
}

func TestRedzoneDetectsOverrun(t *testing.T) {
	a := newTestSlabAllocatorFlags(t, slab.CacheFlags{Redzone: true})
	ptr, class, ok := a.Kmalloc(32)
	require.True(t, ok)
	b := unsafe.Slice((*byte)(ptr), class+8)
	b[class] = 0xFF // stomp the trailing guard past the usable region
	require.Panics(t, func() {
		a.Kfree(ptr, class)
	})
}

func TestRedzoneRoundTripIsClean(t *testing.T) {
	a := newTestSlabAllocatorFlags(t, slab.CacheFlags{Redzone: true})
	ptr, class, ok := a.Kmalloc(32)
	require.True(t, ok)
	b := unsafe.Slice((*byte)(ptr), class)
	for i := range b {
		b[i] = 0x42
	}
	require.NotPanics(t, func() {
		a.Kfree(ptr, class)
	})
}

func TestKmallocAlignedRoundTrip(t *testing.T) {
	a := newTestSlabAllocator(t)
	ptr, ok := a.KmallocAligned(64, 64)
	require.True(t, ok)
	require.Zero(t, uintptr(ptr)%64)
	b := unsafe.Slice((*byte)(ptr), 64)
	b[0], b[63] = 0xAA, 0xBB
	a.KfreeAligned(ptr, 64, 64)
}

func TestCacheBulkAllocFree(t *testing.T) {
	a := newTestSlabAllocator(t)
	const n = 64
	dst, got := a.KmallocBulk(32, n)
	require.Equal(t, n, got)
	seen := map[unsafe.Pointer]bool{}
	for _, p := range dst {
		require.False(t, seen[p])
		seen[p] = true
	}
	a.KfreeBulk(32, dst)
}
