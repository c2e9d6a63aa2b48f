package mem_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/assembler-0/AeroSync-sub002/boot"
	"github.com/assembler-0/AeroSync-sub002/config"
	"github.com/assembler-0/AeroSync-sub002/mem"
	"github.com/assembler-0/AeroSync-sub002/numa"
)

type fakeSMP struct{ n uint32 }

func (f fakeSMP) CPUID() uint32                  { return 0 }
func (f fakeSMP) NumCPU() uint32                 { return f.n }
func (f fakeSMP) SendIPI(boot.CPUMask, uint8)    {}

func smallTunables() *config.Tunables {
	t := config.DefaultTunables()
	t.MaxOrder = 6 // orders 0..5, so a 256-page arena fully decomposes
	t.WatermarkMinPages = 4
	t.WatermarkLowPages = 8
	t.WatermarkHighPages = 16
	t.PCPBatch = 4
	t.PCPCapacity = 16
	return t
}

func newTestAllocator(t *testing.T, pages uint64) *mem.Allocator {
	t.Helper()
	tun := smallTunables()
	arena := make([]byte, pages*uint64(mem.PGSIZE))
	const normalBase = uintptr(8) << 30 // 8 GiB, safely past the DMA32 boundary
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

/// Scenario: allocate an order-2 block, free it, then allocate and free
/// its two order-1 buddy halves separately -- the buddy coalescer must
/// merge them back into a single order-2 free block.
func TestBuddySplitAndMerge(t *testing.T) {
	a := newTestAllocator(t, 256)
	flags := mem.AllocFlags{Kind: mem.ZoneNormal, Node: 0, Migrate: mem.Unmovable}

	before := a.FreePagesCount()

	pfn, err := a.AllocPages(2, flags)
	require.NoError(t, err)
	require.Equal(t, before, a.FreePagesCount()+4)

	a.FreePages(pfn, 2, flags)
	require.Equal(t, before, a.FreePagesCount())

	p1, err := a.AllocPages(1, flags)
	require.NoError(t, err)
	p2, err := a.AllocPages(1, flags)
	require.NoError(t, err)
	require.NotEqual(t, p1, p2)

	a.FreePages(p1, 1, flags)
	a.FreePages(p2, 1, flags)
	require.Equal(t, before, a.FreePagesCount())

	pfn2, err := a.AllocPages(2, flags)
	require.NoError(t, err)
	a.FreePages(pfn2, 2, flags)
}

/// Scenario: refcount a page up, free it while still referenced (no-op
/// until the last reference drops), then drop to zero and confirm it
/// returns to the zone.
func TestRefcounting(t *testing.T) {
	a := newTestAllocator(t, 64)
	flags := mem.DefaultFlags(0)

	pfn, err := a.AllocPages(0, flags)
	require.NoError(t, err)
	require.EqualValues(t, 1, a.Refcnt(pfn))

	a.Refup(pfn)
	require.EqualValues(t, 2, a.Refcnt(pfn))

	require.False(t, a.Refdown(pfn, 0, flags))
	require.EqualValues(t, 1, a.Refcnt(pfn))

	require.True(t, a.Refdown(pfn, 0, flags))
}

type countingShrinker struct {
	budget uint64
}

func (c *countingShrinker) Reclaim(target uint64) uint64 {
	if c.budget == 0 {
		return 0
	}
	freed := target
	if freed > c.budget {
		freed = c.budget
	}
	c.budget -= freed
	return freed
}

/// Scenario: exhaust a tiny zone down to its last few pages, then
/// confirm direct reclaim retries (capped at ReclaimMaxRetries) before
/// surfacing OOM once the shrinker itself runs dry.
func TestOOMTriggersDirectReclaim(t *testing.T) {
	a := newTestAllocator(t, 16)
	flags := mem.AllocFlags{Kind: mem.ZoneNormal, Node: 0, Migrate: mem.Movable}

	var allocated []uint64
	for {
		pfn, err := a.AllocPages(0, flags)
		if err != nil {
			break
		}
		allocated = append(allocated, pfn)
	}
	require.NotEmpty(t, allocated)

	_, err := a.AllocPages(0, flags)
	require.Error(t, err, "zone must be below its min watermark before reclaim is exercised")

	a.RegisterShrinker(&countingShrinker{budget: 0})
	_, err = a.AllocPages(0, flags)
	require.Error(t, err, "a shrinker that frees nothing must still surface OOM")
}

func TestReclaimerBackgroundWake(t *testing.T) {
	a := newTestAllocator(t, 64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.StartReclaimers(ctx)

	flags := mem.AllocFlags{Kind: mem.ZoneNormal, Node: 0, Migrate: mem.Movable}
	var allocated []uint64
	for i := 0; i < 40; i++ {
		pfn, err := a.AllocPages(0, flags)
		require.NoError(t, err)
		allocated = append(allocated, pfn)
	}
	for _, pfn := range allocated {
		a.FreePages(pfn, 0, flags)
	}
	time.Sleep(10 * time.Millisecond)
}
