package vmobject_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/assembler-0/AeroSync-sub002/config"
	"github.com/assembler-0/AeroSync-sub002/mem"
	"github.com/assembler-0/AeroSync-sub002/vmobject"
)

func TestEvictToSwapThenRefault(t *testing.T) {
	a := newTestAllocator(t, 64)
	tun := config.DefaultTunables()
	o := vmobject.NewAnonymous(4*uint64(mem.PGSIZE), a, mem.DefaultFlags(0), tun, nil)

	res, err := o.Fault(context.Background(), 0, true)
	require.NoError(t, err)
	a.Dmap(res.PFN)[0] = 0xCD

	require.True(t, o.EvictToSwap(0))

	back, err := o.Fault(context.Background(), 0, false)
	require.NoError(t, err)
	require.NotEqual(t, res.PFN, back.PFN, "swap-in must land on a fresh page")
	require.EqualValues(t, 0xCD, a.Dmap(back.PFN)[0])
}

func TestEvictToCompressedThenRefault(t *testing.T) {
	a := newTestAllocator(t, 64)
	tun := config.DefaultTunables()
	o := vmobject.NewAnonymous(4*uint64(mem.PGSIZE), a, mem.DefaultFlags(0), tun, nil)

	res, err := o.Fault(context.Background(), 0, true)
	require.NoError(t, err)
	a.Dmap(res.PFN)[0] = 0xEF

	ok, err := o.EvictToCompressed(0)
	require.NoError(t, err)
	require.True(t, ok)

	back, err := o.Fault(context.Background(), 0, false)
	require.NoError(t, err)
	require.NotEqual(t, res.PFN, back.PFN, "decompress must land on a fresh page")
	require.EqualValues(t, 0xEF, a.Dmap(back.PFN)[0])
}

func TestEvictToSwapRefusesZeroPage(t *testing.T) {
	a := newTestAllocator(t, 64)
	tun := config.DefaultTunables()
	o := vmobject.NewAnonymous(4*uint64(mem.PGSIZE), a, mem.DefaultFlags(0), tun, nil)

	_, err := o.Fault(context.Background(), 0, false) // read fault -> shared zero page
	require.NoError(t, err)

	require.False(t, o.EvictToSwap(0), "the shared zero folio must never be evicted to swap")
}

func TestEvictToShadowThenRefaultRereadsSource(t *testing.T) {
	a := newTestAllocator(t, 64)
	tun := config.DefaultTunables()
	src := newMemSource(4 * mem.PGSIZE)
	o := vmobject.NewVnode(src, false, a, mem.DefaultFlags(0), tun, nil)

	res, err := o.Fault(context.Background(), 0, false)
	require.NoError(t, err)
	require.EqualValues(t, 0, a.Dmap(res.PFN)[0])

	require.True(t, o.EvictToShadow(0))

	back, err := o.Fault(context.Background(), 0, false)
	require.NoError(t, err)
	require.NotEqual(t, res.PFN, back.PFN, "a workingset-shadow refault must re-read from source into a fresh page")
	require.EqualValues(t, 1, a.Dmap(back.PFN)[1])
}

func TestEvictToShadowRefusesAnonymous(t *testing.T) {
	a := newTestAllocator(t, 64)
	tun := config.DefaultTunables()
	o := vmobject.NewAnonymous(4*uint64(mem.PGSIZE), a, mem.DefaultFlags(0), tun, nil)

	_, err := o.Fault(context.Background(), 0, true)
	require.NoError(t, err)

	require.False(t, o.EvictToShadow(0), "workingset-shadow eviction is Vnode-only")
}
