package vmobject_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/assembler-0/AeroSync-sub002/boot"
	"github.com/assembler-0/AeroSync-sub002/config"
	"github.com/assembler-0/AeroSync-sub002/mem"
	"github.com/assembler-0/AeroSync-sub002/numa"
	"github.com/assembler-0/AeroSync-sub002/vmobject"
	"github.com/assembler-0/AeroSync-sub002/workqueue"
)

type fakeSMP struct{ n uint32 }

func (f fakeSMP) CPUID() uint32               { return 0 }
func (f fakeSMP) NumCPU() uint32              { return f.n }
func (f fakeSMP) SendIPI(boot.CPUMask, uint8) {}

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

// memSource is a fake backing.Source over an in-memory byte slice, used
// to exercise Vnode demand paging and readahead without a real
// filesystem.
type memSource struct {
	mu    sync.Mutex
	data  []byte
	reads []uint64
}

func newMemSource(size int) *memSource {
	d := make([]byte, size)
	for i := range d {
		d[i] = byte(i)
	}
	return &memSource{data: d}
}

func (m *memSource) ReadPage(ctx context.Context, offset uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset >= uint64(len(m.data)) {
		return fmt.Errorf("memSource: offset %d past end", offset)
	}
	m.reads = append(m.reads, offset/uint64(len(buf)))
	n := copy(buf, m.data[offset:])
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

func (m *memSource) WritePage(ctx context.Context, offset uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data[offset:], buf)
	return nil
}

func (m *memSource) Size() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.data))
}

func TestAnonymousFaultIsZeroFilledAndStable(t *testing.T) {
	a := newTestAllocator(t, 64)
	tun := config.DefaultTunables()
	o := vmobject.NewAnonymous(8*uint64(mem.PGSIZE), a, mem.DefaultFlags(0), tun, nil)

	res1, err := o.Fault(context.Background(), 0, true)
	require.NoError(t, err)
	require.True(t, res1.Writable)
	require.Equal(t, make([]byte, mem.PGSIZE), a.Dmap(res1.PFN)[:], "a fresh anonymous page must be zero-filled")

	res2, err := o.Fault(context.Background(), 0, true)
	require.NoError(t, err)
	require.Equal(t, res1.PFN, res2.PFN, "refaulting the same index must return the same page")
}

func TestVnodeFaultReadsThroughSource(t *testing.T) {
	a := newTestAllocator(t, 64)
	tun := config.DefaultTunables()
	src := newMemSource(4 * mem.PGSIZE)
	o := vmobject.NewVnode(src, false, a, mem.DefaultFlags(0), tun, nil)

	res, err := o.Fault(context.Background(), 0, false)
	require.NoError(t, err)
	buf := a.Dmap(res.PFN)
	require.EqualValues(t, 0, buf[0])
	require.EqualValues(t, 1, buf[1])
}

func TestShadowReadFallsThroughToParent(t *testing.T) {
	a := newTestAllocator(t, 64)
	tun := config.DefaultTunables()
	parent := vmobject.NewAnonymous(4*uint64(mem.PGSIZE), a, mem.DefaultFlags(0), tun, nil)

	pres, err := parent.Fault(context.Background(), 0, true)
	require.NoError(t, err)

	child := vmobject.NewShadow(parent)
	cres, err := child.Fault(context.Background(), 0, false)
	require.NoError(t, err)
	require.Equal(t, pres.PFN, cres.PFN, "a shadow's read fault must see the parent's page")
}

func TestShadowWriteCopiesWhenSharedWithParent(t *testing.T) {
	a := newTestAllocator(t, 64)
	tun := config.DefaultTunables()
	parent := vmobject.NewAnonymous(4*uint64(mem.PGSIZE), a, mem.DefaultFlags(0), tun, nil)
	pres, err := parent.Fault(context.Background(), 0, true)
	require.NoError(t, err)

	child := vmobject.NewShadow(parent)
	// parent's own tree entry plus its own mapping already make refcount
	// 2; this test's refup raises it to 3, forcing child's write fault to
	// copy rather than steal.
	a.Refup(pres.PFN)

	cres, err := child.Fault(context.Background(), 0, true)
	require.NoError(t, err)
	require.NotEqual(t, pres.PFN, cres.PFN, "a write fault through a still-shared parent page must copy")

	pres2, err := parent.Fault(context.Background(), 0, true)
	require.NoError(t, err)
	require.Equal(t, pres.PFN, pres2.PFN, "the parent's own page must be unaffected by the child's copy")
}

func TestShadowWriteStealsWhenSoleOwner(t *testing.T) {
	a := newTestAllocator(t, 64)
	tun := config.DefaultTunables()
	parent := vmobject.NewAnonymous(4*uint64(mem.PGSIZE), a, mem.DefaultFlags(0), tun, nil)
	pres, err := parent.Fault(context.Background(), 0, true)
	require.NoError(t, err)

	child := vmobject.NewShadow(parent)
	cres, err := child.Fault(context.Background(), 0, true)
	require.NoError(t, err)
	require.Equal(t, pres.PFN, cres.PFN, "with refcount 2 (the parent's tree entry plus its one mapping) the shadow must steal the page in place rather than copy")
}

func TestNewShadowPastCollapseThreshold(t *testing.T) {
	a := newTestAllocator(t, 64)
	tun := config.DefaultTunables()
	tun.ShadowCollapseThreshold = 2
	wq := workqueue.New(context.Background(), 8)

	root := vmobject.NewAnonymous(4*uint64(mem.PGSIZE), a, mem.DefaultFlags(0), tun, wq)
	_, err := root.Fault(context.Background(), 0, true)
	require.NoError(t, err)

	mid := vmobject.NewShadow(root)
	leaf := vmobject.NewShadow(mid)
	require.NotNil(t, leaf)
}

func TestShadowCollapseRefusesWhenParentHasTwoChildren(t *testing.T) {
	a := newTestAllocator(t, 64)
	tun := config.DefaultTunables()
	tun.ShadowCollapseThreshold = 2
	wq := workqueue.New(context.Background(), 8)

	root := vmobject.NewAnonymous(4*uint64(mem.PGSIZE), a, mem.DefaultFlags(0), tun, wq)
	rootRes, err := root.Fault(context.Background(), 0, true)
	require.NoError(t, err)

	mid := vmobject.NewShadow(root)
	siblingA := vmobject.NewShadow(mid)
	siblingB := vmobject.NewShadow(mid)

	// siblingA and siblingB both just crossed ShadowCollapseThreshold and
	// each enqueued an async collapse pass on wq; the queue is strict
	// FIFO, so waiting for a marker enqueued after them waits for both to
	// finish.
	done := make(chan struct{})
	wq.Enqueue(func() { close(done) })
	<-done

	// mid has two children (siblingA and siblingB): folding mid into
	// either one would delete mid's entries out from under the other, so
	// collapse must have refused to touch mid. Both siblings must still
	// resolve the original page by walking through the intact mid link.
	bRes, err := siblingB.Fault(context.Background(), 0, false)
	require.NoError(t, err)
	require.Equal(t, rootRes.PFN, bRes.PFN, "sibling shadow must still see the original page through the un-collapsed parent")

	aRes, err := siblingA.Fault(context.Background(), 0, false)
	require.NoError(t, err)
	require.Equal(t, rootRes.PFN, aRes.PFN, "the collapsing shadow itself must still read the correct page")
}

func TestUffdHandlerPreemptsNormalFault(t *testing.T) {
	a := newTestAllocator(t, 64)
	tun := config.DefaultTunables()
	o := vmobject.NewAnonymous(4*uint64(mem.PGSIZE), a, mem.DefaultFlags(0), tun, nil)

	reservedPFN, err := a.AllocPages(0, mem.DefaultFlags(0))
	require.NoError(t, err)
	o.RegisterUffd(0, 1, uffdStub{pfn: reservedPFN})

	res, err := o.Fault(context.Background(), 0, false)
	require.NoError(t, err)
	require.Equal(t, reservedPFN, res.PFN)
}

type uffdStub struct{ pfn uint64 }

func (u uffdStub) Resolve(ctx context.Context, ev vmobject.MissingEvent) (uint64, error) {
	return u.pfn, nil
}
