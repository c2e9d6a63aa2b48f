// Package vmobject implements the vm_object model (§4.D): the
// reference-counted, page-tree-backed unit of memory content that a
// vma (package vma) maps into an address space. Anonymous, Vnode, and
// Device objects hold real content; Shadow objects sit in front of a
// parent object to implement copy-on-write without copying on fork,
// the classic Mach/*BSD vm_object design this core's spec follows.
// Grounded on vm/as.go's Sys_pgfault/Page_insert (the steal-or-copy COW
// logic lives there in the teacher, generalized here into an explicit
// object graph instead of inline pte bit twiddling) and on
// wilinz-gvisor's lifecycle.go for the shape of a refcounted,
// collapsible object graph.
package vmobject

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/assembler-0/AeroSync-sub002/backing"
	"github.com/assembler-0/AeroSync-sub002/config"
	"github.com/assembler-0/AeroSync-sub002/kref"
	"github.com/assembler-0/AeroSync-sub002/mem"
	"github.com/assembler-0/AeroSync-sub002/workqueue"
)

/// Kind distinguishes the four vm_object flavors (§3).
type Kind uint8

const (
	Anonymous Kind = iota
	Vnode
	Device
	Shadow
)

func (k Kind) String() string {
	switch k {
	case Anonymous:
		return "anonymous"
	case Vnode:
		return "vnode"
	case Device:
		return "device"
	case Shadow:
		return "shadow"
	default:
		return "unknown"
	}
}

/// Mapper is registered by an address space against a (object, index)
/// pair whenever it installs a page-table entry backed by that page --
/// the reverse-mapping (rmap) link (§4.D) that lets the object's
/// eviction/writeback path find and invalidate every page table that
/// still references a page before reclaiming it.
type Mapper interface {
	/// Unmap is called when the object needs this mapper to invalidate
	/// its page-table entry for the given object-relative page index,
	/// because the page is being evicted, collapsed away, or the object
	/// is being destroyed.
	Unmap(index uint64)
}

/// Object is one vm_object (§3): a reference-counted page-tree-backed
/// source of content. Do not copy by value; always pass *Object.
type Object struct {
	ref  *kref.Kref
	kind Kind

	mu    sync.Mutex
	pages *PageTree
	size  uint64 // bytes; a fault at index >= size/PGSIZE is invalid

	alloc *mem.Allocator
	flags mem.AllocFlags

	source backing.Source // non-nil for Vnode/Device
	shared bool            // file-backed objects mapped MAP_SHARED write straight through

	// shadow-chain fields, meaningful only for Shadow objects (§3,
	// §4.D "shadow chain collapse/bypass").
	shadowParent *Object
	shadowDepth  int

	// children counts how many Shadow objects currently name this object
	// as their shadowParent (§3 "children count (atomic)"). collapse
	// consults it on whichever object it is about to fold and bypass:
	// folding is only safe when exactly one child relies on this object's
	// content, otherwise a sibling Shadow sharing the same backing would
	// lose pages out from under it.
	children atomic.Int32

	rmap map[uint64][]Mapper // index -> mappers holding a PTE to this page

	ra   readaheadState
	uffd uffdState

	tunables *config.Tunables
	wq       *workqueue.Queue
}

func newBase(kind Kind, alloc *mem.Allocator, flags mem.AllocFlags, t *config.Tunables, wq *workqueue.Queue) *Object {
	return &Object{
		ref:      kref.New(),
		kind:     kind,
		pages:    NewPageTree(),
		alloc:    alloc,
		flags:    flags,
		rmap:     make(map[uint64][]Mapper),
		tunables: t,
		wq:       wq,
		ra:       newReadaheadState(t),
	}
}

/// NewAnonymous constructs a fresh anonymous object (zero-fill-on-demand
/// memory: stack, heap, anonymous mmap) of the given byte size.
func NewAnonymous(size uint64, alloc *mem.Allocator, flags mem.AllocFlags, t *config.Tunables, wq *workqueue.Queue) *Object {
	o := newBase(Anonymous, alloc, flags, t, wq)
	o.size = size
	return o
}

/// NewVnode constructs a file-backed object over src, sized to src's
/// current length. shared selects MAP_SHARED (writes go straight to
/// src) versus MAP_PRIVATE (writes are copy-on-write, never visible to
/// src) semantics at the object level; vm/as.go's Vmadd_file vs.
/// Vmadd_sharefile distinction is what this field replaces.
func NewVnode(src backing.Source, shared bool, alloc *mem.Allocator, flags mem.AllocFlags, t *config.Tunables, wq *workqueue.Queue) *Object {
	o := newBase(Vnode, alloc, flags, t, wq)
	o.source = src
	o.shared = shared
	o.size = src.Size()
	return o
}

/// NewDevice constructs a device-backed object (e.g. an MMIO window):
/// like Vnode but page content always comes from Source and is never
/// cached across faults with Dirty semantics the page allocator tracks.
func NewDevice(src backing.Source, alloc *mem.Allocator, flags mem.AllocFlags, t *config.Tunables, wq *workqueue.Queue) *Object {
	o := newBase(Device, alloc, flags, t, wq)
	o.source = src
	o.size = src.Size()
	return o
}

/// NewShadow constructs a Shadow object in front of parent, the
/// copy-on-write object fork() installs between a parent address
/// space's anonymous objects and the new child's vmas (§4.D). parent's
/// reference count is incremented; the shadow holds it until the shadow
/// itself is destroyed or collapsed away.
func NewShadow(parent *Object) *Object {
	parent.ref.Get()
	parent.mu.Lock()
	parent.children.Add(1)
	parent.mu.Unlock()
	o := newBase(Shadow, parent.alloc, parent.flags, parent.tunables, parent.wq)
	o.size = parent.size
	o.shadowParent = parent
	o.shadowDepth = parent.shadowChainDepth() + 1
	o.maybeEnqueueCollapse(context.Background())
	return o
}

func (o *Object) shadowChainDepth() int {
	if o.kind != Shadow {
		return 0
	}
	return o.shadowDepth
}

/// Kind reports the object's flavor.
func (o *Object) Kind() Kind { return o.kind }

/// Size reports the object's size in bytes.
func (o *Object) Size() uint64 { return o.size }

/// Get adds a reference.
func (o *Object) Get() { o.ref.Get() }

/// Put drops a reference, tearing the object down (freeing every
/// resident page and, for a Shadow, dropping its reference on its
/// parent) the moment the count reaches zero.
func (o *Object) Put(ctx context.Context) {
	o.ref.Put(func() {
		o.destroy(ctx)
	})
}

func (o *Object) destroy(ctx context.Context) {
	o.mu.Lock()
	o.pages.Range(0, ^uint64(0), func(index uint64, e *Entry) bool {
		if e.Tag == TagFolio {
			o.alloc.Refdown(e.Value, 0, o.flags)
		}
		return true
	})
	parent := o.shadowParent
	o.mu.Unlock()
	if parent != nil {
		parent.mu.Lock()
		parent.children.Add(-1)
		parent.mu.Unlock()
		parent.Put(ctx)
	}
}

/// RegisterMapper records that mapper holds a page-table entry for the
/// page at index, for later rmap-driven invalidation.
func (o *Object) RegisterMapper(index uint64, m Mapper) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rmap[index] = append(o.rmap[index], m)
}

/// UnregisterMapper removes a previously registered mapper (the address
/// space unmapping or tearing down).
func (o *Object) UnregisterMapper(index uint64, m Mapper) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ms := o.rmap[index]
	for i, rm := range ms {
		if rm == m {
			o.rmap[index] = append(ms[:i], ms[i+1:]...)
			break
		}
	}
}

// unmapAll invalidates every registered mapper's PTE for index, used
// before evicting or overwriting the page at that index.
func (o *Object) unmapAll(index uint64) {
	for _, m := range o.rmap[index] {
		m.Unmap(index)
	}
	delete(o.rmap, index)
}

func (o *Object) String() string {
	return fmt.Sprintf("vmobject{kind=%s size=%d refs=%d}", o.kind, o.size, o.ref.Count())
}
