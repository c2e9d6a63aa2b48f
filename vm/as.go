// Package vm is the top-level address-space wiring (§4.C/§4.D): it
// glues a vma.Map's area bookkeeping to a vmobject.Object's fault
// resolution and a boot.PageTable's hardware mapping, the role
// vm/as.go's Vm_t played in the teacher with Vmregion_t and raw PTE
// manipulation folded inline. Here that split is explicit: vma owns
// "where", vmobject owns "what content", vm owns "make the hardware
// agree with both".
package vm

import (
	"context"
	"fmt"
	"sync"

	"github.com/assembler-0/AeroSync-sub002/boot"
	"github.com/assembler-0/AeroSync-sub002/hashtable"
	"github.com/assembler-0/AeroSync-sub002/mem"
	"github.com/assembler-0/AeroSync-sub002/vma"
	"github.com/assembler-0/AeroSync-sub002/vmobject"
)

// registry maps an mmID handle to its AddressSpace, so a TLB-shootdown
// IPI handler or a debugging path can look one up without the caller
// threading a *AddressSpace through unrelated code. Lookups (PageFault's
// neighbors, e.g. a cross-CPU invalidation callback) never contend with
// the comparatively rare New/Destroy registration traffic.
var registry = hashtable.New[uintptr, *AddressSpace](1024)

/// Lookup returns the address space registered under mmID, if any.
func Lookup(mmID uintptr) (*AddressSpace, bool) {
	return registry.Get(mmID)
}

/// AddressSpace is one process's (or the kernel's) address space: the
/// vma.Map tracking its mappings, the hardware page table backing them,
/// and the lock that makes "look up the vma, resolve the fault, install
/// the PTE" atomic with respect to concurrent Mmap/Unmap the way
/// Vm_t.Lock_pmap made the teacher's equivalent sequence atomic.
type AddressSpace struct {
	mu   sync.Mutex
	vmas *vma.Map
	pt   boot.PageTable
	mmID uintptr

	pgfltaken bool
}

/// New constructs an address space spanning [lo, hi) of virtual
/// address space, mapped through pt under handle mmID.
func New(lo, hi uintptr, pt boot.PageTable, mmID uintptr) *AddressSpace {
	as := &AddressSpace{vmas: vma.NewMap(lo, hi, uintptr(mem.PGSIZE)), pt: pt, mmID: mmID}
	registry.Set(mmID, as)
	return as
}

/// LockPmap acquires the address space lock, mirroring Vm_t.Lock_pmap's
/// role of making page-table manipulation atomic with vma lookup.
func (as *AddressSpace) LockPmap() {
	as.mu.Lock()
	as.pgfltaken = true
}

/// UnlockPmap releases the lock taken by LockPmap.
func (as *AddressSpace) UnlockPmap() {
	as.pgfltaken = false
	as.mu.Unlock()
}

/// LockassertPmap panics if the address space lock is not held, the
/// same assertion Vm_t.Lockassert_pmap made before touching PTEs.
func (as *AddressSpace) LockassertPmap() {
	if !as.pgfltaken {
		panic("vm: pmap lock must be held")
	}
}

/// Mmap installs a new mapping of obj at object-byte-offset objOffset
/// over [start, start+length), taking one reference on obj for the
/// mapping's lifetime (Vmadd_anon/Vmadd_file/Vmadd_shareanon/
/// Vmadd_sharefile's generalized replacement: the vm_object's Kind
/// already distinguishes anonymous/file/shared the way those four
/// methods used to).
func (as *AddressSpace) Mmap(start, length uintptr, perms uint8, obj *vmobject.Object, objOffset uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	obj.Get()
	area := &vma.Area{Start: start, End: start + length, Perms: perms, Object: obj, ObjOffset: objOffset}
	if err := as.vmas.Insert(area); err != nil {
		obj.Put(context.Background())
		return err
	}
	return nil
}

/// MmapAnywhere behaves like Mmap but places the mapping in the first
/// free gap of at least length bytes, the role Unusedva_inner/
/// vmregion.empty played for an anonymous caller with no placement
/// preference.
func (as *AddressSpace) MmapAnywhere(length uintptr, perms uint8, obj *vmobject.Object, objOffset uint64) (uintptr, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	start, ok := as.vmas.FindFreeGap(length, 0)
	if !ok {
		return 0, fmt.Errorf("vm: no free virtual range of %d bytes", length)
	}
	obj.Get()
	area := &vma.Area{Start: start, End: start + length, Perms: perms, Object: obj, ObjOffset: objOffset}
	if err := as.vmas.Insert(area); err != nil {
		obj.Put(context.Background())
		return 0, err
	}
	return start, nil
}

/// Unmap tears down the mapping starting at start: every resident page
/// in its range is unmapped from the hardware page table, the area is
/// removed from the vma map, and the backing object's reference taken
/// by Mmap is dropped (Uvmfree's per-area generalization).
func (as *AddressSpace) Unmap(ctx context.Context, start uintptr) error {
	as.mu.Lock()
	area := as.vmas.Remove(start)
	as.mu.Unlock()
	if area == nil {
		return fmt.Errorf("vm: no mapping at %#x", start)
	}
	obj, _ := area.Object.(*vmobject.Object)
	pages := int(area.Len()) / mem.PGSIZE
	for i := 0; i < pages; i++ {
		va := area.Start + uintptr(i*mem.PGSIZE)
		as.pt.UnmapPage(as.mmID, va)
	}
	as.pt.TLBShootdown(as.mmID, area.Start, pages)
	if obj != nil {
		obj.Put(ctx)
	}
	return nil
}

/// Destroy tears down every mapping in the address space, the
/// replacement for Uvmfree.
func (as *AddressSpace) Destroy(ctx context.Context) {
	as.mu.Lock()
	areas := as.vmas.InOrder()
	as.mu.Unlock()
	for _, a := range areas {
		as.Unmap(ctx, a.Start)
	}
	registry.Del(as.mmID)
}

/// PageFault resolves a fault at faultAddr (§4.D, the Sys_pgfault/
/// Pgfault equivalent): finds the owning area, asks its vm_object to
/// produce a backing page, installs the PTE, and registers this address
/// space as an rmap mapper of that (object, index) pair so the object
/// can invalidate the mapping later.
func (as *AddressSpace) PageFault(ctx context.Context, faultAddr uintptr, write bool) error {
	_, err := as.resolveFault(ctx, faultAddr, write)
	return err
}

// resolveFault is PageFault's implementation, additionally returning
// the PFN it installed so Userbuf_t's copy loop can read/write the
// page directly without repeating the vma/object lookup.
func (as *AddressSpace) resolveFault(ctx context.Context, faultAddr uintptr, write bool) (uint64, error) {
	as.mu.Lock()
	area := as.vmas.Find(faultAddr)
	if area == nil {
		as.mu.Unlock()
		return 0, fmt.Errorf("vm: fault at %#x has no mapping", faultAddr)
	}
	if write && area.Perms&vma.PermWrite == 0 {
		as.mu.Unlock()
		return 0, fmt.Errorf("vm: write fault at %#x to a read-only area", faultAddr)
	}
	obj, ok := area.Object.(*vmobject.Object)
	as.mu.Unlock()
	if !ok || obj == nil {
		return 0, fmt.Errorf("vm: area at %#x has no backing object", faultAddr)
	}

	pageOff := faultAddr - area.Start
	index := (area.ObjOffset + uint64(pageOff)) / uint64(mem.PGSIZE)

	res, err := obj.Fault(ctx, index, write)
	if err != nil {
		return 0, err
	}

	prot := boot.PTEFlags(0)
	if res.Writable {
		prot = boot.PTEFlags(1)
	}
	phys := uintptr(res.PFN) * uintptr(mem.PGSIZE)
	virt := faultAddr &^ (uintptr(mem.PGSIZE) - 1)
	if err := as.pt.MapPage(as.mmID, virt, phys, prot); err != nil {
		return 0, err
	}
	obj.RegisterMapper(index, addressSpaceMapper{as: as, virt: virt})
	return res.PFN, nil
}

// addressSpaceMapper adapts AddressSpace into vmobject.Mapper so an
// object can invalidate this address space's PTE for a page it is
// evicting or collapsing away.
type addressSpaceMapper struct {
	as   *AddressSpace
	virt uintptr
}

func (m addressSpaceMapper) Unmap(index uint64) {
	m.as.pt.UnmapPage(m.as.mmID, m.virt)
	m.as.pt.TLBShootdown(m.as.mmID, m.virt, 1)
}
