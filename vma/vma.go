// Package vma is the address-space map (§4.C): a balanced (AVL) tree of
// virtual memory areas keyed by start address, replacing the teacher's
// linear Vmregion_t list (vm/as.go, now superseded) with O(log n)
// point/overlap lookups. Free-region search walks the tree in order and
// is therefore O(n) rather than the O(log n) a Linux-style
// rb_subtree_gap augmentation achieves; that augmentation requires
// maintaining a per-node "gap before this node" value across rotations
// and is the documented place to optimize if address-space fragmentation
// ever makes the linear scan a bottleneck. Grounded on the
// region-reservation idiom in gopher-os's vmm/map.go
// (other_examples/gopher-os-kernel-mm-vmm-map.go), adapted from
// page-table-walk bookkeeping into a standalone interval tree, since
// gopher-os itself keeps reservation state in a bump allocator rather
// than a searchable map.
package vma

import (
	"fmt"

	"github.com/assembler-0/AeroSync-sub002/util"
)

/// Permission bits for Area.Perms.
const (
	PermRead uint8 = 1 << iota
	PermWrite
	PermExec
)

/// Area is one virtual memory area: a contiguous, non-overlapping
/// range of the owning address space's virtual pages, tagged with the
/// vm_object backing it and the access permissions this mapping grants.
type Area struct {
	Start, End uintptr // [Start, End), both page-aligned
	Perms      uint8
	Object     interface{} // *vmobject.Object; interface{} avoids an import cycle
	ObjOffset  uint64      // byte offset into Object this area's Start maps to
}

func (a *Area) Len() uintptr { return a.End - a.Start }

func (a *Area) contains(addr uintptr) bool { return addr >= a.Start && addr < a.End }

func (a *Area) overlaps(start, end uintptr) bool { return a.Start < end && start < a.End }

type node struct {
	area        *Area
	left, right *node
	height      int
}

func height(n *node) int {
	if n == nil {
		return 0
	}
	return n.height
}

/// Map is one address space's VMA set: an AVL tree ordered by Area.Start
/// (nodes carry only their height, no free-gap augmentation), plus the
/// address-space bounds within which it may place mappings.
type Map struct {
	root       *node
	lo, hi     uintptr
	pageSize   uintptr
	count      int
}

/// NewMap constructs an empty address-space map spanning [lo, hi).
func NewMap(lo, hi uintptr, pageSize uintptr) *Map {
	return &Map{lo: lo, hi: hi, pageSize: pageSize}
}

/// Count reports how many areas are currently mapped.
func (m *Map) Count() int { return m.count }

/// Low reports the address space's lower bound, the default hint
/// FindFreeGap searches from when the caller has no placement
/// preference of its own.
func (m *Map) Low() uintptr { return m.lo }

func rotateRight(y *node) *node {
	x := y.left
	t2 := x.right
	x.right = y
	y.left = t2
	fixup(y)
	fixup(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	t2 := y.left
	y.left = x
	x.right = t2
	fixup(x)
	fixup(y)
	return y
}

func fixup(n *node) {
	n.height = 1 + maxInt(height(n.left), height(n.right))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func balance(n *node) int {
	return height(n.left) - height(n.right)
}

func rebalance(n *node) *node {
	fixup(n)
	b := balance(n)
	if b > 1 {
		if balance(n.left) < 0 {
			n.left = rotateLeft(n.left)
		}
		return rotateRight(n)
	}
	if b < -1 {
		if balance(n.right) > 0 {
			n.right = rotateRight(n.right)
		}
		return rotateLeft(n)
	}
	return n
}

/// Insert adds area to the map. It returns an error if area overlaps an
/// existing area or falls outside the address space's bounds.
func (m *Map) Insert(area *Area) error {
	if area.Start < m.lo || area.End > m.hi || area.Start >= area.End {
		return fmt.Errorf("vma: area [%#x, %#x) out of bounds [%#x, %#x)", area.Start, area.End, m.lo, m.hi)
	}
	if existing := m.Overlapping(area.Start, area.End); existing != nil {
		return fmt.Errorf("vma: area [%#x, %#x) overlaps existing [%#x, %#x)", area.Start, area.End, existing.Start, existing.End)
	}
	var inserted bool
	m.root, inserted = insert(m.root, area)
	if inserted {
		m.count++
	}
	return nil
}

func insert(n *node, area *Area) (*node, bool) {
	if n == nil {
		return &node{area: area, height: 1}, true
	}
	var ok bool
	switch {
	case area.Start < n.area.Start:
		n.left, ok = insert(n.left, area)
	default:
		n.right, ok = insert(n.right, area)
	}
	return rebalance(n), ok
}

/// Remove deletes the area starting at addr, if any, returning it.
func (m *Map) Remove(addr uintptr) *Area {
	var removed *Area
	m.root, removed = remove(m.root, addr)
	if removed != nil {
		m.count--
	}
	return removed
}

func remove(n *node, addr uintptr) (*node, *Area) {
	if n == nil {
		return nil, nil
	}
	var removed *Area
	switch {
	case addr < n.area.Start:
		n.left, removed = remove(n.left, addr)
	case addr > n.area.Start:
		n.right, removed = remove(n.right, addr)
	default:
		removed = n.area
		switch {
		case n.left == nil:
			return n.right, removed
		case n.right == nil:
			return n.left, removed
		default:
			succ := minNode(n.right)
			n.area = succ.area
			n.right, _ = remove(n.right, succ.area.Start)
		}
	}
	if n == nil {
		return nil, removed
	}
	return rebalance(n), removed
}

func minNode(n *node) *node {
	for n.left != nil {
		n = n.left
	}
	return n
}

/// Find returns the area containing addr, or nil.
func (m *Map) Find(addr uintptr) *Area {
	n := m.root
	for n != nil {
		switch {
		case n.area.contains(addr):
			return n.area
		case addr < n.area.Start:
			n = n.left
		default:
			n = n.right
		}
	}
	return nil
}

/// Overlapping returns an area overlapping [start, end), or nil.
func (m *Map) Overlapping(start, end uintptr) *Area {
	var found *Area
	var walk func(n *node)
	walk = func(n *node) {
		if n == nil || found != nil {
			return
		}
		if n.area.overlaps(start, end) {
			found = n.area
			return
		}
		if start < n.area.Start {
			walk(n.left)
		}
		if end > n.area.Start {
			walk(n.right)
		}
	}
	walk(m.root)
	return found
}

/// InOrder returns every area in ascending start-address order.
func (m *Map) InOrder() []*Area {
	var out []*Area
	var walk func(n *node)
	walk = func(n *node) {
		if n == nil {
			return
		}
		walk(n.left)
		out = append(out, n.area)
		walk(n.right)
	}
	walk(m.root)
	return out
}

/// FindFreeGap searches for an unused, page-aligned span of at least
/// length bytes, hinting near addr if nonzero, else searching from the
/// low end of the address space. This is the core's primary mmap
/// placement primitive (§4.C); see the package doc comment for why this
/// is a linear scan rather than an augmented-tree descent.
func (m *Map) FindFreeGap(length uintptr, addr uintptr) (uintptr, bool) {
	areas := m.InOrder()
	length = roundup(length, m.pageSize)

	tryFrom := func(cursor uintptr) (uintptr, bool) {
		cursor = roundup(cursor, m.pageSize)
		for _, a := range areas {
			if cursor < a.Start {
				if a.Start-cursor >= length {
					return cursor, true
				}
			}
			if cursor < a.End {
				cursor = a.End
			}
		}
		if m.hi-cursor >= length {
			return cursor, true
		}
		return 0, false
	}

	if addr != 0 {
		if gap, ok := tryFrom(addr); ok {
			return gap, true
		}
	}
	return tryFrom(m.lo)
}

func roundup(n, align uintptr) uintptr {
	if align == 0 {
		return n
	}
	return util.Roundup(n, align)
}
