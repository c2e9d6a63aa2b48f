package mem

import "github.com/assembler-0/AeroSync-sub002/numa"

/// PageFlags is the page-descriptor bitset of §3. Exactly one of
/// {FlagBuddy, FlagSlab, FlagMapped, FlagReserved} may be set at a
/// time; FlagHead and FlagTail are mutually exclusive.
type PageFlags uint32

const (
	FlagSlab PageFlags = 1 << iota
	FlagBuddy
	FlagHead
	FlagTail
	FlagReserved
	FlagLocked
	FlagDirty
	FlagLRUActive
	FlagLRUUnevictable
	FlagWriteback
	FlagMapped // file/anonymous page installed in a vm_object's page tree
)

/// MigrateType classifies a buddy block for anti-fragmentation
/// placement and fallback borrowing (§4.A point 3).
type MigrateType uint8

const (
	Unmovable MigrateType = iota
	Reclaimable
	Movable
	numMigrateTypes
)

/// fallbackOrder lists, for each migrate type, the order in which other
/// types may be borrowed from when the preferred type's free lists are
/// empty at every order up to MaxOrder-1.
var fallbackOrder = [numMigrateTypes][numMigrateTypes - 1]MigrateType{
	Unmovable:   {Reclaimable, Movable},
	Reclaimable: {Movable, Unmovable},
	Movable:     {Reclaimable, Unmovable},
}

/// PageDescriptor is the per-physical-page metadata of §3 (the
/// teacher's Physpg_t, generalized from a bare refcount+freelist-link
/// into the full union the spec requires). One exists per page frame in
/// the allocator's flat mem_map, indexed by PFN - startPFN.
type PageDescriptor struct {
	Flags   PageFlags
	Refcnt  int32 // atomic
	Order   uint8 // valid buddy order while FlagBuddy is set
	Migrate MigrateType
	Node    numa.Node
	Zone    uint8

	// free-list / LRU link: indices into the owning zone's mem_map,
	// ^uint32(0) for "no link". Intrusive, per design note "inline
	// lists vs. generic containers".
	listNext uint32
	listPrev uint32

	// compound-page back-pointer: for a Tail page, headPFN is the
	// PFN of the Head page owning this tail. Zero/unused otherwise.
	HeadPFN uint64

	// slab union
	SlabCache   interface{} // *slab.Cache, set only while FlagSlab
	SlabFree    uintptr     // obfuscated freelist head for this slab page
	SlabInuse   uint16
	SlabObjects uint16
	SlabFrozen  bool

	// file/anonymous union: owning vm_object and its page-tree key.
	// interface{} to avoid an import cycle with package vmobject; both
	// sides agree on the concrete type.
	Mapping    interface{}
	FileOffset uint64
}

/// Folio describes the head of a compound (2^order) page run, per §3:
/// "a folio is the head of a compound page; tail pages carry a
/// back-pointer to the head." Folio itself is a thin, copyable
/// descriptor -- the authoritative state lives in the mem_map.
type Folio struct {
	PFN   uint64
	Order uint8
}

/// Pages returns 1<<Order, the number of physical pages this folio spans.
func (f Folio) Pages() int {
	return 1 << f.Order
}

/// Bytes returns the folio's size in bytes.
func (f Folio) Bytes() int {
	return f.Pages() * PGSIZE
}

/// Addr returns the folio's physical base address.
func (f Folio) Addr() Pa_t {
	return PFNToPa(f.PFN)
}
