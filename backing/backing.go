// Package backing defines the interface a vnode (or device) object
// needs from the filesystem/driver layer to back a file-mapped
// vm_object (§4.D): read a page in on a fault, write a dirty page back
// on eviction or msync, and report the backing object's size. This is a
// reconstruction of the teacher's fdops.Fdops_i -- referenced by
// vm/as.go's Vmadd_file/Vmadd_sharefile but whose defining package is
// out of scope (file descriptors and the filesystem layer are not part
// of this core, per the memory-management boundary) -- narrowed to
// exactly the page-cache operations a vm_object's fault path needs.
package backing

import "context"

/// Source is implemented by whatever backs a Vnode or Device vm_object:
/// a filesystem inode, a block device, a memory-mapped hardware
/// register window. The memory-management core never looks inside an
/// implementation; it only calls these methods from the fault path and
/// the writeback/shrinker path.
type Source interface {
	/// ReadPage fills buf (exactly one page) with the contents at the
	/// given byte offset into the backing object, for a demand-paging
	/// fault (§4.D "Vnode pages are read in on first fault").
	ReadPage(ctx context.Context, offset uint64, buf []byte) error

	/// WritePage writes buf (exactly one page) back to the given byte
	/// offset, for writeback of a dirty page evicted under memory
	/// pressure or an explicit msync.
	WritePage(ctx context.Context, offset uint64, buf []byte) error

	/// Size reports the backing object's current size in bytes; a
	/// fault past Size is a SIGBUS-equivalent access violation, not a
	/// hole to fill with zeroes.
	Size() uint64
}

/// Pin is implemented by whatever needs to be notified a backing
/// object gained or lost a mapped page, the reconstruction of the
/// teacher's mem.Unpin_i (vm/as.go's Vmadd_sharefile unpin parameter) --
/// used by a vnode to know it must not be truncated or evicted while a
/// shared mapping still references one of its pages.
type Pin interface {
	/// Unpin is called once, when the last mapping referencing offset
	/// is torn down.
	Unpin(offset uint64)
}
