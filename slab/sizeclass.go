// Package slab is the object allocator layered on top of package mem's
// page allocator (§4.B): a SLUB-hybrid design with a per-CPU lockless
// fastpath, per-node partial-slab lists, and a size-class router for
// the kmalloc/kzalloc/kfree family. The free-list-per-slab-page and
// size-class-table structure is grounded on cznic/memory's page/size
// pooling (other_examples/cznic-memory) and cznic/exp/lldb's falloc
// (other_examples/cznic-exp-lldb-falloc); the per-CPU active slab and
// per-node partial-list fallback generalize the same pattern package mem
// already uses for its own per-CPU page cache. There is no per-CPU
// object magazine between the active slab and the partial lists.
package slab

// sizeClasses is the kmalloc size-class table: requests round up to the
// next class. Mirrors the conventional SLUB default classes, trimmed to
// the range this core's fault path and vm_object metadata actually use.
var sizeClasses = []int{
	8, 16, 24, 32, 48, 64, 96, 128, 192, 256,
	384, 512, 768, 1024, 1536, 2048, 3072, 4096,
}

/// ClassFor returns the smallest size class >= n, and ok=false if n
/// exceeds the largest class (callers should fall back to a direct
/// multi-page allocation for such "large" objects).
func ClassFor(n int) (int, bool) {
	for _, c := range sizeClasses {
		if n <= c {
			return c, true
		}
	}
	return 0, false
}

/// ClassIndex returns the index into sizeClasses for a given class size,
/// panicking if size is not itself one of the classes -- an internal
/// consistency check, never reachable from caller input.
func classIndex(size int) int {
	for i, c := range sizeClasses {
		if c == size {
			return i
		}
	}
	panic("slab: not a registered size class")
}

/// NumClasses reports how many size classes exist.
func NumClasses() int {
	return len(sizeClasses)
}
