package slab

// cacheLineSize is the stride HWCacheAlign rounds an object up to, so no
// two objects from the same cache ever share a cache line -- the same
// false-sharing avoidance SLAB_HWCACHE_ALIGN buys a real cache.
const cacheLineSize = 64

/// CacheFlags selects a cache's hardening and placement behavior (§3
/// Cache attribute "flags (Poison, RedZone, HWCacheAlign,
/// TypesafeByRCU)"; §4.B "Hardening (when MM_HARDENING is configured)").
type CacheFlags struct {
	// Poison fills a freed object's body with a marker byte and is
	// meant to be paired with a debug build's on-alloc verification;
	// this allocator applies the fill unconditionally when set (the
	// verify-on-alloc half is a debug-only check real SLUB also gates
	// behind a separate config knob, omitted here).
	Poison bool
	// Redzone appends and verifies an 8-byte guard past each object's
	// usable size, catching a write that overruns its allocation.
	Redzone bool
	// HWCacheAlign rounds the per-object stride up to cacheLineSize so
	// no two objects share a cache line.
	HWCacheAlign bool
	// TypesafeByRCU keeps an emptied slab page on its node's partial
	// list instead of returning it to the page allocator, so a page
	// once handed out for this cache's type is never reused for a
	// different type while an RCU reader might still hold a stale
	// pointer into it (SLAB_TYPESAFE_BY_RCU).
	TypesafeByRCU bool
}

func alignUp(n, align int) int {
	if n%align == 0 {
		return n
	}
	return n + align - n%align
}

// stride computes the actual per-object byte span a cache with these
// flags occupies on a slab page: the requested class size, plus an
// 8-byte redzone guard if enabled, rounded up to a cache line if
// HWCacheAlign is set.
func (f CacheFlags) stride(size int) int {
	n := size
	if f.Redzone {
		n += 8
	}
	if f.HWCacheAlign {
		n = alignUp(n, cacheLineSize)
	}
	return n
}
