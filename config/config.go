// Package config centralizes the memory-management core's tunables, the
// way the teacher's limits package centralizes Syslimit_t: one struct of
// knobs plus one constructor of sane defaults, so every subsystem reads
// its thresholds from a single injected value instead of scattering
// magic numbers.
package config

// / Tunables holds every threshold the core's subsystems consult. None
// / of these are discovered at runtime (there is no on-disk config file
// / for a kernel core); they are fixed at boot the way Syslimit was a
// / package-level var initialized once from MkSysLimit.
type Tunables struct {
	/// MaxOrder is one past the highest buddy order a zone will track
	/// (orders 0..MaxOrder-1 are valid; MAX_ORDER in §8's boundary tests).
	MaxOrder uint

	/// WatermarkMinPages, WatermarkLowPages, WatermarkHighPages are
	/// per-zone watermarks in pages. min <= low <= high is enforced by
	/// NewZone.
	WatermarkMinPages  uint64
	WatermarkLowPages  uint64
	WatermarkHighPages uint64

	/// PCPBatch is how many order-0 pages a per-CPU cache refills or
	/// drains in one trip to the zone.
	PCPBatch int
	/// PCPHigh is not read by package mem: a per-CPU magazine spills to
	/// the zone only when it already holds PCPCapacity pages.
	PCPHigh uint
	/// PCPCapacity bounds the per-CPU magazine's total size; a free into
	/// a full magazine drains PCPBatch pages back to the zone.
	PCPCapacity int

	/// ZoneDMALimit / ZoneDMA32Limit are the physical-address boundaries
	/// (exclusive) below which a region is classified ZoneDMA / ZoneDMA32
	/// rather than ZoneNormal (16 MiB and 4 GiB, the conventional x86
	/// DMA/DMA32 split).
	ZoneDMALimit   uint64
	ZoneDMA32Limit uint64

	/// ReclaimMaxRetries bounds direct reclaim attempts per allocation
	/// (§8 scenario 6: 3 retries).
	ReclaimMaxRetries int
	/// ReclaimBatchPages is how many pages direct reclaim asks the
	/// shrinker for per try (32 in §8 scenario 6).
	ReclaimBatchPages int

	/// SlabMagazineSize and SlabMagazineDrainBatch are not read by
	/// package slab: it has no per-CPU object magazine, and an object
	/// freed onto a page that is not a CPU's active slab goes straight to
	/// that page's node partial list.
	SlabMagazineSize int
	SlabMagazineDrainBatch int
	/// SlabMinPartial is the minimum number of partial slabs a node
	/// keeps before an emptied slab is returned to the page allocator.
	SlabMinPartial int

	/// ShadowCollapseThreshold is the shadow_depth at which an
	/// asynchronous collapse is enqueued (default 8 per §3).
	ShadowCollapseThreshold int

	/// ReadaheadMaxPages caps a vm_object's readahead window.
	ReadaheadMaxPages int
	/// ReadaheadInitialPages is the window size after a non-sequential
	/// reset (4 in §8 scenario 5).
	ReadaheadInitialPages int

	/// VmallocBlockPages is the size, in pages, of one vmap_block. Only
	/// single-page allocations are packed into blocks; every multi-page
	/// request gets a dedicated range.
	VmallocBlockPages int
	/// VmallocLazyPurgeThresholdPages triggers the purge thread once a
	/// node's accumulated lazy-free pages cross it.
	VmallocLazyPurgeThresholdPages uint64
	/// VmallocHugePageThresholdPages is the minimum 2 MiB-aligned
	/// request size that may use a huge PTE (512 pages == 2 MiB / 4 KiB).
	VmallocHugePageThresholdPages int

	/// NUMADefaultLocalDistance / NUMADefaultRemoteDistance are used
	/// when SLIT is absent (§9 open question): local defaults to 10,
	/// unknown defaults to 255.
	NUMADefaultLocalDistance  uint8
	NUMADefaultRemoteDistance uint8
}

/// DefaultTunables returns the default configuration, mirroring
/// MkSysLimit's role as the one place every default lives.
func DefaultTunables() *Tunables {
	return &Tunables{
		MaxOrder:                       11,
		WatermarkMinPages:              256,
		WatermarkLowPages:              512,
		WatermarkHighPages:             1024,
		PCPBatch:                       32,
		PCPHigh:                        128,
		PCPCapacity:                    256,
		ZoneDMALimit:                   16 << 20,
		ZoneDMA32Limit:                 4 << 30,
		ReclaimMaxRetries:              3,
		ReclaimBatchPages:              32,
		SlabMagazineSize:               64,
		SlabMagazineDrainBatch:         16,
		SlabMinPartial:                 4,
		ShadowCollapseThreshold:        8,
		ReadaheadMaxPages:              32,
		ReadaheadInitialPages:          4,
		VmallocBlockPages:              1024,
		VmallocLazyPurgeThresholdPages: 4096,
		VmallocHugePageThresholdPages:  512,
		NUMADefaultLocalDistance:       10,
		NUMADefaultRemoteDistance:      255,
	}
}
