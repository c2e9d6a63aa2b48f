// Package mem is the physical page allocator: a buddy system over
// per-NUMA-node zones with per-CPU page caches (§4.A), plus the x86-ish
// physical-address and page-table-entry vocabulary every other package
// in this module builds on. It is the direct descendant of the
// teacher's mem package (mem/mem.go, mem/dmap.go): Pa_t, PGSHIFT,
// Pg_t/Pmap_t, the PTE_* bit constants, and Physmem_t's per-CPU free
// list all originate there. Unlike the teacher, there is no real direct
// map -- Dmap indexes into a flat arena supplied to New, so the same
// code runs against host-backed memory in tests (see package hostenv).
package mem

import "unsafe"

/// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

/// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

/// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^(PGOFFSET)

/// PTE bit assignments, x86-64 shaped. PTE_COW/PTE_WASCOW are not real
/// hardware bits -- like the teacher, this core borrows two OS-available
/// bits (here, the first two software-available PTE bits, 9 and 10) to
/// track copy-on-write state alongside the hardware bits.
const (
	PTE_P      Pa_t = 1 << 0 /// present
	PTE_W      Pa_t = 1 << 1 /// writable
	PTE_U      Pa_t = 1 << 2 /// user-accessible
	PTE_PCD    Pa_t = 1 << 4 /// cache-disable
	PTE_A      Pa_t = 1 << 5 /// accessed
	PTE_D      Pa_t = 1 << 6 /// dirty
	PTE_PS     Pa_t = 1 << 7 /// page size (huge mapping)
	PTE_G      Pa_t = 1 << 8 /// global
	PTE_COW    Pa_t = 1 << 9 /// software: page is copy-on-write
	PTE_WASCOW Pa_t = 1 << 10 /// software: page was COW, now privately owned
)

/// PTE_ADDR extracts the physical-address bits of a PTE.
const PTE_ADDR Pa_t = PGMASK

/// Pa_t represents a physical address (or, for this host-simulated
/// core, a byte offset into the arena supplied to New).
type Pa_t uintptr

/// Bytepg_t is a byte-addressed page.
type Bytepg_t [PGSIZE]uint8

/// Pg_t is a page addressed as a slice of machine words, matching the
/// teacher's layout so code that walks a page as []int (e.g. a
/// software page-table walker) needs no conversion.
type Pg_t [PGSIZE / 8]int

/// Pmap_t is a page-table page: 512 64-bit physical-address-shaped
/// entries.
type Pmap_t [512]Pa_t

/// Pg2bytes reinterprets a word page as a byte page.
func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

/// Bytepg2pg reinterprets a byte page as a word page.
func Bytepg2pg(pg *Bytepg_t) *Pg_t {
	return (*Pg_t)(unsafe.Pointer(pg))
}

func pg2pmap(pg *Pg_t) *Pmap_t {
	return (*Pmap_t)(unsafe.Pointer(pg))
}

/// PFN converts a physical address to its page-frame number.
func PFN(pa Pa_t) uint64 {
	return uint64(pa) >> PGSHIFT
}

/// PFNToPa converts a page-frame number back to a physical address.
func PFNToPa(pfn uint64) Pa_t {
	return Pa_t(pfn << PGSHIFT)
}
