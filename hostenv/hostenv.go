//go:build linux

// Package hostenv supplies real Linux-backed implementations of every
// boot collaborator interface (§6), so the memory-management core can
// run its full mmap-fault-readahead-reclaim path against real anonymous
// memory without any actual kernel-mode code or hardware. The arena
// comes from an unix.Mmap anonymous mapping rather than a plain
// make([]byte, ...) so MapPage/UnmapPage can drive real
// unix.Mprotect calls -- a page genuinely becomes inaccessible when the
// core unmaps it, which a software-only page-table shim could not
// demonstrate. Grounded on gopher-os's arch/amd64 page-table package's
// shape (one Translate/Map pair backing a higher-level allocator) and
// the mmap-arena idiom other_examples/ hypervisor code uses to back
// guest physical memory with host pages.
package hostenv

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/assembler-0/AeroSync-sub002/boot"
)

/// Arena is an anonymous mmap'd region standing in for physical memory.
// Its bytes back every PageDescriptor the buddy allocator hands out, the
// same role a plain byte slice plays in the unit tests, except real
// mprotect calls against Arena.Bytes actually take effect.
type Arena struct {
	Bytes []byte
}

/// NewArena mmaps size bytes (rounded up to a page) as an anonymous,
/// read-write, private mapping.
func NewArena(size int) (*Arena, error) {
	pageSize := unix.Getpagesize()
	size = roundup(size, pageSize)
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("hostenv: mmap arena: %w", err)
	}
	return &Arena{Bytes: b}, nil
}

/// Close unmaps the arena. Using the arena after Close is undefined.
func (a *Arena) Close() error {
	if a.Bytes == nil {
		return nil
	}
	err := unix.Munmap(a.Bytes)
	a.Bytes = nil
	return err
}

func roundup(n, align int) int {
	if n%align == 0 {
		return n
	}
	return n + align - n%align
}

/// Clock implements boot.Clock with the real monotonic clock.
type Clock struct{}

// clockStart is the origin NowNanos measures from; time.Since reads Go's
// monotonic clock reading, so wall-clock adjustments never affect it.
var clockStart = time.Now()

/// NowNanos returns the current monotonic time in nanoseconds.
func (Clock) NowNanos() uint64 { return uint64(time.Since(clockStart).Nanoseconds()) }

var _ boot.Clock = Clock{}

/// SMP implements boot.SMP for a single host process: every caller is
/// treated as CPU 0 and SendIPI is a no-op, since a host process has no
/// real cross-CPU TLB state to invalidate the way a hypervisor guest or
/// bare-metal kernel would. This is sufficient to exercise every
/// single-threaded and lock-protected code path; it does not exercise
/// genuine cross-CPU IPI delivery.
type SMP struct{ NCPU uint32 }

func (s SMP) CPUID() uint32                 { return 0 }
func (s SMP) NumCPU() uint32                { return s.NCPU }
func (s SMP) SendIPI(boot.CPUMask, uint8)   {}

var _ boot.SMP = SMP{}

/// PageTable implements boot.PageTable over one Arena, translating a
/// simulated physical address into an offset within Arena.Bytes and
/// applying real unix.Mprotect calls so an unmapped page genuinely
/// faults if touched directly (not through the core's own fault path).
type PageTable struct {
	arena   *Arena
	physBase uintptr

	mu       sync.Mutex
	mappings map[uintptr]uintptr // virt -> phys, per address space id folded into the key
}

/// NewPageTable constructs a PageTable backed by arena, whose first byte
/// corresponds to simulated physical address physBase.
func NewPageTable(arena *Arena, physBase uintptr) *PageTable {
	return &PageTable{arena: arena, physBase: physBase, mappings: make(map[uintptr]uintptr)}
}

func (p *PageTable) key(mm, virt uintptr) uintptr {
	// Fold the address-space id into the key's high bits; hostenv never
	// runs more than one address space per process in practice, but this
	// keeps multiple AddressSpace instances in the same test from
	// colliding if they ever do share a PageTable.
	return mm<<48 ^ virt
}

/// MapPage records virt -> phys for address space mm and marks the
/// backing arena page read-write.
func (p *PageTable) MapPage(mm uintptr, virt uintptr, phys uintptr, prot boot.PTEFlags) error {
	pageSize := uintptr(unix.Getpagesize())
	off := phys - p.physBase
	if off+pageSize > uintptr(len(p.arena.Bytes)) {
		return fmt.Errorf("hostenv: phys %#x out of arena range", phys)
	}
	page := p.arena.Bytes[off : off+pageSize]
	if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("hostenv: mprotect map: %w", err)
	}
	p.mu.Lock()
	p.mappings[p.key(mm, virt)] = phys
	p.mu.Unlock()
	return nil
}

/// UnmapPage drops the virt -> phys mapping and revokes access to the
/// backing arena page.
func (p *PageTable) UnmapPage(mm uintptr, virt uintptr) error {
	p.mu.Lock()
	phys, ok := p.mappings[p.key(mm, virt)]
	delete(p.mappings, p.key(mm, virt))
	p.mu.Unlock()
	if !ok {
		return nil
	}
	pageSize := uintptr(unix.Getpagesize())
	off := phys - p.physBase
	if off+pageSize > uintptr(len(p.arena.Bytes)) {
		return nil
	}
	page := p.arena.Bytes[off : off+pageSize]
	return unix.Mprotect(page, unix.PROT_NONE)
}

/// VirtToPhys returns the physical address virt currently maps to, if
/// any.
func (p *PageTable) VirtToPhys(mm uintptr, virt uintptr) (uintptr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	phys, ok := p.mappings[p.key(mm, virt)]
	return phys, ok
}

// SwitchMM is a no-op: hostenv keeps every address space's mappings in
// one process-wide table rather than modeling a real CR3 switch.
func (p *PageTable) SwitchMM(mm uintptr) {}

// TLBShootdown is a no-op: a host process has no software TLB to flush
// beyond what UnmapPage's Mprotect call already invalidated at the
// hardware level.
func (p *PageTable) TLBShootdown(mm uintptr, start uintptr, pages int) {}

var _ boot.PageTable = (*PageTable)(nil)
