package slab

import (
	"crypto/rand"
	"encoding/binary"
	"unsafe"

	"github.com/assembler-0/AeroSync-sub002/mem"
)

const slabNoObj uint32 = ^uint32(0)

// slabSecret is the process-wide freelist-obfuscation key (§3 "each free
// object stores ... next ⊕ slab_secret ⊕ &self"; §5 "slab_secret is
// sampled once at boot and never changes"): sampled once from the OS
// CSPRNG and read-only for the remainder of the process's life, so
// publishing it needs no further synchronization once init has run.
var slabSecret uint64

func init() {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("slab: failed to sample slab_secret: " + err.Error())
	}
	slabSecret = binary.LittleEndian.Uint64(b[:])
}

/// slabPage is one page-sized slab: a single mem.Allocator page frame
/// divided into fixed-size objects, linked into an intrinsic freelist
/// whose "next" pointers are XOR-obfuscated against slabSecret mixed
/// with each object's own address (§4.B point 5, §3 freelist invariant):
/// decoding one object's encoded next-pointer requires already knowing
/// that object's address, so a blind pointer leak of one encoded value
/// cannot be used to walk the rest of the freelist the way a bare
/// per-page cookie (constant across every object on the page) could.
type slabPage struct {
	pfn      uint64
	bytes    *mem.Bytepg_t
	objSize  int
	nObjs    uint16
	freeHead uint32 // local object index, slabNoObj if none free on this page
	inuse    uint16
	poison   bool
	redzone  bool
}

func newSlabPage(pfn uint64, bytes *mem.Bytepg_t, objSize int, poison bool, redzone bool) *slabPage {
	n := mem.PGSIZE / objSize
	if n > 1<<16-1 {
		n = 1<<16 - 1
	}
	p := &slabPage{
		pfn:     pfn,
		bytes:   bytes,
		objSize: objSize,
		nObjs:   uint16(n),
		poison:  poison,
		redzone: redzone,
	}
	p.freeHead = slabNoObj
	for i := n - 1; i >= 0; i-- {
		p.setNext(uint32(i), p.freeHead)
		p.freeHead = uint32(i)
		if redzone {
			p.stampRedzone(uint32(i))
		}
	}
	return p
}

func (p *slabPage) objPtr(idx uint32) unsafe.Pointer {
	off := int(idx) * p.objSize
	return unsafe.Pointer(&p.bytes[off])
}

// objMask derives this object's slot in the freelist obfuscation: the
// process-wide secret mixed with the object's own address, truncated to
// the 32 bits the local-index freelist representation uses.
func (p *slabPage) objMask(idx uint32) uint32 {
	addr := uint64(uintptr(p.objPtr(idx)))
	return uint32(slabSecret ^ addr)
}

func (p *slabPage) setNext(idx uint32, next uint32) {
	*(*uint32)(p.objPtr(idx)) = next ^ p.objMask(idx)
}

func (p *slabPage) getNext(idx uint32) uint32 {
	return *(*uint32)(p.objPtr(idx)) ^ p.objMask(idx)
}

// redzoneGuard is the 8-byte canary value stamped just past the usable
// end of a redzone-hardened object (§4.B "Hardening"); any deviation on
// free means the allocation wrote past its requested size.
const redzoneGuard uint64 = 0xaeaeaeaeaeaeaeae

// usableSize is how much of objSize callers may actually write to: all
// of it, minus the trailing 8-byte guard when the page is redzoned.
func (p *slabPage) usableSize() int {
	if !p.redzone || p.objSize <= 8 {
		return p.objSize
	}
	return p.objSize - 8
}

func (p *slabPage) stampRedzone(idx uint32) {
	if !p.redzone || p.objSize <= 8 {
		return
	}
	base := uintptr(p.objPtr(idx))
	guard := (*uint64)(unsafe.Pointer(base + uintptr(p.objSize-8)))
	*guard = redzoneGuard
}

// checkRedzone reports whether idx's guard canary is intact. Called on
// both alloc (popFree) and free (pushFree), so a corruption is caught
// before the object is handed out again.
func (p *slabPage) checkRedzone(idx uint32) bool {
	if !p.redzone || p.objSize <= 8 {
		return true
	}
	base := uintptr(p.objPtr(idx))
	guard := (*uint64)(unsafe.Pointer(base + uintptr(p.objSize-8)))
	return *guard == redzoneGuard
}

/// popFree removes and returns one free object's address, or nil if the
/// page is full.
func (p *slabPage) popFree() (unsafe.Pointer, bool) {
	if p.freeHead == slabNoObj {
		return nil, false
	}
	idx := p.freeHead
	if p.redzone && !p.checkRedzone(idx) {
		panic("slab: redzone corruption detected on alloc")
	}
	p.freeHead = p.getNext(idx)
	p.inuse++
	ptr := p.objPtr(idx)
	if p.poison {
		clear(unsafe.Slice((*byte)(ptr), p.usableSize()))
	}
	return ptr, true
}

/// pushFree returns an object to this page's freelist by its address.
/// A corrupted redzone guard is a fatal invariant violation (§4.B
/// "mismatch ⇒ fatal"): the object overran its allocation, and the
/// overrun has already happened by the time free notices it, so there
/// is nothing safe left to do but stop.
func (p *slabPage) pushFree(ptr unsafe.Pointer) {
	idx := p.indexOf(ptr)
	if p.redzone && !p.checkRedzone(idx) {
		panic("slab: redzone corruption detected on free")
	}
	if p.poison {
		b := unsafe.Slice((*byte)(ptr), p.usableSize())
		for i := range b {
			b[i] = 0x6b // SLUB's POISON_FREE-alike marker
		}
	}
	p.setNext(idx, p.freeHead)
	p.freeHead = idx
	if p.redzone {
		p.stampRedzone(idx)
	}
	p.inuse--
}

func (p *slabPage) indexOf(ptr unsafe.Pointer) uint32 {
	base := uintptr(unsafe.Pointer(&p.bytes[0]))
	off := uintptr(ptr) - base
	return uint32(off) / uint32(p.objSize)
}

func (p *slabPage) full() bool  { return p.freeHead == slabNoObj }
func (p *slabPage) empty() bool { return p.inuse == 0 }
