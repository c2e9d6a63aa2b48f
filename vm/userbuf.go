package vm

import (
	"context"

	"github.com/assembler-0/AeroSync-sub002/mem"
)

/// Userbuf_t assists copying to/from a virtual address range that may
/// not be resident yet, driving the fault path page by page instead of
/// requiring the whole range pinned up front -- the same incremental
/// fault-then-copy loop the teacher's Userbuf_t ran over Userdmap8_inner,
/// now over AddressSpace.resolveFault and mem.Allocator.Dmap.
type Userbuf_t struct {
	va  uintptr
	len int
	off int
	as  *AddressSpace
	mem *mem.Allocator
}

/// Init initializes the buffer over [va, va+length) of as's address
/// space.
func (ub *Userbuf_t) Init(as *AddressSpace, m *mem.Allocator, va uintptr, length int) {
	if length < 0 {
		panic("vm: negative userbuf length")
	}
	ub.va = va
	ub.len = length
	ub.off = 0
	ub.as = as
	ub.mem = m
}

/// Remain reports the number of unconsumed bytes.
func (ub *Userbuf_t) Remain() int { return ub.len - ub.off }

/// Totalsz reports the buffer's total length.
func (ub *Userbuf_t) Totalsz() int { return ub.len }

/// Uioread copies from the address space's range into dst.
func (ub *Userbuf_t) Uioread(ctx context.Context, dst []uint8) (int, error) {
	return ub.tx(ctx, dst, false)
}

/// Uiowrite copies src into the address space's range.
func (ub *Userbuf_t) Uiowrite(ctx context.Context, src []uint8) (int, error) {
	return ub.tx(ctx, src, true)
}

// tx copies the lesser of len(buf) and ub.Remain(), resolving a fault
// at each page boundary crossed; on an error partway through, ub.off
// reflects how far the transfer got so the caller can retry or report
// a short copy.
func (ub *Userbuf_t) tx(ctx context.Context, buf []uint8, write bool) (int, error) {
	ret := 0
	for len(buf) != 0 && ub.off != ub.len {
		va := ub.va + uintptr(ub.off)
		pageOff := int(va) % mem.PGSIZE

		pfn, err := ub.as.resolveFault(ctx, va, write)
		if err != nil {
			return ret, err
		}

		n := mem.PGSIZE - pageOff
		if left := ub.len - ub.off; n > left {
			n = left
		}
		if n > len(buf) {
			n = len(buf)
		}

		pg := ub.mem.Dmap(pfn)
		chunk := pg[pageOff : pageOff+n]
		var c int
		if write {
			c = copy(chunk, buf)
		} else {
			c = copy(buf, chunk)
		}
		buf = buf[c:]
		ub.off += c
		ret += c
	}
	return ret, nil
}

type ioVec struct {
	va  uintptr
	sz  int
}

/// Useriovec_t is a sequence of discontiguous ranges within one address
/// space, copied to/from as a single stream -- scatter/gather I/O the
/// way the teacher's Useriovec_t served readv/writev.
type Useriovec_t struct {
	iovs []ioVec
	tsz  int
	as   *AddressSpace
	mem  *mem.Allocator
}

/// Init sets up the iovec set from an already-resolved list of (address,
/// size) ranges (the teacher's Iov_init additionally read this list out
/// of user memory itself; the process/syscall-marshalling concern that
/// required is out of this core's scope, so this takes the ranges
/// directly).
func (iov *Useriovec_t) Init(as *AddressSpace, m *mem.Allocator, ranges []struct {
	VA uintptr
	Sz int
}) {
	iov.as = as
	iov.mem = m
	iov.tsz = 0
	iov.iovs = make([]ioVec, len(ranges))
	for i, r := range ranges {
		iov.iovs[i] = ioVec{va: r.VA, sz: r.Sz}
		iov.tsz += r.Sz
	}
}

/// Remain reports the bytes remaining across every range.
func (iov *Useriovec_t) Remain() int {
	ret := 0
	for _, v := range iov.iovs {
		ret += v.sz
	}
	return ret
}

/// Totalsz reports the iovec set's total original size.
func (iov *Useriovec_t) Totalsz() int { return iov.tsz }

func (iov *Useriovec_t) tx(ctx context.Context, buf []uint8, write bool) (int, error) {
	did := 0
	for len(buf) > 0 && len(iov.iovs) > 0 {
		cur := &iov.iovs[0]
		var ub Userbuf_t
		ub.Init(iov.as, iov.mem, cur.va, cur.sz)
		c, err := ub.tx(ctx, buf, write)
		cur.va += uintptr(c)
		cur.sz -= c
		if cur.sz == 0 {
			iov.iovs = iov.iovs[1:]
		}
		buf = buf[c:]
		did += c
		if err != nil {
			return did, err
		}
	}
	return did, nil
}

/// Uioread reads into dst from the iovec set.
func (iov *Useriovec_t) Uioread(ctx context.Context, dst []uint8) (int, error) {
	return iov.tx(ctx, dst, false)
}

/// Uiowrite writes src into the iovec set.
func (iov *Useriovec_t) Uiowrite(ctx context.Context, src []uint8) (int, error) {
	return iov.tx(ctx, src, true)
}

/// Fakeubuf_t gives a plain kernel-owned byte slice the same Uioread/
/// Uiowrite interface as Userbuf_t, for code paths that may be handed
/// either a real address-space range or an in-kernel buffer.
type Fakeubuf_t struct {
	buf []uint8
	len int
}

/// Init sets up the fake buffer over buf.
func (fb *Fakeubuf_t) Init(buf []uint8) {
	fb.buf = buf
	fb.len = len(buf)
}

/// Remain reports the unconsumed bytes.
func (fb *Fakeubuf_t) Remain() int { return len(fb.buf) }

/// Totalsz reports the buffer's total length.
func (fb *Fakeubuf_t) Totalsz() int { return fb.len }

/// Uioread copies from the fake buffer into dst.
func (fb *Fakeubuf_t) Uioread(dst []uint8) int {
	c := copy(dst, fb.buf)
	fb.buf = fb.buf[c:]
	return c
}

/// Uiowrite copies src into the fake buffer.
func (fb *Fakeubuf_t) Uiowrite(src []uint8) int {
	c := copy(fb.buf, src)
	fb.buf = fb.buf[c:]
	return c
}
