// Package kref is a tiny atomic-refcount helper shared by every object
// the memory-management core hands out shared ownership of (vm_objects,
// shadow chains, slab caches): a generalization of the teacher's
// scattered int32-plus-atomic.AddInt32 pattern (mem.Physpg_t.Refcnt,
// vm/as.go's as.Refcnt) into one reusable type, the way the Linux
// kernel's struct kref factors the same pattern out of every subsystem
// that used to hand-roll it.
package kref

import "sync/atomic"

/// Kref is an atomic reference count starting at 1. It must never be
/// constructed directly with a zero value already in use -- use New.
type Kref struct {
	n int32
}

/// New returns a Kref with an initial count of one.
func New() *Kref {
	return &Kref{n: 1}
}

/// Get increments the reference count. The caller must already hold a
/// reference (or otherwise know the object is still live); Get does not
/// protect against getting a reference to an object mid-teardown.
func (k *Kref) Get() {
	if atomic.AddInt32(&k.n, 1) <= 1 {
		panic("kref: Get on a reference count that was already zero")
	}
}

/// Put decrements the reference count and calls release exactly once,
/// the moment the count reaches zero. Returns true if this call
/// triggered release.
func (k *Kref) Put(release func()) bool {
	c := atomic.AddInt32(&k.n, -1)
	if c < 0 {
		panic("kref: Put underflow: reference count dropped below zero")
	}
	if c == 0 {
		release()
		return true
	}
	return false
}

/// Count returns the current reference count, racy by construction --
/// useful only for metrics and assertions, never for control flow.
func (k *Kref) Count() int32 {
	return atomic.LoadInt32(&k.n)
}
