package vmobject

import (
	"context"
	"sync"
)

/// MissingEvent is delivered to a registered userfault handler when a
/// fault lands on a page an object has marked UFFD-managed and not yet
/// resident: the handler, not the object's own fault path, decides what
/// page (if any) to install.
type MissingEvent struct {
	Index uint64
	Write bool
}

/// UffdHandler resolves a MissingEvent by producing the page content
/// that should be installed at Index, the equivalent of a userspace
/// process answering a UFFDIO_COPY/UFFDIO_ZEROPAGE ioctl.
type UffdHandler interface {
	/// Resolve returns the PFN to install at ev.Index. The object takes
	/// ownership of one reference on the returned page.
	Resolve(ctx context.Context, ev MissingEvent) (pfn uint64, err error)
}

// uffdState tracks which index ranges of an object are userfault-managed
// and who handles them (§4.D "userfaultfd integration"), letting one
// object have at most one registered handler at a time -- layering
// multiple concurrent UFFD registrations on the same object is out of
// scope, the same boundary vm/as.go draws around its single-owner
// address-space abstractions.
type uffdState struct {
	mu       sync.Mutex
	handler  UffdHandler
	ranges   []uffdRange
}

type uffdRange struct {
	start, end uint64 // page indices, end exclusive
}

/// RegisterUffd marks [start, end) as userfault-managed for h: faults
/// landing in this range are handed to h.Resolve instead of the
/// object's normal Anonymous/Vnode/Device fault handling.
func (o *Object) RegisterUffd(start, end uint64, h UffdHandler) {
	o.uffd.mu.Lock()
	defer o.uffd.mu.Unlock()
	o.uffd.handler = h
	o.uffd.ranges = append(o.uffd.ranges, uffdRange{start: start, end: end})
}

/// UnregisterUffd drops userfault management for the whole object,
/// returning fault handling to its normal kind-specific path -- the
/// equivalent of a UFFDIO_UNREGISTER wiping a range, simplified to
/// whole-object scope since this core tracks at most one handler.
func (o *Object) UnregisterUffd() {
	o.uffd.mu.Lock()
	defer o.uffd.mu.Unlock()
	o.uffd.handler = nil
	o.uffd.ranges = nil
}

func (o *Object) uffdManaged(index uint64) UffdHandler {
	o.uffd.mu.Lock()
	defer o.uffd.mu.Unlock()
	if o.uffd.handler == nil {
		return nil
	}
	for _, r := range o.uffd.ranges {
		if index >= r.start && index < r.end {
			return o.uffd.handler
		}
	}
	return nil
}

// faultViaUffd is consulted first by Fault, before any kind-specific
// handling, so a userfault registration always preempts normal
// zero-fill/demand-paging/COW behavior for the indices it covers.
func (o *Object) faultViaUffd(ctx context.Context, index uint64, write bool) (FaultResult, bool, error) {
	h := o.uffdManaged(index)
	if h == nil {
		return FaultResult{}, false, nil
	}
	pfn, err := h.Resolve(ctx, MissingEvent{Index: index, Write: write})
	if err != nil {
		return FaultResult{}, true, err
	}
	o.mu.Lock()
	o.pages.Store(index, Entry{Tag: TagFolio, Value: pfn})
	o.mu.Unlock()
	return FaultResult{PFN: pfn, Writable: true}, true, nil
}
