package vmobject

import (
	"bytes"
	"compress/flate"
	"io"
	"sync"
	"sync/atomic"
)

// evictionSeq is the process-wide workingset eviction clock: each page
// reclaimed into a TagWorkingsetShadow entry stamps the sequence number
// current at eviction time, so a later refault can measure how far apart
// the eviction and the refault were (§4.E "update workingset-refault
// stats"), the same distance Linux's workingset code compares against
// the active list size to decide whether thrashing is occurring.
var evictionSeq atomic.Uint64

// swapDevice is an in-memory stand-in for a real swap block device: a
// reclaimed anonymous page's bytes are copied out under a slot id and
// the backing physical page is returned to its zone -- the same
// eviction the page allocator's direct-reclaim path drives under memory
// pressure, just without real disk I/O behind it.
type swapDevice struct {
	mu    sync.Mutex
	next  uint64
	slots map[uint64][]byte
}

var swap = &swapDevice{slots: make(map[uint64][]byte)}

func (d *swapDevice) out(data []byte) uint64 {
	cp := append([]byte(nil), data...)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	id := d.next
	d.slots[id] = cp
	return id
}

func (d *swapDevice) in(id uint64) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.slots[id]
	if ok {
		delete(d.slots, id)
	}
	return data, ok
}

// compressedStore is the zswap-equivalent compressed-memory pool:
// reclaimed pages are deflated in place rather than written out to swap,
// trading CPU for the I/O a real swap-in would cost, the same tradeoff
// zswap sits in front of swap to make.
type compressedStore struct {
	mu      sync.Mutex
	next    uint64
	handles map[uint64][]byte
}

var compressedPool = &compressedStore{handles: make(map[uint64][]byte)}

func (s *compressedStore) out(data []byte) (uint64, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return 0, err
	}
	if _, err := w.Write(data); err != nil {
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := s.next
	s.handles[id] = buf.Bytes()
	return id, nil
}

func (s *compressedStore) in(id uint64) ([]byte, bool, error) {
	s.mu.Lock()
	packed, ok := s.handles[id]
	if ok {
		delete(s.handles, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	r := flate.NewReader(bytes.NewReader(packed))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, true, err
	}
	return out, true, nil
}

// EvictToSwap reclaims the resident folio at index by copying its
// content out to the swap device and replacing the page-tree slot with
// a TagSwap entry, dropping the object's reference on the folio. It
// refuses to evict the shared zero folio (evicting a page nobody wrote
// to would be pure overhead) or an index that is not currently a
// resident folio. This is the reclaim-path counterpart to
// faultAnonymous's swap-in branch.
func (o *Object) EvictToSwap(index uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	e := o.pages.Lookup(index)
	if e == nil || e.Tag != TagFolio || o.alloc.IsZeroPage(e.Value) {
		return false
	}
	slot := swap.out(o.alloc.Dmap(e.Value)[:])
	o.alloc.Refdown(e.Value, 0, o.flags)
	o.unmapAll(index)
	o.pages.Store(index, Entry{Tag: TagSwap, Value: slot})
	return true
}

// EvictToCompressed is EvictToSwap's zswap-equivalent sibling: the
// folio's content is deflated into compressedPool instead of the swap
// device, and the page tree records a TagCompressed handle.
func (o *Object) EvictToCompressed(index uint64) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e := o.pages.Lookup(index)
	if e == nil || e.Tag != TagFolio || o.alloc.IsZeroPage(e.Value) {
		return false, nil
	}
	handle, err := compressedPool.out(o.alloc.Dmap(e.Value)[:])
	if err != nil {
		return false, err
	}
	o.alloc.Refdown(e.Value, 0, o.flags)
	o.unmapAll(index)
	o.pages.Store(index, Entry{Tag: TagCompressed, Value: handle})
	return true, nil
}

// EvictToShadow reclaims a clean resident folio backed by a Vnode
// object: since the content is still recoverable from the object's
// Source, no swap-out is needed -- the entry is simply replaced by a
// TagWorkingsetShadow stamped with the current eviction sequence, the
// same "drop the page, remember it was here" reclaim Linux's clean
// page-cache eviction performs. Used only for Vnode objects; anonymous
// content has no secondary copy to fall back on and must go through
// EvictToSwap/EvictToCompressed instead.
func (o *Object) EvictToShadow(index uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.kind != Vnode {
		return false
	}
	e := o.pages.Lookup(index)
	if e == nil || e.Tag != TagFolio {
		return false
	}
	o.alloc.Refdown(e.Value, 0, o.flags)
	o.unmapAll(index)
	o.pages.Store(index, Entry{Tag: TagWorkingsetShadow, Value: evictionSeq.Add(1)})
	return true
}
