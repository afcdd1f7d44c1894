package hazptr

import (
	"sync/atomic"
	"unsafe"

	"github.com/llxisdsh/hazptr/internal/opt"
)

// Domain owns one hazard pointer slot per worker and protects a single
// class of *T pointers. Domains are meant to be created once and kept
// for the life of the process.
//
// Worker ids are the caller's responsibility: ids range over
// [0, Workers()), and at most one goroutine may use a given id at a
// time. This is the per-thread flavour of slot ownership; the
// per-CPU/preemption-disabled flavour of the same protocol is not
// expressible in Go. Package-level consumers ([AcquireRef],
// [SyncShared]) resolve ids automatically through an internal
// allocator instead.
//
// Example:
//
//	d := hazptr.NewDomain[Conn](workers)
//	// reader, on worker id w:
//	if g, ok := d.ProtectLoad(w, &cell); ok {
//		use(g.Ptr())
//		g.Release()
//	}
//	// writer:
//	old := cell.Swap(next)
//	d.Synchronize(old)
//	free(old)
type Domain[T any] struct {
	_     noCopy
	slots slotArray
}

// NewDomain creates a domain with one slot per worker.
func NewDomain[T any](workers int) *Domain[T] {
	return &Domain[T]{slots: newSlotArray(workers)}
}

// Workers returns the number of worker slots in the domain.
func (d *Domain[T]) Workers() int {
	return d.slots.workers()
}

// Guard is an active protection of a single *T. It is valid until
// Release; a Guard must not outlive the worker id it was created
// under.
type Guard[T any] struct {
	slot *opt.Slot_
	ptr  *T
}

// Ptr returns the protected pointer.
func (g Guard[T]) Ptr() *T {
	return g.ptr
}

// Release ends the protection, clearing the worker's slot.
// Panics if the slot no longer holds the guarded address.
func (g Guard[T]) Release() {
	releaseSlot(g.slot, unsafe.Pointer(g.ptr))
}

// TryProtect publishes ptr into the worker's slot. The caller must
// already hold an existence guarantee for ptr; use ProtectLoad when
// the only guarantee is the source cell itself.
//
// Fails when ptr is nil or when the worker already holds a protection
// in this domain (one protected address per worker per domain).
func (d *Domain[T]) TryProtect(worker int, ptr *T) (Guard[T], bool) {
	slot := d.slots.tryProtect(worker, unsafe.Pointer(ptr))
	if slot == nil {
		return Guard[T]{}, false
	}
	return Guard[T]{slot: slot, ptr: ptr}, true
}

// ProtectLoad loads *src and protects the loaded pointer, re-validating
// src after publication and retrying while the cell keeps changing.
//
// Fails when *src is nil or when the worker already holds a protection
// in this domain. On success the returned guard's pointer is the
// re-validated load, and it cannot be reclaimed until Release.
func (d *Domain[T]) ProtectLoad(worker int, src *atomic.Pointer[T]) (Guard[T], bool) {
	// atomic.Pointer's word is its sole non-zero-size field, so its
	// address is the address of the value itself.
	p, slot := d.slots.protectLoad(worker, (*unsafe.Pointer)(unsafe.Pointer(src)))
	if slot == nil {
		return Guard[T]{}, false
	}
	return Guard[T]{slot: slot, ptr: (*T)(p)}, true
}

// Scan inspects every worker slot for ptr. A nil ptr is a no-op.
//
// With a nil onMatch, Scan busy-waits until no slot announces ptr.
// With a non-nil onMatch, Scan invokes it once per matching slot and
// returns without waiting; the callback is expected to make the owner
// of that worker vacate the slot (for example by signalling it), and
// Scan itself does not guarantee the slot clears.
//
// Precondition: ptr must already be unpublished (through sync/atomic)
// from every source cell readers use to discover it. Scan purges
// existing announcers; it cannot stop new ones arriving through a cell
// that still yields ptr.
func (d *Domain[T]) Scan(ptr *T, onMatch func(worker int)) {
	d.slots.scan(unsafe.Pointer(ptr), onMatch)
}

// Synchronize blocks until no worker slot announces ptr. Once it
// returns — and given the Scan precondition that ptr was unpublished
// first — the caller may free ptr.
//
// Synchronize busy-waits and must only be called from contexts that
// may block.
func (d *Domain[T]) Synchronize(ptr *T) {
	d.slots.scan(unsafe.Pointer(ptr), nil)
}
