package hazptr

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

// The process-wide domain protecting shared-pointer nodes. All
// SyncShared slots share it, whatever their element type, exactly like
// every cell of a given pointer class sharing one domain.
var (
	sharedSlots  slotArray
	sharedOwners owners
)

func init() {
	n := runtime.GOMAXPROCS(0)
	sharedSlots = newSlotArray(n)
	sharedOwners = newOwners(n)
}

// sharedNode is the heap cell behind Shared/SyncShared handles: the
// value plus its reference count. The node is freed (release callback
// run) only after the count hits zero and the shared domain has
// quiesced on its address.
type sharedNode[T any] struct {
	RefNode
	value T
}

// Shared is a local, single-goroutine handle owning one reference to a
// shared value. Copy increments the count; Delete decrements it and
// runs the release callback at zero. The zero Shared is a nil handle.
type Shared[T any] struct {
	n *sharedNode[T]
}

// NewShared allocates a node holding v with a reference count of one
// and returns the owning handle. release, if non-nil, is invoked
// exactly once, after the last handle referencing the node is deleted.
func NewShared[T any](v T, release func(*T)) Shared[T] {
	n := &sharedNode[T]{value: v}
	n.Init(func(*RefNode) {
		if release != nil {
			release(&n.value)
		}
	})
	return Shared[T]{n: n}
}

// IsNil reports whether the handle references no value.
func (p Shared[T]) IsNil() bool {
	return p.n == nil
}

// Get returns the shared value, or nil for a nil handle. The pointer
// stays valid for as long as the handle (or any other reference to the
// same node) is live.
func (p Shared[T]) Get() *T {
	if p.n == nil {
		return nil
	}
	return &p.n.value
}

// Copy returns a second owning handle. This is a plain reference count
// increment: the caller's own handle already guarantees existence, no
// hazard pointer is involved.
func (p Shared[T]) Copy() Shared[T] {
	if p.n != nil {
		p.n.incRef()
	}
	return p
}

// Delete drops the handle's reference and nils the handle. When the
// count reaches zero, Delete waits for the shared domain to quiesce on
// the node — a Load may still be between protection and its increment
// attempt — and then runs the release callback.
func (p *Shared[T]) Delete() {
	n := p.n
	if n == nil {
		return
	}
	p.n = nil
	if n.decRef() {
		sharedSlots.scan(unsafe.Pointer(n), nil)
		n.release(n.Node())
	}
}

// SyncShared is a slot holding a shared reference that many goroutines
// may concurrently copy from with Load. Writes (MoveIn, CopyIn,
// Delete) are single-writer by contract: at most one goroutine may
// mutate the slot at a time, and violating that is a memory-safety
// bug, not a recoverable error. The zero SyncShared is an empty slot.
type SyncShared[T any] struct {
	_ noCopy
	n unsafe.Pointer // *sharedNode[T]
}

// MoveIn transfers src's reference into the slot without touching the
// count, leaving src nil. Writer-only; panics when the slot is not
// empty.
func (s *SyncShared[T]) MoveIn(src *Shared[T]) {
	if atomic.LoadPointer(&s.n) != nil {
		panic("hazptr: MoveIn into an occupied SyncShared")
	}
	atomic.StorePointer(&s.n, unsafe.Pointer(src.n))
	src.n = nil
}

// CopyIn publishes a second reference to src's node into the slot; src
// remains a valid handle. Writer-only; panics when the slot is not
// empty.
func (s *SyncShared[T]) CopyIn(src Shared[T]) {
	if atomic.LoadPointer(&s.n) != nil {
		panic("hazptr: CopyIn into an occupied SyncShared")
	}
	if src.n != nil {
		src.n.incRef()
	}
	atomic.StorePointer(&s.n, unsafe.Pointer(src.n))
}

// Load returns an owned copy of the slot's current reference, or a nil
// handle when the slot is empty. Any number of goroutines may call
// Load concurrently with each other and with the writer.
//
// The loaded pointer is protected with a hazard pointer first; the
// count is then raised only if it is still non-zero, which is what
// makes a concurrent Delete race safe: once the deleter has dropped
// the last reference, Load observes zero and reports an empty slot
// instead of resurrecting the node.
func (s *SyncShared[T]) Load() Shared[T] {
	owner := sharedOwners.acquire()
	p, slot := sharedSlots.protectLoad(owner, &s.n)
	if slot == nil {
		sharedOwners.release(owner)
		return Shared[T]{}
	}
	n := (*sharedNode[T])(p)
	if !n.incRefNotZero() {
		n = nil
	}
	releaseSlot(slot, p)
	sharedOwners.release(owner)
	return Shared[T]{n: n}
}

// Delete unpublishes the slot's reference and drops it. Writer-only;
// an empty slot is a no-op. When the count reaches zero, Delete waits
// for the shared domain to quiesce on the node and then runs the
// release callback.
func (s *SyncShared[T]) Delete() {
	n := (*sharedNode[T])(atomic.LoadPointer(&s.n))
	if n == nil {
		return
	}
	// Store A: hide the node from Load before dropping the reference.
	atomic.StorePointer(&s.n, nil)
	if n.decRef() {
		sharedSlots.scan(unsafe.Pointer(n), nil)
		n.release(n.Node())
	}
}
