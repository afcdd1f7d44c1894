package hazptr

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

// The process-wide domain backing AcquireRef/Synchronize. Sized like
// the slot arrays of the original protocol (one slot per CPU); a
// claimed owner id stands in for "current CPU with preemption off".
var (
	refSlots  slotArray
	refOwners owners
)

func init() {
	n := runtime.GOMAXPROCS(0)
	refSlots = newSlotArray(n)
	refOwners = newOwners(n)
}

// RefNode is the reference-counting state embedded into objects
// protected by AcquireRef. Hazard pointers and reference counts both
// provide existence guarantees, and chaining them gets the best of
// each: reads scale like hazard pointers, while the caller walks away
// with an ordinary owned reference.
//
// Embed RefNode as a field and call Init before publishing the object:
//
//	type session struct {
//		hazptr.RefNode
//		conn net.Conn
//	}
//	s := &session{conn: c}
//	s.Init(func(*hazptr.RefNode) { s.conn.Close() })
type RefNode struct {
	refs    atomic.Int64
	release func(*RefNode)
}

// Init sets the initial reference (count one) and the release
// callback. The callback runs exactly once, when the count reaches
// zero; it must not synchronously re-acquire the same node in a way
// that could block the releasing goroutine.
func (n *RefNode) Init(release func(*RefNode)) {
	n.refs.Store(1)
	n.release = release
}

// Node returns n. It exists so that embedding RefNode satisfies
// [RefCounted].
func (n *RefNode) Node() *RefNode {
	return n
}

// Refs returns the current reference count. Diagnostic only: the value
// may be stale by the time it is observed.
func (n *RefNode) Refs() int64 {
	return n.refs.Load()
}

// incRef adds a reference. The caller must hold either a hazard
// pointer protecting the node or a live reference of its own; a count
// observed at zero here means that contract was broken.
func (n *RefNode) incRef() {
	if n.refs.Add(1) <= 1 {
		panic("hazptr: reference count raised from zero without protection")
	}
}

// incRefNotZero adds a reference unless the count already reached
// zero. Used where a concurrent deleter may have dropped the last
// reference while the caller only holds a hazard pointer.
func (n *RefNode) incRefNotZero() bool {
	for {
		c := n.refs.Load()
		if c <= 0 {
			if c < 0 {
				panic("hazptr: negative reference count")
			}
			return false
		}
		if n.refs.CompareAndSwap(c, c+1) {
			return true
		}
	}
}

// decRef drops a reference and reports whether it was the last one.
func (n *RefNode) decRef() bool {
	c := n.refs.Add(-1)
	if c < 0 {
		panic("hazptr: reference count underflow")
	}
	return c == 0
}

// RefCounted constrains pointers to types that embed [RefNode].
type RefCounted[T any] interface {
	*T
	Node() *RefNode
}

// AcquireRef obtains an owned reference to the object *src points to,
// or nil when src holds nil.
//
// It protects the loaded pointer with a hazard pointer, promotes the
// protection to a reference count increment — safe because the hazard
// pointer guarantees the node has not been freed — and releases the
// hazard pointer again. The returned reference must eventually be
// passed to [ReleaseRef].
func AcquireRef[T any, P RefCounted[T]](src *atomic.Pointer[T]) P {
	owner := refOwners.acquire()
	p, slot := refSlots.protectLoad(owner, (*unsafe.Pointer)(unsafe.Pointer(src)))
	if slot == nil {
		refOwners.release(owner)
		return nil
	}
	pt := P((*T)(p))
	pt.Node().incRef()
	releaseSlot(slot, p)
	refOwners.release(owner)
	return pt
}

// ReleaseRef drops a reference obtained from [AcquireRef] or held
// since Init. When the count reaches zero the node's release callback
// is invoked. A nil p is a no-op.
func ReleaseRef[T any, P RefCounted[T]](p P) {
	if p == nil {
		return
	}
	n := p.Node()
	if n.decRef() {
		n.release(n)
	}
}

// Synchronize waits until no hazard pointer slot of the reference
// domain announces p.
//
// This is the linchpin of the unpublish/free contract: a writer that
// unpublishes p from every cell AcquireRef readers use, and intends to
// drop the node's initial reference, must complete at least one
// Synchronize(p) between the unpublishing store and its own
// ReleaseRef. That closes the window where an AcquireRef already past
// protection but not yet past the increment could raise a count that
// has meanwhile hit zero.
//
// Synchronize busy-waits and must only be called from contexts that
// may block.
func Synchronize[T any, P RefCounted[T]](p P) {
	if p == nil {
		return
	}
	refSlots.scan(unsafe.Pointer((*T)(p)), nil)
}
