// Package hazptr provides existence guarantees for objects shared
// between lock-free readers and a reclaiming writer, using hazard
// pointers.
//
// Before dereferencing a shared pointer, a reader publishes the address
// it intends to read into its own slot of a fixed-size slot array, then
// re-validates the source pointer. A writer that wants to free an
// object first unpublishes it from every source cell, then scans the
// slot array and waits until no slot still announces the address. The
// main benefit over epoch/RCU style schemes is that reclaim completes
// as soon as the last announcer of that one address moves on; there is
// no global grace period.
//
// Three consumers are built on the same protocol:
//   - [Domain]: the raw domain-based API (scoped protection windows).
//   - [AcquireRef] / [ReleaseRef]: hazard-pointer protected reference
//     counters; a transient protection is promoted to an owned
//     reference before being released.
//   - [Shared] / [SyncShared]: a single-writer shared-pointer slot that
//     many readers can copy from concurrently.
//
// Features:
//   - One protected address per worker per domain; a second protection
//     attempt on the same worker fails instead of corrupting the slot.
//   - Scan may either busy-wait for announcers to move on or notify
//     them through a per-slot callback.
//   - All recoverable outcomes are reported by value absence; contract
//     violations that would break memory safety panic.
//
// References:
//
// [1]: M. M. Michael, "Hazard pointers: safe memory reclamation for
// lock-free objects," in IEEE Transactions on Parallel and Distributed
// Systems, vol. 15, no. 6, pp. 491-504, June 2004
package hazptr

import (
	"sync/atomic"
	"unsafe"

	"github.com/llxisdsh/hazptr/internal/opt"
)

// slotArray is a fixed set of hazard pointer slots, one per worker.
// A slot is written only by the worker that owns it and read by any
// thread performing a scan. This is the untyped core shared by
// [Domain], the reference-counter API and the shared-pointer API.
//
// Memory ordering: every slot and source-cell access below goes
// through sync/atomic, whose operations are sequentially consistent.
// That is deliberately stronger than acquire/release: the protocol is
// a store-buffering (IRIW-style) handshake, and both sides need their
// store ordered before their subsequent load. The labels Store A /
// Load A / Store B / Load B mark the two fence pairs:
//
//	reader:    Store B (publish slot)   then Load A (re-check cell)
//	reclaimer: Store A (unpublish cell) then Load B (scan slots)
type slotArray struct {
	slots []opt.Slot_
}

func newSlotArray(workers int) slotArray {
	if workers <= 0 {
		panic("hazptr: domain needs at least one worker slot")
	}
	return slotArray{slots: make([]opt.Slot_, workers)}
}

func (sa *slotArray) workers() int {
	return len(sa.slots)
}

// tryProtect publishes addr into the worker's slot. The caller must
// already hold an existence guarantee for addr (e.g. a reference, or a
// protection in another domain). Returns the slot on success, nil when
// addr is nil or the slot is still occupied by an earlier protection:
// a single protected address per worker per domain is the designed
// limit, callers must not re-enter.
func (sa *slotArray) tryProtect(worker int, addr unsafe.Pointer) *opt.Slot_ {
	if addr == nil {
		return nil
	}
	slot := &sa.slots[worker]
	if atomic.LoadPointer(&slot.Addr) != nil {
		return nil
	}
	atomic.StorePointer(&slot.Addr, addr) // Store B
	return slot
}

// protectLoad loads *src, publishes the loaded address into the
// worker's slot and re-validates *src. On success it returns the
// re-validated address together with the holding slot; the second
// load's value is returned rather than the first so that the address
// dependency established by the re-validation is what callers act on.
//
// Returns (nil, nil) when *src is nil or the worker's slot is
// occupied. Retries as often as the writer mutates *src during the
// race window; livelock under an adversarial mutation rate is an
// accepted tradeoff, callers needing bounded latency must cap retries
// above this API.
func (sa *slotArray) protectLoad(worker int, src *unsafe.Pointer) (unsafe.Pointer, *opt.Slot_) {
	addr := atomic.LoadPointer(src)
	for {
		slot := sa.tryProtect(worker, addr)
		if slot == nil {
			return nil, nil
		}
		// Store B above is sequentially consistent, as is Load A
		// below, so the publication is globally visible before the
		// re-validation load. Plain release/acquire would allow the
		// store-buffering interleaving where this protect and a
		// concurrent scan race past each other.
		addr2 := atomic.LoadPointer(src) // Load A
		if addr2 == addr {
			return addr2, slot
		}
		// *src changed since the first load: the protection is for a
		// stale address. Drop it and start over with the new value.
		atomic.StorePointer(&slot.Addr, nil)
		if addr2 == nil {
			return nil, nil
		}
		addr = addr2
	}
}

// releaseSlot ends a protection. The clearing store pairs with the
// acquire side of a scanner's slot load. Releasing an address the slot
// does not hold means the protection discipline was already broken;
// continuing would risk a use-after-free, so this panics.
func releaseSlot(slot *opt.Slot_, addr unsafe.Pointer) {
	if atomic.LoadPointer(&slot.Addr) != addr {
		panic("hazptr: release of an address the slot does not hold")
	}
	atomic.StorePointer(&slot.Addr, nil)
}

// scan inspects every slot for addr.
//
// With a nil onMatch, scan busy-waits on each matching slot until it no
// longer announces addr; when scan returns, no slot anywhere holds addr
// and no in-flight protect can newly capture it, provided the caller
// unpublished addr from every source cell (Store A, through
// sync/atomic) before calling.
//
// With a non-nil onMatch, scan invokes it once per currently matching
// slot and does not wait: the callback is a notification to whoever
// owns that worker to vacate the slot, and scan itself makes no
// guarantee that the slot clears.
func (sa *slotArray) scan(addr unsafe.Pointer, onMatch func(worker int)) {
	if addr == nil {
		return
	}
	// The caller's unpublishing Store A and the Load B per slot below
	// are both sequentially consistent, mirroring the Store B / Load A
	// pair on the protect side.
	for i := range sa.slots {
		slot := &sa.slots[i]
		if onMatch != nil {
			if atomic.LoadPointer(&slot.Addr) == addr { // Load B
				onMatch(i)
			}
			continue
		}
		var spins int
		for atomic.LoadPointer(&slot.Addr) == addr { // Load B
			delay(&spins)
		}
	}
}
