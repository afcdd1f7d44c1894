//go:build !hazptr_disable_padding

package opt

import (
	"unsafe"
)

// Slot_ is a hazard pointer slot padded out to a full cache line.
// Each slot has exactly one writer, so false sharing between
// neighbouring slots is pure loss.
// Padding can be disabled via: go build -tags=hazptr_disable_padding
type Slot_ struct {
	Addr unsafe.Pointer // published address, accessed atomically
	_    [(CacheLineSize_ - unsafe.Sizeof(struct {
		Addr unsafe.Pointer
	}{})%CacheLineSize_) % CacheLineSize_]byte
}
