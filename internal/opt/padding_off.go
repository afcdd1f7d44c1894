//go:build hazptr_disable_padding

package opt

import (
	"unsafe"
)

// Slot_ is a hazard pointer slot.
// Padding is force-disabled via the hazptr_disable_padding build tag.
// Use: go build -tags=hazptr_disable_padding
type Slot_ struct {
	Addr unsafe.Pointer // published address, accessed atomically
}
