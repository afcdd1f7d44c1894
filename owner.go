package hazptr

import (
	"math/bits"
	"sync/atomic"
)

// owners hands out worker ids for the package-level domains. The
// original protocol resolves "my slot" as the current CPU with
// preemption disabled; a claimed index plays that role here, held for
// the duration of a single protection.
type owners struct {
	words []atomic.Uint64
	n     int
}

func newOwners(n int) owners {
	return owners{words: make([]atomic.Uint64, (n+63)/64), n: n}
}

// acquire claims a free worker id, spinning while all of them are
// taken. Exhaustion only means more goroutines are inside a protection
// window than there are slots; it resolves as soon as one releases.
func (o *owners) acquire() int {
	var spins int
	for {
		for w := range o.words {
			cur := o.words[w].Load()
			for cur != ^uint64(0) {
				bit := bits.TrailingZeros64(^cur)
				id := w<<6 + bit
				if id >= o.n {
					break
				}
				if o.words[w].CompareAndSwap(cur, cur|uint64(1)<<bit) {
					return id
				}
				cur = o.words[w].Load()
			}
		}
		delay(&spins)
	}
}

// release returns a worker id claimed by acquire.
func (o *owners) release(id int) {
	o.words[id>>6].And(^(uint64(1) << (id & 63)))
}
