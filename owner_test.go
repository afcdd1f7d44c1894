package hazptr

import (
	"fmt"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestOwnersSequential(t *testing.T) {
	o := newOwners(3)
	a, b, c := o.acquire(), o.acquire(), o.acquire()
	if a != 0 || b != 1 || c != 2 {
		t.Fatalf("acquired %d,%d,%d, want 0,1,2", a, b, c)
	}
	o.release(b)
	if got := o.acquire(); got != b {
		t.Fatalf("acquired %d after releasing %d", got, b)
	}
}

func TestOwnersNeverSharedWhileHeld(t *testing.T) {
	const n = 4
	o := newOwners(n)
	var held [n]atomic.Bool

	var eg errgroup.Group
	for range 16 {
		eg.Go(func() error {
			for range 500 {
				id := o.acquire()
				if id < 0 || id >= n {
					return fmt.Errorf("id %d out of range", id)
				}
				if held[id].Swap(true) {
					return fmt.Errorf("worker id %d handed out twice", id)
				}
				held[id].Store(false)
				o.release(id)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
}
