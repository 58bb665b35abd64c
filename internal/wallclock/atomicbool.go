package wallclock

import "sync/atomic"

// atomicBool backs the one-shot construction guard spec.md §9 asks for in
// place of the original's bare global pt_client pointer.
type atomicBool struct {
	v atomic.Bool
}

func (b *atomicBool) CompareAndSwap(old, new bool) bool { return b.v.CompareAndSwap(old, new) }
func (b *atomicBool) Store(v bool)                      { b.v.Store(v) }
