package clock

import "sync/atomic"

// Atomic is a monotonic counter used to hand out per-session serials.
type Atomic struct {
	atomic.Uint64
}

func NewAtomic(init uint64) *Atomic {
	var a Atomic
	a.Store(init)
	return &a
}

func (a *Atomic) Val() uint64 {
	return a.Load()
}

func (a *Atomic) Next() uint64 {
	return a.Add(1)
}

// Advance moves the clock forward to t. It never moves backwards.
func (a *Atomic) Advance(t uint64) {
	for {
		cur := a.Load()
		if cur >= t || a.CompareAndSwap(cur, t) {
			return
		}
	}
}
