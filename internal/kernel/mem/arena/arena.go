// Package arena provides the lock-free fixed-capacity slab that hosts every
// kernel-exposed handle reference. Slots have stable addresses and stable
// indices for the arena's lifetime; a freed slot returns to the free list
// but its memory is never released.
package arena

import (
	"sync/atomic"
	"unsafe"

	"github.com/h2o-os/h2o/internal/kernel/kerr"
)

// nilSlot is the free-list terminator inside the packed head word. Slot
// indices are 32-bit, so the all-ones pattern can never name a real slot.
const nilSlot = uint32(0xFFFF_FFFF)

// head packs {free-list head slot, tag} into one word so a single
// compare-and-swap covers both. The tag increments on every successful
// exchange and defeats ABA the same way the double-word counter does in a
// pointer-based arena.
func packHead(slot, tag uint32) uint64 { return uint64(tag)<<32 | uint64(slot) }

func unpackHead(h uint64) (slot, tag uint32) { return uint32(h), uint32(h >> 32) }

type slot[T any] struct {
	value T
	// next links the slot into the free list while it is deallocated.
	next uint32
	live atomic.Bool
}

// Arena is a bounded slab of up to max slots of T.
//
// Allocation pops the free list under a tagged CAS; when the list is empty
// it bumps the monotonically growing top. All operations are lock-free.
type Arena[T any] struct {
	slots []slot[T]
	head  atomic.Uint64
	top   atomic.Uint32
	count atomic.Int64
}

// New creates an arena with capacity for max slots.
func New[T any](max int) *Arena[T] {
	a := &Arena[T]{slots: make([]slot[T], max)}
	a.head.Store(packHead(nilSlot, 0))
	return a
}

// Allocate reserves one slot and returns its stable pointer. It fails with
// OutOfMemory when every slot is live.
func (a *Arena[T]) Allocate() (*T, error) {
	for {
		h := a.head.Load()
		idx, tag := unpackHead(h)
		if idx == nilSlot {
			break
		}
		next := a.slots[idx].next
		if a.head.CompareAndSwap(h, packHead(next, tag+1)) {
			s := &a.slots[idx]
			s.live.Store(true)
			a.count.Add(1)
			return &s.value, nil
		}
	}
	for {
		top := a.top.Load()
		if int(top) >= len(a.slots) {
			return nil, kerr.OutOfMemory
		}
		if a.top.CompareAndSwap(top, top+1) {
			s := &a.slots[top]
			s.live.Store(true)
			a.count.Add(1)
			return &s.value, nil
		}
	}
}

// Deallocate returns a slot to the free list. The pointer must have come
// from this arena's Allocate.
func (a *Arena[T]) Deallocate(ptr *T) error {
	idx, err := a.IndexOf(ptr)
	if err != nil {
		return err
	}
	s := &a.slots[idx]
	if !s.live.CompareAndSwap(true, false) {
		return kerr.InvalidArgument
	}
	var zero T
	s.value = zero
	for {
		h := a.head.Load()
		headIdx, tag := unpackHead(h)
		s.next = headIdx
		if a.head.CompareAndSwap(h, packHead(uint32(idx), tag+1)) {
			a.count.Add(-1)
			return nil
		}
	}
}

// IndexOf returns the stable index of a slot pointer, validated against the
// arena's bounds and stride.
func (a *Arena[T]) IndexOf(ptr *T) (int, error) {
	if len(a.slots) == 0 || ptr == nil {
		return 0, kerr.InvalidArgument
	}
	base := uintptr(unsafe.Pointer(&a.slots[0]))
	stride := unsafe.Sizeof(a.slots[0])
	p := uintptr(unsafe.Pointer(ptr)) - unsafe.Offsetof(a.slots[0].value)
	if p < base {
		return 0, kerr.InvalidArgument
	}
	diff := p - base
	if diff%stride != 0 {
		return 0, kerr.InvalidArgument
	}
	idx := int(diff / stride)
	if idx >= int(a.top.Load()) {
		return 0, kerr.InvalidArgument
	}
	return idx, nil
}

// PtrOf returns the slot pointer for a stable index. The index must name a
// live slot below the current top.
func (a *Arena[T]) PtrOf(idx int) (*T, error) {
	if idx < 0 || idx >= len(a.slots) || idx >= int(a.top.Load()) {
		return nil, kerr.InvalidArgument
	}
	s := &a.slots[idx]
	if !s.live.Load() {
		return nil, kerr.InvalidArgument
	}
	return &s.value, nil
}

// Live reports whether the slot at idx is currently allocated.
func (a *Arena[T]) Live(idx int) bool {
	return idx >= 0 && idx < len(a.slots) && a.slots[idx].live.Load()
}

// Count returns allocated minus freed.
func (a *Arena[T]) Count() int { return int(a.count.Load()) }

// MaxCount returns the arena's capacity.
func (a *Arena[T]) MaxCount() int { return len(a.slots) }
