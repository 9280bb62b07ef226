// Package event provides the kernel's signal-bitset observables. Every
// waitable object exposes an Event; waiters attach with a trigger mode and a
// desired signal set and are notified or canceled as the set changes.
package event

import "sync"

// Signal bits carried by events.
const (
	SigRead  = 1 << 0
	SigWrite = 1 << 1
	SigTimer = 1 << 2
)

// TriggerMode selects when an attached waiter fires.
type TriggerMode int

const (
	// TriggerEdge fires only on a new signal transition.
	TriggerEdge TriggerMode = iota
	// TriggerLevel fires whenever the desired bits are already set.
	TriggerLevel
)

// Combine merges two trigger modes; a level waiter anywhere makes the
// combined attachment level-triggered.
func (m TriggerMode) Combine(other TriggerMode) TriggerMode {
	if m == TriggerLevel || other == TriggerLevel {
		return TriggerLevel
	}
	return TriggerEdge
}

// WaiterData describes one attachment: its trigger mode and the signal bits
// it waits for.
type WaiterData struct {
	mode   TriggerMode
	signal uint
}

// NewWaiterData builds an attachment descriptor.
func NewWaiterData(mode TriggerMode, signal uint) WaiterData {
	return WaiterData{mode: mode, signal: signal}
}

// Mode returns the trigger mode.
func (d WaiterData) Mode() TriggerMode { return d.mode }

// Signal returns the desired signal bits.
func (d WaiterData) Signal() uint { return d.signal }

// Waiter is anything that can be attached to an Event.
type Waiter interface {
	WaiterData() WaiterData
	// OnNotify is called with the event's new signal set when desired
	// bits rise.
	OnNotify(signal uint)
	// OnCancel is called with the last signal set when the event dies.
	OnCancel(signal uint)
}

// Event is the kernel observable: waiters attach and detach, and signal
// bits are cleared and set by Notify.
type Event interface {
	Wait(w Waiter)
	// Unwait detaches w; it reports whether w had not been signaled yet
	// and returns the current signal set.
	Unwait(w Waiter) (notSignaled bool, signal uint)
	// Notify clears the bits in clear, then sets the bits in set,
	// waking matching waiters.
	Notify(clear, set uint)
	Signal() uint
	Cancel()
}

// Basic is the standard Event carried by kernel objects.
type Basic struct {
	mu       sync.Mutex
	signal   uint
	canceled bool
	waiters  []Waiter
}

// NewBasic creates an event with an initial signal set.
func NewBasic(initial uint) *Basic {
	return &Basic{signal: initial}
}

// Wait attaches w. A level-triggered waiter whose desired bits are already
// set is notified immediately.
func (e *Basic) Wait(w Waiter) {
	e.mu.Lock()
	if e.canceled {
		signal := e.signal
		e.mu.Unlock()
		w.OnCancel(signal)
		return
	}
	data := w.WaiterData()
	if data.Mode() == TriggerLevel && e.signal&data.Signal() != 0 {
		signal := e.signal
		e.mu.Unlock()
		w.OnNotify(signal)
		return
	}
	e.waiters = append(e.waiters, w)
	e.mu.Unlock()
}

// Unwait detaches w without waking it.
func (e *Basic) Unwait(w Waiter) (bool, uint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, cur := range e.waiters {
		if cur == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return true, e.signal
		}
	}
	return false, e.signal
}

// Notify clears then sets signal bits and fires every waiter whose desired
// set intersects the risen bits.
func (e *Basic) Notify(clear, set uint) {
	e.mu.Lock()
	e.signal &^= clear
	e.signal |= set
	signal := e.signal
	var fire []Waiter
	if set != 0 {
		kept := e.waiters[:0]
		for _, w := range e.waiters {
			if w.WaiterData().Signal()&set != 0 {
				fire = append(fire, w)
			} else {
				kept = append(kept, w)
			}
		}
		e.waiters = kept
	}
	e.mu.Unlock()
	for _, w := range fire {
		w.OnNotify(signal)
	}
}

// Signal returns the current signal set.
func (e *Basic) Signal() uint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signal
}

// Cancel marks the event dead and cancels every attached waiter. Further
// Wait calls cancel immediately.
func (e *Basic) Cancel() {
	e.mu.Lock()
	if e.canceled {
		e.mu.Unlock()
		return
	}
	e.canceled = true
	waiters := e.waiters
	e.waiters = nil
	signal := e.signal
	e.mu.Unlock()
	for _, w := range waiters {
		w.OnCancel(signal)
	}
}
