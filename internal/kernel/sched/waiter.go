package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/h2o-os/h2o/internal/kernel/event"
	"github.com/h2o-os/h2o/internal/kernel/kerr"
	"github.com/h2o-os/h2o/internal/kernel/sched/wait"
)

// Blocker waits on one event for a desired signal set. It is the bridge
// between an event notification and an actual suspension: OnNotify and
// OnCancel wake the attached wait object.
type Blocker struct {
	wakeAll bool
	wo      wait.Object
	ev      event.Event
	data    event.WaiterData

	mu       sync.Mutex
	signaled bool
	signal   uint
	canceled bool
}

// NewBlocker attaches a level-triggered blocker to ev for the given signal
// bits. With wakeAll, a notification releases every waiter instead of one.
func NewBlocker(ev event.Event, wakeAll bool, signal uint) *Blocker {
	b := &Blocker{
		wakeAll:  wakeAll,
		ev:       ev,
		data:     event.NewWaiterData(event.TriggerLevel, signal),
		signaled: true,
	}
	ev.Wait(b)
	return b
}

// Wait suspends the caller until the desired signal arrives, the event
// dies, or the timeout elapses.
func (b *Blocker) Wait(timeout time.Duration) error {
	b.mu.Lock()
	if timeout == 0 || b.signal != 0 {
		b.mu.Unlock()
		return nil
	}
	if b.canceled {
		b.mu.Unlock()
		return kerr.ChannelClosed
	}
	notified := b.wo.WaitWith(b.mu.Unlock, timeout)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.signal != 0 {
		return nil
	}
	if b.canceled {
		return kerr.ChannelClosed
	}
	if !notified {
		return kerr.Timeout
	}
	return nil
}

// Detach removes the blocker from its event and returns the outcome: did a
// signal land, and what the set was. A consumed edge notification is handed
// back to the event so a sibling waiter is not starved.
func (b *Blocker) Detach() (bool, uint) {
	b.mu.Lock()
	hasSignal, signal := b.signaled, b.signal
	b.mu.Unlock()

	notSignaled, newer := b.ev.Unwait(b)
	hasSignal = !notSignaled && hasSignal
	if !b.wakeAll && hasSignal {
		b.ev.Notify(b.data.Signal(), 0)
	}
	if notSignaled {
		return hasSignal, newer
	}
	return hasSignal, signal
}

// WaiterData describes the attachment.
func (b *Blocker) WaiterData() event.WaiterData { return b.data }

// OnNotify records the signal and wakes the suspended callers.
func (b *Blocker) OnNotify(signal uint) {
	b.mu.Lock()
	b.signaled = true
	b.signal = signal
	b.mu.Unlock()
	b.wake()
}

// OnCancel records the event's death and wakes the suspended callers.
func (b *Blocker) OnCancel(signal uint) {
	b.mu.Lock()
	b.signaled = false
	b.signal = signal
	b.canceled = true
	b.mu.Unlock()
	b.wake()
}

func (b *Blocker) wake() {
	if b.wakeAll {
		b.wo.NotifyAll()
	} else {
		b.wo.Notify(1)
	}
}

// dispatchWaiter is one registration's attachment to its event: it routes
// that event's notifications back to the dispatcher under the right key.
type dispatchWaiter struct {
	d    *Dispatcher
	key  uint64
	ev   event.Event
	data event.WaiterData
}

// WaiterData describes the registration.
func (w *dispatchWaiter) WaiterData() event.WaiterData { return w.data }

// OnNotify queues the registration when its desired bits are all up;
// otherwise it re-attaches and keeps waiting.
func (w *dispatchWaiter) OnNotify(signal uint) {
	if w.data.Signal()&^signal == 0 {
		w.d.fire(w, false)
		return
	}
	w.ev.Wait(w)
}

// OnCancel queues the registration as canceled when its event dies.
func (w *dispatchWaiter) OnCancel(uint) { w.d.fire(w, true) }

// triggeredEntry is one fired registration queued for Pop.
type triggeredEntry struct {
	w        *dispatchWaiter
	canceled bool
}

// Dispatcher multiplexes many events into one event surface. Each
// registration records a key and a desired signal set; when any fires, the
// dispatcher queues (key, canceled) and raises READ on its own event.
type Dispatcher struct {
	nextKey atomic.Uint64
	ev      *event.Basic

	mu        sync.Mutex
	waiters   []*dispatchWaiter
	triggered []triggeredEntry
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{ev: event.NewBasic(0)}
	d.nextKey.Store(1)
	return d
}

// Event returns the dispatcher's own observable.
func (d *Dispatcher) Event() event.Event { return d.ev }

// Push registers an event with a desired signal set and returns the key
// that will surface when it fires.
func (d *Dispatcher) Push(ev event.Event, data event.WaiterData) uint64 {
	key := d.nextKey.Add(1) - 1
	w := &dispatchWaiter{d: d, key: key, ev: ev, data: data}
	d.mu.Lock()
	d.waiters = append(d.waiters, w)
	d.mu.Unlock()
	ev.Wait(w)
	return key
}

// Pop dequeues one fired registration.
func (d *Dispatcher) Pop() (key uint64, canceled bool, ok bool) {
	d.mu.Lock()
	if len(d.triggered) == 0 {
		d.mu.Unlock()
		return 0, false, false
	}
	ent := d.triggered[0]
	d.triggered = d.triggered[1:]
	d.mu.Unlock()
	ent.w.ev.Unwait(ent.w)
	return ent.w.key, ent.canceled, true
}

// WaiterData folds every registration into one attachment descriptor.
func (d *Dispatcher) WaiterData() event.WaiterData {
	d.mu.Lock()
	defer d.mu.Unlock()
	mode := event.TriggerEdge
	var signal uint
	for _, w := range d.waiters {
		mode = mode.Combine(w.data.Mode())
		signal |= w.data.Signal()
	}
	return event.NewWaiterData(mode, signal)
}

func (d *Dispatcher) fire(w *dispatchWaiter, canceled bool) {
	d.mu.Lock()
	for i, cur := range d.waiters {
		if cur == w {
			d.waiters = append(d.waiters[:i], d.waiters[i+1:]...)
			break
		}
	}
	d.triggered = append(d.triggered, triggeredEntry{w: w, canceled: canceled})
	d.mu.Unlock()
	d.ev.Notify(0, event.SigRead)
}
