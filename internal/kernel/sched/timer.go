package sched

import (
	"sync"
	"time"

	"github.com/h2o-os/h2o/internal/kernel/event"
	"github.com/h2o-os/h2o/internal/kernel/sched/wait"
)

// Timer re-readies a blocked task at its deadline. Every block registers
// one; wait primitives cancel it to claim the task for an explicit wakeup.
// Whoever claims first — deadline or waker — owns the Blocked task.
type Timer struct {
	sys *System

	mu      sync.Mutex
	blocked *Blocked
	timer   *time.Timer
}

func (s *System) activateTimer(d time.Duration, blocked *Blocked) *Timer {
	t := &Timer{sys: s, blocked: blocked}
	if d != wait.Forever {
		t.timer = time.AfterFunc(d, t.fire)
	}
	return t
}

// claim takes ownership of the blocked task exactly once.
func (t *Timer) claim() *Blocked {
	t.mu.Lock()
	b := t.blocked
	t.blocked = nil
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
	return b
}

func (t *Timer) fire() {
	b := t.claim()
	if b == nil {
		return
	}
	// The deadline elapsed: make the timeout observable on the task's
	// event, then unblock it through the scheduler of the CPU it last
	// ran on.
	b.Info().Event().Notify(0, event.SigTimer)
	t.sys.CPU(b.ctx.cpu).Unblock(b, true)
}

// Cancel stops the deadline and hands the still-blocked task to the
// caller; ok is false when the deadline already fired.
func (t *Timer) Cancel() (*Blocked, bool) {
	b := t.claim()
	return b, b != nil
}

// TimerQueue is a task-level wait queue: the timers of the tasks blocked on
// one kernel object, in arrival order.
type TimerQueue struct {
	mu     sync.Mutex
	timers []*Timer
}

// Push appends a blocked task's timer.
func (q *TimerQueue) Push(t *Timer) {
	q.mu.Lock()
	q.timers = append(q.timers, t)
	q.mu.Unlock()
}

// Len returns the number of queued timers, fired ones included.
func (q *TimerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// NotifyOne claims the oldest still-blocked task and re-readies it,
// skipping timers whose deadline already fired. It reports whether a task
// was woken.
func (q *TimerQueue) NotifyOne(preempt bool) bool {
	for {
		q.mu.Lock()
		if len(q.timers) == 0 {
			q.mu.Unlock()
			return false
		}
		t := q.timers[0]
		q.timers = q.timers[1:]
		q.mu.Unlock()

		if b, ok := t.Cancel(); ok {
			t.sys.CPU(b.ctx.cpu).Unblock(b, preempt)
			return true
		}
	}
}
