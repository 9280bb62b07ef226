package sched

import "sync/atomic"

// Preempt is the per-CPU preemption-disable counter. Scheduler state is
// only touched while the counter is raised; a voluntary switch forgets the
// guard across the suspension and re-establishes it on resume.
type Preempt struct {
	count atomic.Int32
}

// PreemptGuard re-enables preemption when released.
type PreemptGuard struct {
	p        *Preempt
	released bool
}

// Lock raises the preemption-disable counter.
func (p *Preempt) Lock() *PreemptGuard {
	p.count.Add(1)
	return &PreemptGuard{p: p}
}

// Raw returns the current counter value.
func (p *Preempt) Raw() int32 { return p.count.Load() }

// Disabled reports whether preemption is currently off.
func (p *Preempt) Disabled() bool { return p.count.Load() > 0 }

// Unlock lowers the counter.
func (g *PreemptGuard) Unlock() {
	if g != nil && !g.released {
		g.released = true
		g.p.count.Add(-1)
	}
}

// Forget abandons the guard without lowering the counter; the context
// switch path re-balances it on the other side.
func (g *PreemptGuard) Forget() {
	if g != nil {
		g.released = true
	}
}

// scope runs fn with preemption disabled.
func (p *Preempt) scope(fn func()) {
	g := p.Lock()
	fn()
	g.Unlock()
}
