package sched

import (
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/h2o-os/h2o/internal/kernel/concurrent"
	"github.com/h2o-os/h2o/internal/kernel/event"
	"github.com/h2o-os/h2o/internal/kernel/intr"
	"github.com/h2o-os/h2o/internal/kernel/kerr"
	"github.com/h2o-os/h2o/internal/kernel/klog"
)

const (
	// MinTimeGran is the slice granted to every newly Ready task.
	MinTimeGran = 30 * time.Millisecond
	// wakeTimeGran is the runtime lead a newcomer needs before it
	// preempts the current task.
	wakeTimeGran = time.Millisecond

	// migrationDepth bounds each CPU's migration injector.
	migrationDepth = 1024
	// migrateMaxTrial bounds how many entries one IPI drains.
	migrateMaxTrial = 50
)

// RetvalKilled is the return value reported by a task killed by signal.
const RetvalKilled = -int(kerr.AlreadyKilled)

// schedInfo is the per-CPU state visible to other CPUs: the migration
// injector and the expected-runtime counter used for placement decisions.
type schedInfo struct {
	migration       *concurrent.MPMCQueue[*Ready]
	expectedRuntime atomic.Int64 // milliseconds
}

// System owns one Scheduler per CPU plus the interrupt chip that carries
// task-migrate IPIs between them.
type System struct {
	chip  intr.Chip
	cpus  []*Scheduler
	infos []*schedInfo
	log   *klog.Logger
}

// NewSystem builds the scheduler fleet for ncpu CPUs.
func NewSystem(ncpu int, chip intr.Chip) *System {
	s := &System{chip: chip, log: klog.Sub("sched")}
	for cpu := 0; cpu < ncpu; cpu++ {
		s.infos = append(s.infos, &schedInfo{
			migration: concurrent.NewMPMCQueue[*Ready](migrationDepth),
		})
		s.cpus = append(s.cpus, &Scheduler{sys: s, cpu: cpu})
	}
	return s
}

// CPUCount returns the number of CPUs.
func (s *System) CPUCount() int { return len(s.cpus) }

// CPU returns the scheduler of one CPU.
func (s *System) CPU(cpu int) *Scheduler { return s.cpus[cpu] }

// Chip returns the interrupt chip.
func (s *System) Chip() intr.Chip { return s.chip }

// ExpectedRuntime reports a CPU's expected-runtime counter in
// milliseconds.
func (s *System) ExpectedRuntime(cpu int) int64 {
	return s.infos[cpu].expectedRuntime.Load()
}

// Scheduler is one CPU's scheduling state: a FIFO run queue, the current
// task, and the per-CPU context dropper. All of it is touched with
// preemption disabled; cross-CPU work arrives through the migration
// injector.
type Scheduler struct {
	sys *System
	cpu int

	pree Preempt

	mu       sync.Mutex
	runQueue []*Ready
	current  *Ready

	dropMu  sync.Mutex
	dropper []*Context
}

// CPU returns the scheduler's CPU number.
func (s *Scheduler) CPU() int { return s.cpu }

// Preempt exposes the CPU's preemption counter.
func (s *Scheduler) Preempt() *Preempt { return &s.pree }

// QueueLen returns the run queue depth.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runQueue)
}

// Unblock transitions a task to Ready. Placement follows the weighted CPU
// selection; a remote destination goes through its migration injector and a
// task-migrate IPI. With preempt set, a local newcomer whose runtime trails
// the current task's by more than the wake granularity takes the CPU.
func (s *Scheduler) Unblock(task IntoReady, preempt bool) {
	timeSlice := MinTimeGran
	affinity := task.taskAffinity()
	last, hasLast := task.lastCPU()
	cpu, ok := s.sys.selectCPU(affinity, s.cpu, last, hasLast)
	if !ok {
		// Zero affinity; fall back to this CPU rather than lose the
		// task.
		cpu = s.cpu
	}
	ready := task.intoReady(cpu, timeSlice)

	s.sys.log.Log(nil, klog.LevelTrace, "unblocking task",
		klog.Uint64("task", ready.Info().ID()), klog.Int("cpu", cpu))
	if cpu == s.cpu {
		s.enqueue(ready, preempt, time.Now())
	} else {
		info := s.sys.infos[cpu]
		if !info.migration.Enqueue(ready) {
			// Injector full: keep the task local instead of
			// dropping it.
			s.enqueue(ready, preempt, time.Now())
			return
		}
		s.sys.chip.Send(cpu, intr.VecTaskMigrate)
	}
}

func (s *Scheduler) enqueue(task *Ready, preempt bool, now time.Time) {
	s.sys.infos[s.cpu].expectedRuntime.Add(task.timeSlice.Milliseconds())

	pree := s.pree.Lock()
	defer pree.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && preempt && shouldPreempt(s.current, task) {
		s.sys.log.Log(nil, klog.LevelTrace, "preempting to task",
			klog.Uint64("task", task.Info().ID()))
		s.scheduleLocked(now, task, func(prev *Ready) {
			prev.runningState = NotRunning
			s.runQueue = append(s.runQueue, prev)
		})
	} else {
		s.runQueue = append(s.runQueue, task)
	}
}

func shouldPreempt(cur, task *Ready) bool {
	return cur.ctx.runtime > task.ctx.runtime+wakeTimeGran
}

// WithCurrent runs fn on the current task with preemption disabled.
func (s *Scheduler) WithCurrent(fn func(*Ready) error) error {
	pree := s.pree.Lock()
	defer pree.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return kerr.NoCurrentTask
	}
	return fn(s.current)
}

// Current returns the running task, if any.
func (s *Scheduler) Current() *Ready {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// BlockCurrent drops into a scheduling point: the current task becomes
// Blocked with a timer armed at the deadline, the timer lands on wq when
// given, and the next queued task takes the CPU. guard, when non-nil, is
// released only after the task is safely parked, so a wakeup cannot race
// the block. The caller keeps the timer to cancel it on explicit wakeup.
func (s *Scheduler) BlockCurrent(guard func(), wq *TimerQueue, timeout time.Duration, desc string) (*Timer, error) {
	pree := s.pree.Lock()
	defer pree.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		if guard != nil {
			guard()
		}
		return nil, kerr.NoCurrentTask
	}
	s.sys.log.Log(nil, klog.LevelTrace, "blocking task",
		klog.Uint64("task", s.current.Info().ID()), klog.String("on", desc))
	s.sys.infos[s.cpu].expectedRuntime.Add(-s.current.timeSlice.Milliseconds())

	var timer *Timer
	s.scheduleLocked(time.Now(), nil, func(prev *Ready) {
		blocked := prev.block(desc)
		timer = s.sys.activateTimer(timeout, blocked)
		if wq != nil {
			wq.Push(timer)
		}
		if guard != nil {
			guard()
		}
	})
	return timer, nil
}

// ExitCurrent finishes the current task: the return cell is set, the
// task's event raises READ, handles close, and the context lands in the
// per-CPU dropper for the idle path to free — a task never frees its own
// kernel stack while standing on it.
func (s *Scheduler) ExitCurrent(retval int) error {
	pree := s.pree.Lock()
	defer pree.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return kerr.NoCurrentTask
	}
	s.sys.log.Log(nil, klog.LevelTrace, "exiting task",
		klog.Uint64("task", s.current.Info().ID()), klog.Int("retval", retval))
	s.sys.infos[s.cpu].expectedRuntime.Add(-s.current.timeSlice.Milliseconds())

	s.scheduleLocked(time.Now(), nil, func(prev *Ready) {
		s.finishTask(prev, retval)
	})
	return nil
}

func (s *Scheduler) finishTask(prev *Ready, retval int) {
	info := prev.Info()
	info.SetResult(retval)
	info.Handles().Drain()
	info.Event().Notify(0, event.SigRead)

	s.dropMu.Lock()
	s.dropper = append(s.dropper, prev.ctx)
	s.dropMu.Unlock()
}

// DrainDropper frees contexts stashed by exits; the idle path calls it.
func (s *Scheduler) DrainDropper() int {
	s.dropMu.Lock()
	ctxs := s.dropper
	s.dropper = nil
	s.dropMu.Unlock()
	for _, ctx := range ctxs {
		ctx.kstack = nil
		ctx.extFrame = nil
		if ctx.space != nil {
			ctx.space.Destroy()
		}
	}
	return len(ctxs)
}

// Tick is the timer-interrupt entry: it delivers any pending lifecycle
// signal, updates the running task's runtime, and reschedules when the
// slice is spent and another task waits.
func (s *Scheduler) Tick(now time.Time) {
	pree := s.pree.Lock()
	defer pree.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.checkSignalLocked(now) {
		return
	}
	if s.updateLocked(now) {
		s.scheduleLocked(now, nil, func(prev *Ready) {
			prev.runningState = NotRunning
			s.runQueue = append(s.runQueue, prev)
		})
	}
}

// checkSignalLocked samples the current task's signal slot. It reports
// whether the tick is already resolved.
func (s *Scheduler) checkSignalLocked(now time.Time) bool {
	cur := s.current
	if cur == nil || cur.Info().Type() == TypeKernel {
		return false
	}
	sig := cur.Info().TakeSignal()
	if sig == nil {
		return false
	}
	s.sys.infos[s.cpu].expectedRuntime.Add(-cur.timeSlice.Milliseconds())

	switch sig.Kind {
	case SignalKill:
		s.sys.log.Log(nil, klog.LevelTrace, "killing task",
			klog.Uint64("task", cur.Info().ID()))
		s.scheduleLocked(now, nil, func(prev *Ready) {
			s.finishTask(prev, RetvalKilled)
		})
	case SignalSuspend:
		s.sys.log.Log(nil, klog.LevelTrace, "suspending task",
			klog.Uint64("task", cur.Info().ID()))
		s.scheduleLocked(now, nil, func(prev *Ready) {
			sig.Slot.put(prev.block("task_ctl_suspend"))
		})
	}
	return true
}

// updateLocked accumulates the running task's runtime and reports whether
// a reschedule is due.
func (s *Scheduler) updateLocked(now time.Time) bool {
	sole := len(s.runQueue) == 0
	cur := s.current
	if cur == nil {
		return !sole
	}
	if start, running := cur.runningState.StartTime(); running {
		delta := now.Sub(start)
		cur.ctx.runtime += delta
		if cur.timeSlice < delta && !sole {
			cur.runningState = NeedResched
			return true
		}
		return false
	}
	return cur.runningState.NeedsResched()
}

// scheduleLocked is the single switch point: the next task (given, or the
// run queue head) becomes current, and fn takes ownership of the previous
// one. With nothing runnable the CPU goes idle (current nil).
func (s *Scheduler) scheduleLocked(now time.Time, next *Ready, fn func(prev *Ready)) {
	if next == nil && len(s.runQueue) > 0 {
		next = s.runQueue[0]
		s.runQueue = s.runQueue[1:]
	}
	if next != nil {
		next.runningState = RunningSince(now)
		next.ctx.cpu = s.cpu
	}
	prev := s.current
	s.current = next
	if prev != nil && fn != nil {
		fn(prev)
	}
}

// Activate gives an idle CPU the run queue head; CPU loops call it after
// draining interrupts. It reports whether a task took the CPU.
func (s *Scheduler) Activate(now time.Time) bool {
	pree := s.pree.Lock()
	defer pree.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil || len(s.runQueue) == 0 {
		return false
	}
	s.scheduleLocked(now, nil, nil)
	return s.current != nil
}

// TaskMigrateHandler drains this CPU's migration injector; it runs on
// receipt of a task-migrate IPI.
func (s *Scheduler) TaskMigrateHandler() {
	s.sys.chip.Ack(s.cpu, intr.VecTaskMigrate)
	now := time.Now()
	for i := 0; i < migrateMaxTrial; i++ {
		var task *Ready
		if !s.sys.infos[s.cpu].migration.Dequeue(&task) {
			break
		}
		s.sys.log.Log(nil, klog.LevelTrace, "migrating task",
			klog.Uint64("task", task.Info().ID()), klog.Int("cpu", s.cpu))
		s.enqueue(task, true, now)
	}
}

// selectCPU picks the destination for a newly Ready task: the affinity's
// CPUs compete pairwise on a weighted score of last-CPU warmth, current-CPU
// locality, and log-scaled expected-runtime imbalance.
func (s *System) selectCPU(affinity CpuMask, curCPU int, lastCPU int, hasLast bool) (int, bool) {
	mask := uint64(affinity)
	if top := len(s.cpus); top < 64 {
		mask &= 1<<uint(top) - 1
	}
	if mask == 0 {
		return 0, false
	}

	ret := bits.TrailingZeros64(mask)
	mask &^= 1 << uint(ret)
	if ret == curCPU && s.infos[ret].expectedRuntime.Load() == 0 {
		return ret, true
	}

	for mask != 0 {
		b := bits.TrailingZeros64(mask)
		mask &^= 1 << uint(b)

		rb := s.infos[b].expectedRuntime.Load()
		if b == curCPU && rb == 0 {
			return b, true
		}
		a := ret

		var wLast int
		switch {
		case hasLast && a == lastCPU && b != lastCPU:
			wLast = 1
		case hasLast && a != lastCPU && b == lastCPU:
			wLast = -1
		}

		var wCur int
		switch {
		case a == curCPU && b != curCPU:
			wCur = 1
		case a != curCPU && b == curCPU:
			wCur = -1
		}

		wRuntime := 0
		ra := s.infos[a].expectedRuntime.Load()
		if diff := absDiff(ra, rb); diff > 1 {
			wRuntime = bits.Len64(uint64(diff)+1) - 1
			if ra > rb {
				wRuntime = -wRuntime
			}
		}

		if wLast*10+wCur*2+wRuntime*20 <= 0 {
			ret = b
		}
	}
	return ret, true
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
