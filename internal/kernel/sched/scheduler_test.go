package sched

import (
	"testing"
	"time"

	"github.com/h2o-os/h2o/internal/kernel/event"
	"github.com/h2o-os/h2o/internal/kernel/intr"
	"github.com/h2o-os/h2o/internal/kernel/mem/space"
)

func newSystem(t *testing.T, ncpu int) (*System, *intr.Model) {
	t.Helper()
	chip := intr.NewModel(ncpu)
	return NewSystem(ncpu, chip), chip
}

func newTask(t *testing.T, name string, affinity CpuMask) *Init {
	t.Helper()
	sp, err := space.New(space.CreateUser)
	if err != nil {
		t.Fatal(err)
	}
	return NewInit(NewTaskInfo(name, TypeUser, affinity, 0), sp)
}

func mustCurrent(t *testing.T, s *Scheduler) *Ready {
	t.Helper()
	cur := s.Current()
	if cur == nil {
		t.Fatal("no current task")
	}
	return cur
}

func TestScheduler_ActivateRunsQueued(t *testing.T) {
	sys, _ := newSystem(t, 1)
	s := sys.CPU(0)
	s.Unblock(newTask(t, "a", MaskAll), false)
	if s.QueueLen() != 1 {
		t.Fatalf("queue = %d, want 1", s.QueueLen())
	}
	if !s.Activate(time.Now()) {
		t.Fatal("activate found nothing")
	}
	if mustCurrent(t, s).Info().Name() != "a" {
		t.Fatal("wrong task activated")
	}
}

func TestScheduler_PreemptionTimeline(t *testing.T) {
	sys, _ := newSystem(t, 1)
	s := sys.CPU(0)
	t0 := time.Now()

	s.Unblock(newTask(t, "a", MaskAll), false)
	s.Activate(t0)
	a := mustCurrent(t, s)
	s.Unblock(newTask(t, "b", MaskAll), false)

	// At 29 ms the slice is not exhausted: no switch.
	s.Tick(t0.Add(29 * time.Millisecond))
	if mustCurrent(t, s) != a {
		t.Fatal("switched before slice exhaustion")
	}
	// At 31 ms the slice is spent and b is runnable: a yields.
	s.Tick(t0.Add(31 * time.Millisecond))
	cur := mustCurrent(t, s)
	if cur == a {
		t.Fatal("no switch after slice exhaustion")
	}
	if cur.Info().Name() != "b" {
		t.Fatalf("switched to %q, want b", cur.Info().Name())
	}
	if s.QueueLen() != 1 {
		t.Fatalf("queue = %d after switch, want 1 (a re-queued)", s.QueueLen())
	}
}

func TestScheduler_SoleTaskKeepsRunning(t *testing.T) {
	sys, _ := newSystem(t, 1)
	s := sys.CPU(0)
	t0 := time.Now()
	s.Unblock(newTask(t, "solo", MaskAll), false)
	s.Activate(t0)
	solo := mustCurrent(t, s)
	s.Tick(t0.Add(100 * time.Millisecond))
	if mustCurrent(t, s) != solo {
		t.Fatal("sole task was descheduled")
	}
}

func TestScheduler_MigrationViaInjectorAndIPI(t *testing.T) {
	sys, chip := newSystem(t, 2)
	target := newTask(t, "bound", MaskOf(1))

	sys.CPU(0).Unblock(target, false)
	if sys.CPU(1).QueueLen() != 0 {
		t.Fatal("task skipped the injector")
	}
	vec, ok := chip.Next(1)
	if !ok || vec != intr.VecTaskMigrate {
		t.Fatalf("pending vector = %v %v, want task-migrate", vec, ok)
	}
	sys.CPU(1).TaskMigrateHandler()
	if sys.CPU(1).QueueLen() != 1 {
		t.Fatalf("cpu1 queue = %d after drain, want 1", sys.CPU(1).QueueLen())
	}
	if sys.CPU(0).QueueLen() != 0 {
		t.Fatal("task leaked onto cpu0")
	}
}

func TestScheduler_BlockTimerRewakes(t *testing.T) {
	sys, _ := newSystem(t, 1)
	s := sys.CPU(0)
	s.Unblock(newTask(t, "sleeper", MaskAll), false)
	s.Activate(time.Now())

	timer, err := s.BlockCurrent(nil, nil, 20*time.Millisecond, "test_sleep")
	if err != nil {
		t.Fatal(err)
	}
	if s.Current() != nil {
		t.Fatal("still current after block")
	}
	deadline := time.Now().Add(time.Second)
	for s.QueueLen() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timer never re-readied the task")
		}
		time.Sleep(time.Millisecond)
	}
	if _, ok := timer.Cancel(); ok {
		t.Fatal("cancel succeeded after the deadline fired")
	}
}

func TestScheduler_BlockCancelOwnsTask(t *testing.T) {
	sys, _ := newSystem(t, 1)
	s := sys.CPU(0)
	s.Unblock(newTask(t, "waiter", MaskAll), false)
	s.Activate(time.Now())

	wq := &TimerQueue{}
	_, err := s.BlockCurrent(nil, wq, time.Hour, "test_wait")
	if err != nil {
		t.Fatal(err)
	}
	if !wq.NotifyOne(false) {
		t.Fatal("wait queue empty")
	}
	if s.QueueLen() != 1 {
		t.Fatalf("queue = %d after notify, want 1", s.QueueLen())
	}
}

func TestScheduler_ExitStashesContext(t *testing.T) {
	sys, _ := newSystem(t, 1)
	s := sys.CPU(0)
	s.Unblock(newTask(t, "mortal", MaskAll), false)
	s.Activate(time.Now())
	info := mustCurrent(t, s).Info()

	if err := s.ExitCurrent(42); err != nil {
		t.Fatal(err)
	}
	if ret, done := info.Result(); !done || ret != 42 {
		t.Fatalf("result = %d %v, want 42", ret, done)
	}
	if info.Event().Signal()&event.SigRead == 0 {
		t.Fatal("exit did not raise READ")
	}
	if n := s.DrainDropper(); n != 1 {
		t.Fatalf("dropper drained %d contexts, want 1", n)
	}
}

func TestScheduler_KillSignal(t *testing.T) {
	sys, _ := newSystem(t, 1)
	s := sys.CPU(0)
	s.Unblock(newTask(t, "victim", MaskAll), false)
	s.Activate(time.Now())
	info := mustCurrent(t, s).Info()

	if err := info.SetSignal(&Signal{Kind: SignalKill}); err != nil {
		t.Fatal(err)
	}
	s.Tick(time.Now())
	if ret, done := info.Result(); !done || ret != RetvalKilled {
		t.Fatalf("result = %d %v, want killed", ret, done)
	}
	if s.Current() != nil {
		t.Fatal("killed task still current")
	}
	// A second kill reports AlreadyKilled.
	if err := info.SetSignal(&Signal{Kind: SignalKill}); err == nil {
		t.Fatal("kill after kill accepted")
	}
}

func TestScheduler_SuspendSignalAndResume(t *testing.T) {
	sys, _ := newSystem(t, 1)
	s := sys.CPU(0)
	s.Unblock(newTask(t, "parked", MaskAll), false)
	s.Activate(time.Now())
	info := mustCurrent(t, s).Info()

	slot := &SuspendSlot{}
	if err := info.SetSignal(&Signal{Kind: SignalSuspend, Slot: slot}); err != nil {
		t.Fatal(err)
	}
	s.Tick(time.Now())
	if s.Current() != nil {
		t.Fatal("suspended task still current")
	}
	b := slot.Take()
	if b == nil {
		t.Fatal("suspend slot empty")
	}
	s.Unblock(b, false)
	if s.QueueLen() != 1 {
		t.Fatalf("queue = %d after resume, want 1", s.QueueLen())
	}
}

func TestSelectCPU_HonorsAffinity(t *testing.T) {
	sys, _ := newSystem(t, 4)
	for i := 0; i < 32; i++ {
		cpu, ok := sys.selectCPU(MaskOf(2), 0, 0, false)
		if !ok || cpu != 2 {
			t.Fatalf("affinity {2} placed on %d %v", cpu, ok)
		}
	}
	if _, ok := sys.selectCPU(0, 0, 0, false); ok {
		t.Fatal("zero affinity produced a CPU")
	}
}

func TestSelectCPU_PrefersIdle(t *testing.T) {
	sys, _ := newSystem(t, 2)
	sys.infos[0].expectedRuntime.Store(500)
	cpu, ok := sys.selectCPU(MaskAll, 0, 0, false)
	if !ok || cpu != 1 {
		t.Fatalf("placed on %d, want idle cpu 1", cpu)
	}
}

func TestUnblock_PreemptsLongRunner(t *testing.T) {
	sys, _ := newSystem(t, 1)
	s := sys.CPU(0)
	t0 := time.Now()
	s.Unblock(newTask(t, "hog", MaskAll), false)
	s.Activate(t0)
	hog := mustCurrent(t, s)
	// Let the hog accumulate runtime well past the wake granularity.
	s.Tick(t0.Add(10 * time.Millisecond))
	if hog.Context().Runtime() == 0 {
		t.Fatal("no runtime accumulated")
	}
	s.Unblock(newTask(t, "fresh", MaskAll), true)
	cur := mustCurrent(t, s)
	if cur.Info().Name() != "fresh" {
		t.Fatalf("current = %q, want fresh preemptor", cur.Info().Name())
	}
}
