// Package sched implements the per-CPU, work-preserving scheduler and the
// task lifecycle: Init → Ready ↔ Running → Blocked → Ready → … → Exited.
// Cross-CPU handoff goes through lock-free migration injectors kicked by
// IPIs; per-CPU state is only touched with preemption disabled.
package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/h2o-os/h2o/internal/kernel/event"
	"github.com/h2o-os/h2o/internal/kernel/handle"
	"github.com/h2o-os/h2o/internal/kernel/kerr"
	"github.com/h2o-os/h2o/internal/kernel/mem/space"
)

// Type tells user tasks apart from kernel-internal ones; kernel tasks never
// take lifecycle signals.
type Type int

const (
	TypeUser Type = iota
	TypeKernel
)

// CpuMask is a task's CPU affinity bitmask.
type CpuMask uint64

// MaskAll allows every CPU.
const MaskAll = CpuMask(^uint64(0))

// MaskOf builds a mask from explicit CPU numbers.
func MaskOf(cpus ...int) CpuMask {
	var m CpuMask
	for _, cpu := range cpus {
		m |= 1 << uint(cpu)
	}
	return m
}

// Has reports whether the mask allows a CPU.
func (m CpuMask) Has(cpu int) bool { return m&(1<<uint(cpu)) != 0 }

// SignalKind selects a task lifecycle signal.
type SignalKind int

const (
	// SignalKill terminates the task at the next tick of its CPU.
	SignalKill SignalKind = iota
	// SignalSuspend parks the task in its suspend slot until the token
	// is dropped.
	SignalSuspend
)

// Signal is the out-of-band lifecycle request stored in a task's signal
// slot. Only the scheduler tick samples it, never inside kernel critical
// sections; system call entry does not sample it.
type Signal struct {
	Kind SignalKind
	Slot *SuspendSlot
}

// SuspendSlot receives the Blocked task when a suspend signal lands.
type SuspendSlot struct {
	mu      sync.Mutex
	blocked *Blocked
}

func (s *SuspendSlot) put(b *Blocked) {
	s.mu.Lock()
	s.blocked = b
	s.mu.Unlock()
}

// Take removes and returns the parked task, if any.
func (s *SuspendSlot) Take() *Blocked {
	s.mu.Lock()
	b := s.blocked
	s.blocked = nil
	s.mu.Unlock()
	return b
}

var nextTaskID atomic.Uint64

// TaskInfo is the task identity shared by every lifecycle state: name,
// type, affinity, event, handle table, result cell, and the signal slot.
type TaskInfo struct {
	id       uint64
	name     string
	ty       Type
	affinity CpuMask
	from     uint64

	ev      *event.Basic
	handles *handle.Table

	retMu  sync.Mutex
	ret    int
	retSet bool

	sigMu sync.Mutex
	sig   *Signal

	excepMu   sync.Mutex
	excepChan any

	callMu sync.Mutex
	calls  map[uint64]bool
}

// NewTaskInfo builds a task identity. from is the parent's id, zero for
// roots.
func NewTaskInfo(name string, ty Type, affinity CpuMask, from uint64) *TaskInfo {
	return &TaskInfo{
		id:       nextTaskID.Add(1),
		name:     name,
		ty:       ty,
		affinity: affinity,
		from:     from,
		ev:       event.NewBasic(0),
		handles:  handle.NewTable(),
		calls:    make(map[uint64]bool),
	}
}

// ID returns the task id.
func (ti *TaskInfo) ID() uint64 { return ti.id }

// Name returns the task name.
func (ti *TaskInfo) Name() string { return ti.name }

// Type returns the task type.
func (ti *TaskInfo) Type() Type { return ti.ty }

// Affinity returns the task's CPU mask.
func (ti *TaskInfo) Affinity() CpuMask { return ti.affinity }

// From returns the parent task id, zero for roots.
func (ti *TaskInfo) From() uint64 { return ti.from }

// Event returns the task's observable; exit raises SigRead on it.
func (ti *TaskInfo) Event() *event.Basic { return ti.ev }

// Handles returns the task's handle table.
func (ti *TaskInfo) Handles() *handle.Table { return ti.handles }

// SetSignal stores a lifecycle signal. Kill is sticky: once pending it is
// never displaced, and signaling an exited task reports AlreadyKilled.
func (ti *TaskInfo) SetSignal(sig *Signal) error {
	if _, done := ti.Result(); done {
		return kerr.AlreadyKilled
	}
	ti.sigMu.Lock()
	defer ti.sigMu.Unlock()
	if ti.sig != nil && ti.sig.Kind == SignalKill {
		if sig != nil && sig.Kind == SignalKill {
			return kerr.AlreadyKilled
		}
		return nil
	}
	ti.sig = sig
	return nil
}

// TakeSignal removes and returns the pending signal, if any.
func (ti *TaskInfo) TakeSignal() *Signal {
	ti.sigMu.Lock()
	defer ti.sigMu.Unlock()
	sig := ti.sig
	ti.sig = nil
	return sig
}

// SetResult writes the task's return cell once.
func (ti *TaskInfo) SetResult(ret int) {
	ti.retMu.Lock()
	if !ti.retSet {
		ti.ret = ret
		ti.retSet = true
	}
	ti.retMu.Unlock()
}

// Result reads the return cell.
func (ti *TaskInfo) Result() (int, bool) {
	ti.retMu.Lock()
	defer ti.retMu.Unlock()
	return ti.ret, ti.retSet
}

// SetExceptionChannel stores the task's exception channel slot.
func (ti *TaskInfo) SetExceptionChannel(ch any) {
	ti.excepMu.Lock()
	ti.excepChan = ch
	ti.excepMu.Unlock()
}

// ExceptionChannel returns the exception channel slot.
func (ti *TaskInfo) ExceptionChannel() any {
	ti.excepMu.Lock()
	defer ti.excepMu.Unlock()
	return ti.excepChan
}

// RegisterCall publishes an outstanding call id on the task.
func (ti *TaskInfo) RegisterCall(id uint64) {
	ti.callMu.Lock()
	ti.calls[id] = true
	ti.callMu.Unlock()
}

// CompleteCall retires an outstanding call id; it reports whether the id
// was pending.
func (ti *TaskInfo) CompleteCall(id uint64) bool {
	ti.callMu.Lock()
	defer ti.callMu.Unlock()
	if !ti.calls[id] {
		return false
	}
	delete(ti.calls, id)
	return true
}

// KstackSize is the modeled kernel stack size.
const KstackSize = 16 << 10

// extFrameSize is the modeled extended-register save area (an XSAVE
// region).
const extFrameSize = 512

// Context is the task body owned by whichever lifecycle state currently
// holds the task: kernel stack, extended-register frame, optional I/O
// bitmap, placement, and accumulated runtime.
type Context struct {
	info  *TaskInfo
	space *space.Space

	kstack   []byte
	extFrame []byte
	ioBitmap []uint64

	entry uintptr
	stack uintptr
	arg   uint64

	cpu     int
	runtime time.Duration
}

// SetEntry records the task's user entry point, stack top, and the argument
// register handed to the entry.
func (c *Context) SetEntry(entry, stack uintptr, arg uint64) {
	c.entry = entry
	c.stack = stack
	c.arg = arg
}

// Entry returns the task's user entry point, stack top, and argument.
func (c *Context) Entry() (entry, stack uintptr, arg uint64) {
	return c.entry, c.stack, c.arg
}

// Info returns the task identity.
func (c *Context) Info() *TaskInfo { return c.info }

// Space returns the task's address space.
func (c *Context) Space() *space.Space { return c.space }

// CPU returns the CPU the context last ran on; while Running, only that
// CPU touches the context.
func (c *Context) CPU() int { return c.cpu }

// Runtime returns the accumulated runtime.
func (c *Context) Runtime() time.Duration { return c.runtime }

// SetIOBitmap installs an I/O permission bitmap.
func (c *Context) SetIOBitmap(bm []uint64) { c.ioBitmap = bm }

// RunningState is the per-task running-state word: NotRunning,
// NeedResched, or Running since a start instant.
type RunningState struct {
	kind  int
	start time.Time
}

const (
	rsNotRunning = iota
	rsNeedResched
	rsRunning
)

// NotRunning is the parked state.
var NotRunning = RunningState{kind: rsNotRunning}

// NeedResched marks a task that must yield at the next scheduling point.
var NeedResched = RunningState{kind: rsNeedResched}

// RunningSince marks a task on CPU since start.
func RunningSince(start time.Time) RunningState {
	return RunningState{kind: rsRunning, start: start}
}

// StartTime returns the running start instant, when running.
func (rs RunningState) StartTime() (time.Time, bool) {
	return rs.start, rs.kind == rsRunning
}

// NeedsResched reports the NeedResched state.
func (rs RunningState) NeedsResched() bool { return rs.kind == rsNeedResched }

// Init is a freshly built task that has never run.
type Init struct {
	ctx *Context
}

// NewInit assembles a task from its identity and address space.
func NewInit(info *TaskInfo, sp *space.Space) *Init {
	return &Init{ctx: &Context{
		info:     info,
		space:    sp,
		kstack:   make([]byte, KstackSize),
		extFrame: make([]byte, extFrameSize),
	}}
}

// Info returns the task identity.
func (i *Init) Info() *TaskInfo { return i.ctx.info }

// Context exposes the owned context for pre-start setup.
func (i *Init) Context() *Context { return i.ctx }

// Ready is a runnable (or running) task: the context plus its slice and
// running-state word.
type Ready struct {
	ctx *Context

	runningState RunningState
	timeSlice    time.Duration
}

// Context exposes the owned context.
func (r *Ready) Context() *Context { return r.ctx }

// Info returns the task identity.
func (r *Ready) Info() *TaskInfo { return r.ctx.info }

// TimeSlice returns the task's current slice.
func (r *Ready) TimeSlice() time.Duration { return r.timeSlice }

// State returns the running-state word.
func (r *Ready) State() RunningState { return r.runningState }

func (r *Ready) block(desc string) *Blocked {
	return &Blocked{ctx: r.ctx, desc: desc}
}

// Blocked is a suspended task waiting for an unblock.
type Blocked struct {
	ctx  *Context
	desc string
}

// Info returns the task identity.
func (b *Blocked) Info() *TaskInfo { return b.ctx.info }

// Desc names what the task is blocked on.
func (b *Blocked) Desc() string { return b.desc }

// LastCPU returns the CPU the task last ran on.
func (b *Blocked) LastCPU() int { return b.ctx.cpu }

// IntoReady is any state that can transition to Ready on some CPU.
type IntoReady interface {
	lastCPU() (int, bool)
	taskAffinity() CpuMask
	intoReady(cpu int, timeSlice time.Duration) *Ready
}

func (i *Init) lastCPU() (int, bool)    { return 0, false }
func (i *Init) taskAffinity() CpuMask   { return i.ctx.info.affinity }
func (i *Init) intoReady(cpu int, slice time.Duration) *Ready {
	i.ctx.cpu = cpu
	return &Ready{ctx: i.ctx, runningState: NotRunning, timeSlice: slice}
}

func (b *Blocked) lastCPU() (int, bool)  { return b.ctx.cpu, true }
func (b *Blocked) taskAffinity() CpuMask { return b.ctx.info.affinity }
func (b *Blocked) intoReady(cpu int, slice time.Duration) *Ready {
	b.ctx.cpu = cpu
	return &Ready{ctx: b.ctx, runningState: NotRunning, timeSlice: slice}
}
