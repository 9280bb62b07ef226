package syscall

import (
	"time"

	"github.com/h2o-os/h2o/internal/kernel/boot"
	"github.com/h2o-os/h2o/internal/kernel/event"
	"github.com/h2o-os/h2o/internal/kernel/handle"
	"github.com/h2o-os/h2o/internal/kernel/ipc"
	"github.com/h2o-os/h2o/internal/kernel/kerr"
	"github.com/h2o-os/h2o/internal/kernel/mem/space"
	"github.com/h2o-os/h2o/internal/kernel/sched"
)

// ExecArgs packs task_exec's argument block.
type ExecArgs struct {
	Name string
	// ABI is the caller's kernel ABI constraint, e.g. "^0.3"; empty
	// skips the check.
	ABI string
	// SpaceHandle names the new task's address space; 0 builds a fresh
	// one.
	SpaceHandle int
	Entry       uintptr
	Stack       uintptr
	// InitChan is transferred into the new task as its bootstrap
	// channel; 0 for none.
	InitChan int
	// Arg is the register value handed to the entry point.
	Arg      uint64
	Affinity sched.CpuMask
}

// taskFeatures is the capability mask task handles start with.
const taskFeatures = handle.FeatSend | handle.FeatSync |
	handle.FeatRead | handle.FeatWrite | handle.FeatWait

// TaskExec builds a task, moves its init channel over, and readies it.
func (d *Dispatcher) TaskExec(args ExecArgs) (int, error) {
	info, err := d.currentInfo()
	if err != nil {
		return 0, err
	}
	if err := boot.CheckABI(args.ABI); err != nil {
		return 0, err
	}
	ht := info.Handles()

	var sp *space.Space
	if args.SpaceHandle != 0 {
		sp, err = handle.Get[*space.Space](ht, args.SpaceHandle)
		if err != nil {
			return 0, err
		}
	} else {
		sp, err = space.New(space.CreateUser)
		if err != nil {
			return 0, err
		}
	}

	affinity := args.Affinity
	if affinity == 0 {
		affinity = sched.MaskAll
	}
	newInfo := sched.NewTaskInfo(args.Name, sched.TypeUser, affinity, info.ID())
	init := sched.NewInit(newInfo, sp)
	init.Context().SetEntry(args.Entry, args.Stack, args.Arg)

	if args.InitChan != 0 {
		objects, err := ht.TakeForSend([]int{args.InitChan}, nil)
		if err != nil {
			return 0, err
		}
		if _, err := newInfo.Handles().Receive(objects); err != nil {
			return 0, err
		}
	}

	taskHandle, err := ht.Insert(newInfo, taskFeatures, newInfo.Event())
	if err != nil {
		return 0, err
	}
	d.cpu.Unblock(init, false)
	return taskHandle, nil
}

// CtlOp selects a task_ctl operation.
type CtlOp int

const (
	// CtlKill terminates the task at the next tick of its CPU.
	CtlKill CtlOp = iota
	// CtlSuspend parks the task and returns a suspend-token handle;
	// closing the token resumes it.
	CtlSuspend
)

// SuspendToken resumes its task when closed.
type SuspendToken struct {
	sys  *sched.System
	slot *sched.SuspendSlot
}

// Close resumes the suspended task. Closing twice is harmless.
func (t *SuspendToken) Close() {
	if b := t.slot.Take(); b != nil {
		t.sys.CPU(b.LastCPU()).Unblock(b, true)
	}
}

// TaskCtl delivers a lifecycle operation to the task handle h names. For
// CtlSuspend the returned handle holds the suspend token.
func (d *Dispatcher) TaskCtl(h int, op CtlOp) (int, error) {
	ht, err := d.currentHandles()
	if err != nil {
		return 0, err
	}
	target, err := handle.GetWithFeatures[*sched.TaskInfo](ht, h, handle.FeatWrite)
	if err != nil {
		return 0, err
	}
	switch op {
	case CtlKill:
		return 0, target.SetSignal(&sched.Signal{Kind: sched.SignalKill})
	case CtlSuspend:
		slot := &sched.SuspendSlot{}
		if err := target.SetSignal(&sched.Signal{Kind: sched.SignalSuspend, Slot: slot}); err != nil {
			return 0, err
		}
		token := &SuspendToken{sys: d.sys, slot: slot}
		return ht.Insert(token, handle.FeatSend|handle.FeatWrite, nil)
	}
	return 0, kerr.InvalidArgument
}

// TaskJoin waits for the task to exit and returns its result value.
func (d *Dispatcher) TaskJoin(h int, timeout time.Duration) (int, error) {
	ht, err := d.currentHandles()
	if err != nil {
		return 0, err
	}
	target, err := handle.GetWithFeatures[*sched.TaskInfo](ht, h, handle.FeatRead)
	if err != nil {
		return 0, err
	}
	if ret, done := target.Result(); done {
		_, _ = ht.Remove(h)
		return ret, nil
	}
	blocker := sched.NewBlocker(target.Event(), false, event.SigRead)
	werr := blocker.Wait(timeout)
	blocker.Detach()
	if ret, done := target.Result(); done {
		_, _ = ht.Remove(h)
		return ret, nil
	}
	if werr != nil {
		return 0, werr
	}
	return 0, kerr.Timeout
}

// SendStartupArgs encodes startup args and sends them over the init
// channel handle, moving the named handles with them.
func (d *Dispatcher) SendStartupArgs(chanHandle int, sa *boot.StartupArgs, handles []int) error {
	ht, err := d.currentHandles()
	if err != nil {
		return err
	}
	return ipc.SendForChannel(ht, chanHandle, handles, sa.Encode(), 0)
}
