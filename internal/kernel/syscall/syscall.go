// Package syscall is the kernel's call surface: every operation resolves a
// handle through the calling task's table, downcasts the Ref to the
// expected object, and invokes it. The hosted model passes plain Go
// arguments where hardware would pack registers; pointer validation is the
// dispatcher shim's job and already done by the time these run.
package syscall

import (
	"github.com/h2o-os/h2o/internal/kernel/handle"
	"github.com/h2o-os/h2o/internal/kernel/sched"
)

// Dispatcher executes system calls on behalf of the current task of one
// CPU's scheduler.
type Dispatcher struct {
	sys *sched.System
	cpu *sched.Scheduler
}

// NewDispatcher binds a dispatcher to a CPU.
func NewDispatcher(sys *sched.System, cpu int) *Dispatcher {
	return &Dispatcher{sys: sys, cpu: sys.CPU(cpu)}
}

// System returns the scheduler fleet behind the dispatcher.
func (d *Dispatcher) System() *sched.System { return d.sys }

// Scheduler returns the bound CPU's scheduler.
func (d *Dispatcher) Scheduler() *sched.Scheduler { return d.cpu }

// currentInfo resolves the calling task.
func (d *Dispatcher) currentInfo() (*sched.TaskInfo, error) {
	var info *sched.TaskInfo
	err := d.cpu.WithCurrent(func(r *sched.Ready) error {
		info = r.Info()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// currentHandles resolves the calling task's handle table.
func (d *Dispatcher) currentHandles() (*handle.Table, error) {
	info, err := d.currentInfo()
	if err != nil {
		return nil, err
	}
	return info.Handles(), nil
}

// HandleClose closes a handle in the calling task's table.
func (d *Dispatcher) HandleClose(h int) error {
	ht, err := d.currentHandles()
	if err != nil {
		return err
	}
	obj, err := ht.Remove(h)
	if err != nil {
		return err
	}
	closeObject(obj)
	return nil
}

// HandleDup duplicates a handle; only SEND|SYNC objects may exist twice.
func (d *Dispatcher) HandleDup(h int) (int, error) {
	ht, err := d.currentHandles()
	if err != nil {
		return 0, err
	}
	return ht.Dup(h)
}

// FeaturesOf reports a handle's capability mask.
func (d *Dispatcher) FeaturesOf(h int) (handle.Feature, error) {
	ht, err := d.currentHandles()
	if err != nil {
		return 0, err
	}
	var feat handle.Feature
	err = ht.Inspect(h, func(r *handle.Ref) error {
		feat = r.Features()
		return nil
	})
	return feat, err
}

// DropFeatures shrinks a handle's capability mask.
func (d *Dispatcher) DropFeatures(h int, keep handle.Feature) error {
	ht, err := d.currentHandles()
	if err != nil {
		return err
	}
	return ht.Inspect(h, func(r *handle.Ref) error {
		return r.SetFeatures(keep)
	})
}

// closeObject releases variant-specific resources when the last handle
// goes away.
func closeObject(obj handle.Object) {
	switch o := obj.Obj.(type) {
	case interface{ Close() }:
		o.Close()
	case interface{ Release() }:
		o.Release()
	}
}
