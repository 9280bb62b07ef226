// Package kernel assembles the hosted H2O core: the interrupt chip, one
// scheduler per CPU, the kernel address space and VDSO, the syscall
// dispatchers, and the optional monitor endpoint. CPU loops are goroutines
// draining their chip vectors and run queues.
package kernel

import (
	"fmt"
	"sync"
	"time"

	"github.com/h2o-os/h2o/internal/kernel/boot"
	"github.com/h2o-os/h2o/internal/kernel/intr"
	"github.com/h2o-os/h2o/internal/kernel/kconf"
	"github.com/h2o-os/h2o/internal/kernel/klog"
	"github.com/h2o-os/h2o/internal/kernel/mem/phys"
	"github.com/h2o-os/h2o/internal/kernel/mem/space"
	"github.com/h2o-os/h2o/internal/kernel/monitor"
	"github.com/h2o-os/h2o/internal/kernel/sched"
	"github.com/h2o-os/h2o/internal/kernel/syscall"
)

// tickPeriod is the modeled timer-interrupt period.
const tickPeriod = 10 * time.Millisecond

// Kernel is the assembled core.
type Kernel struct {
	params kconf.Parameters

	chip *intr.Model
	sys  *sched.System

	kernelSpace *space.Space
	vdso        phys.Phys

	dispatchers []*syscall.Dispatcher

	mon *monitor.Server

	stop chan struct{}
	wg   sync.WaitGroup
	log  *klog.Logger
}

// New boots the core with the given parameters.
func New(params kconf.Parameters) (*Kernel, error) {
	applyLogLevel(params.LogLevel)

	ksp, err := space.New(space.CreateKernel)
	if err != nil {
		return nil, fmt.Errorf("kernel space: %w", err)
	}
	// The BSP-staged kernel half is what every later space inherits.
	space.SetKernelTemplate(ksp.PageTable())

	vdso, err := boot.InitVDSO()
	if err != nil {
		return nil, fmt.Errorf("vdso: %w", err)
	}

	chip := intr.NewModel(params.NCPU)
	sys := sched.NewSystem(params.NCPU, chip)

	k := &Kernel{
		params:      params,
		chip:        chip,
		sys:         sys,
		kernelSpace: ksp,
		vdso:        vdso,
		stop:        make(chan struct{}),
		log:         klog.Sub("kernel"),
	}
	for cpu := 0; cpu < params.NCPU; cpu++ {
		k.dispatchers = append(k.dispatchers, syscall.NewDispatcher(sys, cpu))
	}
	return k, nil
}

func applyLogLevel(level string) {
	switch level {
	case "trace":
		klog.LogLevel.Set(klog.LevelTrace)
	case "debug":
		klog.LogLevel.Set(klog.LevelDebug)
	case "warn":
		klog.LogLevel.Set(klog.LevelWarn)
	case "error":
		klog.LogLevel.Set(klog.LevelError)
	default:
		klog.LogLevel.Set(klog.LevelInfo)
	}
}

// System returns the scheduler fleet.
func (k *Kernel) System() *sched.System { return k.sys }

// Chip returns the interrupt chip.
func (k *Kernel) Chip() *intr.Model { return k.chip }

// VDSO returns the kernel's VDSO object.
func (k *Kernel) VDSO() phys.Phys { return k.vdso }

// Dispatcher returns a CPU's syscall dispatcher.
func (k *Kernel) Dispatcher(cpu int) *syscall.Dispatcher { return k.dispatchers[cpu] }

// Start launches the CPU loops and, when configured, the monitor.
func (k *Kernel) Start() error {
	for cpu := 0; cpu < k.params.NCPU; cpu++ {
		k.wg.Add(1)
		go k.cpuLoop(cpu)
	}
	if addr := k.params.MonitorAddr; addr != "" {
		srv, err := monitor.NewServer(addr, nil, monitor.New(k.sys).Handler())
		if err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
		bound, err := srv.Start()
		if err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
		k.mon = srv
		k.log.Info("monitor up", klog.String("addr", bound))
	}
	k.log.Info("kernel up",
		klog.Int("ncpu", k.params.NCPU),
		klog.String("abi", boot.KernelVersion))
	return nil
}

// cpuLoop is one modeled CPU: a timer tick, interrupt drain, and idle
// housekeeping.
func (k *Kernel) cpuLoop(cpu int) {
	defer k.wg.Done()
	s := k.sys.CPU(cpu)
	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-k.stop:
			return
		case now := <-ticker.C:
			k.chip.Send(cpu, intr.VecTimer)
			for {
				vec, ok := k.chip.Next(cpu)
				if !ok {
					break
				}
				switch vec {
				case intr.VecTimer:
					s.Tick(now)
					k.chip.Ack(cpu, intr.VecTimer)
				case intr.VecTaskMigrate:
					s.TaskMigrateHandler()
				default:
					k.chip.Ack(cpu, vec)
				}
			}
			// Idle path: adopt runnable work and free dead contexts.
			s.Activate(now)
			s.DrainDropper()
		}
	}
}

// Spawn builds a root task over a fresh space and unblocks it through the
// given CPU's scheduler, whose CPU selection may place it on another CPU.
func (k *Kernel) Spawn(name string, cpu int, affinity sched.CpuMask) (*sched.TaskInfo, error) {
	sp, err := space.New(space.CreateUser)
	if err != nil {
		return nil, err
	}
	if affinity == 0 {
		affinity = sched.MaskAll
	}
	info := sched.NewTaskInfo(name, sched.TypeUser, affinity, 0)
	init := sched.NewInit(info, sp)
	k.sys.CPU(cpu).Unblock(init, false)
	return info, nil
}

// Shutdown stops the CPU loops and the monitor.
func (k *Kernel) Shutdown() {
	close(k.stop)
	k.wg.Wait()
	if k.mon != nil {
		_ = k.mon.Close()
	}
	k.log.Info("kernel down")
}
