// Command h2o boots the hosted kernel core and runs a short
// self-exercising workload: task spawning across CPUs, a copy-on-write
// snapshot, and a channel handle transfer. It is the model's equivalent of
// a bring-up smoke boot.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/h2o-os/h2o/internal/kernel"
	"github.com/h2o-os/h2o/internal/kernel/event"
	"github.com/h2o-os/h2o/internal/kernel/handle"
	"github.com/h2o-os/h2o/internal/kernel/ipc"
	"github.com/h2o-os/h2o/internal/kernel/kconf"
	"github.com/h2o-os/h2o/internal/kernel/klog"
	"github.com/h2o-os/h2o/internal/kernel/mem/frame"
	"github.com/h2o-os/h2o/internal/kernel/mem/phys"
	"github.com/h2o-os/h2o/internal/kernel/sched"
)

func main() {
	var (
		configPath  = flag.String("config", "", "kernel parameter file")
		monitorAddr = flag.String("monitor", "", "stats endpoint address (overrides config)")
		runFor      = flag.Duration("run", 500*time.Millisecond, "how long to let the workload run")
	)
	flag.Parse()

	params := kconf.Defaults()
	if *configPath != "" {
		p, err := kconf.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "config:", err)
			os.Exit(1)
		}
		params = p
	}
	if *monitorAddr != "" {
		params.MonitorAddr = *monitorAddr
	}

	k, err := kernel.New(params)
	if err != nil {
		fmt.Fprintln(os.Stderr, "boot:", err)
		os.Exit(1)
	}
	if err := k.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "start:", err)
		os.Exit(1)
	}
	log := klog.Sub("h2o")

	store := kconf.NewStore(params)
	if *configPath != "" {
		if stop, err := store.Watch(*configPath); err == nil {
			defer stop()
		}
	}

	// Scatter a few tasks across the CPUs and let migration and the
	// tick do their work.
	for i := 0; i < params.NCPU*2; i++ {
		name := fmt.Sprintf("worker-%d", i)
		if _, err := k.Spawn(name, i%params.NCPU, sched.MaskAll); err != nil {
			log.Warn("spawn failed", klog.String("task", name), klog.Any("err", err))
		}
	}

	if err := cowDemo(log); err != nil {
		log.Warn("cow demo failed", klog.Any("err", err))
	}
	if err := transferDemo(log); err != nil {
		log.Warn("transfer demo failed", klog.Any("err", err))
	}

	time.Sleep(*runFor)

	for cpu := 0; cpu < params.NCPU; cpu++ {
		log.Info("cpu state",
			klog.Int("cpu", cpu),
			klog.Int("queue", k.System().CPU(cpu).QueueLen()),
			klog.Int64("expected_ms", k.System().ExpectedRuntime(cpu)))
	}
	k.Shutdown()
}

// cowDemo exercises the snapshot semantics: a write below a snapshot must
// not surface in the parent.
func cowDemo(log *klog.Logger) error {
	p, err := phys.NewExtensible(3 * frame.PageSize)
	if err != nil {
		return err
	}
	payload := make([]byte, frame.PageSize)
	for i := range payload {
		payload[i] = 0xAA
	}
	if _, err := p.Write(frame.PageSize, payload); err != nil {
		return err
	}
	q, err := p.CreateSub(0, 3*frame.PageSize, false)
	if err != nil {
		return err
	}
	for i := range payload {
		payload[i] = 0xBB
	}
	if _, err := q.Write(frame.PageSize, payload); err != nil {
		return err
	}
	got := make([]byte, 1)
	if _, err := p.Read(frame.PageSize, got); err != nil {
		return err
	}
	log.Info("cow snapshot", klog.String("parent_byte", fmt.Sprintf("%#x", got[0])))
	return nil
}

// transferDemo moves an event handle through a channel and notifies it on
// the far side.
func transferDemo(log *klog.Logger) error {
	sender := handle.NewTable()
	receiver := handle.NewTable()

	a, b := ipc.New()
	ha, err := sender.Insert(a, handle.FeatSend|handle.FeatRead|handle.FeatWrite, a.Event())
	if err != nil {
		return err
	}
	ev := event.NewBasic(0)
	he, err := sender.Insert(ev, handle.FeatSend|handle.FeatWrite|handle.FeatWait, ev)
	if err != nil {
		return err
	}
	if err := ipc.SendForChannel(sender, ha, []int{he}, []byte{1, 2, 3}, 0); err != nil {
		return err
	}
	pkt, err := b.Receive(time.Second)
	if err != nil {
		return err
	}
	handles, err := receiver.Receive(pkt.Objects)
	if err != nil {
		return err
	}
	err = receiver.Inspect(handles[0], func(r *handle.Ref) error {
		r.Event().Notify(0, event.SigRead)
		return nil
	})
	if err != nil {
		return err
	}
	log.Info("handle transfer", klog.Int("moved", len(handles)),
		klog.Uint64("signal", uint64(ev.Signal())))
	return nil
}
