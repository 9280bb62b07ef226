package kernel

import (
	"testing"
	"time"

	"github.com/h2o-os/h2o/internal/kernel/kconf"
	"github.com/h2o-os/h2o/internal/kernel/sched"
)

func TestKernel_BootRunShutdown(t *testing.T) {
	params := kconf.Defaults()
	params.NCPU = 2
	k, err := New(params)
	if err != nil {
		t.Fatal(err)
	}
	if err := k.Start(); err != nil {
		t.Fatal(err)
	}
	defer k.Shutdown()

	for i := 0; i < 4; i++ {
		if _, err := k.Spawn("worker", i%2, sched.MaskAll); err != nil {
			t.Fatal(err)
		}
	}
	// The CPU loops pick the tasks up within a few tick periods.
	deadline := time.Now().Add(2 * time.Second)
	for {
		running := 0
		for cpu := 0; cpu < 2; cpu++ {
			if k.System().CPU(cpu).Current() != nil {
				running++
			}
			running += k.System().CPU(cpu).QueueLen()
		}
		if running == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of 4 tasks scheduled", running)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
