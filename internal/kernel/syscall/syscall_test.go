package syscall

import (
	"testing"
	"time"

	"github.com/h2o-os/h2o/internal/kernel/intr"
	"github.com/h2o-os/h2o/internal/kernel/kerr"
	"github.com/h2o-os/h2o/internal/kernel/mem/frame"
	"github.com/h2o-os/h2o/internal/kernel/mem/space"
	"github.com/h2o-os/h2o/internal/kernel/sched"
)

// testKernel stands up a scheduler fleet with a current task on CPU 0, the
// position every syscall executes from.
func testKernel(t *testing.T, ncpu int) *Dispatcher {
	t.Helper()
	sys := sched.NewSystem(ncpu, intr.NewModel(ncpu))
	sp, err := space.New(space.CreateUser)
	if err != nil {
		t.Fatal(err)
	}
	info := sched.NewTaskInfo("caller", sched.TypeUser, sched.MaskOf(0), 0)
	sys.CPU(0).Unblock(sched.NewInit(info, sp), false)
	if !sys.CPU(0).Activate(time.Now()) {
		t.Fatal("no current task")
	}
	return NewDispatcher(sys, 0)
}

func TestPhys_ReadWriteSub(t *testing.T) {
	d := testKernel(t, 1)
	h, err := d.PhysAlloc(2*frame.PageSize, true, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.PhysWrite(h, 64, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	got, err := d.PhysRead(h, 64, 7)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Fatalf("read %q", got)
	}

	sub, err := d.PhysSub(h, 0, frame.PageSize, false)
	if err != nil {
		t.Fatal(err)
	}
	got, err = d.PhysRead(sub, 64, 7)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Fatalf("snapshot read %q", got)
	}
}

func TestPhys_ZeroSize(t *testing.T) {
	d := testKernel(t, 1)
	if _, err := d.PhysAlloc(0, true, false); !kerr.Is(err, kerr.InvalidArgument) {
		t.Fatalf("zero alloc: got %v", err)
	}
}

func TestPhys_FeatureChecks(t *testing.T) {
	d := testKernel(t, 1)
	h, err := d.PhysAlloc(frame.PageSize, true, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.DropFeatures(h, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := d.PhysRead(h, 0, 1); !kerr.Is(err, kerr.PermissionDenied) {
		t.Fatalf("read without READ: got %v", err)
	}
	if err := d.PhysResize(h, 2*frame.PageSize, true); !kerr.Is(err, kerr.PermissionDenied) {
		t.Fatalf("resize without R+W+X: got %v", err)
	}
}

func TestVirtMap_RequiresUserAccess(t *testing.T) {
	d := testKernel(t, 1)
	_, rootVirt, err := d.SpaceNew()
	if err != nil {
		t.Fatal(err)
	}
	ph, err := d.PhysAlloc(frame.PageSize, true, true)
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.VirtMap(rootVirt, MapArgs{
		PhysHandle: ph,
		Len:        frame.PageSize,
		Flags:      space.FlagReadable,
	})
	if !kerr.Is(err, kerr.PermissionDenied) {
		t.Fatalf("map without USER_ACCESS: got %v", err)
	}
	base, err := d.VirtMap(rootVirt, MapArgs{
		PhysHandle: ph,
		Len:        frame.PageSize,
		Flags:      space.FlagUserAccess | space.FlagReadable,
	})
	if err != nil {
		t.Fatal(err)
	}
	if base == 0 {
		t.Fatal("zero mapping base")
	}
	if err := d.VirtUnmap(rootVirt, base, frame.PageSize, false); err != nil {
		t.Fatal(err)
	}
}

func TestChan_SendRecvWithResize(t *testing.T) {
	d := testKernel(t, 1)
	h1, h2, err := d.ChanNew()
	if err != nil {
		t.Fatal(err)
	}
	eh, err := d.PhysAlloc(frame.PageSize, true, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.ChanSend(h1, SendPacket{Handles: []int{eh}, Buffer: []byte("hello")}); err != nil {
		t.Fatal(err)
	}
	// The sent handle leaves the sender's table with the packet.
	if _, err := d.PhysRead(eh, 0, 1); err == nil {
		t.Fatal("transferred handle still resolves")
	}
	// Undersized receive reports the needed sizes and keeps the packet.
	small := &RecvPacket{BufferCap: 1, HandleCap: 0}
	err = d.ChanRecv(h2, small, 0)
	if !kerr.Is(err, kerr.BufferTooSmall) {
		t.Fatalf("undersized recv: got %v", err)
	}
	if small.BufferSize != 5 || small.HandleCount != 1 {
		t.Fatalf("needed sizes = %d/%d", small.BufferSize, small.HandleCount)
	}
	sized := &RecvPacket{BufferCap: small.BufferSize, HandleCap: small.HandleCount}
	if err := d.ChanRecv(h2, sized, 0); err != nil {
		t.Fatal(err)
	}
	if string(sized.Buffer) != "hello" || len(sized.Handles) != 1 {
		t.Fatalf("recv = %q %v", sized.Buffer, sized.Handles)
	}
	// The transferred handle is live in the (same) receiving table.
	if _, err := d.PhysRead(sized.Handles[0], 0, 1); err != nil {
		t.Fatal(err)
	}
	// And the original is gone.
	if _, err := d.PhysRead(eh, 0, 1); err == nil {
		t.Fatal("transferred handle still resolves")
	}
}

func TestChan_RefusesSendingItself(t *testing.T) {
	d := testKernel(t, 1)
	h1, _, err := d.ChanNew()
	if err != nil {
		t.Fatal(err)
	}
	err = d.ChanSend(h1, SendPacket{Handles: []int{h1}})
	if !kerr.Is(err, kerr.PermissionDenied) {
		t.Fatalf("sent itself: got %v", err)
	}
}

func TestTask_ExecKillJoin(t *testing.T) {
	d := testKernel(t, 2)
	th, err := d.TaskExec(ExecArgs{Name: "child", ABI: "^0.3"})
	if err != nil {
		t.Fatal(err)
	}
	// The child lands on the idle CPU through the migration path.
	d.System().CPU(1).TaskMigrateHandler()
	if !d.System().CPU(1).Activate(time.Now()) {
		t.Fatal("child never became current on cpu1")
	}
	if _, err := d.TaskCtl(th, CtlKill); err != nil {
		t.Fatal(err)
	}
	d.System().CPU(1).Tick(time.Now())
	ret, err := d.TaskJoin(th, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if ret != sched.RetvalKilled {
		t.Fatalf("join = %d, want killed retval", ret)
	}
}

func TestTask_BadABIRefused(t *testing.T) {
	d := testKernel(t, 1)
	if _, err := d.TaskExec(ExecArgs{Name: "old", ABI: "^9.0"}); err == nil {
		t.Fatal("incompatible ABI accepted")
	}
}

func TestTask_SuspendToken(t *testing.T) {
	d := testKernel(t, 2)
	th, err := d.TaskExec(ExecArgs{Name: "parked"})
	if err != nil {
		t.Fatal(err)
	}
	d.System().CPU(1).TaskMigrateHandler()
	if !d.System().CPU(1).Activate(time.Now()) {
		t.Fatal("child never became current")
	}
	tok, err := d.TaskCtl(th, CtlSuspend)
	if err != nil {
		t.Fatal(err)
	}
	d.System().CPU(1).Tick(time.Now())
	if d.System().CPU(1).Current() != nil {
		t.Fatal("suspended task still current")
	}
	// Closing the token resumes the task.
	if err := d.HandleClose(tok); err != nil {
		t.Fatal(err)
	}
	if d.System().CPU(1).QueueLen() != 1 {
		t.Fatal("task not re-readied after token close")
	}
}

func TestHandle_DupAndClose(t *testing.T) {
	d := testKernel(t, 1)
	h, err := d.PhysAlloc(frame.PageSize, true, false)
	if err != nil {
		t.Fatal(err)
	}
	dup, err := d.HandleDup(h)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.HandleClose(h); err != nil {
		t.Fatal(err)
	}
	if _, err := d.PhysRead(dup, 0, 1); err != nil {
		t.Fatalf("dup died with the original: %v", err)
	}
	if _, err := d.PhysRead(h, 0, 1); err == nil {
		t.Fatal("closed handle still resolves")
	}
}
