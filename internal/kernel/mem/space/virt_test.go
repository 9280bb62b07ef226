package space

import (
	"testing"

	"github.com/h2o-os/h2o/internal/kernel/kerr"
	"github.com/h2o-os/h2o/internal/kernel/mem/frame"
	"github.com/h2o-os/h2o/internal/kernel/mem/phys"
)

func newUserSpace(t *testing.T) *Space {
	t.Helper()
	sp, err := New(CreateUser)
	if err != nil {
		t.Fatal(err)
	}
	return sp
}

func TestVirt_AllocateInsideParent(t *testing.T) {
	sp := newUserSpace(t)
	root := sp.Root()
	rStart, rEnd := root.Range()

	var children []*Virt
	for i := 0; i < 8; i++ {
		v, err := root.Allocate(nil, PageLayout(4*frame.PageSize))
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		children = append(children, v)
	}
	for _, c := range children {
		start, end := c.Range()
		if !(rStart <= start && end <= rEnd) {
			t.Fatalf("child %#x..%#x escapes parent", uintptr(start), uintptr(end))
		}
		if uintptr(start)%frame.PageSize != 0 {
			t.Fatalf("child base %#x misaligned", uintptr(start))
		}
	}
	// Pairwise non-overlap.
	for i, a := range children {
		as, ae := a.Range()
		for j, b := range children {
			if i == j {
				continue
			}
			bs, be := b.Range()
			if as < be && bs < ae {
				t.Fatalf("children overlap: %#x..%#x vs %#x..%#x",
					uintptr(as), uintptr(ae), uintptr(bs), uintptr(be))
			}
		}
	}
}

func TestVirt_ExplicitOffset(t *testing.T) {
	sp := newUserSpace(t)
	root := sp.Root()
	rStart, _ := root.Range()

	off := 16 * frame.PageSize
	v, err := root.Allocate(&off, PageLayout(frame.PageSize))
	if err != nil {
		t.Fatal(err)
	}
	if start, _ := v.Range(); start != rStart+frame.LAddr(off) {
		t.Fatalf("base = %#x, want %#x", uintptr(start), uintptr(rStart)+uintptr(off))
	}
	// Same window again collides.
	if _, err := root.Allocate(&off, PageLayout(frame.PageSize)); !kerr.Is(err, kerr.Exists) {
		t.Fatalf("collision: got %v", err)
	}
	bad := off + 1
	if _, err := root.Allocate(&bad, PageLayout(frame.PageSize)); !kerr.Is(err, kerr.Misaligned) {
		t.Fatalf("misaligned offset: got %v", err)
	}
}

func TestVirt_ZeroSize(t *testing.T) {
	sp := newUserSpace(t)
	if _, err := sp.Root().Allocate(nil, PageLayout(0)); !kerr.Is(err, kerr.InvalidArgument) {
		t.Fatalf("zero size: got %v", err)
	}
}

func TestVirt_MapUnmapRoundTrip(t *testing.T) {
	sp := newUserSpace(t)
	root := sp.Root()

	p, err := phys.AllocContiguous(2*frame.PageSize, true)
	if err != nil {
		t.Fatal(err)
	}
	base, err := root.Map(nil, p, 0, PageLayout(2*frame.PageSize),
		FlagUserAccess|FlagReadable|FlagWritable)
	if err != nil {
		t.Fatal(err)
	}
	physBase, _ := p.Base()
	got, _, err := sp.Query(base + frame.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if want := physBase + frame.PAddr(frame.PageSize); got != want {
		t.Fatalf("translation = %#x, want %#x", uintptr(got), uintptr(want))
	}

	if err := root.Unmap(base, 2*frame.PageSize, false); err != nil {
		t.Fatal(err)
	}
	if _, _, err := sp.Query(base); err == nil {
		t.Fatal("translation survives unmap")
	}
	// The window is free again: an exact re-allocation succeeds.
	rStart, _ := root.Range()
	off := int(base - rStart)
	if _, err := root.Allocate(&off, PageLayout(2*frame.PageSize)); err != nil {
		t.Fatalf("window not restored: %v", err)
	}
}

func TestVirt_MapCrossingEndFails(t *testing.T) {
	sp := newUserSpace(t)
	root := sp.Root()
	sub, err := root.Allocate(nil, PageLayout(2*frame.PageSize))
	if err != nil {
		t.Fatal(err)
	}
	p, err := phys.AllocContiguous(2*frame.PageSize, true)
	if err != nil {
		t.Fatal(err)
	}
	off := frame.PageSize
	// One page at offset one of a two-page Virt fits; two pages do not.
	if _, err := sub.Map(&off, p, 0, PageLayout(2*frame.PageSize),
		FlagUserAccess|FlagReadable); !kerr.Is(err, kerr.OutOfRange) {
		t.Fatalf("map crossing end: got %v", err)
	}
	// Nothing was installed.
	if _, _, err := sp.Query(func() frame.LAddr { s, _ := sub.Range(); return s }()); err == nil {
		t.Fatal("partial install leaked into page table")
	}
}

func TestVirt_ReprotectBoundaries(t *testing.T) {
	sp := newUserSpace(t)
	root := sp.Root()
	p, err := phys.AllocContiguous(2*frame.PageSize, true)
	if err != nil {
		t.Fatal(err)
	}
	base, err := root.Map(nil, p, 0, PageLayout(2*frame.PageSize),
		FlagUserAccess|FlagReadable|FlagWritable)
	if err != nil {
		t.Fatal(err)
	}
	// Dropping write on the whole child works.
	if err := root.Reprotect(base, 2*frame.PageSize, FlagUserAccess|FlagReadable); err != nil {
		t.Fatal(err)
	}
	// A window not on child boundaries is refused.
	if err := root.Reprotect(base, frame.PageSize, FlagUserAccess|FlagReadable); !kerr.Is(err, kerr.OutOfRange) {
		t.Fatalf("partial window: got %v", err)
	}
	// Granting what the mapping never had is refused.
	if err := root.Reprotect(base, 2*frame.PageSize,
		FlagUserAccess|FlagReadable|FlagExecutable); !kerr.Is(err, kerr.PermissionDenied) {
		t.Fatalf("widening: got %v", err)
	}
}

func TestVirt_UnmapSubVirtNeedsDropChild(t *testing.T) {
	sp := newUserSpace(t)
	root := sp.Root()
	sub, err := root.Allocate(nil, PageLayout(frame.PageSize))
	if err != nil {
		t.Fatal(err)
	}
	start, _ := sub.Range()
	if err := root.Unmap(start, frame.PageSize, false); !kerr.Is(err, kerr.PermissionDenied) {
		t.Fatalf("unmap sub-virt without drop_child: got %v", err)
	}
	if err := root.Unmap(start, frame.PageSize, true); err != nil {
		t.Fatal(err)
	}
}

func vdsoTestFlags() Flags { return VDSOFlags() }

func TestVirt_VDSOProtection(t *testing.T) {
	vd, err := phys.AllocContiguous(2*frame.PageSize, true)
	if err != nil {
		t.Fatal(err)
	}
	RegisterVDSO(vd)
	t.Cleanup(func() { RegisterVDSO(nil) })

	sp := newUserSpace(t)
	root := sp.Root()

	// Wrong flags are refused outright.
	if _, err := root.Map(nil, vd, 0, PageLayout(vd.Len()),
		FlagUserAccess|FlagWritable); !kerr.Is(err, kerr.PermissionDenied) {
		t.Fatalf("vdso with wrong flags: got %v", err)
	}
	base, err := root.Map(nil, vd, 0, PageLayout(vd.Len()), vdsoTestFlags())
	if err != nil {
		t.Fatal(err)
	}
	// A second VDSO mapping is refused.
	if _, err := root.Map(nil, vd, 0, PageLayout(vd.Len()), vdsoTestFlags()); !kerr.Is(err, kerr.PermissionDenied) {
		t.Fatalf("second vdso mapping: got %v", err)
	}
	// Reprotect and unmap over any byte of the window are refused.
	if err := root.Reprotect(base, vd.Len(), vdsoTestFlags()); !kerr.Is(err, kerr.PermissionDenied) {
		t.Fatalf("vdso reprotect: got %v", err)
	}
	if err := root.Unmap(base, vd.Len(), true); !kerr.Is(err, kerr.PermissionDenied) {
		t.Fatalf("vdso unmap: got %v", err)
	}
	// The mapping is still intact.
	if _, _, err := sp.Query(base); err != nil {
		t.Fatalf("vdso mapping gone: %v", err)
	}
	// A Virt covering the window refuses destruction.
	if err := root.Destroy(); !kerr.Is(err, kerr.PermissionDenied) {
		t.Fatalf("destroy with vdso below: got %v", err)
	}
}
