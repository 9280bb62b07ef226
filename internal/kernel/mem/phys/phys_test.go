package phys

import (
	"bytes"
	"testing"

	"github.com/h2o-os/h2o/internal/kernel/kerr"
	"github.com/h2o-os/h2o/internal/kernel/mem/frame"
)

func TestContiguous_ReadWrite(t *testing.T) {
	p, err := AllocContiguous(2*frame.PageSize, true)
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("the quick brown fox")
	if n, err := p.Write(100, data); err != nil || n != len(data) {
		t.Fatalf("write = %d, %v", n, err)
	}
	got := make([]byte, len(data))
	if n, err := p.Read(100, got); err != nil || n != len(data) {
		t.Fatalf("read = %d, %v", n, err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("read back %q, want %q", got, data)
	}

	// Clamped at the end, never an error.
	big := make([]byte, frame.PageSize)
	n, err := p.Read(2*frame.PageSize-16, big)
	if err != nil || n != 16 {
		t.Fatalf("clamped read = %d, %v; want 16", n, err)
	}
}

func TestContiguous_SubShares(t *testing.T) {
	p, err := AllocContiguous(4*frame.PageSize, true)
	if err != nil {
		t.Fatal(err)
	}
	sub, err := p.CreateSub(frame.PageSize, frame.PageSize, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Write(frame.PageSize, []byte{0x5A}); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 1)
	if _, err := sub.Read(0, got); err != nil {
		t.Fatal(err)
	}
	if got[0] != 0x5A {
		t.Fatalf("sub does not share storage: got %#x", got[0])
	}

	if _, err := p.CreateSub(7, frame.PageSize, false); !kerr.Is(err, kerr.Misaligned) {
		t.Fatalf("misaligned sub: got %v", err)
	}
	if _, err := p.CreateSub(0, 100*frame.PageSize, false); !kerr.Is(err, kerr.OutOfRange) {
		t.Fatalf("oversized sub: got %v", err)
	}
}

func TestContiguous_ResizeRefused(t *testing.T) {
	p, err := AllocContiguous(frame.PageSize, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Resize(2*frame.PageSize, true); !kerr.Is(err, kerr.PermissionDenied) {
		t.Fatalf("resize: got %v", err)
	}
}

func TestContiguous_PinSingleExtent(t *testing.T) {
	p, err := AllocContiguous(2*frame.PageSize, true)
	if err != nil {
		t.Fatal(err)
	}
	base, _ := p.Base()
	exts, err := p.Pin(frame.PageSize, frame.PageSize, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(exts) != 1 || exts[0].Base != base+frame.PAddr(frame.PageSize) || exts[0].Len != frame.PageSize {
		t.Fatalf("extents = %+v", exts)
	}
}

func TestExtensible_ZeroSize(t *testing.T) {
	if _, err := NewExtensible(0); !kerr.Is(err, kerr.InvalidArgument) {
		t.Fatalf("zero size: got %v", err)
	}
}

func TestExtensible_WriteRead(t *testing.T) {
	p, err := NewExtensible(3 * frame.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	// Uncommitted reads are all zeroes.
	got := make([]byte, 64)
	if _, err := p.Read(frame.PageSize+10, got); err != nil {
		t.Fatal(err)
	}
	for _, b := range got {
		if b != 0 {
			t.Fatal("uncommitted page not zero")
		}
	}
	// Cross-page write round-trips.
	data := make([]byte, frame.PageSize)
	for i := range data {
		data[i] = byte(i)
	}
	if _, err := p.Write(frame.PageSize/2, data); err != nil {
		t.Fatal(err)
	}
	back := make([]byte, len(data))
	if _, err := p.Read(frame.PageSize/2, back); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(back, data) {
		t.Fatal("cross-page round trip mismatch")
	}
}

func fillPage(b byte) []byte {
	buf := make([]byte, frame.PageSize)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestExtensible_COWSnapshot(t *testing.T) {
	p, err := NewExtensible(3 * frame.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Write(frame.PageSize, fillPage(0xAA)); err != nil {
		t.Fatal(err)
	}
	q, err := p.CreateSub(0, 3*frame.PageSize, false)
	if err != nil {
		t.Fatal(err)
	}
	// The snapshot sees the parent's bytes...
	got := make([]byte, 1)
	if _, err := q.Read(frame.PageSize, got); err != nil {
		t.Fatal(err)
	}
	if got[0] != 0xAA {
		t.Fatalf("snapshot byte = %#x, want 0xAA", got[0])
	}
	// ...a write diverges it...
	if _, err := q.Write(frame.PageSize, fillPage(0xBB)); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Read(frame.PageSize, got); err != nil {
		t.Fatal(err)
	}
	if got[0] != 0xAA {
		t.Fatalf("parent byte after child write = %#x, want 0xAA", got[0])
	}
	if _, err := q.Read(frame.PageSize, got); err != nil {
		t.Fatal(err)
	}
	if got[0] != 0xBB {
		t.Fatalf("child byte = %#x, want 0xBB", got[0])
	}
	// ...and the parent writing afterwards does not leak into the child.
	if _, err := p.Write(2*frame.PageSize, fillPage(0xCC)); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Read(2*frame.PageSize, got); err != nil {
		t.Fatal(err)
	}
	if got[0] != 0x00 {
		t.Fatalf("child page 2 = %#x, want 0 (snapshot taken before write)", got[0])
	}
}

func TestExtensible_PinBlocksResizeAndSub(t *testing.T) {
	p, err := NewExtensible(2 * frame.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	exts, err := p.Pin(0, frame.PageSize, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(exts) != 1 {
		t.Fatalf("extents = %+v", exts)
	}
	if err := p.Resize(frame.PageSize, true); !kerr.Is(err, kerr.Busy) {
		t.Fatalf("resize while pinned: got %v", err)
	}
	if _, err := p.CreateSub(0, frame.PageSize, false); !kerr.Is(err, kerr.Busy) {
		t.Fatalf("snapshot while pinned: got %v", err)
	}
	p.Unpin(0, frame.PageSize)
	if err := p.Resize(frame.PageSize, true); err != nil {
		t.Fatalf("resize after unpin: %v", err)
	}
}

func TestExtensible_ShrinkEvicts(t *testing.T) {
	p, err := NewExtensible(3 * frame.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Write(2*frame.PageSize, fillPage(0x77)); err != nil {
		t.Fatal(err)
	}
	if err := p.Resize(frame.PageSize, true); err != nil {
		t.Fatal(err)
	}
	if err := p.Resize(3*frame.PageSize, true); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 1)
	if _, err := p.Read(2*frame.PageSize, got); err != nil {
		t.Fatal(err)
	}
	if got[0] != 0 {
		t.Fatalf("evicted page still holds %#x", got[0])
	}
}

func TestExtensible_DeepCopy(t *testing.T) {
	p, err := NewExtensible(2 * frame.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Write(0, []byte{9, 8, 7}); err != nil {
		t.Fatal(err)
	}
	q, err := p.CreateSub(0, frame.PageSize, true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Write(0, []byte{1}); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 1)
	if _, err := p.Read(0, got); err != nil {
		t.Fatal(err)
	}
	if got[0] != 9 {
		t.Fatalf("deep copy aliases parent: %#x", got[0])
	}
}

func TestExtensible_OutOfRange(t *testing.T) {
	p, err := NewExtensible(frame.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Pin(0, 2*frame.PageSize, false); !kerr.Is(err, kerr.OutOfRange) {
		t.Fatalf("oversized pin: got %v", err)
	}
}
