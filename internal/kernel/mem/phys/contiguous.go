package phys

import (
	"sync/atomic"

	"github.com/h2o-os/h2o/internal/kernel/event"
	"github.com/h2o-os/h2o/internal/kernel/kerr"
	"github.com/h2o-os/h2o/internal/kernel/mem/frame"
)

// contInner is the single allocation shared by every window over it. The
// last window to go away frees an allocator-owned block.
type contInner struct {
	fromAllocator bool
	block         *frame.Block
	refs          atomic.Int64
}

func (in *contInner) acquire() { in.refs.Add(1) }

func (in *contInner) release() {
	if in.refs.Add(-1) == 0 && in.fromAllocator {
		in.block.Free()
	}
}

// Contiguous is the device-like Phys variant: one physically contiguous
// block, windows sharing it by (offset, len).
type Contiguous struct {
	offset int
	length int
	inner  *contInner
}

// AllocContiguous allocates a fresh physically contiguous object. Frames
// arrive zeroed from the system either way; zeroed is accepted for symmetry
// with the extensible variant.
func AllocContiguous(size int, zeroed bool) (*Contiguous, error) {
	if size == 0 {
		return nil, kerr.InvalidArgument
	}
	_ = zeroed
	block, err := frame.Alloc(frame.PageCount(size))
	if err != nil {
		return nil, err
	}
	inner := &contInner{fromAllocator: true, block: block}
	inner.acquire()
	return &Contiguous{length: size, inner: inner}, nil
}

// FromBlock wraps an existing block, e.g. device memory staged by the boot
// path. The object never frees the block.
func FromBlock(block *frame.Block) *Contiguous {
	inner := &contInner{block: block}
	inner.acquire()
	return &Contiguous{length: block.Len(), inner: inner}
}

// Release drops this window's reference on the shared allocation.
func (c *Contiguous) Release() { c.inner.release() }

// Len returns the window length.
func (c *Contiguous) Len() int { return c.length }

// Base returns the physical base of the window.
func (c *Contiguous) Base() (frame.PAddr, error) {
	return c.inner.block.Base() + frame.PAddr(c.offset), nil
}

// Event returns nil: contiguous objects have no observers.
func (c *Contiguous) Event() event.Event { return nil }

func (c *Contiguous) bytes() []byte {
	return c.inner.block.Bytes()[c.offset : c.offset+c.length]
}

// Read copies out of the window, clamped at its end.
func (c *Contiguous) Read(offset int, out []byte) (int, error) {
	if offset < 0 {
		return 0, kerr.OutOfRange
	}
	off, n := clampWindow(c.length, offset, len(out))
	copy(out[:n], c.bytes()[off:off+n])
	return n, nil
}

// Write copies into the window, clamped at its end.
func (c *Contiguous) Write(offset int, in []byte) (int, error) {
	if offset < 0 {
		return 0, kerr.OutOfRange
	}
	off, n := clampWindow(c.length, offset, len(in))
	copy(c.bytes()[off:off+n], in[:n])
	return n, nil
}

// ReadVectored fills each buffer in turn, stopping on the first short read.
func (c *Contiguous) ReadVectored(offset int, bufs [][]byte) (int, error) {
	total := 0
	for _, buf := range bufs {
		n, err := c.Read(offset, buf)
		if err != nil {
			return total, err
		}
		total += n
		offset += n
		if n < len(buf) {
			break
		}
	}
	return total, nil
}

// WriteVectored drains each buffer in turn, stopping on the first short
// write.
func (c *Contiguous) WriteVectored(offset int, bufs [][]byte) (int, error) {
	total := 0
	for _, buf := range bufs {
		n, err := c.Write(offset, buf)
		if err != nil {
			return total, err
		}
		total += n
		offset += n
		if n < len(buf) {
			break
		}
	}
	return total, nil
}

// Pin returns the single extent covering the window; contiguous memory is
// always resident.
func (c *Contiguous) Pin(offset, length int, write bool) ([]Extent, error) {
	if offset < 0 {
		return nil, kerr.OutOfRange
	}
	base, _ := c.Base()
	off, n := clampWindow(c.length, offset, length)
	if n == 0 {
		return nil, nil
	}
	return []Extent{{Base: base + frame.PAddr(off), Len: n}}, nil
}

// Unpin is a no-op for resident memory.
func (c *Contiguous) Unpin(offset, length int) {}

// CreateSub derives a window. Without copy it shares the allocation by
// adjusting (offset, len); with copy it allocates fresh storage.
func (c *Contiguous) CreateSub(offset, length int, copyContent bool) (Phys, error) {
	if offset&(frame.PageSize-1) != 0 {
		return nil, kerr.Misaligned
	}
	newOffset := c.offset + offset
	end := newOffset + length
	if !(c.offset <= newOffset && newOffset < end && end <= c.offset+c.length) {
		return nil, kerr.OutOfRange
	}
	if copyContent {
		child, err := AllocContiguous(length, true)
		if err != nil {
			return nil, err
		}
		copy(child.bytes(), c.inner.block.Bytes()[newOffset:end])
		return child, nil
	}
	c.inner.acquire()
	return &Contiguous{offset: newOffset, length: length, inner: c.inner}, nil
}

// Resize is not permitted on contiguous objects.
func (c *Contiguous) Resize(newLen int, zeroed bool) error {
	return kerr.PermissionDenied
}
