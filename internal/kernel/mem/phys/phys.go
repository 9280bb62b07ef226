// Package phys implements the kernel's owned physical-memory objects. A
// Phys is either contiguous (a device-like window over one allocation) or
// extensible (pageable, committed on demand, snapshotted copy-on-write).
package phys

import (
	"github.com/h2o-os/h2o/internal/kernel/event"
	"github.com/h2o-os/h2o/internal/kernel/mem/frame"
)

// Extent is one physically contiguous piece returned by Pin.
type Extent struct {
	Base frame.PAddr
	Len  int
}

// Phys is the operation surface shared by both variants.
type Phys interface {
	Len() int

	// Read copies up to len(out) bytes starting at offset, clamped to
	// the object's length, and returns the byte count.
	Read(offset int, out []byte) (int, error)
	// Write copies up to len(in) bytes starting at offset, clamped to
	// the object's length, and returns the byte count.
	Write(offset int, in []byte) (int, error)
	// ReadVectored fills each buffer in turn, stopping at the first
	// short read.
	ReadVectored(offset int, bufs [][]byte) (int, error)
	// WriteVectored drains each buffer in turn, stopping at the first
	// short write.
	WriteVectored(offset int, bufs [][]byte) (int, error)

	// Pin commits and pins the window for DMA-safe access and returns
	// its physical extents. A write pin demands exclusive page
	// ownership.
	Pin(offset, length int, write bool) ([]Extent, error)
	// Unpin releases a previous Pin of the same window.
	Unpin(offset, length int)

	// CreateSub derives a new Phys over [offset, offset+length).
	// Without copy the result shares storage with the parent: a
	// refcounted window for the contiguous variant, a COW snapshot leaf
	// for the extensible one. With copy the result owns fresh storage.
	CreateSub(offset, length int, copy bool) (Phys, error)

	// Resize grows or shrinks the object. Shrinking evicts pages beyond
	// the new end; a pinned object refuses with Busy. The contiguous
	// variant cannot resize.
	Resize(newLen int, zeroed bool) error

	// Base returns the physical base of a contiguous object.
	Base() (frame.PAddr, error)

	// Event is the object's observable; mutations raise read/write
	// signals.
	Event() event.Event
}

func clampWindow(objLen, offset, n int) (off, length int) {
	if offset > objLen {
		offset = objLen
	}
	if rest := objLen - offset; n > rest {
		n = rest
	}
	return offset, n
}
