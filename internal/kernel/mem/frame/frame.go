// Package frame owns the modeled physical memory: page-sized frames handed
// out to Phys objects and page tables. Each allocated block is backed by an
// anonymous OS mapping, so frames are page-aligned and arrive zeroed, and is
// assigned a synthetic physical base address in the model's RAM window.
package frame

import (
	"sync"

	"github.com/h2o-os/h2o/internal/kernel/kerr"
)

// ramBase is where the model's physical RAM window starts. Low memory is
// left unused so a zero PAddr is never a valid frame base.
const ramBase PAddr = 0x10_0000

var phys = struct {
	sync.Mutex
	next  PAddr
	pages map[PAddr][]byte
}{next: ramBase, pages: make(map[PAddr][]byte)}

// Block is an owned run of physically contiguous frames.
type Block struct {
	base PAddr
	data []byte
}

// Alloc allocates a zeroed, physically contiguous block of the given number
// of pages.
func Alloc(pages int) (*Block, error) {
	if pages <= 0 {
		return nil, kerr.InvalidArgument
	}
	data, err := mapPages(pages)
	if err != nil {
		return nil, kerr.OutOfMemory
	}

	phys.Lock()
	base := phys.next
	phys.next += PAddr(pages * PageSize)
	for i := 0; i < pages; i++ {
		phys.pages[base+PAddr(i*PageSize)] = data[i*PageSize : (i+1)*PageSize]
	}
	phys.Unlock()

	return &Block{base: base, data: data}, nil
}

// Base returns the block's physical base address.
func (b *Block) Base() PAddr { return b.base }

// Bytes returns the block's backing memory.
func (b *Block) Bytes() []byte { return b.data }

// Len returns the block size in bytes.
func (b *Block) Len() int { return len(b.data) }

// Free returns the block's frames to the system. The block must not be used
// afterwards.
func (b *Block) Free() {
	if b.data == nil {
		return
	}
	phys.Lock()
	for off := 0; off < len(b.data); off += PageSize {
		delete(phys.pages, b.base+PAddr(off))
	}
	phys.Unlock()
	unmapPages(b.data)
	b.data = nil
}

// Lookup resolves a frame base to its page bytes, the model's identity
// mapping of physical RAM.
func Lookup(base PAddr) ([]byte, bool) {
	phys.Lock()
	page, ok := phys.pages[base]
	phys.Unlock()
	return page, ok
}

var (
	zeroOnce sync.Once
	zero     *Block
)

// Zero returns the shared read-only zero frame. Uncommitted reads of
// extensible Phys objects resolve to it.
func Zero() *Block {
	zeroOnce.Do(func() {
		b, err := Alloc(1)
		if err != nil {
			panic("frame: cannot allocate the zero frame")
		}
		zero = b
	})
	return zero
}
