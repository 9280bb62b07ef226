package space

import (
	"math/bits"
	"math/rand/v2"
	"sync"

	"github.com/h2o-os/h2o/internal/kernel/kerr"
	"github.com/h2o-os/h2o/internal/kernel/mem/frame"
	"github.com/h2o-os/h2o/internal/kernel/mem/paging"
	"github.com/h2o-os/h2o/internal/kernel/mem/phys"
)

// Layout is a size/alignment request for an address range.
type Layout struct {
	Size  int
	Align int
}

// PageLayout builds a page-aligned layout of the given size.
func PageLayout(size int) Layout {
	return Layout{Size: size, Align: frame.PageSize}
}

func checkLayout(l Layout) (Layout, error) {
	if l.Size == 0 {
		return l, kerr.InvalidArgument
	}
	if l.Align < frame.PageSize || l.Align&(l.Align-1) != 0 {
		return l, kerr.Misaligned
	}
	// Pad the size to the alignment so neighboring allocations keep it.
	l.Size = (l.Size + l.Align - 1) &^ (l.Align - 1)
	return l, nil
}

// Virt is one node of an address-space tree: a half-open range whose
// children are sub-Virts or Phys mappings, non-overlapping and fully inside
// the range.
type Virt struct {
	start frame.LAddr
	end   frame.LAddr

	space  *Space
	parent *Virt

	mu       sync.Mutex
	children *childMap
	detached bool
}

func newRootVirt(sp *Space, start, end frame.LAddr) *Virt {
	return &Virt{start: start, end: end, space: sp, children: newChildMap()}
}

// Range returns the node's address window.
func (v *Virt) Range() (frame.LAddr, frame.LAddr) { return v.start, v.end }

// Len returns the window size in bytes.
func (v *Virt) Len() int { return int(v.end - v.start) }

// Space upgrades the node's back-reference; it fails once the owning space
// has been destroyed.
func (v *Virt) Space() (*Space, error) {
	if v.space == nil || v.space.dead.Load() {
		return nil, kerr.AlreadyKilled
	}
	return v.space, nil
}

// Allocate carves a sub-Virt out of the node. With a nil offset the
// placement is randomized among the legal positions; otherwise the child
// sits exactly at range start + *offset.
func (v *Virt) Allocate(offset *int, layout Layout) (*Virt, error) {
	layout, err := checkLayout(layout)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	base, err := findRange(v.children, v.start, v.end, offset, layout)
	if err != nil {
		return nil, err
	}
	childVirt := &Virt{
		start:    base,
		end:      base + frame.LAddr(layout.Size),
		space:    v.space,
		parent:   v,
		children: newChildMap(),
	}
	v.children.insert(base, &child{virt: childVirt})
	return childVirt, nil
}

// Map installs a Phys window into the node and its space's page table.
// Only the designated VDSO object may occupy the space's single VDSO slot,
// and only with its exact geometry and flags.
func (v *Virt) Map(offset *int, p phys.Phys, physOffset int, layout Layout, flags Flags) (frame.LAddr, error) {
	sp, err := v.Space()
	if err != nil {
		return 0, err
	}

	isVDSO := sp.isVDSOPhys(p)
	if isVDSO &&
		(offset != nil || physOffset != 0 || layout.Size != p.Len() ||
			layout.Align != frame.PageSize || flags != VDSOFlags()) {
		return 0, kerr.PermissionDenied
	}

	layout, err = checkLayout(layout)
	if err != nil {
		return 0, err
	}
	if physOffset&(frame.PageSize-1) != 0 {
		return 0, kerr.Misaligned
	}
	physEnd := physOffset + layout.Size
	if !(physOffset < physEnd && physEnd <= frame.RoundUp(p.Len())) {
		return 0, kerr.OutOfRange
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if isVDSO {
		if err := sp.reserveVDSO(v); err != nil {
			return 0, err
		}
	}

	base, err := findRange(v.children, v.start, v.end, offset, layout)
	if err != nil {
		return 0, err
	}

	// Commit and hold the backing frames, then install their extents.
	extents, err := p.Pin(physOffset, layout.Size, flags&FlagWritable != 0)
	if err != nil {
		return 0, err
	}

	v.children.insert(base, &child{phys: p, physOff: physOffset, flags: flags, length: layout.Size})

	if err := sp.installExtents(base, extents, flags); err != nil {
		v.children.remove(base)
		p.Unpin(physOffset, layout.Size)
		return 0, pagingError(err)
	}

	if isVDSO {
		sp.setVDSOBase(base)
	}
	return base, nil
}

// Reprotect rewrites mapping flags over [base, base+length). The window
// must land exactly on child boundaries, cover no sub-Virt, keep clear of
// the VDSO window, and must not grant what the original mapping did not.
func (v *Virt) Reprotect(base frame.LAddr, length int, flags Flags) error {
	start, end := base, base+frame.LAddr(length)
	if !(v.start <= start && end <= v.end) {
		return kerr.OutOfRange
	}
	sp, err := v.Space()
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	vdso := sp.vdsoWindow()
	type piece struct {
		base frame.LAddr
		c    *child
	}
	var pieces []piece
	var verr error
	v.children.visit(func(cbase frame.LAddr, c *child) bool {
		cend := c.end(cbase)
		if cend <= start || cbase >= end {
			return true
		}
		if !(start <= cbase && cend <= end) {
			verr = kerr.OutOfRange
			return false
		}
		if vdso.overlaps(cbase, cend) {
			verr = kerr.PermissionDenied
			return false
		}
		if c.virt != nil {
			verr = kerr.InvalidArgument
			return false
		}
		if !c.flags.Permits(flags) {
			verr = kerr.PermissionDenied
			return false
		}
		pieces = append(pieces, piece{cbase, c})
		return true
	})
	if verr != nil {
		return verr
	}

	for _, p := range pieces {
		r := paging.Range{Start: p.base, End: p.c.end(p.base)}
		if err := sp.reprotectRange(r, flags); err != nil {
			return pagingError(err)
		}
	}
	return nil
}

// Unmap removes every child inside [base, base+length). The window must
// land exactly on child boundaries; a sub-Virt child survives unless
// dropChild is set; the VDSO window refuses.
func (v *Virt) Unmap(base frame.LAddr, length int, dropChild bool) error {
	start, end := base, base+frame.LAddr(length)
	if !(v.start <= start && end <= v.end) {
		return kerr.OutOfRange
	}
	sp, err := v.Space()
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	vdso := sp.vdsoWindow()
	var bases []frame.LAddr
	var verr error
	v.children.visit(func(cbase frame.LAddr, c *child) bool {
		cend := c.end(cbase)
		if cend <= start || cbase >= end {
			return true
		}
		if !(start <= cbase && cend <= end) {
			verr = kerr.OutOfRange
			return false
		}
		if vdso.overlaps(cbase, cend) {
			verr = kerr.PermissionDenied
			return false
		}
		if c.virt != nil && !dropChild {
			verr = kerr.PermissionDenied
			return false
		}
		bases = append(bases, cbase)
		return true
	})
	if verr != nil {
		return verr
	}

	for _, cbase := range bases {
		c, _ := v.children.remove(cbase)
		if c.virt != nil {
			c.virt.dropTree(sp)
		} else {
			unmapPhysChild(sp, cbase, c)
		}
	}
	return nil
}

// Destroy detaches the node from its parent. It refuses while any
// descendant holds the VDSO mapping.
func (v *Virt) Destroy() error {
	if sp, err := v.Space(); err == nil {
		// The VDSO mapping lives somewhere in the tree; if its window
		// intersects this node's range, a descendant holds it.
		if sp.vdsoWindow().overlaps(v.start, v.end) {
			return kerr.PermissionDenied
		}
	}
	if p := v.parent; p != nil {
		p.mu.Lock()
		p.children.remove(v.start)
		p.mu.Unlock()
	}
	if sp, err := v.Space(); err == nil {
		v.dropTree(sp)
	}
	return nil
}

// dropTree unmaps every Phys mapping below the node. Called with the
// node detached from its parent.
func (v *Virt) dropTree(sp *Space) {
	v.mu.Lock()
	cm := v.children
	v.children = newChildMap()
	v.detached = true
	v.mu.Unlock()
	cm.visit(func(cbase frame.LAddr, c *child) bool {
		if c.virt != nil {
			c.virt.dropTree(sp)
		} else {
			unmapPhysChild(sp, cbase, c)
		}
		return true
	})
}

func unmapPhysChild(sp *Space, base frame.LAddr, c *child) {
	r := paging.Range{Start: base, End: base + frame.LAddr(c.length)}
	sp.unmapRange(r)
	c.phys.Unpin(c.physOff, c.length)
}

func pagingError(err error) error {
	switch err.(type) {
	case paging.ErrEntryExistent:
		return kerr.Exists
	case paging.ErrAddrMisaligned:
		return kerr.Misaligned
	case paging.ErrRangeEmpty:
		return kerr.InvalidArgument
	case paging.ErrOutOfMemory:
		return kerr.OutOfMemory
	}
	return err
}

// aslrBits is the entropy drawn for randomized placement.
const aslrBits = 35

// findRange picks the child base for a new allocation: the caller's exact
// offset when given, otherwise a position drawn uniformly at random over
// every legal aligned placement in the node's gaps.
func findRange(cm *childMap, start, end frame.LAddr, offset *int, layout Layout) (frame.LAddr, error) {
	if offset != nil {
		base := start + frame.LAddr(*offset)
		reqEnd := base + frame.LAddr(layout.Size)
		if base&(frame.PageSize-1) != 0 {
			return 0, kerr.Misaligned
		}
		if !(start <= base && base < reqEnd && reqEnd <= end) {
			return 0, kerr.OutOfRange
		}
		if cm.overlapping(base, reqEnd) {
			return 0, kerr.Exists
		}
		return base, nil
	}
	return findAlloc(cm, start, end, layout)
}

// findAlloc runs the two-pass randomized placement: the first pass aims at
// a raw draw over the full entropy window, the second bounds the draw by
// the number of placements actually available, so placement stays uniform
// when fewer than 2^35 candidates exist.
func findAlloc(cm *childMap, start, end frame.LAddr, layout Layout) (frame.LAddr, error) {
	mask := uint64(1)<<aslrBits - 1
	if base, _, ok := tryFindAlloc(cm, start, end, layout, rand.Uint64()&mask); ok {
		return base, nil
	}
	_, cnt, _ := tryFindAlloc(cm, start, end, layout, mask+1)
	if cnt == 0 {
		return 0, kerr.OutOfMemory
	}
	base, _, ok := tryFindAlloc(cm, start, end, layout, rand.Uint64()%cnt)
	if !ok {
		return 0, kerr.OutOfMemory
	}
	return base, nil
}

func tryFindAlloc(cm *childMap, start, end frame.LAddr, layout Layout, randN uint64) (frame.LAddr, uint64, bool) {
	bit := uint(bits.TrailingZeros(uint(layout.Align)))
	var cnt uint64
	addr, ok := cm.gaps(start, end, func(gapStart, gapEnd frame.LAddr) (frame.LAddr, bool) {
		base := (uintptr(gapStart) + layout.Align1()) &^ layout.Align1()
		top := uintptr(gapEnd) &^ layout.Align1()
		if top < base || top-base < uintptr(layout.Size) {
			return 0, false
		}
		n := uint64((top-base-uintptr(layout.Size))>>bit) + 1
		cnt += n
		if randN < n {
			return frame.LAddr(base + uintptr(randN)<<bit), true
		}
		randN -= n
		return 0, false
	})
	return addr, cnt, ok
}

// Align1 returns align-1, the rounding mask.
func (l Layout) Align1() uintptr { return uintptr(l.Align) - 1 }
