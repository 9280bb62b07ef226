package space

import (
	"sync"
	"sync/atomic"

	"github.com/h2o-os/h2o/internal/kernel/kerr"
	"github.com/h2o-os/h2o/internal/kernel/mem/frame"
	"github.com/h2o-os/h2o/internal/kernel/mem/paging"
	"github.com/h2o-os/h2o/internal/kernel/mem/phys"
)

// Address windows of the modeled machine.
const (
	// UserBase..UserEnd is the allocable user half.
	UserBase frame.LAddr = 0x0000_0000_0100_0000
	UserEnd  frame.LAddr = 0x0000_7FFF_0000_0000

	// KernelBase..KernelEnd is the allocable window in the high half.
	KernelBase frame.LAddr = 0xFFFF_A000_0000_0000
	KernelEnd  frame.LAddr = 0xFFFF_E000_0000_0000
)

// CreateType selects which window a new space allocates from.
type CreateType int

const (
	CreateUser CreateType = iota
	CreateKernel
)

func (t CreateType) window() (frame.LAddr, frame.LAddr) {
	if t == CreateKernel {
		return KernelBase, KernelEnd
	}
	return UserBase, UserEnd
}

// Top-level slots cleared when a space is cloned: the conventional user TLS
// and stack windows.
const (
	userTLSSlot   = 3
	userStackSlot = 4
)

// Space is one address space: a root Virt, the page table realizing it, and
// the single VDSO slot.
type Space struct {
	root  *Virt
	alloc *paging.FrameAlloc

	// ptMu guards the page table; lock ordering is Virt.mu before ptMu.
	ptMu sync.Mutex
	pt   *paging.PageTable

	vdsoMu   sync.Mutex
	vdsoBase frame.LAddr
	vdsoSet  bool

	dead atomic.Bool
}

// kernelTemplate is the BSP-staged page table whose upper half every new
// space inherits.
var (
	templateMu     sync.Mutex
	kernelTemplate *paging.PageTable
)

// SetKernelTemplate installs the shared kernel-half template. The boot path
// calls it once before the first user space is created.
func SetKernelTemplate(pt *paging.PageTable) {
	templateMu.Lock()
	kernelTemplate = pt
	templateMu.Unlock()
}

// New creates an address space over the window of the given type.
func New(ty CreateType) (*Space, error) {
	alloc := paging.NewFrameAlloc()
	pt, err := paging.New(alloc)
	if err != nil {
		return nil, kerr.OutOfMemory
	}
	templateMu.Lock()
	if kernelTemplate != nil {
		pt.CopyKernelHalf(kernelTemplate)
	}
	templateMu.Unlock()

	sp := &Space{alloc: alloc, pt: pt}
	start, end := ty.window()
	sp.root = newRootVirt(sp, start, end)
	return sp, nil
}

// Root returns the space's root Virt.
func (sp *Space) Root() *Virt { return sp.root }

// PageTable returns the realizing page table.
func (sp *Space) PageTable() *paging.PageTable { return sp.pt }

// Clone creates a sibling space over the same window with the kernel half
// shared and the user TLS and stack slots zeroed.
func (sp *Space) Clone() (*Space, error) {
	clone, err := New(CreateUser)
	if err != nil {
		return nil, err
	}
	clone.pt.ClearSlot(userTLSSlot)
	clone.pt.ClearSlot(userStackSlot)
	return clone, nil
}

// Destroy tears the space down: every remaining Phys child is unmapped from
// the page table and further back-reference upgrades fail.
func (sp *Space) Destroy() {
	if sp.dead.Swap(true) {
		return
	}
	sp.root.dropTree(sp)
}

// Query translates a virtual address through the space's page table.
func (sp *Space) Query(virt frame.LAddr) (frame.PAddr, paging.Attr, error) {
	sp.ptMu.Lock()
	defer sp.ptMu.Unlock()
	return sp.pt.Query(virt)
}

// installExtents maps a pinned extent list contiguously from base.
func (sp *Space) installExtents(base frame.LAddr, extents []phys.Extent, flags Flags) error {
	attr := flags.Attr()
	sp.ptMu.Lock()
	defer sp.ptMu.Unlock()
	virt := base
	for _, ext := range extents {
		length := frame.RoundUp(ext.Len)
		r := paging.Range{Start: virt, End: virt + frame.LAddr(length)}
		if err := sp.pt.Maps(r, ext.Base, attr); err != nil {
			// Back out what this call installed.
			if virt > base {
				_, _, _ = sp.pt.Unmaps(paging.Range{Start: base, End: virt})
			}
			return err
		}
		virt += frame.LAddr(length)
	}
	return nil
}

func (sp *Space) reprotectRange(r paging.Range, flags Flags) error {
	sp.ptMu.Lock()
	defer sp.ptMu.Unlock()
	return sp.pt.Reprotect(r, flags.Attr())
}

func (sp *Space) unmapRange(r paging.Range) {
	sp.ptMu.Lock()
	defer sp.ptMu.Unlock()
	_, _, _ = sp.pt.Unmaps(r)
}

// vdsoSpan is the currently mapped VDSO window, zero when unset.
type vdsoSpan struct {
	base frame.LAddr
	size int
	set  bool
}

func (w vdsoSpan) overlaps(start, end frame.LAddr) bool {
	if !w.set {
		return false
	}
	return start < w.base+frame.LAddr(w.size) && w.base < end
}

func (sp *Space) vdsoWindow() vdsoSpan {
	sp.vdsoMu.Lock()
	defer sp.vdsoMu.Unlock()
	if !sp.vdsoSet {
		return vdsoSpan{}
	}
	return vdsoSpan{base: sp.vdsoBase, size: vdsoLen(), set: true}
}

// reserveVDSO validates that the space can still accept its VDSO mapping
// and that v is the root: the VDSO maps only at top level, once.
func (sp *Space) reserveVDSO(v *Virt) error {
	if v != sp.root {
		return kerr.PermissionDenied
	}
	sp.vdsoMu.Lock()
	defer sp.vdsoMu.Unlock()
	if sp.vdsoSet {
		return kerr.PermissionDenied
	}
	return nil
}

func (sp *Space) setVDSOBase(base frame.LAddr) {
	sp.vdsoMu.Lock()
	sp.vdsoBase = base
	sp.vdsoSet = true
	sp.vdsoMu.Unlock()
}

// VDSOBase reports the mapped VDSO base, when set.
func (sp *Space) VDSOBase() (frame.LAddr, bool) {
	sp.vdsoMu.Lock()
	defer sp.vdsoMu.Unlock()
	return sp.vdsoBase, sp.vdsoSet
}

// The designated VDSO object, registered once at boot.
var (
	vdsoMu    sync.Mutex
	vdsoPhys  phys.Phys
	vdsoFlags = FlagUserAccess | FlagReadable | FlagExecutable
)

// RegisterVDSO installs the kernel's VDSO object. Mapping it is only legal
// with VDSOFlags and its exact length.
func RegisterVDSO(p phys.Phys) {
	vdsoMu.Lock()
	vdsoPhys = p
	vdsoMu.Unlock()
}

// VDSOFlags returns the only flag set a VDSO mapping may carry.
func VDSOFlags() Flags { return vdsoFlags }

func (sp *Space) isVDSOPhys(p phys.Phys) bool {
	vdsoMu.Lock()
	defer vdsoMu.Unlock()
	return vdsoPhys != nil && vdsoPhys == p
}

func vdsoLen() int {
	vdsoMu.Lock()
	defer vdsoMu.Unlock()
	if vdsoPhys == nil {
		return 0
	}
	return frame.RoundUp(vdsoPhys.Len())
}
