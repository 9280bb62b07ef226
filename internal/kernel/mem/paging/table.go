package paging

import (
	"fmt"
	"sync/atomic"

	"github.com/h2o-os/h2o/internal/kernel/mem/frame"
)

// Range is a half-open virtual address window.
type Range struct {
	Start frame.LAddr
	End   frame.LAddr
}

// Len returns the window's size in bytes.
func (r Range) Len() uintptr { return uintptr(r.End) - uintptr(r.Start) }

// Error kinds reported by table walks.
type (
	// ErrEntryExistent reports a slot in the wrong occupancy state:
	// Present true means a mapping was found where none may be, false
	// means a mapping was required and missing.
	ErrEntryExistent struct{ Present bool }

	// ErrAddrMisaligned reports a window or physical base off the page
	// grid.
	ErrAddrMisaligned struct {
		VStart frame.LAddr
		VEnd   frame.LAddr
		Phys   frame.PAddr
	}

	// ErrRangeEmpty reports a zero-length window.
	ErrRangeEmpty struct{}

	// ErrOutOfMemory reports intermediate-table allocation failure.
	ErrOutOfMemory struct{}
)

func (e ErrEntryExistent) Error() string {
	if e.Present {
		return "paging: entry already present"
	}
	return "paging: entry not present"
}

func (e ErrAddrMisaligned) Error() string {
	return fmt.Sprintf("paging: misaligned range %#x..%#x phys %#x",
		uintptr(e.VStart), uintptr(e.VEnd), uintptr(e.Phys))
}

func (ErrRangeEmpty) Error() string   { return "paging: empty range" }
func (ErrOutOfMemory) Error() string  { return "paging: out of memory" }

// PageTable is one four-level translation tree. It is not internally
// synchronized; the owning Space serializes access.
type PageTable struct {
	root    *Table
	rootPhys frame.PAddr
	alloc   PageAlloc
	flushes atomic.Uint64
}

// New builds an empty page table whose intermediate tables come from alloc.
func New(alloc PageAlloc) (*PageTable, error) {
	root, phys, err := alloc.AllocTable()
	if err != nil {
		return nil, ErrOutOfMemory{}
	}
	return &PageTable{root: root, rootPhys: phys, alloc: alloc}, nil
}

// RootPhys returns the physical base of the top-level table, what the model
// would load into CR3.
func (pt *PageTable) RootPhys() frame.PAddr { return pt.rootPhys }

// Flushes returns how many TLB invalidations the table has issued; the
// model's invlpg is a counter bump.
func (pt *PageTable) Flushes() uint64 { return pt.flushes.Load() }

func (pt *PageTable) invalidate(frame.LAddr) { pt.flushes.Add(1) }

// CopyKernelHalf copies the upper-half entries from a template table; each
// AP's page table inherits the kernel mappings staged by the BSP.
func (pt *PageTable) CopyKernelHalf(template *PageTable) {
	copy(pt.root[tableEntries/2:], template.root[tableEntries/2:])
}

// ClearSlot zeroes one top-level slot, used when cloning a space must drop
// the user TLS and stack windows.
func (pt *PageTable) ClearSlot(idx int) {
	if 0 <= idx && idx < tableEntries {
		pt.root[idx] = 0
	}
}

func (pt *PageTable) createTable(ent *Entry, level Level) (*Table, error) {
	if t, ok := pt.tableOf(ent, level); ok {
		return t, nil
	}
	if ent.IsLeaf(level) {
		return nil, ErrEntryExistent{Present: true}
	}
	table, phys, err := pt.alloc.AllocTable()
	if err != nil {
		return nil, ErrOutOfMemory{}
	}
	*ent = NewEntry(phys, AttrIntermediate)
	return table, nil
}

func (pt *PageTable) tableOf(ent *Entry, level Level) (*Table, bool) {
	if !ent.Present() || ent.IsLeaf(level) {
		return nil, false
	}
	return pt.alloc.TableOf(ent.Addr())
}

// splitTable lowers a large-page leaf into a full table of next-level
// leaves covering the same physical window.
func (pt *PageTable) splitTable(ent *Entry, level Level) error {
	phys, attr := ent.Addr(), ent.Attr()&^AttrLargePage
	itemLevel, ok := level.Decrease()
	if !ok {
		return ErrEntryExistent{Present: true}
	}
	*ent = 0
	table, err := pt.createTable(ent, level)
	if err != nil {
		return err
	}
	itemAttr := itemLevel.LeafAttr(attr)
	for i := range table {
		table[i] = NewEntry(phys+frame.PAddr(uintptr(i)*itemLevel.PageSize()), itemAttr)
	}
	return nil
}

func (pt *PageTable) getOrSplitTable(ent *Entry, level Level) (*Table, error) {
	if t, ok := pt.tableOf(ent, level); ok {
		return t, nil
	}
	if !ent.IsLeaf(level) {
		return nil, ErrEntryExistent{Present: false}
	}
	if err := pt.splitTable(ent, level); err != nil {
		return nil, err
	}
	t, ok := pt.tableOf(ent, level)
	if !ok {
		return nil, ErrEntryExistent{Present: false}
	}
	return t, nil
}

// newPage installs one leaf at the given level, refusing to overwrite.
func (pt *PageTable) newPage(virt frame.LAddr, phys frame.PAddr, attr Attr, level Level) error {
	table := pt.root
	for lvl := P4; lvl != level; {
		ent := &table[lvl.AddrIdx(virt)]
		sub, err := pt.createTable(ent, lvl)
		if err != nil {
			return err
		}
		table = sub
		lvl, _ = lvl.Decrease()
	}
	ent := &table[level.AddrIdx(virt)]
	if ent.IsLeaf(level) {
		return ErrEntryExistent{Present: true}
	}
	*ent = NewEntry(phys, level.LeafAttr(attr))
	pt.invalidate(virt)
	return nil
}

// modifyPage rewrites the attributes of an existing leaf, splitting large
// pages on the way down when the walk must go deeper.
func (pt *PageTable) modifyPage(virt frame.LAddr, attr Attr, level Level) error {
	table := pt.root
	for lvl := P4; lvl != level; {
		ent := &table[lvl.AddrIdx(virt)]
		sub, err := pt.getOrSplitTable(ent, lvl)
		if err != nil {
			return err
		}
		table = sub
		lvl, _ = lvl.Decrease()
	}
	ent := &table[level.AddrIdx(virt)]
	if !ent.IsLeaf(level) {
		return ErrEntryExistent{Present: false}
	}
	*ent = NewEntry(ent.Addr(), level.LeafAttr(attr))
	pt.invalidate(virt)
	return nil
}

// dropPage clears an existing leaf and reports its physical base.
func (pt *PageTable) dropPage(virt frame.LAddr, level Level) (frame.PAddr, error) {
	table := pt.root
	for lvl := P4; lvl != level; {
		ent := &table[lvl.AddrIdx(virt)]
		sub, err := pt.getOrSplitTable(ent, lvl)
		if err != nil {
			return 0, err
		}
		table = sub
		lvl, _ = lvl.Decrease()
	}
	ent := &table[level.AddrIdx(virt)]
	if !ent.IsLeaf(level) {
		return 0, ErrEntryExistent{Present: false}
	}
	phys := ent.Addr()
	*ent = 0
	pt.invalidate(virt)
	return phys, nil
}

// getPage translates one virtual address.
func (pt *PageTable) getPage(virt frame.LAddr) (frame.PAddr, Attr, error) {
	table := pt.root
	lvl := P4
	for {
		ent := table[lvl.AddrIdx(virt)]
		if ent.IsLeaf(lvl) {
			off := uintptr(virt) & (lvl.PageSize() - 1)
			return ent.Addr() + frame.PAddr(off), ent.Attr(), nil
		}
		sub, ok := pt.tableOf(&ent, lvl)
		if !ok {
			return 0, 0, ErrEntryExistent{Present: false}
		}
		table = sub
		lvl, ok = lvl.Decrease()
		if !ok {
			return 0, 0, ErrEntryExistent{Present: false}
		}
	}
}

func checkRange(r Range, phys frame.PAddr) error {
	if r.Start >= r.End {
		return ErrRangeEmpty{}
	}
	if !r.Start.PageAligned() || !r.End.PageAligned() || !phys.PageAligned() {
		return ErrAddrMisaligned{VStart: r.Start, VEnd: r.End, Phys: phys}
	}
	return nil
}

// levelFor picks the largest level whose page size covers the alignment of
// both addresses and fits the remaining length.
func levelFor(virt frame.LAddr, phys frame.PAddr, remain uintptr) Level {
	for lvl := P3; lvl > Pt; lvl-- {
		size := lvl.PageSize()
		if uintptr(virt)&(size-1) == 0 && uintptr(phys)&(size-1) == 0 && remain >= size {
			return lvl
		}
	}
	return Pt
}

// Maps installs leaf entries covering the window, using large pages where
// alignment allows. It refuses to overwrite existing leaves.
func (pt *PageTable) Maps(r Range, phys frame.PAddr, attr Attr) error {
	if err := checkRange(r, phys); err != nil {
		return err
	}
	for virt := r.Start; virt < r.End; {
		remain := uintptr(r.End) - uintptr(virt)
		lvl := levelFor(virt, phys, remain)
		if err := pt.newPage(virt, phys, attr, lvl); err != nil {
			return err
		}
		virt += frame.LAddr(lvl.PageSize())
		phys += frame.PAddr(lvl.PageSize())
	}
	return nil
}

// Reprotect rewrites the attributes of every leaf in the window, splitting
// large pages whose coverage is wider than the window.
func (pt *PageTable) Reprotect(r Range, attr Attr) error {
	if err := checkRange(r, 0); err != nil {
		return err
	}
	for virt := r.Start; virt < r.End; virt += frame.LAddr(frame.PageSize) {
		if err := pt.modifyPage(virt, attr, Pt); err != nil {
			return err
		}
	}
	return nil
}

// Unmaps clears every leaf in the window and reports the physical base of
// the first departing leaf, when any was present.
func (pt *PageTable) Unmaps(r Range) (frame.PAddr, bool, error) {
	if err := checkRange(r, 0); err != nil {
		return 0, false, err
	}
	var (
		first    frame.PAddr
		reported bool
	)
	for virt := r.Start; virt < r.End; virt += frame.LAddr(frame.PageSize) {
		phys, err := pt.dropPage(virt, Pt)
		switch err.(type) {
		case nil:
			if !reported {
				first, reported = phys, true
			}
		case ErrEntryExistent:
			// Hole in the window; nothing to drop.
		default:
			return first, reported, err
		}
	}
	return first, reported, nil
}

// Query translates one virtual address to its physical address and leaf
// attributes.
func (pt *PageTable) Query(virt frame.LAddr) (frame.PAddr, Attr, error) {
	return pt.getPage(virt)
}
