package paging

import (
	"sync"

	"github.com/h2o-os/h2o/internal/kernel/mem/frame"
)

// FrameAlloc is the default PageAlloc: every table is identified by an owned
// frame, and the walk resolves frame bases back to tables through a registry.
type FrameAlloc struct {
	mu     sync.Mutex
	tables map[frame.PAddr]*tableSlot
}

type tableSlot struct {
	table *Table
	block *frame.Block
}

// NewFrameAlloc returns an empty table allocator.
func NewFrameAlloc() *FrameAlloc {
	return &FrameAlloc{tables: make(map[frame.PAddr]*tableSlot)}
}

// AllocTable allocates a zeroed table backed by one frame.
func (a *FrameAlloc) AllocTable() (*Table, frame.PAddr, error) {
	block, err := frame.Alloc(1)
	if err != nil {
		return nil, 0, err
	}
	t := new(Table)
	a.mu.Lock()
	a.tables[block.Base()] = &tableSlot{table: t, block: block}
	a.mu.Unlock()
	return t, block.Base(), nil
}

// FreeTable releases a table and its backing frame.
func (a *FrameAlloc) FreeTable(base frame.PAddr) {
	a.mu.Lock()
	slot, ok := a.tables[base]
	delete(a.tables, base)
	a.mu.Unlock()
	if ok {
		slot.block.Free()
	}
}

// TableOf resolves a table's frame base.
func (a *FrameAlloc) TableOf(base frame.PAddr) (*Table, bool) {
	a.mu.Lock()
	slot, ok := a.tables[base]
	a.mu.Unlock()
	if !ok {
		return nil, false
	}
	return slot.table, true
}
