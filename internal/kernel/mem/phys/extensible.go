package phys

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/h2o-os/h2o/internal/kernel/event"
	"github.com/h2o-os/h2o/internal/kernel/kerr"
	"github.com/h2o-os/h2o/internal/kernel/klog"
	"github.com/h2o-os/h2o/internal/kernel/mem/frame"
)

// pageState tracks how a branch page relates to its readers: ShouldCopy
// pages are shared and must be duplicated for a writer; ShouldMove pages
// have already been duplicated once and move out to the last child that
// asks.
type pageState int

const (
	shouldCopy pageState = iota
	shouldMove
)

// pageNode is one committed page slot in an extensible object.
type pageNode struct {
	state pageState
	page  *frame.Block
	pins  int
}

// commit is the result of resolving one page index: either a page to insert
// into the caller's map (ownership transfers) or a reference to a resident
// frame.
type commit struct {
	insert *frame.Block
	base   frame.PAddr
}

func commitRef(base frame.PAddr) commit       { return commit{base: base} }
func commitInsert(p *frame.Block) commit      { return commit{insert: p, base: p.Base()} }
func (c commit) isInsert() bool               { return c.insert != nil }

// getFromBranch resolves a branch page for a child. Writers turn a shared
// page into a private copy and flip the node to ShouldMove; the next taker
// receives the original outright.
func (n *pageNode) getFromBranch(write bool) (commit, bool, error) {
	switch n.state {
	case shouldCopy:
		if write {
			page, err := frame.Alloc(1)
			if err != nil {
				return commit{}, false, kerr.OutOfMemory
			}
			copy(page.Bytes(), n.page.Bytes())
			n.state = shouldMove
			return commitInsert(page), false, nil
		}
		return commitRef(n.page.Base()), false, nil
	default: // shouldMove
		page := n.page
		n.page = nil
		return commitInsert(page), true, nil
	}
}

// getFromLeaf resolves a leaf page: resident pages answer directly, a write
// to an uncommitted slot allocates, and a read resolves to the zero frame.
func (n *pageNode) getFromLeaf(write bool) (frame.PAddr, error) {
	if n.page != nil {
		return n.page.Base(), nil
	}
	if write {
		page, err := frame.Alloc(1)
		if err != nil {
			return 0, kerr.OutOfMemory
		}
		n.page = page
		return page.Base(), nil
	}
	return frame.Zero().Base(), nil
}

// pageList is the lock-protected state of one extensible object.
type pageList struct {
	branch bool

	parent      *Extensible
	parentStart int
	parentEnd   int

	pages map[int]*pageNode
	count int
	pins  int
}

// Extensible is the COW pageable Phys variant.
type Extensible struct {
	ev     *event.Basic
	length atomic.Int64

	mu   sync.Mutex
	list pageList
}

// NewExtensible creates an empty pageable object of the given byte length.
func NewExtensible(length int) (*Extensible, error) {
	if length == 0 {
		return nil, kerr.InvalidArgument
	}
	e := &Extensible{ev: event.NewBasic(0)}
	e.length.Store(int64(length))
	e.list = pageList{
		pages: make(map[int]*pageNode),
		count: frame.PageCount(length),
	}
	return e, nil
}

// Len returns the object's byte length.
func (e *Extensible) Len() int { return int(e.length.Load()) }

// Event returns the object's observable.
func (e *Extensible) Event() event.Event { return e.ev }

// Base is unavailable: extensible objects have one base per page.
func (e *Extensible) Base() (frame.PAddr, error) { return 0, kerr.NotSupported }

func (e *Extensible) notify() { e.ev.Notify(0, event.SigRead|event.SigWrite) }

// commitImpl resolves one page index following the object's inheritance
// chain. The caller holds e.mu; parent locks are only tried, reporting
// WouldBlock on contention so the kernel never sleeps inside the chain.
func (l *pageList) commitImpl(index int, write bool) (commit, error) {
	if index >= l.count {
		return commit{}, kerr.OutOfRange
	}

	if node, ok := l.pages[index]; ok {
		if l.branch {
			c, remove, err := node.getFromBranch(write)
			if err != nil {
				return commit{}, err
			}
			if remove {
				delete(l.pages, index)
			}
			return c, nil
		}
		base, err := node.getFromLeaf(write)
		if err != nil {
			return commit{}, err
		}
		return commitRef(base), nil
	}

	if parent := l.parent; parent != nil {
		if !parent.mu.TryLock() {
			return commit{}, kerr.WouldBlock
		}
		parentIndex := l.parentStart + index
		if parentIndex < l.parentEnd {
			c, err := parent.list.commitImpl(parentIndex, write)
			parent.mu.Unlock()
			if err != nil {
				return commit{}, err
			}
			if c.isInsert() {
				l.pages[index] = &pageNode{state: shouldCopy, page: c.insert}
				return commitRef(c.base), nil
			}
			return c, nil
		}
		parent.mu.Unlock()
	}

	if !write {
		return commitRef(frame.Zero().Base()), nil
	}

	page, err := frame.Alloc(1)
	if err != nil {
		return commit{}, kerr.OutOfMemory
	}
	if l.branch {
		return commitInsert(page), nil
	}
	l.pages[index] = &pageNode{state: shouldCopy, page: page}
	return commitRef(page.Base()), nil
}

// commitLeaf resolves a page on a leaf object, where an Insert can never
// surface.
func (l *pageList) commitLeaf(index int, write bool) (frame.PAddr, error) {
	c, err := l.commitImpl(index, write)
	if err != nil {
		return 0, err
	}
	return c.base, nil
}

func (l *pageList) decommit(index int) error {
	node, ok := l.pages[index]
	if !ok {
		return nil
	}
	if node.pins > 0 {
		return kerr.Busy
	}
	if l.parent != nil {
		// Keep the slot so the page is not re-inherited from the
		// parent later.
		node.page = nil
	} else {
		delete(l.pages, index)
	}
	return nil
}

func (l *pageList) pinOne(index int, write bool) error {
	if node, ok := l.pages[index]; ok {
		if node.pins >= math.MaxInt32 || l.pins >= math.MaxInt32 {
			return kerr.OutOfRange
		}
		node.pins++
		l.pins++
		return nil
	}
	if write {
		// A write pin of an inherited page holds the parent's copy in
		// place for the duration.
		parent := l.parent
		if parent == nil {
			return kerr.NotFound
		}
		parentIndex := l.parentStart + index
		if parentIndex >= l.parentEnd {
			return kerr.OutOfRange
		}
		if !parent.mu.TryLock() {
			return kerr.WouldBlock
		}
		err := parent.list.pinOne(parentIndex, write)
		parent.mu.Unlock()
		return err
	}
	return nil
}

func (l *pageList) unpinOne(index int) {
	if node, ok := l.pages[index]; ok {
		if node.pins > 0 {
			node.pins--
		}
		if l.pins > 0 {
			l.pins--
		}
	}
}

func (l *pageList) pin(start, end int, write bool) ([]Extent, error) {
	extents := make([]Extent, 0, end-start)
	for index := start; index < end; index++ {
		base, err := l.commitLeaf(index, write)
		if err != nil {
			return nil, err
		}
		extents = append(extents, Extent{Base: base, Len: frame.PageSize})
	}
	for index := start; index < end; index++ {
		if err := l.pinOne(index, write); err != nil {
			for undo := start; undo < index; undo++ {
				l.unpinOne(undo)
			}
			return nil, err
		}
	}
	return extents, nil
}

func (l *pageList) resize(newCount int) error {
	if l.pins > 0 {
		return kerr.Busy
	}
	if newCount < l.count {
		for index := newCount; index < l.count; index++ {
			if err := l.decommit(index); err != nil {
				return err
			}
		}
	}
	l.count = newCount
	return nil
}

// createSub converts this leaf into a child of a fresh immutable branch
// holding its current pages, and returns a second child covering
// [start, end) pages with an empty map. Snapshots are O(1): no page is
// copied until someone writes.
func (l *pageList) createSub(offset, length int) (*Extensible, error) {
	if l.pins > 0 {
		return nil, kerr.Busy
	}
	start := offset >> frame.PageShift
	end := frame.PageCount(offset + length)
	if start >= end || end > l.count {
		return nil, kerr.OutOfRange
	}

	branch := &Extensible{ev: event.NewBasic(0)}
	branch.list = pageList{
		branch:      true,
		parent:      l.parent,
		parentStart: l.parentStart,
		parentEnd:   l.parentEnd,
		pages:       l.pages,
		count:       l.count,
		pins:        l.pins,
	}

	sub := &Extensible{ev: event.NewBasic(0)}
	sub.length.Store(int64(length))
	sub.list = pageList{
		parent:      branch,
		parentStart: start,
		parentEnd:   end,
		pages:       make(map[int]*pageNode),
		count:       end - start,
	}

	l.parent = branch
	l.parentStart = 0
	l.parentEnd = l.count
	l.pages = make(map[int]*pageNode)

	return sub, nil
}

// Read copies out of the object, resolving uncommitted pages to zeroes.
func (e *Extensible) Read(offset int, out []byte) (int, error) {
	if offset < 0 {
		return 0, kerr.OutOfRange
	}
	pos, n := clampWindow(e.Len(), offset, len(out))
	if !e.mu.TryLock() {
		return 0, kerr.WouldBlock
	}
	defer e.mu.Unlock()

	read := 0
	start := pos >> frame.PageShift
	end := frame.PageCount(pos + n)
	posInPage := pos - start<<frame.PageShift
	for index := start; index < end; index++ {
		base, err := e.list.commitLeaf(index, false)
		if err != nil {
			klog.Default().Warn("phys: read commit failed", klog.Int("page", index), klog.Any("err", err))
			return read, err
		}
		page, _ := frame.Lookup(base)
		chunk := min(n-read, frame.PageSize-posInPage)
		copy(out[read:read+chunk], page[posInPage:posInPage+chunk])
		read += chunk
		posInPage = 0
	}
	e.notify()
	return read, nil
}

// Write copies into the object, committing pages on demand.
func (e *Extensible) Write(offset int, in []byte) (int, error) {
	if offset < 0 {
		return 0, kerr.OutOfRange
	}
	pos, n := clampWindow(e.Len(), offset, len(in))
	if !e.mu.TryLock() {
		return 0, kerr.WouldBlock
	}
	defer e.mu.Unlock()

	written := 0
	start := pos >> frame.PageShift
	end := frame.PageCount(pos + n)
	posInPage := pos - start<<frame.PageShift
	for index := start; index < end; index++ {
		base, err := e.list.commitLeaf(index, true)
		if err != nil {
			klog.Default().Warn("phys: write commit failed", klog.Int("page", index), klog.Any("err", err))
			return written, err
		}
		page, _ := frame.Lookup(base)
		chunk := min(n-written, frame.PageSize-posInPage)
		copy(page[posInPage:posInPage+chunk], in[written:written+chunk])
		written += chunk
		posInPage = 0
	}
	e.notify()
	return written, nil
}

// ReadVectored fills each buffer in turn, stopping at the first short read.
func (e *Extensible) ReadVectored(offset int, bufs [][]byte) (int, error) {
	total := 0
	for _, buf := range bufs {
		n, err := e.Read(offset, buf)
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

// WriteVectored drains each buffer in turn, stopping at the first short
// write.
func (e *Extensible) WriteVectored(offset int, bufs [][]byte) (int, error) {
	total := 0
	for _, buf := range bufs {
		n, err := e.Write(offset, buf)
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

// Pin commits and pins the page range so its frames cannot move until the
// matching Unpin.
func (e *Extensible) Pin(offset, length int, write bool) ([]Extent, error) {
	if offset < 0 || length < 0 || offset+length > e.Len() {
		return nil, kerr.OutOfRange
	}
	start := offset >> frame.PageShift
	end := frame.PageCount(offset + length)
	if !e.mu.TryLock() {
		return nil, kerr.WouldBlock
	}
	extents, err := e.list.pin(start, end, write)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.notify()
	return extents, nil
}

// Unpin releases a previous Pin of the same window.
func (e *Extensible) Unpin(offset, length int) {
	start := offset >> frame.PageShift
	end := frame.PageCount(offset + length)
	e.mu.Lock()
	for index := start; index < end; index++ {
		e.list.unpinOne(index)
	}
	e.mu.Unlock()
	e.notify()
}

// CreateSub snapshots the object. Without copy the object becomes a child
// of a new immutable branch and the returned leaf shares its pages
// copy-on-write; with copy the result owns duplicated storage.
func (e *Extensible) CreateSub(offset, length int, copyContent bool) (Phys, error) {
	if length == 0 {
		return nil, kerr.InvalidArgument
	}
	if copyContent {
		return e.deepCopy(offset, length)
	}
	if !e.mu.TryLock() {
		return nil, kerr.WouldBlock
	}
	sub, err := e.list.createSub(offset, length)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.notify()
	return sub, nil
}

func (e *Extensible) deepCopy(offset, length int) (Phys, error) {
	if offset < 0 || offset+length > e.Len() {
		return nil, kerr.OutOfRange
	}
	child, err := NewExtensible(length)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := e.Read(offset, buf); err != nil {
		return nil, err
	}
	if _, err := child.Write(0, buf); err != nil {
		return nil, err
	}
	return child, nil
}

// Resize changes the object's length. Shrinking evicts pages beyond the new
// end; pinned objects refuse with Busy.
func (e *Extensible) Resize(newLen int, zeroed bool) error {
	if newLen == 0 {
		return kerr.InvalidArgument
	}
	_ = zeroed // fresh pages always arrive zeroed
	if !e.mu.TryLock() {
		return kerr.WouldBlock
	}
	err := e.list.resize(frame.PageCount(newLen))
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.length.Store(int64(newLen))
	e.notify()
	return nil
}
