package space

import (
	"sort"

	"github.com/h2o-os/h2o/internal/kernel/mem/frame"
	"github.com/h2o-os/h2o/internal/kernel/mem/phys"
)

// child is one occupant of a Virt: either a sub-Virt or a Phys mapping.
type child struct {
	virt *Virt

	phys    phys.Phys
	physOff int
	flags   Flags
	length  int
}

func (c *child) len() int {
	if c.virt != nil {
		return c.virt.Len()
	}
	return c.length
}

func (c *child) end(base frame.LAddr) frame.LAddr {
	return base + frame.LAddr(c.len())
}

// childMap is the ordered base → child map of a Virt. Lookups and ordered
// scans are over a sorted base slice; the map carries the values.
type childMap struct {
	bases []frame.LAddr
	m     map[frame.LAddr]*child
}

func newChildMap() *childMap {
	return &childMap{m: make(map[frame.LAddr]*child)}
}

func (cm *childMap) len() int { return len(cm.bases) }

func (cm *childMap) insert(base frame.LAddr, c *child) {
	if _, ok := cm.m[base]; !ok {
		i := sort.Search(len(cm.bases), func(i int) bool { return cm.bases[i] >= base })
		cm.bases = append(cm.bases, 0)
		copy(cm.bases[i+1:], cm.bases[i:])
		cm.bases[i] = base
	}
	cm.m[base] = c
}

func (cm *childMap) remove(base frame.LAddr) (*child, bool) {
	c, ok := cm.m[base]
	if !ok {
		return nil, false
	}
	delete(cm.m, base)
	i := sort.Search(len(cm.bases), func(i int) bool { return cm.bases[i] >= base })
	cm.bases = append(cm.bases[:i], cm.bases[i+1:]...)
	return c, true
}

func (cm *childMap) get(base frame.LAddr) (*child, bool) {
	c, ok := cm.m[base]
	return c, ok
}

// visit walks the children in ascending base order; returning false stops
// the walk.
func (cm *childMap) visit(fn func(base frame.LAddr, c *child) bool) {
	for _, base := range cm.bases {
		if !fn(base, cm.m[base]) {
			return
		}
	}
}

// overlapping reports whether any child intersects [start, end).
func (cm *childMap) overlapping(start, end frame.LAddr) bool {
	for _, base := range cm.bases {
		c := cm.m[base]
		if base < end && c.end(base) > start {
			return true
		}
	}
	return false
}

// gaps calls fn on every maximal free range inside [start, end), in order,
// until fn reports a hit, whose address it returns.
func (cm *childMap) gaps(start, end frame.LAddr, fn func(gapStart, gapEnd frame.LAddr) (frame.LAddr, bool)) (frame.LAddr, bool) {
	cur := start
	for _, base := range cm.bases {
		c := cm.m[base]
		if cur < base {
			if addr, ok := fn(cur, base); ok {
				return addr, true
			}
		}
		if e := c.end(base); e > cur {
			cur = e
		}
	}
	if cur < end {
		return fn(cur, end)
	}
	return 0, false
}
