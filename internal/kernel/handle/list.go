package handle

import "github.com/h2o-os/h2o/internal/kernel/kerr"

// list is the intrusive doubly linked list threading a table's Refs through
// their stable arena slots. Nodes are named by arena index; the slot
// addresses never move, so splicing is pure link surgery.
type list struct {
	head int
	tail int
	len  int
}

func newList() list { return list{head: noSlot, tail: noSlot} }

func refAt(index int) (*Ref, error) {
	r, err := hrArena.PtrOf(index)
	if err != nil {
		return nil, kerr.NotFound
	}
	return r, nil
}

// insert allocates a slot for value and links it at the tail.
func (l *list) insert(value Ref, owner *Table) (int, error) {
	slot, err := hrArena.Allocate()
	if err != nil {
		return 0, err
	}
	index, err := hrArena.IndexOf(slot)
	if err != nil {
		return 0, err
	}
	*slot = value
	l.linkTail(slot, index, owner)
	return index, nil
}

func (l *list) linkTail(r *Ref, index int, owner *Table) {
	r.next = noSlot
	r.prev = l.tail
	r.owner = owner
	if l.tail != noSlot {
		if tail, err := refAt(l.tail); err == nil {
			tail.next = index
		}
	} else {
		l.head = index
	}
	l.tail = index
	l.len++
}

// unlink splices the node out of the list without freeing its slot.
func (l *list) unlink(r *Ref, index int) {
	if r.prev != noSlot {
		if prev, err := refAt(r.prev); err == nil {
			prev.next = r.next
		}
	} else {
		l.head = r.next
	}
	if r.next != noSlot {
		if next, err := refAt(r.next); err == nil {
			next.prev = r.prev
		}
	} else {
		l.tail = r.prev
	}
	r.next, r.prev, r.owner = noSlot, noSlot, nil
	l.len--
}

// remove splices the node out and releases its slot, returning the value.
func (l *list) remove(index int, owner *Table) (Ref, error) {
	r, err := refAt(index)
	if err != nil {
		return Ref{}, err
	}
	if r.owner != owner {
		return Ref{}, kerr.NotFound
	}
	l.unlink(r, index)
	value := *r
	if err := hrArena.Deallocate(r); err != nil {
		return Ref{}, err
	}
	return value, nil
}

// get returns the node when it belongs to owner.
func (l *list) get(index int, owner *Table) (*Ref, error) {
	r, err := refAt(index)
	if err != nil {
		return nil, err
	}
	if r.owner != owner {
		return nil, kerr.NotFound
	}
	return r, nil
}

// visit walks the list head to tail.
func (l *list) visit(fn func(index int, r *Ref) bool) {
	for index := l.head; index != noSlot; {
		r, err := refAt(index)
		if err != nil {
			return
		}
		next := r.next
		if !fn(index, r) {
			return
		}
		index = next
	}
}

// drain removes every node, releasing the slots.
func (l *list) drain(owner *Table) {
	for l.head != noSlot {
		if _, err := l.remove(l.head, owner); err != nil {
			return
		}
	}
}
