package handle

import (
	"sync"

	"github.com/h2o-os/h2o/internal/kernel/event"
	"github.com/h2o-os/h2o/internal/kernel/kerr"
)

// Object is a Ref stripped of its links: what travels through a channel
// when handles move between tasks.
type Object struct {
	Obj   any
	Feat  Feature
	Event event.Event
}

// Table is one task's handle table. Handle values are arena indices (plus
// the null offset) and unique within the table; a Ref belongs to exactly
// one table at a time.
type Table struct {
	mu   sync.Mutex
	refs list
}

// NewTable returns an empty handle table.
func NewTable() *Table {
	return &Table{refs: newList()}
}

// Len returns the number of live handles.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refs.len
}

// Insert adds a Ref and returns its handle value.
func (t *Table) Insert(obj any, feat Feature, ev event.Event) (int, error) {
	ref, err := NewRef(obj, feat, ev)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	index, err := t.refs.insert(ref, t)
	if err != nil {
		return 0, err
	}
	return Encode(index), nil
}

// Remove closes a handle and returns the Ref it held.
func (t *Table) Remove(handle int) (Object, error) {
	index, err := Decode(handle)
	if err != nil {
		return Object{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ref, err := t.refs.remove(index, t)
	if err != nil {
		return Object{}, err
	}
	return Object{Obj: ref.obj, Feat: ref.feat, Event: ref.event}, nil
}

// Inspect calls fn with the Ref a handle names, under the table lock.
func (t *Table) Inspect(handle int, fn func(*Ref) error) error {
	index, err := Decode(handle)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.refs.get(index, t)
	if err != nil {
		return err
	}
	return fn(r)
}

// Get resolves a handle and downcasts its object to T.
func Get[T any](t *Table, handle int) (T, error) {
	var obj T
	err := t.Inspect(handle, func(r *Ref) error {
		cast, ok := r.obj.(T)
		if !ok {
			return kerr.TypeMismatch
		}
		obj = cast
		return nil
	})
	return obj, err
}

// GetWithFeatures resolves a handle, downcasts, and demands the given
// capability bits.
func GetWithFeatures[T any](t *Table, handle int, want Feature) (T, error) {
	var obj T
	err := t.Inspect(handle, func(r *Ref) error {
		if !r.feat.Contains(want) {
			return kerr.PermissionDenied
		}
		cast, ok := r.obj.(T)
		if !ok {
			return kerr.TypeMismatch
		}
		obj = cast
		return nil
	})
	return obj, err
}

// Dup duplicates a handle. Only a SEND|SYNC Ref may exist twice.
func (t *Table) Dup(handle int) (int, error) {
	index, err := Decode(handle)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.refs.get(index, t)
	if err != nil {
		return 0, err
	}
	if !r.CanClone() {
		return 0, kerr.PermissionDenied
	}
	clone := Ref{next: noSlot, prev: noSlot, obj: r.obj, feat: r.feat, event: r.event}
	newIndex, err := t.refs.insert(clone, t)
	if err != nil {
		return 0, err
	}
	return Encode(newIndex), nil
}

// TakeForSend atomically moves the named handles out of the table for a
// channel transfer. Every handle is validated first — null handles,
// non-SEND Refs, and anything the caller's check refuses — and either all
// move or none do.
func (t *Table) TakeForSend(handles []int, check func(*Ref) error) ([]Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	indices := make([]int, len(handles))
	for i, h := range handles {
		index, err := Decode(h)
		if err != nil {
			return nil, err
		}
		r, err := t.refs.get(index, t)
		if err != nil {
			return nil, err
		}
		if !r.feat.Contains(FeatSend) {
			return nil, kerr.PermissionDenied
		}
		if check != nil {
			if err := check(r); err != nil {
				return nil, err
			}
		}
		indices[i] = index
	}

	objects := make([]Object, len(indices))
	for i, index := range indices {
		ref, err := t.refs.remove(index, t)
		if err != nil {
			// Validation held the lock, so removal cannot fail.
			return nil, err
		}
		objects[i] = Object{Obj: ref.obj, Feat: ref.feat, Event: ref.event}
	}
	return objects, nil
}

// Receive installs transferred objects and returns their new handle
// values. On failure everything installed so far is rolled back.
func (t *Table) Receive(objects []Object) ([]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	handles := make([]int, len(objects))
	for i, obj := range objects {
		ref, err := NewRef(obj.Obj, obj.Feat, obj.Event)
		if err == nil {
			var index int
			index, err = t.refs.insert(ref, t)
			if err == nil {
				handles[i] = Encode(index)
				continue
			}
		}
		for _, h := range handles[:i] {
			index, _ := Decode(h)
			_, _ = t.refs.remove(index, t)
		}
		return nil, err
	}
	return handles, nil
}

// Drain closes every handle; called when the owning task exits.
func (t *Table) Drain() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refs.drain(t)
}

// Visit walks the table's handles in insertion order under the lock.
func (t *Table) Visit(fn func(handle int, r *Ref) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refs.visit(func(index int, r *Ref) bool {
		return fn(Encode(index), r)
	})
}
