// Package handle implements typed capabilities: every kernel object a task
// can name is held by a Ref in the global arena, linked into the owning
// task's handle table. The user-visible handle value is the Ref's arena
// index plus one, so handle 0 stays the null handle.
package handle

import (
	"github.com/h2o-os/h2o/internal/kernel/event"
	"github.com/h2o-os/h2o/internal/kernel/kerr"
	"github.com/h2o-os/h2o/internal/kernel/mem/arena"
)

// Feature is the capability bitmask carried by a Ref.
type Feature uint32

const (
	FeatSend Feature = 1 << 0
	FeatSync Feature = 1 << 1
	FeatRead Feature = 1 << 2
	FeatWrite Feature = 1 << 3
	FeatExecute Feature = 1 << 4
	FeatWait Feature = 1 << 5
)

// Contains reports whether f carries every bit of want.
func (f Feature) Contains(want Feature) bool { return f&want == want }

// MaxHandleCount bounds the global Ref arena.
const MaxHandleCount = 1 << 16

const noSlot = -1

// Ref binds a kernel object to its capability mask and event, and links it
// into exactly one table's intrusive list.
type Ref struct {
	next  int
	prev  int
	owner *Table

	obj   any
	feat  Feature
	event event.Event
}

var hrArena = arena.New[Ref](MaxHandleCount)

// NewRef validates a capability node before it enters a table. A WAIT
// capability without an event is meaningless and refused.
func NewRef(obj any, feat Feature, ev event.Event) (Ref, error) {
	if feat.Contains(FeatWait) && ev == nil {
		return Ref{}, kerr.PermissionDenied
	}
	return Ref{next: noSlot, prev: noSlot, obj: obj, feat: feat, event: ev}, nil
}

// Object returns the referenced kernel object.
func (r *Ref) Object() any { return r.obj }

// Features returns the capability mask.
func (r *Ref) Features() Feature { return r.feat }

// Event returns the Ref's event, possibly nil.
func (r *Ref) Event() event.Event { return r.event }

// SetFeatures shrinks the capability mask; granting new bits is refused.
func (r *Ref) SetFeatures(feat Feature) error {
	if feat&^r.feat != 0 {
		return kerr.PermissionDenied
	}
	r.feat = feat
	return nil
}

// CanClone reports whether the Ref may be duplicated into a second handle:
// the object must be shareable across references.
func (r *Ref) CanClone() bool { return r.feat.Contains(FeatSend | FeatSync) }

// Encode turns an arena index into a user-visible handle value.
func Encode(index int) int { return index + 1 }

// Decode turns a handle value back into an arena index; the null handle
// fails.
func Decode(handle int) (int, error) {
	if handle <= 0 {
		return 0, kerr.InvalidArgument
	}
	return handle - 1, nil
}

// ArenaCount reports the number of live Refs, for the monitor surface.
func ArenaCount() int { return hrArena.Count() }
