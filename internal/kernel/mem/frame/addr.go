package frame

import "fmt"

// Page geometry of the modeled machine.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// PAddr is an opaque physical address: an integer into the modeled physical
// address space. Frame bases are PAddrs.
type PAddr uintptr

// LAddr is an opaque linear (virtual) address.
type LAddr uintptr

// IDOffset is the fixed identity offset mapping physical RAM into the
// kernel's high half. Conversions between the two address kinds always go
// through it.
const IDOffset = 0xFFFF_8000_0000_0000

// ToLAddr maps a physical address into the kernel's identity window.
func (p PAddr) ToLAddr() LAddr { return LAddr(uintptr(p) + IDOffset) }

// ToPAddr maps an identity-window linear address back to physical.
func (l LAddr) ToPAddr() PAddr { return PAddr(uintptr(l) - IDOffset) }

func (p PAddr) String() string { return fmt.Sprintf("PAddr(%#x)", uintptr(p)) }
func (l LAddr) String() string { return fmt.Sprintf("LAddr(%#x)", uintptr(l)) }

// PageAligned reports whether the address sits on a page boundary.
func (p PAddr) PageAligned() bool { return uintptr(p)&(PageSize-1) == 0 }

// PageAligned reports whether the address sits on a page boundary.
func (l LAddr) PageAligned() bool { return uintptr(l)&(PageSize-1) == 0 }

// PageDown rounds the address down to its page base.
func (l LAddr) PageDown() LAddr { return l &^ (PageSize - 1) }

// PageUp rounds the address up to the next page boundary.
func (l LAddr) PageUp() LAddr { return (l + PageSize - 1) &^ (PageSize - 1) }

// PageCount returns how many whole pages cover n bytes.
func PageCount(n int) int { return (n + PageSize - 1) >> PageShift }

// RoundUp rounds n up to a whole number of pages.
func RoundUp(n int) int { return PageCount(n) << PageShift }
