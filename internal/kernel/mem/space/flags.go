package space

import "github.com/h2o-os/h2o/internal/kernel/mem/paging"

// Flags describe a mapped block of memory.
type Flags uint32

const (
	FlagUserAccess Flags = 1 << 0
	FlagReadable   Flags = 1 << 1
	FlagWritable   Flags = 1 << 2
	FlagExecutable Flags = 1 << 3
	FlagZeroed     Flags = 1 << 4
	FlagUncached   Flags = 1 << 5
)

// Attr lowers mapping flags into a page-table attribute word.
func (f Flags) Attr() paging.Attr {
	attr := paging.AttrPresent
	if f&FlagUserAccess != 0 {
		attr |= paging.AttrUser
	}
	if f&FlagWritable != 0 {
		attr |= paging.AttrWritable
	}
	if f&FlagExecutable == 0 {
		attr |= paging.AttrNoExec
	}
	if f&FlagUncached != 0 {
		attr |= paging.AttrUncached
	}
	return attr
}

// Permits reports whether f allows everything requested asks for.
func (f Flags) Permits(requested Flags) bool {
	return requested&^f == 0
}
