// Package kerr provides the uniform error codes reported by every kernel
// operation. Kernel code never panics on user-induced errors; it returns one
// of these codes, optionally wrapped with call-site context.
package kerr

import (
	"errors"
	"fmt"
)

// Code identifies one kernel error kind.
type Code int

const (
	// OK is the zero Code and never a valid error.
	OK Code = iota

	// NotFound reports a missing object, handle, or queue entry.
	NotFound
	// NoCurrentTask reports a scheduler operation with no task running.
	NoCurrentTask
	// PermissionDenied reports a feature-bit mismatch, a VDSO-protection
	// violation, a non-SEND handle transfer, or a kernel-only object.
	PermissionDenied
	// Busy reports a held lock or a pinned resource.
	Busy
	// WouldBlock reports a contended operation the caller should retry or
	// yield on; always recoverable.
	WouldBlock
	// OutOfRange reports an offset or window outside the object's bounds.
	OutOfRange
	// OutOfMemory reports frame, slot, or heap exhaustion.
	OutOfMemory
	// InvalidArgument reports a malformed argument such as a zero size.
	InvalidArgument
	// Misaligned reports an address or offset off its required alignment.
	Misaligned
	// Exists reports a placement colliding with an existing child.
	Exists
	// TypeMismatch reports a handle downcast to the wrong object type.
	TypeMismatch
	// BufferTooSmall reports an undersized receive buffer; use Buffer to
	// attach the required sizes.
	BufferTooSmall
	// Timeout reports an elapsed wait deadline.
	Timeout
	// Interrupted reports a wait cut short by a task signal.
	Interrupted
	// ChannelClosed reports a send to a channel whose peer was dropped.
	ChannelClosed
	// AlreadyKilled reports access to a task or space that has been
	// destroyed; a dangling weak reference upgrades to this.
	AlreadyKilled
	// NotSupported reports an operation the object variant cannot perform.
	NotSupported
)

var codeDesc = map[Code]string{
	NotFound:         "not found",
	NoCurrentTask:    "no current task",
	PermissionDenied: "permission denied",
	Busy:             "busy",
	WouldBlock:       "would block",
	OutOfRange:       "out of range",
	OutOfMemory:      "out of memory",
	InvalidArgument:  "invalid argument",
	Misaligned:       "misaligned",
	Exists:           "already exists",
	TypeMismatch:     "type mismatch",
	BufferTooSmall:   "buffer too small",
	Timeout:          "timed out",
	Interrupted:      "interrupted",
	ChannelClosed:    "channel closed",
	AlreadyKilled:    "already killed",
	NotSupported:     "not supported",
}

// Error implements the error interface, so a bare Code is an error value.
func (c Code) Error() string {
	if desc, ok := codeDesc[c]; ok {
		return desc
	}
	return fmt.Sprintf("kernel error %d", int(c))
}

// Is returns whether err is, or wraps, the code c.
func Is(err error, c Code) bool {
	return errors.Is(err, c)
}

// CodeOf extracts the Code from err, or OK when err carries none.
func CodeOf(err error) Code {
	var c Code
	if errors.As(err, &c) {
		return c
	}
	var b *BufferError
	if errors.As(err, &b) {
		return BufferTooSmall
	}
	return OK
}

// BufferError is the BufferTooSmall reply carrying the sizes the caller must
// provide on retry.
type BufferError struct {
	BufferSize  int
	HandleCount int
}

// Buffer builds a BufferTooSmall error with the required sizes.
func Buffer(bufferSize, handleCount int) *BufferError {
	return &BufferError{BufferSize: bufferSize, HandleCount: handleCount}
}

func (e *BufferError) Error() string {
	return fmt.Sprintf("buffer too small: need buffer=%d handles=%d", e.BufferSize, e.HandleCount)
}

// Is lets errors.Is match a BufferError against the BufferTooSmall code.
func (e *BufferError) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == BufferTooSmall
}
