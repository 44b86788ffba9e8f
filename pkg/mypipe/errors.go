package mypipe

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	ErrInterrupted        = errors.New("mypipe: interrupted")
	ErrOutOfMemory        = errors.New("mypipe: out of memory")
	ErrInvariantViolation = errors.New("mypipe: invariant violation")
	ErrWouldBlock         = errors.New("mypipe: operation would block")
	ErrTruncated          = errors.New("mypipe: message truncated")
	ErrInvalidCapacity    = errors.New("mypipe: capacity must be >= 1")
	ErrNotRegistered      = errors.New("mypipe: device not registered")
	ErrDeviceExists       = errors.New("mypipe: device already registered")
	ErrDeviceNotFound     = errors.New("mypipe: device not found")

	ErrUnknownVersion = errors.New("mypipe: unknown envelope version")
	ErrMessageTrimmed = errors.New("mypipe: message has been trimmed (nil fields)")
	ErrMissingField   = errors.New("mypipe: missing required field")
)

// MissingFieldError wraps ErrMissingField with the field name.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("mypipe: missing required field '%s'", e.Field)
}

func (e *MissingFieldError) Unwrap() error {
	return ErrMissingField
}

// InvariantError reports that the queue's counters and its ring disagree.
// It is not recoverable; the queue should be considered corrupt.
type InvariantError struct {
	Op     string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("mypipe: invariant violation in %s: %s", e.Op, e.Detail)
}

func (e *InvariantError) Unwrap() error {
	return ErrInvariantViolation
}

// TruncatedError is returned by Device.Read when the destination buffer is
// shorter than the dequeued message. Only BufferLen bytes were copied.
type TruncatedError struct {
	MessageLen int
	BufferLen  int
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("mypipe: message of %d bytes truncated to %d", e.MessageLen, e.BufferLen)
}

func (e *TruncatedError) Unwrap() error {
	return ErrTruncated
}

// interrupted wraps a context error so that both ErrInterrupted and the
// context cause match with errors.Is.
func interrupted(cause error) error {
	return fmt.Errorf("%w: %w", ErrInterrupted, cause)
}

// Status translates err into a negative errno, the convention of a character
// device's read/write entry points. A nil error yields 0.
func Status(err error) int {
	var errno syscall.Errno
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInterrupted):
		errno = syscall.EINTR
	case errors.Is(err, ErrOutOfMemory):
		errno = syscall.ENOMEM
	case errors.Is(err, ErrTruncated):
		errno = syscall.EMSGSIZE
	case errors.Is(err, ErrNotRegistered):
		errno = syscall.ENODEV
	case errors.Is(err, ErrWouldBlock):
		errno = syscall.EAGAIN
	default:
		errno = syscall.EIO
	}
	return -int(errno)
}
