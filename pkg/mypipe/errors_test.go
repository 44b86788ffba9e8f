package mypipe_test

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/your-org/mypipe-go/pkg/mypipe"
)

func TestUnit_Status_MapsErrorsToNegativeErrno(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want syscall.Errno
	}{
		{"interrupted", fmt.Errorf("%w: %w", mypipe.ErrInterrupted, context.Canceled), syscall.EINTR},
		{"out of memory", mypipe.ErrOutOfMemory, syscall.ENOMEM},
		{"invariant", &mypipe.InvariantError{Op: "read", Detail: "x"}, syscall.EIO},
		{"truncated", &mypipe.TruncatedError{MessageLen: 5, BufferLen: 3}, syscall.EMSGSIZE},
		{"not registered", mypipe.ErrNotRegistered, syscall.ENODEV},
		{"would block", mypipe.ErrWouldBlock, syscall.EAGAIN},
		{"other", errors.New("boom"), syscall.EIO},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, -int(tc.want), mypipe.Status(tc.err))
		})
	}

	assert.Equal(t, 0, mypipe.Status(nil))
}

func TestUnit_TypedErrorsUnwrapToSentinels(t *testing.T) {
	var err error = &mypipe.InvariantError{Op: "write", Detail: "ring full"}
	assert.ErrorIs(t, err, mypipe.ErrInvariantViolation)
	assert.Contains(t, err.Error(), "write")
	assert.Contains(t, err.Error(), "ring full")

	err = &mypipe.TruncatedError{MessageLen: 10, BufferLen: 4}
	assert.ErrorIs(t, err, mypipe.ErrTruncated)
	assert.Contains(t, err.Error(), "10")

	err = &mypipe.MissingFieldError{Field: "payload"}
	assert.ErrorIs(t, err, mypipe.ErrMissingField)
	assert.Contains(t, err.Error(), "payload")
}
