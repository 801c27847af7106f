package tcp

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpError(t *testing.T) {
	t.Run("matches its kind", func(t *testing.T) {
		err := invalidState("write", Closing)
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.NotErrorIs(t, err, ErrFatal)
		assert.Equal(t, "tcp write: invalid handle state (state Closing)", err.Error())
	})

	t.Run("matches kind and cause", func(t *testing.T) {
		err := fatal("read", Reading, syscall.ECONNRESET)
		assert.ErrorIs(t, err, ErrFatal)
		assert.ErrorIs(t, err, syscall.ECONNRESET)
		assert.Contains(t, err.Error(), "connection reset by peer")
	})

	t.Run("errors.As exposes the operation", func(t *testing.T) {
		var opErr *OpError
		assert.True(t, errors.As(wouldBlock("accept", Listening), &opErr))
		assert.Equal(t, "accept", opErr.Op)
		assert.Equal(t, Listening, opErr.State)
		assert.ErrorIs(t, opErr, ErrWouldBlock)
	})
}
