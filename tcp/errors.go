package tcp

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState means the operation is not valid in the handle's
	// current lifecycle state. It is always a caller bug and never retried.
	ErrInvalidState = errors.New("invalid handle state")

	// ErrWouldBlock is transient: nothing is ready yet, retry later.
	ErrWouldBlock = errors.New("operation would block")

	// ErrFatal means the socket involved is no longer usable. When that
	// socket is the handle's own connection or listener, the handle has moved
	// to Closing. A failed Bind leaves the handle Idle without a socket, and
	// a failed Accept only discards the announced connection; the listener
	// stays Listening.
	ErrFatal = errors.New("connection unusable")

	// ErrInvalidArgument reports a nil callback or an unparsable address.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInProgress is returned by Socket.Connect while a non-blocking
	// connect is still pending.
	ErrInProgress = errors.New("operation in progress")
)

// OpError describes a failed handle operation. It matches its Kind (one of
// the sentinel errors above) and its cause with errors.Is.
type OpError struct {
	Op    string
	Kind  error
	State State
	Err   error
}

func (e *OpError) Error() string {
	s := fmt.Sprintf("tcp %s: %v (state %s)", e.Op, e.Kind, e.State)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func invalidState(op string, state State) error {
	return &OpError{Op: op, Kind: ErrInvalidState, State: state}
}

func wouldBlock(op string, state State) error {
	return &OpError{Op: op, Kind: ErrWouldBlock, State: state}
}

func fatal(op string, state State, err error) error {
	return &OpError{Op: op, Kind: ErrFatal, State: state, Err: err}
}

func invalidArgument(op string, state State, err error) error {
	return &OpError{Op: op, Kind: ErrInvalidArgument, State: state, Err: err}
}
