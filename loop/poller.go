package loop

import (
	"errors"
	"time"
)

// ErrUnsupported is returned by NewPoller on platforms without a native
// readiness poller.
var ErrUnsupported = errors.New("loop: no native poller on this platform")

// Events is a bit set of readiness conditions.
type Events uint32

const (
	Readable Events = 1 << iota // fd has data, a pending connection, or EOF
	Writable                    // fd accepts more bytes, or a connect finished
	Error                       // fd reported an error or hang-up
)

// String returns a compact form such as "rw" or "r-e".
func (e Events) String() string {
	b := []byte("---")
	if e&Readable != 0 {
		b[0] = 'r'
	}
	if e&Writable != 0 {
		b[1] = 'w'
	}
	if e&Error != 0 {
		b[2] = 'e'
	}
	return string(b)
}

// Event is one readiness notification returned by Poller.Wait.
type Event struct {
	Fd     int
	Events Events
}

// Poller is the OS readiness facility a Loop drives. Error is always
// reported for registered descriptors, whether or not it was requested.
type Poller interface {
	// Add registers fd for the given events.
	Add(fd int, events Events) error

	// Modify replaces the event set of an already registered fd.
	Modify(fd int, events Events) error

	// Remove unregisters fd.
	Remove(fd int) error

	// Wait blocks for at most timeout (negative blocks until an event or a
	// Wake) and fills events. It returns the number of entries written.
	Wait(events []Event, timeout time.Duration) (int, error)

	// Wake interrupts a blocked Wait. Safe to call from any goroutine.
	Wake() error

	// Close releases the poller's resources.
	Close() error
}
