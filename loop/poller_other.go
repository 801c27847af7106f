//go:build !linux

package loop

// NewPoller creates the native poller for this platform.
func NewPoller() (Poller, error) {
	return nil, ErrUnsupported
}
