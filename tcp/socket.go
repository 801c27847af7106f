package tcp

import "net"

// Socket is the non-blocking stream socket a Handle drives. Implementations
// never block: operations that cannot make progress return ErrWouldBlock.
type Socket interface {
	// Fd returns the descriptor registered with the loop.
	Fd() int

	// Read fills p. It returns io.EOF once the peer has shut down its side.
	Read(p []byte) (int, error)

	// Write sends a prefix of p and reports how much was accepted.
	Write(p []byte) (int, error)

	// Listen marks a bound socket as passive.
	Listen(backlog int) error

	// Accept returns the next pending connection.
	Accept() (Socket, error)

	// Connect starts connecting to addr. ErrInProgress means completion
	// will be signalled by writability.
	Connect(addr *net.TCPAddr) error

	// SocketError returns and clears the pending socket error, if any.
	SocketError() error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	Close() error
}
