// Package tcptest provides an in-memory tcp.Socket for driving handles in
// tests without the network.
package tcptest

import (
	"bytes"
	"io"
	"net"
	"sync/atomic"

	"github.com/cyberinferno/go-asynctcp/loop"
	"github.com/cyberinferno/go-asynctcp/tcp"
)

var nextFd atomic.Int64

func init() {
	nextFd.Store(1000)
}

// Socket is a scripted tcp.Socket. It also implements looptest.Source so a
// fake poller can derive readiness from it.
type Socket struct {
	fd     int
	local  net.Addr
	remote net.Addr

	inbox    bytes.Buffer
	eof      bool
	readErr  error
	reads    int
	written  bytes.Buffer
	budget   int
	writeErr error

	listening bool
	backlog   int
	pending   []*Socket
	acceptErr error

	connectResult error
	target        *net.TCPAddr
	soErr         error
	connectReady  bool

	closed bool
}

func newSocket(remote net.Addr) *Socket {
	return &Socket{
		fd:     int(nextFd.Add(1)),
		local:  &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000},
		remote: remote,
		budget: -1,
	}
}

// NewConn returns a socket that is already connected to a peer.
func NewConn() *Socket {
	return newSocket(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000})
}

// NewUnconnected returns a socket with no peer, suitable for Listen or
// Connect.
func NewUnconnected() *Socket {
	return newSocket(nil)
}

// Feed makes data available to Read.
func (s *Socket) Feed(data []byte) {
	s.inbox.Write(data)
}

// FeedEOF makes Read return io.EOF once the inbox is drained.
func (s *Socket) FeedEOF() {
	s.eof = true
}

// FailReads makes Read return err once the inbox is drained.
func (s *Socket) FailReads(err error) {
	s.readErr = err
}

// FailWrites makes every Write return err.
func (s *Socket) FailWrites(err error) {
	s.writeErr = err
}

// SetWriteBudget limits how many more bytes Write accepts before reporting
// tcp.ErrWouldBlock. Negative means unlimited.
func (s *Socket) SetWriteBudget(n int) {
	s.budget = n
}

// QueueConn makes conn the next connection returned by Accept.
func (s *Socket) QueueConn(conn *Socket) {
	s.pending = append(s.pending, conn)
}

// FailAccept makes Accept return err.
func (s *Socket) FailAccept(err error) {
	s.acceptErr = err
}

// SetConnectResult sets what Connect returns (nil connects at once,
// tcp.ErrInProgress defers completion to CompleteConnect).
func (s *Socket) SetConnectResult(err error) {
	s.connectResult = err
}

// CompleteConnect makes a pending connect writable; err becomes the
// socket error reported afterwards. A nil err connects the socket.
func (s *Socket) CompleteConnect(err error) {
	s.soErr = err
	s.connectReady = true
	if err == nil && s.target != nil {
		s.remote = s.target
	}
}

// Written returns every byte accepted by Write so far.
func (s *Socket) Written() []byte {
	return s.written.Bytes()
}

// Reads returns how many times Read was called.
func (s *Socket) Reads() int {
	return s.reads
}

// Listening reports whether Listen was called and with what backlog.
func (s *Socket) Listening() (bool, int) {
	return s.listening, s.backlog
}

// IsClosed reports whether Close was called.
func (s *Socket) IsClosed() bool {
	return s.closed
}

// Ready implements looptest.Source.
func (s *Socket) Ready() loop.Events {
	if s.closed {
		return 0
	}

	var ev loop.Events
	if s.inbox.Len() > 0 || s.eof || s.readErr != nil || len(s.pending) > 0 || s.acceptErr != nil {
		ev |= loop.Readable
	}

	if (s.remote != nil && s.budget != 0) || s.connectReady {
		ev |= loop.Writable
	}

	return ev
}

func (s *Socket) Fd() int {
	return s.fd
}

func (s *Socket) Read(p []byte) (int, error) {
	s.reads++
	if s.closed {
		return 0, net.ErrClosed
	}

	if s.inbox.Len() > 0 {
		return s.inbox.Read(p)
	}

	if s.readErr != nil {
		return 0, s.readErr
	}

	if s.eof {
		return 0, io.EOF
	}

	return 0, tcp.ErrWouldBlock
}

func (s *Socket) Write(p []byte) (int, error) {
	if s.closed {
		return 0, net.ErrClosed
	}

	if s.writeErr != nil {
		return 0, s.writeErr
	}

	n := len(p)
	if s.budget >= 0 && n > s.budget {
		n = s.budget
	}

	s.written.Write(p[:n])
	if s.budget >= 0 {
		s.budget -= n
	}

	if n < len(p) {
		return n, tcp.ErrWouldBlock
	}

	return n, nil
}

func (s *Socket) Listen(backlog int) error {
	if s.closed {
		return net.ErrClosed
	}

	s.listening = true
	s.backlog = backlog
	return nil
}

func (s *Socket) Accept() (tcp.Socket, error) {
	if s.acceptErr != nil {
		return nil, s.acceptErr
	}

	if len(s.pending) == 0 {
		return nil, tcp.ErrWouldBlock
	}

	conn := s.pending[0]
	s.pending = s.pending[1:]
	return conn, nil
}

func (s *Socket) Connect(addr *net.TCPAddr) error {
	if s.closed {
		return net.ErrClosed
	}

	s.target = addr
	if s.connectResult == nil {
		s.remote = addr
	}

	return s.connectResult
}

func (s *Socket) SocketError() error {
	err := s.soErr
	s.soErr = nil
	return err
}

func (s *Socket) LocalAddr() net.Addr {
	return s.local
}

func (s *Socket) RemoteAddr() net.Addr {
	return s.remote
}

func (s *Socket) Close() error {
	s.closed = true
	return nil
}
