package tcpserver

import (
	"errors"
	"io"

	"github.com/cyberinferno/go-asynctcp/buffer"
	"github.com/cyberinferno/go-asynctcp/logger"
	"github.com/cyberinferno/go-asynctcp/tcp"
)

// TCPServerSession is the interface that must be implemented by each connection
// session. The server creates a session per accepted handle and calls Start
// on the loop goroutine; the session then reads, processes and sends data
// until Close is called. All methods run on the loop goroutine.
type TCPServerSession interface {
	// ID returns the session's unique identifier assigned by the server.
	ID() uint32

	// Start begins serving the connection, typically by starting to read.
	//
	// Returns:
	//   - An error if the session could not start; the server closes it
	Start() error

	// Close closes the session and releases resources. It should be safe to call
	// multiple times.
	//
	// Returns:
	//   - An error if closing failed
	Close() error

	// Send queues data for the connection.
	//
	// Parameters:
	//   - data: The bytes to send
	//
	// Returns:
	//   - An error if the write could not be queued
	Send(data []byte) error
}

// DataFunc receives the bytes read by a BaseSession. data is owned by the
// callee.
type DataFunc func(s *BaseSession, data []byte)

// BaseSession is a ready-made TCPServerSession that reads into pooled
// buffers, forwards each chunk to OnData and keeps the server's idle timer
// fresh. It removes itself from the server when it closes.
type BaseSession struct {
	id     uint32
	handle *tcp.Handle
	server *TCPServer
	onData DataFunc
	alloc  *buffer.PoolAllocator
	log    logger.Logger
	closed bool
}

// NewBaseSession creates a session for handle owned by server.
//
// Parameters:
//   - id: The session ID assigned by the server
//   - handle: The accepted, Connected handle
//   - server: The owning server, used for idle tracking and removal
//   - onData: Called with every chunk read from the connection
//
// Returns:
//   - A new *BaseSession; call Start to begin reading
func NewBaseSession(id uint32, handle *tcp.Handle, server *TCPServer, onData DataFunc) *BaseSession {
	return &BaseSession{
		id:     id,
		handle: handle,
		server: server,
		onData: onData,
		alloc:  server.alloc,
		log:    server.Logger.With(logger.Field{Key: "session", Value: id}),
	}
}

// ID implements TCPServerSession.
func (s *BaseSession) ID() uint32 {
	return s.id
}

// Handle returns the session's TCP handle.
func (s *BaseSession) Handle() *tcp.Handle {
	return s.handle
}

// Start implements TCPServerSession.
func (s *BaseSession) Start() error {
	return s.handle.ReadStart(s.alloc, s.onRead)
}

func (s *BaseSession) onRead(_ *tcp.Handle, _ int, buf buffer.Buffer, err error) {
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.log.Warn("session read failed", logger.Field{Key: "error", Value: err})
		}

		_ = s.Close()
		return
	}

	s.server.Touch(s.id)
	data := append([]byte(nil), buf.Bytes()...)
	s.alloc.Release(buf)

	if s.onData != nil {
		s.onData(s, data)
	}
}

// Send implements TCPServerSession. data is copied before queueing.
func (s *BaseSession) Send(data []byte) error {
	if s.closed {
		return errors.New("session closed")
	}

	out := append([]byte(nil), data...)
	return s.handle.Write([][]byte{out}, func(_ *tcp.Handle, err error) {
		if err != nil {
			s.log.Warn("session write failed", logger.Field{Key: "error", Value: err})
			_ = s.Close()
		}
	})
}

// Close implements TCPServerSession.
func (s *BaseSession) Close() error {
	if s.closed {
		return nil
	}

	s.closed = true
	s.server.RemoveSession(s.id)
	return s.handle.Close(nil)
}
