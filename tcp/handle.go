// Package tcp implements an asynchronous TCP handle driven by a loop.Loop.
//
// A Handle owns one socket and tracks its lifecycle:
//
//	Idle -> Listening -> Closing -> Closed           (server)
//	Idle -> Connected <-> Reading -> Closing -> Closed (client)
//
// Any state moves to Closing on Close or on a fatal I/O error on the
// handle's own socket. Operations
// never block; completions are delivered by callbacks on a later loop
// iteration, on the loop goroutine. Handles are not safe for concurrent use.
package tcp

import (
	"errors"
	"io"
	"net"

	"github.com/cyberinferno/go-asynctcp/buffer"
	"github.com/cyberinferno/go-asynctcp/logger"
	"github.com/cyberinferno/go-asynctcp/loop"
	"github.com/eapache/queue"
)

// DefaultBacklog is used by Listen when the requested backlog is not positive.
const DefaultBacklog = 128

const (
	maxReadsPerEvent   = 32
	maxAcceptsPerEvent = 128
)

// State is the lifecycle state of a Handle.
type State int

const (
	Idle State = iota
	Listening
	Connected
	Reading
	Closing
	Closed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Listening:
		return "Listening"
	case Connected:
		return "Connected"
	case Reading:
		return "Reading"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ReadFunc receives each read. n > 0 with a nil err carries data in
// buf.Bytes(); err is io.EOF at end of stream or an *OpError of kind
// ErrFatal when the connection failed.
type ReadFunc func(h *Handle, n int, buf buffer.Buffer, err error)

// WriteFunc is called once per Write, after every byte was flushed or with
// the error that abandoned the request.
type WriteFunc func(h *Handle, err error)

// ConnectionFunc is called on a listening handle once per incoming
// connection. The connection is retrieved with Accept.
type ConnectionFunc func(server *Handle, err error)

// ConnectFunc is called once when a Connect finishes.
type ConnectFunc func(h *Handle, err error)

// CloseFunc is called exactly once, when the handle reaches Closed.
type CloseFunc func(h *Handle)

// Handle is an asynchronous TCP socket handle bound to one loop.
type Handle struct {
	// Data is free for the owner to attach per-handle state.
	Data any

	loop     *loop.Loop
	log      logger.Logger
	id       uint64
	sock     Socket
	state    State
	interest loop.Events

	alloc  buffer.Allocator
	onRead ReadFunc

	writes *queue.Queue

	onConnection ConnectionFunc
	stashed      Socket

	connecting bool
	onConnect  ConnectFunc

	closeCalled bool
	onClose     CloseFunc
}

// New creates an Idle handle on l with no socket attached yet.
func New(l *loop.Loop) *Handle {
	id := l.NextID()
	return &Handle{
		loop:   l,
		log:    l.Logger().With(logger.Field{Key: "handle", Value: id}),
		id:     id,
		state:  Idle,
		writes: queue.New(),
	}
}

// ID returns the loop-unique identifier of the handle.
func (h *Handle) ID() uint64 {
	return h.id
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	return h.state
}

// Loop returns the loop the handle is bound to.
func (h *Handle) Loop() *loop.Loop {
	return h.loop
}

// IsClosing reports whether Close was called or the handle failed.
func (h *Handle) IsClosing() bool {
	return h.closeCalled || h.state == Closing || h.state == Closed
}

// WriteQueueSize returns the number of writes not yet flushed.
func (h *Handle) WriteQueueSize() int {
	return h.writes.Length()
}

// LocalAddr returns the local address, or nil without a socket.
func (h *Handle) LocalAddr() net.Addr {
	if h.sock == nil {
		return nil
	}
	return h.sock.LocalAddr()
}

// RemoteAddr returns the peer address, or nil when not connected.
func (h *Handle) RemoteAddr() net.Addr {
	if h.sock == nil {
		return nil
	}
	return h.sock.RemoteAddr()
}

// Open attaches an existing non-blocking socket to an Idle handle. A socket
// that already has a peer makes the handle Connected.
func (h *Handle) Open(sock Socket) error {
	if h.closeCalled || h.state != Idle || h.sock != nil {
		return invalidState("open", h.state)
	}

	if sock == nil {
		return invalidArgument("open", h.state, errors.New("nil socket"))
	}

	h.sock = sock
	if sock.RemoteAddr() != nil {
		h.setState(Connected)
	}

	return nil
}

// Bind creates a socket bound to addr ("host:port") for a later Listen.
func (h *Handle) Bind(addr string) error {
	if h.closeCalled || h.state != Idle || h.sock != nil {
		return invalidState("bind", h.state)
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return invalidArgument("bind", h.state, err)
	}

	sock, err := bindSocket(tcpAddr)
	if err != nil {
		return fatal("bind", h.state, err)
	}

	h.sock = sock
	return nil
}

// Listen starts accepting connections on a bound Idle handle. onConnection
// fires once per incoming connection; while a notified connection has not
// been retrieved with Accept, the listener stops polling.
func (h *Handle) Listen(backlog int, onConnection ConnectionFunc) error {
	if h.closeCalled || h.state != Idle || h.sock == nil || h.connecting {
		return invalidState("listen", h.state)
	}

	if onConnection == nil {
		return invalidArgument("listen", h.state, errors.New("nil connection callback"))
	}

	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	if err := h.sock.Listen(backlog); err != nil {
		h.fail("listen", err)
		return fatal("listen", Idle, err)
	}

	h.onConnection = onConnection
	h.setState(Listening)
	if err := h.updateInterest(); err != nil {
		h.fail("listen", err)
		return fatal("listen", Listening, err)
	}

	return nil
}

// Accept moves the connection announced by the last onConnection into
// client, which must be an Idle handle without a socket on the same loop.
// It fails with ErrWouldBlock when no connection is pending.
func (h *Handle) Accept(client *Handle) error {
	if h.closeCalled || h.state != Listening {
		return invalidState("accept", h.state)
	}

	if client == nil || client.loop != h.loop || client.closeCalled || client.state != Idle || client.sock != nil {
		state := Idle
		if client != nil {
			state = client.state
		}
		return invalidState("accept", state)
	}

	if h.stashed == nil {
		return wouldBlock("accept", h.state)
	}

	sock := h.stashed
	h.stashed = nil
	if err := h.updateInterest(); err != nil {
		_ = sock.Close()
		h.fail("accept", err)
		return fatal("accept", Listening, err)
	}

	if err := sock.SocketError(); err != nil {
		_ = sock.Close()
		return fatal("accept", Listening, err)
	}

	client.sock = sock
	client.setState(Connected)
	return nil
}

// Connect starts connecting an Idle handle to addr. onConnect fires once
// on a later iteration; on success the handle is Connected.
func (h *Handle) Connect(addr string, onConnect ConnectFunc) error {
	if h.closeCalled || h.state != Idle || h.connecting {
		return invalidState("connect", h.state)
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return invalidArgument("connect", h.state, err)
	}

	if h.sock == nil {
		sock, err := dialSocket(tcpAddr)
		if err != nil {
			return fatal("connect", h.state, err)
		}
		h.sock = sock
	}

	err = h.sock.Connect(tcpAddr)
	switch {
	case err == nil:
		h.setState(Connected)
		if onConnect != nil {
			h.deliver(func() { onConnect(h, nil) })
		}
		return nil
	case errors.Is(err, ErrInProgress):
		h.connecting = true
		h.onConnect = onConnect
		if err := h.updateInterest(); err != nil {
			h.connecting = false
			h.onConnect = nil
			h.fail("connect", err)
			return fatal("connect", Idle, err)
		}
		return nil
	default:
		h.fail("connect", err)
		return fatal("connect", Idle, err)
	}
}

// ReadStart begins delivering incoming data. Each readable segment costs
// one alloc.Allocate followed by one onRead; a zero-capacity buffer skips
// the read without calling onRead. The data stays pending, so the handle is
// polled again on the next iteration and the loop spins while alloc keeps
// returning empty buffers; use ReadStop to pause for longer.
func (h *Handle) ReadStart(alloc buffer.Allocator, onRead ReadFunc) error {
	if h.closeCalled || h.state != Connected {
		return invalidState("read_start", h.state)
	}

	if alloc == nil || onRead == nil {
		return invalidArgument("read_start", h.state, errors.New("nil allocator or read callback"))
	}

	h.alloc = alloc
	h.onRead = onRead
	h.setState(Reading)
	if err := h.updateInterest(); err != nil {
		h.fail("read_start", err)
		return fatal("read_start", Reading, err)
	}

	return nil
}

// ReadStop stops reading. No onRead call happens after it returns.
func (h *Handle) ReadStop() error {
	if h.closeCalled || h.state != Reading {
		return invalidState("read_stop", h.state)
	}

	h.stopReading()
	if err := h.updateInterest(); err != nil {
		h.fail("read_stop", err)
		return fatal("read_stop", Connected, err)
	}

	return nil
}

// Write queues bufs for sending. Writes reach the wire in submission order
// and onWrite fires exactly once on a later iteration. The caller must not
// modify bufs until then. A fatal error during the initial flush is returned
// directly and onWrite is not called.
func (h *Handle) Write(bufs [][]byte, onWrite WriteFunc) error {
	if h.closeCalled || (h.state != Connected && h.state != Reading) {
		return invalidState("write", h.state)
	}

	req := &writeRequest{bufs: bufs, cb: onWrite}
	h.writes.Add(req)
	if h.writes.Length() > 1 {
		return nil
	}

	state := h.state
	if err := h.flushWrites(); err != nil {
		h.writes.Remove()
		h.fail("write", err)
		return fatal("write", state, err)
	}

	if err := h.updateInterest(); err != nil {
		h.fail("write", err)
		return nil
	}

	return nil
}

// Close moves the handle to Closing at once: polling stops, the socket is
// closed, and queued writes and undelivered completions are abandoned
// without their callbacks. onClose fires exactly once on a later iteration,
// with the handle Closed. Calling Close twice fails with ErrInvalidState.
func (h *Handle) Close(onClose CloseFunc) error {
	if h.closeCalled {
		return invalidState("close", h.state)
	}

	h.closeCalled = true
	h.onClose = onClose
	if h.state != Closing {
		h.teardown()
		h.setState(Closing)
	}

	h.loop.Post(func() {
		h.setState(Closed)
		if h.onClose != nil {
			h.onClose(h)
		}
	})

	return nil
}

// HandleEvents implements loop.Watcher.
func (h *Handle) HandleEvents(events loop.Events) {
	if h.closeCalled || h.state == Closing || h.state == Closed {
		return
	}

	if events&loop.Error != 0 {
		events |= h.interest
	}

	if h.connecting {
		if events&loop.Writable != 0 {
			h.finishConnect()
		}
		return
	}

	if events&loop.Readable != 0 {
		switch h.state {
		case Listening:
			h.acceptPending()
		case Reading:
			h.readPending()
		}
	}

	if events&loop.Writable != 0 && h.writes.Length() > 0 && (h.state == Connected || h.state == Reading) {
		if err := h.flushWrites(); err != nil {
			h.fail("write", err)
			return
		}
	}

	if err := h.updateInterest(); err != nil {
		h.fail("poll", err)
	}
}

func (h *Handle) finishConnect() {
	if err := h.sock.SocketError(); err != nil {
		h.fail("connect", err)
		return
	}

	cb := h.onConnect
	h.connecting = false
	h.onConnect = nil
	h.setState(Connected)
	if err := h.updateInterest(); err != nil {
		h.fail("connect", err)
		return
	}

	if cb != nil {
		cb(h, nil)
	}
}

func (h *Handle) acceptPending() {
	for i := 0; i < maxAcceptsPerEvent && h.state == Listening && !h.closeCalled && h.stashed == nil; i++ {
		sock, err := h.sock.Accept()
		if errors.Is(err, ErrWouldBlock) {
			return
		}

		if err != nil {
			h.log.Warn("accept failed", logger.Field{Key: "error", Value: err})
			h.onConnection(h, fatal("accept", Listening, err))
			return
		}

		h.stashed = sock
		h.onConnection(h, nil)
	}
}

func (h *Handle) readPending() {
	for i := 0; i < maxReadsPerEvent && h.state == Reading && !h.closeCalled; i++ {
		buf := h.alloc.Allocate(buffer.DefaultSize)
		if buf.IsEmpty() {
			return
		}

		n, err := h.sock.Read(buf.Base)
		switch {
		case errors.Is(err, ErrWouldBlock):
			return
		case errors.Is(err, io.EOF):
			cb := h.onRead
			h.stopReading()
			cb(h, 0, buf, io.EOF)
			return
		case err != nil:
			cb := h.onRead
			cb(h, 0, buf, fatal("read", Reading, err))
			h.fail("read", err)
			return
		case n == 0:
			return
		}

		buf.Len = n
		h.onRead(h, n, buf, nil)
	}
}

func (h *Handle) stopReading() {
	h.alloc = nil
	h.onRead = nil
	h.setState(Connected)
}

// deliver runs fn on the next iteration unless the handle was closed first.
func (h *Handle) deliver(fn func()) {
	h.loop.Post(func() {
		if h.closeCalled {
			return
		}
		fn()
	})
}

// fail moves the handle to Closing after an I/O error, reporting it to the
// pending writes and connect. A later Close still fires its callback.
func (h *Handle) fail(op string, cause error) {
	if h.closeCalled || h.state == Closing || h.state == Closed {
		return
	}

	err := fatal(op, h.state, cause)
	h.log.Error("handle failed", logger.Field{Key: "op", Value: op}, logger.Field{Key: "error", Value: cause})

	for h.writes.Length() > 0 {
		req := h.writes.Remove().(*writeRequest)
		if req.cb != nil {
			h.deliver(func() { req.cb(h, err) })
		}
	}

	if h.connecting && h.onConnect != nil {
		cb := h.onConnect
		h.deliver(func() { cb(h, err) })
	}

	h.teardown()
	h.setState(Closing)
}

// teardown releases the socket and drops every pending operation.
func (h *Handle) teardown() {
	if h.interest != 0 && h.sock != nil {
		if err := h.loop.Unwatch(h.sock.Fd()); err != nil {
			h.log.Warn("unwatch failed", logger.Field{Key: "error", Value: err})
		}
		h.interest = 0
	}

	if h.stashed != nil {
		_ = h.stashed.Close()
		h.stashed = nil
	}

	if h.sock != nil {
		if err := h.sock.Close(); err != nil {
			h.log.Warn("socket close failed", logger.Field{Key: "error", Value: err})
		}
	}

	if h.writes.Length() > 0 {
		h.writes = queue.New()
	}

	h.alloc = nil
	h.onRead = nil
	h.onConnection = nil
	h.connecting = false
	h.onConnect = nil
}

// updateInterest registers the readiness the current state needs.
func (h *Handle) updateInterest() error {
	if h.sock == nil || h.state == Closing || h.state == Closed {
		return nil
	}

	var want loop.Events
	if h.state == Reading || (h.state == Listening && h.stashed == nil) {
		want |= loop.Readable
	}
	if h.connecting || h.writes.Length() > 0 {
		want |= loop.Writable
	}

	if want == h.interest {
		return nil
	}

	fd := h.sock.Fd()
	var err error
	switch {
	case want == 0:
		err = h.loop.Unwatch(fd)
	case h.interest == 0:
		err = h.loop.Watch(fd, want, h)
	default:
		err = h.loop.Modify(fd, want)
	}

	if err != nil {
		return err
	}

	h.interest = want
	return nil
}

func (h *Handle) setState(s State) {
	if h.state == s {
		return
	}

	h.log.Debug("handle state changed", logger.Field{Key: "from", Value: h.state.String()}, logger.Field{Key: "to", Value: s.String()})
	h.state = s
}
