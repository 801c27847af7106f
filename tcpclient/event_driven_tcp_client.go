// Package tcpclient provides an event-driven TCP client that notifies
// callers of connection state changes, received data, and errors via registered
// handlers. It runs on a loop.Loop and supports optional auto-reconnect,
// connection timeouts and length-prefixed framing.
package tcpclient

import (
	"errors"
	"fmt"
	"time"

	"github.com/cyberinferno/go-asynctcp/buffer"
	"github.com/cyberinferno/go-asynctcp/logger"
	"github.com/cyberinferno/go-asynctcp/loop"
	"github.com/cyberinferno/go-asynctcp/tcp"
)

var (
	// ErrClientClosed is returned by Connect after Close.
	ErrClientClosed = errors.New("client is closed")
	// ErrAlreadyConnected is returned by Connect while connected or connecting.
	ErrAlreadyConnected = errors.New("already connected or connecting")
	// ErrNotConnected is returned by Send outside the Connected state.
	ErrNotConnected = errors.New("not connected")
	// ErrConnectTimeout is reported when a connection attempt exceeds
	// Config.ConnectionTimeout.
	ErrConnectTimeout = errors.New("connection timed out")
	// ErrReadTimeout is reported when a connected peer sends nothing for
	// Config.ReadTimeout.
	ErrReadTimeout = errors.New("read timed out")
)

// ConnectionState represents the current state of the TCP connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected and not attempting to connect
	Connecting                          // Connection attempt in progress
	Connected                           // Successfully connected
	Reconnecting                        // Waiting for the next attempt (when AutoReconnect is enabled)
	Closed                              // Client has been closed and will not reconnect
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionStateEvent is emitted when the connection state changes.
type ConnectionStateEvent struct {
	State     ConnectionState // The new connection state
	Address   string          // The remote address (e.g. "host:port")
	Timestamp time.Time       // When the state change occurred
	Error     error           // Non-nil if the state change was due to an error
}

// DataReceivedEvent is emitted for every chunk, or every frame when
// DataLengthBasedRead is set.
type DataReceivedEvent struct {
	Data      []byte    // The received bytes, owned by the handler
	Length    int       // Length of Data (same as len(Data))
	Timestamp time.Time // When the data was received
}

// ErrorEvent is emitted when a read, write, or connection error occurs.
type ErrorEvent struct {
	Error     error     // The error that occurred
	Timestamp time.Time // When the error occurred
}

// ConnectionStateHandler is called on the loop goroutine when the connection
// state changes.
type ConnectionStateHandler func(event ConnectionStateEvent)

// DataReceivedHandler is called on the loop goroutine when data is received.
type DataReceivedHandler func(event DataReceivedEvent)

// ErrorHandler is called on the loop goroutine when an error occurs.
type ErrorHandler func(event ErrorEvent)

// Config holds configuration for the event-driven TCP client.
type Config struct {
	// Address is the "host:port" to connect to (e.g. "localhost:8080").
	Address string
	// AutoReconnect enables automatic reconnection when the connection is lost.
	AutoReconnect bool
	// ReconnectInterval is the delay between reconnection attempts when AutoReconnect is true.
	ReconnectInterval time.Duration
	// ReadBufferSize is the size of the pooled read buffers.
	ReadBufferSize int
	// ReadTimeout drops the connection (and reconnects when AutoReconnect is
	// set) if no data arrives for this long; 0 means no timeout.
	ReadTimeout time.Duration
	// ConnectionTimeout is the max duration for establishing a new connection; 0 means no timeout.
	ConnectionTimeout time.Duration
	// DataLengthBasedRead, when true, splits the stream into messages carrying
	// a 4-byte little-endian length prefix instead of emitting raw chunks.
	DataLengthBasedRead bool
	// MaxFrameSize bounds the length prefix when DataLengthBasedRead is true.
	MaxFrameSize int
}

// DefaultEventDrivenTCPClientConfig returns a Config with default values for the given address.
// AutoReconnect is false; override fields as needed before passing to NewEventDrivenTCPClient.
//
// Parameters:
//   - address: The "host:port" to connect to
//
// Returns:
//   - A Config with defaults: ReconnectInterval 5s, ReadBufferSize 4096,
//     ReadTimeout 0, ConnectionTimeout 10s, DataLengthBasedRead false,
//     MaxFrameSize 16 MiB.
func DefaultEventDrivenTCPClientConfig(address string) Config {
	return Config{
		Address:             address,
		AutoReconnect:       false,
		ReconnectInterval:   5 * time.Second,
		ReadBufferSize:      4096,
		ReadTimeout:         0,
		ConnectionTimeout:   10 * time.Second,
		DataLengthBasedRead: false,
		MaxFrameSize:        DefaultMaxFrameSize,
	}
}

// EventDrivenTCPClient is a TCP client that drives I/O and connection lifecycle
// via events. Register handlers with OnConnectionState, OnDataReceived, and OnError,
// then call Connect to start. Every method must be called on the goroutine
// running the client's loop, and every handler runs there.
type EventDrivenTCPClient struct {
	config Config
	loop   *loop.Loop
	log    logger.Logger
	alloc  *buffer.PoolAllocator

	handle  *tcp.Handle
	state   ConnectionState
	closed  bool
	attempt uint64
	pending []byte

	connectTimer   *time.Timer
	reconnectTimer *time.Timer
	readTimer      *time.Timer
	readSeq        uint64

	onConnectionState ConnectionStateHandler
	onDataReceived    DataReceivedHandler
	onError           ErrorHandler
}

// NewEventDrivenTCPClient creates a new event-driven TCP client with the given config.
// The client starts in Disconnected state; call Connect to establish a connection.
//
// Parameters:
//   - config: Connection and behavior settings (e.g. from DefaultEventDrivenTCPClientConfig)
//   - l: The loop the client's handle runs on
//
// Returns:
//   - A new *EventDrivenTCPClient ready to use; call Close when done to release resources.
func NewEventDrivenTCPClient(config Config, l *loop.Loop) *EventDrivenTCPClient {
	defaults := DefaultEventDrivenTCPClientConfig(config.Address)
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = defaults.ReadBufferSize
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = defaults.MaxFrameSize
	}

	return &EventDrivenTCPClient{
		config: config,
		loop:   l,
		log:    l.Logger().With(logger.Field{Key: "client", Value: config.Address}),
		alloc:  buffer.NewPoolAllocator(config.ReadBufferSize),
		state:  Disconnected,
	}
}

// OnConnectionState registers the handler for connection state changes.
// Only one handler is active; repeated calls replace the previous handler.
// Pass nil to clear the handler.
func (c *EventDrivenTCPClient) OnConnectionState(handler ConnectionStateHandler) {
	c.onConnectionState = handler
}

// OnDataReceived registers the handler for incoming data.
// Only one handler is active; repeated calls replace the previous handler.
// Pass nil to clear the handler.
func (c *EventDrivenTCPClient) OnDataReceived(handler DataReceivedHandler) {
	c.onDataReceived = handler
}

// OnError registers the handler for read, write, and connection errors.
// Only one handler is active; repeated calls replace the previous handler.
// Pass nil to clear the handler.
func (c *EventDrivenTCPClient) OnError(handler ErrorHandler) {
	c.onError = handler
}

// Connect starts connecting to the configured address. The outcome is
// reported through the connection state handler: Connected on success,
// Disconnected (and Reconnecting with AutoReconnect) on failure.
//
// Returns:
//   - nil once the attempt is under way; ErrClientClosed, ErrAlreadyConnected,
//     or the error that prevented the attempt from starting.
func (c *EventDrivenTCPClient) Connect() error {
	if c.closed {
		return ErrClientClosed
	}

	if c.state == Connected || c.state == Connecting {
		return ErrAlreadyConnected
	}

	stopTimer(&c.reconnectTimer)
	return c.connect()
}

// Disconnect closes the current connection and moves to Disconnected state.
// It does not set the client to Closed; Connect may be called again.
// A scheduled reconnect is cancelled.
//
// Returns:
//   - nil if already disconnected/closed, or the error from closing the handle.
func (c *EventDrivenTCPClient) Disconnect() error {
	if c.state == Disconnected || c.state == Closed {
		return nil
	}

	stopTimer(&c.reconnectTimer)
	err := c.dropHandle()
	c.setState(Disconnected, nil)
	return err
}

// Close shuts down the client, closes the connection, and cancels pending
// timers. After Close, the client is in Closed state and must not be used
// further. Idempotent; calling Close multiple times is safe and returns nil.
func (c *EventDrivenTCPClient) Close() error {
	if c.closed {
		return nil
	}

	c.closed = true
	stopTimer(&c.reconnectTimer)
	err := c.dropHandle()
	c.setState(Closed, nil)
	return err
}

// Send queues data on the connection. data is copied. Completion failures
// are reported through the error handler and drop the connection.
//
// Returns:
//   - ErrNotConnected outside the Connected state, or the error from the handle.
func (c *EventDrivenTCPClient) Send(data []byte) error {
	if c.state != Connected || c.handle == nil {
		return ErrNotConnected
	}

	h := c.handle
	out := append([]byte(nil), data...)
	err := h.Write([][]byte{out}, func(wh *tcp.Handle, err error) {
		if err != nil && wh == c.handle {
			c.lost(err)
		}
	})
	if err != nil {
		c.lost(err)
	}

	return err
}

// SendFrame sends data behind a 4-byte little-endian length prefix.
func (c *EventDrivenTCPClient) SendFrame(data []byte) error {
	return c.Send(EncodeFrame(data))
}

// GetState returns the current connection state.
func (c *EventDrivenTCPClient) GetState() ConnectionState {
	return c.state
}

// IsConnected returns true if the client is in Connected state.
func (c *EventDrivenTCPClient) IsConnected() bool {
	return c.state == Connected
}

func (c *EventDrivenTCPClient) connect() error {
	c.setState(Connecting, nil)

	c.attempt++
	attempt := c.attempt
	h := tcp.New(c.loop)
	c.handle = h

	if err := h.Connect(c.config.Address, func(h *tcp.Handle, err error) {
		c.onConnect(h, attempt, err)
	}); err != nil {
		_ = c.dropHandle()
		c.setState(Disconnected, err)
		c.emitError(err)
		return err
	}

	if c.config.ConnectionTimeout > 0 {
		c.connectTimer = time.AfterFunc(c.config.ConnectionTimeout, func() {
			c.loop.Post(func() { c.onConnectTimeout(attempt) })
		})
	}

	return nil
}

func (c *EventDrivenTCPClient) onConnect(h *tcp.Handle, attempt uint64, err error) {
	if attempt != c.attempt || h != c.handle {
		return
	}

	stopTimer(&c.connectTimer)
	if err != nil {
		c.lost(err)
		return
	}

	c.pending = c.pending[:0]
	if err := h.ReadStart(c.alloc, c.onRead); err != nil {
		c.lost(err)
		return
	}

	c.armReadTimeout()
	c.setState(Connected, nil)
}

func (c *EventDrivenTCPClient) onConnectTimeout(attempt uint64) {
	if attempt != c.attempt || c.state != Connecting {
		return
	}

	c.lost(fmt.Errorf("%w: %s after %s", ErrConnectTimeout, c.config.Address, c.config.ConnectionTimeout))
}

func (c *EventDrivenTCPClient) onRead(h *tcp.Handle, _ int, buf buffer.Buffer, err error) {
	if h != c.handle {
		return
	}

	if err != nil {
		c.lost(err)
		return
	}

	c.armReadTimeout()
	if !c.config.DataLengthBasedRead {
		data := append([]byte(nil), buf.Bytes()...)
		c.alloc.Release(buf)
		c.emitDataReceived(data)
		return
	}

	c.pending = append(c.pending, buf.Bytes()...)
	c.alloc.Release(buf)

	frames, rest, ferr := splitFrames(c.pending, c.config.MaxFrameSize)
	c.pending = c.pending[:copy(c.pending, rest)]

	for _, frame := range frames {
		c.emitDataReceived(frame)
		if h != c.handle {
			return
		}
	}

	if ferr != nil {
		c.lost(ferr)
	}
}

// armReadTimeout restarts the read deadline. A firing that belongs to an
// earlier arm is ignored through readSeq.
func (c *EventDrivenTCPClient) armReadTimeout() {
	if c.config.ReadTimeout <= 0 {
		return
	}

	stopTimer(&c.readTimer)
	c.readSeq++
	seq := c.readSeq
	c.readTimer = time.AfterFunc(c.config.ReadTimeout, func() {
		c.loop.Post(func() { c.onReadTimeout(seq) })
	})
}

func (c *EventDrivenTCPClient) onReadTimeout(seq uint64) {
	if seq != c.readSeq || c.state != Connected {
		return
	}

	c.lost(fmt.Errorf("%w: no data from %s for %s", ErrReadTimeout, c.config.Address, c.config.ReadTimeout))
}

// lost drops the current connection after err and schedules a reconnect
// when enabled.
func (c *EventDrivenTCPClient) lost(err error) {
	if c.closed {
		return
	}

	_ = c.dropHandle()
	c.setState(Disconnected, err)
	c.emitError(err)
	c.scheduleReconnect()
}

func (c *EventDrivenTCPClient) scheduleReconnect() {
	if !c.config.AutoReconnect || c.closed || c.state != Disconnected {
		return
	}

	c.setState(Reconnecting, nil)
	c.reconnectTimer = time.AfterFunc(c.config.ReconnectInterval, func() {
		c.loop.Post(c.reconnect)
	})
}

func (c *EventDrivenTCPClient) reconnect() {
	if c.closed || c.state != Reconnecting {
		return
	}

	c.reconnectTimer = nil
	if err := c.connect(); err != nil {
		c.scheduleReconnect()
	}
}

func (c *EventDrivenTCPClient) dropHandle() error {
	stopTimer(&c.connectTimer)
	stopTimer(&c.readTimer)
	c.readSeq++
	c.pending = c.pending[:0]

	h := c.handle
	if h == nil {
		return nil
	}

	c.handle = nil
	return h.Close(nil)
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *EventDrivenTCPClient) setState(state ConnectionState, err error) {
	c.log.Debug("client state changed", logger.Field{Key: "from", Value: c.state.String()}, logger.Field{Key: "to", Value: state.String()})
	c.state = state
	c.emitConnectionState(state, err)
}

func (c *EventDrivenTCPClient) emitConnectionState(state ConnectionState, err error) {
	if c.onConnectionState == nil {
		return
	}

	c.onConnectionState(ConnectionStateEvent{
		State:     state,
		Address:   c.config.Address,
		Timestamp: time.Now(),
		Error:     err,
	})
}

func (c *EventDrivenTCPClient) emitDataReceived(data []byte) {
	if c.onDataReceived == nil {
		return
	}

	c.onDataReceived(DataReceivedEvent{
		Data:      data,
		Length:    len(data),
		Timestamp: time.Now(),
	})
}

func (c *EventDrivenTCPClient) emitError(err error) {
	c.log.Warn("client error", logger.Field{Key: "error", Value: err})
	if c.onError == nil {
		return
	}

	c.onError(ErrorEvent{
		Error:     err,
		Timestamp: time.Now(),
	})
}
