package tcpclient

import (
	"testing"
	"time"

	"github.com/cyberinferno/go-asynctcp/logger"
	"github.com/cyberinferno/go-asynctcp/loop"
	"github.com/cyberinferno/go-asynctcp/loop/looptest"
	"github.com/cyberinferno/go-asynctcp/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeClient(t *testing.T, cfg Config) *EventDrivenTCPClient {
	t.Helper()
	l := loop.NewWithPoller(looptest.NewPoller(), loop.DefaultConfig(), logger.NewNopLogger())
	t.Cleanup(func() { _ = l.Close() })
	return NewEventDrivenTCPClient(cfg, l)
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Reconnecting", Reconnecting.String())
	assert.Equal(t, "Closed", Closed.String())
	assert.Equal(t, "Unknown", ConnectionState(42).String())
}

func TestDefaultEventDrivenTCPClientConfig(t *testing.T) {
	cfg := DefaultEventDrivenTCPClientConfig("localhost:8080")
	assert.Equal(t, "localhost:8080", cfg.Address)
	assert.False(t, cfg.AutoReconnect)
	assert.Equal(t, 5*time.Second, cfg.ReconnectInterval)
	assert.Equal(t, 4096, cfg.ReadBufferSize)
	assert.Zero(t, cfg.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.ConnectionTimeout)
	assert.False(t, cfg.DataLengthBasedRead)
	assert.Equal(t, DefaultMaxFrameSize, cfg.MaxFrameSize)
}

func TestNewEventDrivenTCPClient(t *testing.T) {
	t.Run("starts disconnected", func(t *testing.T) {
		c := newFakeClient(t, DefaultEventDrivenTCPClientConfig("127.0.0.1:1"))
		assert.Equal(t, Disconnected, c.GetState())
		assert.False(t, c.IsConnected())
	})

	t.Run("zero sizes fall back to defaults", func(t *testing.T) {
		c := newFakeClient(t, Config{Address: "127.0.0.1:1"})
		assert.Equal(t, 4096, c.config.ReadBufferSize)
		assert.Equal(t, DefaultMaxFrameSize, c.config.MaxFrameSize)
	})
}

func TestEventDrivenTCPClient_Send_notConnected(t *testing.T) {
	c := newFakeClient(t, DefaultEventDrivenTCPClientConfig("127.0.0.1:1"))
	assert.ErrorIs(t, c.Send([]byte("x")), ErrNotConnected)
	assert.ErrorIs(t, c.SendFrame([]byte("x")), ErrNotConnected)
}

func TestEventDrivenTCPClient_Disconnect_whenDisconnected(t *testing.T) {
	c := newFakeClient(t, DefaultEventDrivenTCPClientConfig("127.0.0.1:1"))
	var events []ConnectionState
	c.OnConnectionState(func(e ConnectionStateEvent) { events = append(events, e.State) })

	assert.NoError(t, c.Disconnect())
	assert.Empty(t, events)
}

func TestEventDrivenTCPClient_Close(t *testing.T) {
	c := newFakeClient(t, DefaultEventDrivenTCPClientConfig("127.0.0.1:1"))
	var events []ConnectionState
	c.OnConnectionState(func(e ConnectionStateEvent) { events = append(events, e.State) })

	require.NoError(t, c.Close())
	assert.Equal(t, Closed, c.GetState())

	t.Run("is idempotent", func(t *testing.T) {
		assert.NoError(t, c.Close())
		assert.Equal(t, []ConnectionState{Closed}, events)
	})

	t.Run("rejects Connect afterwards", func(t *testing.T) {
		assert.ErrorIs(t, c.Connect(), ErrClientClosed)
	})

	t.Run("Disconnect is a no-op", func(t *testing.T) {
		assert.NoError(t, c.Disconnect())
		assert.Equal(t, Closed, c.GetState())
	})
}

func TestEventDrivenTCPClient_Connect_badAddress(t *testing.T) {
	c := newFakeClient(t, DefaultEventDrivenTCPClientConfig("127.0.0.1:99999"))

	var states []ConnectionStateEvent
	var errs []error
	c.OnConnectionState(func(e ConnectionStateEvent) { states = append(states, e) })
	c.OnError(func(e ErrorEvent) { errs = append(errs, e.Error) })

	err := c.Connect()
	assert.ErrorIs(t, err, tcp.ErrInvalidArgument)
	assert.Equal(t, Disconnected, c.GetState())
	assert.Nil(t, c.handle)

	require.Len(t, states, 2)
	assert.Equal(t, Connecting, states[0].State)
	assert.Equal(t, Disconnected, states[1].State)
	assert.ErrorIs(t, states[1].Error, tcp.ErrInvalidArgument)
	assert.Equal(t, "127.0.0.1:99999", states[1].Address)

	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], tcp.ErrInvalidArgument)
}

func TestEventDrivenTCPClient_onReadTimeout_ignoresStaleTimers(t *testing.T) {
	cfg := DefaultEventDrivenTCPClientConfig("127.0.0.1:1")
	cfg.ReadTimeout = time.Second
	c := newFakeClient(t, cfg)
	r := 0
	c.OnError(func(ErrorEvent) { r++ })

	c.readSeq = 3
	c.state = Connected
	c.onReadTimeout(2)
	assert.Zero(t, r)
	assert.Equal(t, Connected, c.GetState())

	c.state = Disconnected
	c.onReadTimeout(3)
	assert.Zero(t, r)
}
