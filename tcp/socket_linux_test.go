//go:build linux

package tcp_test

import (
	"testing"
	"time"

	"github.com/cyberinferno/go-asynctcp/buffer"
	"github.com/cyberinferno/go-asynctcp/logger"
	"github.com/cyberinferno/go-asynctcp/loop"
	"github.com/cyberinferno/go-asynctcp/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runUntil(t *testing.T, l *loop.Loop, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "timed out waiting for loop condition")
		require.NoError(t, l.RunOnce(10*time.Millisecond))
	}
}

func TestHandle_loopbackEcho(t *testing.T) {
	l, err := loop.New(loop.DefaultConfig(), logger.NewNopLogger())
	require.NoError(t, err)
	defer l.Close()

	server := tcp.New(l)
	require.NoError(t, server.Bind("127.0.0.1:0"))

	var peers []*tcp.Handle
	require.NoError(t, server.Listen(16, func(s *tcp.Handle, err error) {
		require.NoError(t, err)
		peer := tcp.New(l)
		require.NoError(t, s.Accept(peer))
		peers = append(peers, peer)

		require.NoError(t, peer.ReadStart(buffer.NewFixedAllocator(1024), func(h *tcp.Handle, _ int, buf buffer.Buffer, err error) {
			if err != nil {
				_ = h.Close(nil)
				return
			}
			echo := append([]byte(nil), buf.Bytes()...)
			require.NoError(t, h.Write([][]byte{echo}, nil))
		}))
	}))
	require.NotNil(t, server.LocalAddr())

	client := tcp.New(l)
	connected := false
	require.NoError(t, client.Connect(server.LocalAddr().String(), func(_ *tcp.Handle, err error) {
		require.NoError(t, err)
		connected = true
	}))
	runUntil(t, l, func() bool { return connected })
	assert.Equal(t, tcp.Connected, client.State())

	var received []byte
	require.NoError(t, client.ReadStart(buffer.NewPoolAllocator(512), func(_ *tcp.Handle, _ int, buf buffer.Buffer, err error) {
		require.NoError(t, err)
		received = append(received, buf.Bytes()...)
	}))

	flushed := false
	require.NoError(t, client.Write([][]byte{[]byte("pi"), []byte("ng")}, func(_ *tcp.Handle, err error) {
		require.NoError(t, err)
		flushed = true
	}))
	runUntil(t, l, func() bool { return flushed && string(received) == "ping" })
	require.Len(t, peers, 1)

	clientClosed, serverClosed := false, false
	require.NoError(t, client.Close(func(*tcp.Handle) { clientClosed = true }))
	runUntil(t, l, func() bool { return clientClosed && peers[0].State() == tcp.Closed })

	require.NoError(t, server.Close(func(*tcp.Handle) { serverClosed = true }))
	runUntil(t, l, func() bool { return serverClosed })
	assert.Equal(t, 0, l.WatchCount())
}

func TestHandle_connectRefused(t *testing.T) {
	l, err := loop.New(loop.DefaultConfig(), logger.NewNopLogger())
	require.NoError(t, err)
	defer l.Close()

	probe := tcp.New(l)
	require.NoError(t, probe.Bind("127.0.0.1:0"))
	addr := probe.LocalAddr().String()
	closed := false
	require.NoError(t, probe.Close(func(*tcp.Handle) { closed = true }))
	runUntil(t, l, func() bool { return closed })

	client := tcp.New(l)
	var got error
	done := false
	err = client.Connect(addr, func(_ *tcp.Handle, err error) {
		got = err
		done = true
	})
	if err != nil {
		assert.ErrorIs(t, err, tcp.ErrFatal)
		return
	}

	runUntil(t, l, func() bool { return done })
	assert.ErrorIs(t, got, tcp.ErrFatal)
	assert.Equal(t, tcp.Closing, client.State())
}

func TestHandle_Bind_failureLeavesHandleIdle(t *testing.T) {
	l, err := loop.New(loop.DefaultConfig(), logger.NewNopLogger())
	require.NoError(t, err)
	defer l.Close()

	h := tcp.New(l)
	// 192.0.2.0/24 is reserved for documentation and never assigned locally.
	err = h.Bind("192.0.2.1:0")
	assert.ErrorIs(t, err, tcp.ErrFatal)
	assert.Equal(t, tcp.Idle, h.State())
	assert.False(t, h.IsClosing())
	assert.Nil(t, h.LocalAddr())

	require.NoError(t, h.Bind("127.0.0.1:0"))
	assert.NotNil(t, h.LocalAddr())

	closed := false
	require.NoError(t, h.Close(func(*tcp.Handle) { closed = true }))
	runUntil(t, l, func() bool { return closed })
}
