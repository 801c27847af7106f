package tcpserver

import (
	"runtime"
	"testing"
	"time"

	"github.com/cyberinferno/go-asynctcp/logger"
	"github.com/cyberinferno/go-asynctcp/loop"
	"github.com/cyberinferno/go-asynctcp/loop/looptest"
	"github.com/cyberinferno/go-asynctcp/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSession struct {
	id     uint32
	closed int
	sent   [][]byte
}

func (s *stubSession) ID() uint32             { return s.id }
func (s *stubSession) Start() error           { return nil }
func (s *stubSession) Close() error           { s.closed++; return nil }
func (s *stubSession) Send(data []byte) error { s.sent = append(s.sent, data); return nil }

func newFakeLoop(t *testing.T) *loop.Loop {
	t.Helper()
	l := loop.NewWithPoller(looptest.NewPoller(), loop.DefaultConfig(), logger.NewNopLogger())
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func newStubServer(t *testing.T, cfg Config) *TCPServer {
	t.Helper()
	return NewTCPServer(cfg, newFakeLoop(t), nil, func(id uint32, _ *tcp.Handle) TCPServerSession {
		return &stubSession{id: id}
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("game", "127.0.0.1:7000")
	assert.Equal(t, "game", cfg.Name)
	assert.Equal(t, "127.0.0.1:7000", cfg.Addr)
	assert.Equal(t, tcp.DefaultBacklog, cfg.Backlog)
	assert.Equal(t, 4096, cfg.ReadBufferSize)
	assert.Zero(t, cfg.IdleTimeout)
}

func TestNewTCPServer(t *testing.T) {
	t.Run("starts stopped with no sessions", func(t *testing.T) {
		s := newStubServer(t, DefaultConfig("svc", "127.0.0.1:0"))
		assert.False(t, s.Running())
		assert.Nil(t, s.Addr())
		assert.Equal(t, 0, s.SessionCount())
		assert.Nil(t, s.idle)
	})

	t.Run("zero read buffer size falls back to the default", func(t *testing.T) {
		s := newStubServer(t, Config{Name: "svc"})
		assert.Equal(t, 4096, s.alloc.Allocate(0).Cap())
	})

	t.Run("idle timeout enables the idle cache", func(t *testing.T) {
		cfg := DefaultConfig("svc", "127.0.0.1:0")
		cfg.IdleTimeout = time.Minute
		s := newStubServer(t, cfg)
		assert.NotNil(t, s.idle)
	})
}

func TestTCPServer_Sessions(t *testing.T) {
	s := newStubServer(t, DefaultConfig("svc", "127.0.0.1:0"))
	a := &stubSession{id: 1}
	b := &stubSession{id: 2}

	t.Run("add and get", func(t *testing.T) {
		s.AddSession(a.id, a)
		s.AddSession(b.id, b)
		assert.Equal(t, 2, s.SessionCount())

		got, ok := s.GetSession(1)
		require.True(t, ok)
		assert.Same(t, a, got)
	})

	t.Run("remove", func(t *testing.T) {
		s.RemoveSession(1)
		_, ok := s.GetSession(1)
		assert.False(t, ok)
		assert.Equal(t, 1, s.SessionCount())
	})

	t.Run("remove missing id is a no-op", func(t *testing.T) {
		s.RemoveSession(99)
		assert.Equal(t, 1, s.SessionCount())
	})
}

func TestTCPServer_Stop_notRunning(t *testing.T) {
	s := newStubServer(t, DefaultConfig("svc", "127.0.0.1:0"))
	s.AddSession(1, &stubSession{id: 1})
	assert.NotPanics(t, s.Stop)
	assert.Equal(t, 1, s.SessionCount())
}

func TestTCPServer_idleEviction(t *testing.T) {
	cfg := DefaultConfig("svc", "127.0.0.1:0")
	cfg.IdleTimeout = 50 * time.Millisecond
	s := newStubServer(t, cfg)

	idle := &stubSession{id: 1}
	s.AddSession(idle.id, idle)

	t.Run("fresh sessions survive a sweep", func(t *testing.T) {
		s.sweepIdle()
		assert.Equal(t, 0, idle.closed)
		assert.Equal(t, 1, s.SessionCount())
	})

	t.Run("expired sessions are closed and removed", func(t *testing.T) {
		time.Sleep(120 * time.Millisecond)
		s.sweepIdle()
		assert.Equal(t, 1, idle.closed)
		assert.Equal(t, 0, s.SessionCount())
	})
}

func TestNewTCPServer_startsNoGoroutines(t *testing.T) {
	cfg := DefaultConfig("svc", "127.0.0.1:0")
	cfg.IdleTimeout = time.Second
	before := runtime.NumGoroutine()

	for i := 0; i < 20; i++ {
		s := newStubServer(t, cfg)
		require.NotNil(t, s.idle)
		assert.Nil(t, s.sweep)
	}

	assert.LessOrEqual(t, runtime.NumGoroutine(), before)
}

func TestTCPServer_Touch_ignoresUnknownSessions(t *testing.T) {
	cfg := DefaultConfig("svc", "127.0.0.1:0")
	cfg.IdleTimeout = time.Minute
	s := newStubServer(t, cfg)

	s.Touch(42)
	assert.Equal(t, 0, s.idle.ItemCount())

	s.AddSession(1, &stubSession{id: 1})
	assert.Equal(t, 1, s.idle.ItemCount())
	s.RemoveSession(1)
	assert.Equal(t, 0, s.idle.ItemCount())
}
