// Package tcpserver provides a session-oriented TCP server on top of the
// asynchronous tcp.Handle. Every method runs on the goroutine driving the
// server's loop, or before that loop starts.
package tcpserver

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cyberinferno/go-asynctcp/buffer"
	"github.com/cyberinferno/go-asynctcp/logger"
	"github.com/cyberinferno/go-asynctcp/loop"
	"github.com/cyberinferno/go-asynctcp/tcp"
	"github.com/patrickmn/go-cache"
)

// NewSessionFunc creates a TCPServerSession for an accepted handle. It
// receives the assigned session ID and the Connected handle.
type NewSessionFunc func(id uint32, handle *tcp.Handle) TCPServerSession

// Config holds the settings of a TCPServer.
type Config struct {
	// Name identifies the server in log entries.
	Name string
	// Addr is the "host:port" to listen on; port 0 picks a free port.
	Addr string
	// Backlog is passed to listen; 0 uses tcp.DefaultBacklog.
	Backlog int
	// IdleTimeout closes sessions that have not received data for this long;
	// 0 disables idle eviction.
	IdleTimeout time.Duration
	// ReadBufferSize is the size of the pooled buffers sessions read into.
	ReadBufferSize int
}

// DefaultConfig returns a Config for addr with a 128 backlog, 4096 byte read
// buffers and idle eviction disabled.
func DefaultConfig(name string, addr string) Config {
	return Config{
		Name:           name,
		Addr:           addr,
		Backlog:        tcp.DefaultBacklog,
		ReadBufferSize: 4096,
	}
}

// TCPServer accepts connections on a loop and delegates each one to a
// session created by NewSession. Sessions are stored by ID and can be looked
// up, added, or removed.
type TCPServer struct {
	Logger     logger.Logger
	Config     Config
	Loop       *loop.Loop
	Listener   *tcp.Handle
	NewSession NewSessionFunc

	sessions map[uint32]TCPServerSession
	nextID   uint32
	running  bool
	idle     *cache.Cache
	sweep    chan struct{}
	alloc    *buffer.PoolAllocator
}

// NewTCPServer creates a stopped server.
//
// Parameters:
//   - cfg: Listen address and session settings
//   - l: The loop the listener and sessions run on
//   - log: Logger; nil uses the loop's logger
//   - newSession: Factory for per-connection sessions
//
// Returns:
//   - A new *TCPServer; call Start to begin accepting
func NewTCPServer(cfg Config, l *loop.Loop, log logger.Logger, newSession NewSessionFunc) *TCPServer {
	if log == nil {
		log = l.Logger()
	}

	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultConfig(cfg.Name, cfg.Addr).ReadBufferSize
	}

	s := &TCPServer{
		Logger:     log.With(logger.Field{Key: "server", Value: cfg.Name}),
		Config:     cfg,
		Loop:       l,
		NewSession: newSession,
		sessions:   make(map[uint32]TCPServerSession),
		alloc:      buffer.NewPoolAllocator(cfg.ReadBufferSize),
	}

	// No janitor: expired entries are swept on the loop while running.
	if cfg.IdleTimeout > 0 {
		s.idle = cache.New(cfg.IdleTimeout, 0)
		s.idle.OnEvicted(func(_ string, v interface{}) {
			s.evictIdle(v.(uint32))
		})
	}

	return s
}

func sweepInterval(idle time.Duration) time.Duration {
	interval := idle / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

func sessionKey(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

// Start binds Config.Addr and starts listening.
//
// Returns:
//   - An error if the server is already running or if bind/listen fails
func (s *TCPServer) Start() error {
	if s.running {
		s.Logger.Error("server already running")
		return fmt.Errorf("server %s already running", s.Config.Name)
	}

	ln := tcp.New(s.Loop)
	if err := ln.Bind(s.Config.Addr); err != nil {
		s.Logger.Error("server failed to start", logger.Field{Key: "error", Value: err})
		_ = ln.Close(nil)
		return fmt.Errorf("server %s failed to start: %w", s.Config.Name, err)
	}

	if err := ln.Listen(s.Config.Backlog, s.onConnection); err != nil {
		s.Logger.Error("server failed to start", logger.Field{Key: "error", Value: err})
		_ = ln.Close(nil)
		return fmt.Errorf("server %s failed to listen: %w", s.Config.Name, err)
	}

	s.Listener = ln
	s.running = true
	s.startSweeper()
	s.Logger.Info(fmt.Sprintf("%s server started", s.Config.Name), logger.Field{Key: "addr", Value: s.Addr().String()})
	return nil
}

// Stop closes the listener and every active session. Safe to call when the
// server is not running.
func (s *TCPServer) Stop() {
	if !s.running {
		s.Logger.Info(fmt.Sprintf("%s server not running", s.Config.Name))
		return
	}

	s.running = false
	s.stopSweeper()
	if s.Listener != nil {
		_ = s.Listener.Close(nil)
	}

	for _, session := range s.sessions {
		_ = session.Close()
	}
	clear(s.sessions)

	s.Logger.Info(fmt.Sprintf("%s server stopped", s.Config.Name))
}

// Running reports whether the server is accepting connections.
func (s *TCPServer) Running() bool {
	return s.running
}

// Addr returns the bound listen address, or nil before Start.
func (s *TCPServer) Addr() net.Addr {
	if s.Listener == nil {
		return nil
	}
	return s.Listener.LocalAddr()
}

// AddSession stores a session under the given id and starts its idle timer.
func (s *TCPServer) AddSession(id uint32, session TCPServerSession) {
	s.sessions[id] = session
	s.Touch(id)
}

// RemoveSession removes the session with the given id from the server.
func (s *TCPServer) RemoveSession(id uint32) {
	delete(s.sessions, id)
	if s.idle != nil {
		s.idle.Delete(sessionKey(id))
	}
}

// GetSession returns the session for the given id, if present.
func (s *TCPServer) GetSession(id uint32) (TCPServerSession, bool) {
	session, ok := s.sessions[id]
	return session, ok
}

// SessionCount returns the number of active sessions.
func (s *TCPServer) SessionCount() int {
	return len(s.sessions)
}

// Touch restarts the idle timer of session id. No-op when idle eviction is
// disabled or the session is gone.
func (s *TCPServer) Touch(id uint32) {
	if s.idle == nil {
		return
	}

	if _, ok := s.sessions[id]; !ok {
		return
	}

	s.idle.Set(sessionKey(id), id, cache.DefaultExpiration)
}

// startSweeper ticks sweepIdle onto the loop until stopSweeper.
func (s *TCPServer) startSweeper() {
	if s.idle == nil {
		return
	}

	done := make(chan struct{})
	s.sweep = done
	ticker := time.NewTicker(sweepInterval(s.Config.IdleTimeout))
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.Loop.Post(s.sweepIdle)
			}
		}
	}()
}

func (s *TCPServer) stopSweeper() {
	if s.sweep != nil {
		close(s.sweep)
		s.sweep = nil
	}
}

// sweepIdle drops expired entries; each one closes its session through
// OnEvicted.
func (s *TCPServer) sweepIdle() {
	if s.idle != nil {
		s.idle.DeleteExpired()
	}
}

// evictIdle runs on the loop after the idle cache expired id.
func (s *TCPServer) evictIdle(id uint32) {
	session, ok := s.sessions[id]
	if !ok {
		return
	}

	if _, fresh := s.idle.Get(sessionKey(id)); fresh {
		return
	}

	s.Logger.Info("closing idle session", logger.Field{Key: "session", Value: id})
	_ = session.Close()
	s.RemoveSession(id)
}

func (s *TCPServer) onConnection(ln *tcp.Handle, err error) {
	if err != nil {
		s.Logger.Error(fmt.Sprintf("%s server accept error", s.Config.Name), logger.Field{Key: "error", Value: err})
		return
	}

	client := tcp.New(s.Loop)
	if err := ln.Accept(client); err != nil {
		s.Logger.Error(fmt.Sprintf("%s server accept error", s.Config.Name), logger.Field{Key: "error", Value: err})
		_ = client.Close(nil)
		return
	}

	s.nextID++
	id := s.nextID
	session := s.NewSession(id, client)
	s.AddSession(id, session)
	s.Logger.Debug("session opened", logger.Field{Key: "session", Value: id}, logger.Field{Key: "remote", Value: fmt.Sprint(client.RemoteAddr())})

	if err := session.Start(); err != nil {
		s.Logger.Error("session failed to start", logger.Field{Key: "session", Value: id}, logger.Field{Key: "error", Value: err})
		_ = session.Close()
		s.RemoveSession(id)
	}
}
