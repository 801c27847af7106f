// Package loop provides the single-threaded event loop that drives TCP
// handles: it polls descriptors for readiness, dispatches readiness to the
// watcher registered for each descriptor, and runs callbacks scheduled for
// the next iteration.
//
// Every method except Post and Stop must be called from the goroutine that
// drives the loop (the one calling Run or RunOnce), or before the loop
// starts running.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-asynctcp/logger"
	"github.com/eapache/queue"
)

// ErrClosed is returned by operations on a closed Loop.
var ErrClosed = errors.New("loop: closed")

// Watcher receives readiness notifications for a registered descriptor.
type Watcher interface {
	HandleEvents(events Events)
}

// WatcherFunc adapts an ordinary function to the Watcher interface.
type WatcherFunc func(events Events)

// HandleEvents implements Watcher.
func (f WatcherFunc) HandleEvents(events Events) {
	f(events)
}

// Config holds the tunables of a Loop.
type Config struct {
	// MaxEvents is the number of readiness events collected per poll.
	MaxEvents int
	// PollTimeout bounds each blocking poll in Run. Negative blocks until an
	// event, a Post, or a Stop.
	PollTimeout time.Duration
}

// DefaultConfig returns a Config with MaxEvents 128 and PollTimeout 1s.
func DefaultConfig() Config {
	return Config{
		MaxEvents:   128,
		PollTimeout: time.Second,
	}
}

// Loop owns a Poller and a weak fd -> Watcher mapping. It never owns the
// lifetime of what it watches; watchers unregister themselves on close.
type Loop struct {
	cfg      Config
	poller   Poller
	log      logger.Logger
	watchers map[int]Watcher
	events   []Event

	// mu guards pending and orders wakeups against Close.
	mu      sync.Mutex
	pending *queue.Queue

	ids     atomic.Uint64
	stopped atomic.Bool
	closed  atomic.Bool
}

// New creates a Loop backed by the platform's native poller.
//
// Parameters:
//   - cfg: Loop tunables (e.g. from DefaultConfig)
//   - log: Logger for loop diagnostics; nil discards
//
// Returns:
//   - The new Loop, or an error if the native poller could not be created
func New(cfg Config, log logger.Logger) (*Loop, error) {
	p, err := NewPoller()
	if err != nil {
		return nil, fmt.Errorf("create poller: %w", err)
	}

	return NewWithPoller(p, cfg, log), nil
}

// NewWithPoller creates a Loop over the given Poller. The Loop takes
// ownership of p and closes it in Close.
func NewWithPoller(p Poller, cfg Config, log logger.Logger) *Loop {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultConfig().MaxEvents
	}

	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Loop{
		cfg:      cfg,
		poller:   p,
		log:      log,
		watchers: make(map[int]Watcher),
		events:   make([]Event, cfg.MaxEvents),
		pending:  queue.New(),
	}
}

// Logger returns the loop's logger.
func (l *Loop) Logger() logger.Logger {
	return l.log
}

// NextID returns a loop-unique, monotonically increasing identifier starting
// at 1. Safe for concurrent use.
func (l *Loop) NextID() uint64 {
	return l.ids.Add(1)
}

// Watch registers w to receive readiness for fd.
func (l *Loop) Watch(fd int, events Events, w Watcher) error {
	if l.closed.Load() {
		return ErrClosed
	}

	if _, ok := l.watchers[fd]; ok {
		return fmt.Errorf("loop: fd %d already watched", fd)
	}

	if err := l.poller.Add(fd, events); err != nil {
		return err
	}

	l.watchers[fd] = w
	return nil
}

// Modify changes the events fd is watched for.
func (l *Loop) Modify(fd int, events Events) error {
	if l.closed.Load() {
		return ErrClosed
	}

	if _, ok := l.watchers[fd]; !ok {
		return fmt.Errorf("loop: fd %d not watched", fd)
	}

	return l.poller.Modify(fd, events)
}

// Unwatch removes the registration for fd. Readiness already collected for
// fd in the current iteration is dropped.
func (l *Loop) Unwatch(fd int) error {
	if _, ok := l.watchers[fd]; !ok {
		return fmt.Errorf("loop: fd %d not watched", fd)
	}

	delete(l.watchers, fd)
	if l.closed.Load() {
		return nil
	}

	return l.poller.Remove(fd)
}

// WatchCount returns the number of registered descriptors.
func (l *Loop) WatchCount() int {
	return len(l.watchers)
}

// Post schedules fn to run on the loop goroutine during the next iteration.
// Callbacks run in the order they were posted. Safe for concurrent use.
// After Close, fn is dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed.Load() {
		return
	}

	l.pending.Add(fn)
	if err := l.poller.Wake(); err != nil {
		l.log.Warn("loop wake failed", logger.Field{Key: "error", Value: err})
	}
}

// PendingCount returns the number of posted callbacks not yet run.
func (l *Loop) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending.Length()
}

// RunOnce performs one iteration: poll for at most timeout (zero if
// callbacks are pending), dispatch readiness, then run the callbacks that
// were pending when dispatch finished. Callbacks posted while those run are
// left for the next iteration.
func (l *Loop) RunOnce(timeout time.Duration) error {
	if l.closed.Load() {
		return ErrClosed
	}

	if l.PendingCount() > 0 {
		timeout = 0
	}

	n, err := l.poller.Wait(l.events, timeout)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}

	for i := 0; i < n; i++ {
		ev := l.events[i]
		w, ok := l.watchers[ev.Fd]
		if !ok {
			continue
		}

		w.HandleEvents(ev.Events)
	}

	l.runPending()
	return nil
}

func (l *Loop) runPending() {
	l.mu.Lock()
	n := l.pending.Length()
	l.mu.Unlock()

	for i := 0; i < n; i++ {
		l.mu.Lock()
		fn := l.pending.Remove().(func())
		l.mu.Unlock()

		fn()
	}
}

// Run iterates until ctx is cancelled, Stop is called, or polling fails.
// Cancellation and Stop both return nil.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stopped.Store(false)

	release := context.AfterFunc(ctx, l.wake)
	defer release()

	l.log.Debug("loop running")
	for !l.stopped.Load() && ctx.Err() == nil {
		if err := l.RunOnce(l.cfg.PollTimeout); err != nil {
			l.log.Error("loop iteration failed", logger.Field{Key: "error", Value: err})
			return err
		}
	}

	l.log.Debug("loop stopped")
	return nil
}

// Stop makes Run return after the current iteration. Safe for concurrent
// use; a Stop issued before Run makes the next Run return immediately.
func (l *Loop) Stop() {
	l.stopped.Store(true)
	l.wake()
}

// wake interrupts a blocking poll unless the poller is already closed.
func (l *Loop) wake() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed.Load() {
		_ = l.poller.Wake()
	}
}

// Close releases the poller. Callbacks still pending are dropped. Handles
// must be closed, and their close callbacks run, before the loop is closed.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed.Load() {
		l.mu.Unlock()
		return nil
	}

	l.closed.Store(true)
	l.pending = queue.New()
	l.mu.Unlock()

	if n := len(l.watchers); n > 0 {
		l.log.Warn("loop closed with registered descriptors", logger.Field{Key: "count", Value: n})
	}

	return l.poller.Close()
}
