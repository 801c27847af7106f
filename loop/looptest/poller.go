// Package looptest provides an in-memory loop.Poller for deterministic tests.
package looptest

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cyberinferno/go-asynctcp/loop"
)

// Source reports the current readiness of a fake descriptor.
type Source interface {
	Ready() loop.Events
}

// Poller is a level-triggered fake poller. Readiness comes from Sources
// attached with SetSource and from one-shot events queued with Inject; both
// are filtered by the registered interest (Error always passes).
type Poller struct {
	mu       sync.Mutex
	interest map[int]loop.Events
	sources  map[int]Source
	injected []loop.Event
	wake     chan struct{}
	wakes    int
	closed   bool
	waitErr  error
}

// NewPoller creates an empty Poller.
func NewPoller() *Poller {
	return &Poller{
		interest: make(map[int]loop.Events),
		sources:  make(map[int]Source),
		wake:     make(chan struct{}, 1),
	}
}

// SetSource attaches src as the readiness source of fd.
func (p *Poller) SetSource(fd int, src Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources[fd] = src
}

// Inject queues a one-shot event for the next Wait.
func (p *Poller) Inject(fd int, events loop.Events) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.injected = append(p.injected, loop.Event{Fd: fd, Events: events})
}

// FailWait makes every subsequent Wait return err.
func (p *Poller) FailWait(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waitErr = err
}

// Interest returns the events fd is registered for.
func (p *Poller) Interest(fd int) (loop.Events, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev, ok := p.interest[fd]
	return ev, ok
}

// Wakes returns how many times Wake was called.
func (p *Poller) Wakes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wakes
}

// Closed reports whether Close was called.
func (p *Poller) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Poller) Add(fd int, events loop.Events) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.interest[fd]; ok {
		return fmt.Errorf("looptest: fd %d already added", fd)
	}
	p.interest[fd] = events
	return nil
}

func (p *Poller) Modify(fd int, events loop.Events) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.interest[fd]; !ok {
		return fmt.Errorf("looptest: fd %d not added", fd)
	}
	p.interest[fd] = events
	return nil
}

func (p *Poller) Remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.interest[fd]; !ok {
		return fmt.Errorf("looptest: fd %d not added", fd)
	}
	delete(p.interest, fd)
	return nil
}

func (p *Poller) collect(events []loop.Event) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, errors.New("looptest: poller closed")
	}

	if p.waitErr != nil {
		return 0, p.waitErr
	}

	n := 0
	emit := func(fd int, ready loop.Events) {
		want, ok := p.interest[fd]
		if !ok || n == len(events) {
			return
		}

		got := ready & (want | loop.Error)
		if got != 0 {
			events[n] = loop.Event{Fd: fd, Events: got}
			n++
		}
	}

	for _, ev := range p.injected {
		emit(ev.Fd, ev.Events)
	}
	p.injected = nil

	fds := make([]int, 0, len(p.sources))
	for fd := range p.sources {
		fds = append(fds, fd)
	}
	sort.Ints(fds)

	for _, fd := range fds {
		emit(fd, p.sources[fd].Ready())
	}

	return n, nil
}

// Wait returns ready events immediately. With nothing ready it waits up to
// timeout for a Wake.
func (p *Poller) Wait(events []loop.Event, timeout time.Duration) (int, error) {
	n, err := p.collect(events)
	if err != nil || n > 0 || timeout == 0 {
		return n, err
	}

	if timeout < 0 {
		<-p.wake
	} else {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-p.wake:
		case <-t.C:
		}
	}

	return p.collect(events)
}

func (p *Poller) Wake() error {
	p.mu.Lock()
	p.wakes++
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
