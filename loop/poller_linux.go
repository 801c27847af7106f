//go:build linux

package loop

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller is a level-triggered epoll(7) poller with an eventfd used to
// interrupt Wait.
type epollPoller struct {
	epfd   int
	wakefd int
	raw    []unix.EpollEvent
}

// NewPoller creates the native poller for this platform.
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add wakefd: %w", err)
	}

	return &epollPoller{epfd: epfd, wakefd: wakefd}, nil
}

func toEpoll(events Events) uint32 {
	var e uint32
	if events&Readable != 0 {
		e |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events&Writable != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpoll(e uint32) Events {
	var events Events
	if e&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLPRI) != 0 {
		events |= Readable
	}
	if e&unix.EPOLLOUT != 0 {
		events |= Writable
	}
	if e&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		events |= Error
	}
	return events
}

func (p *epollPoller) ctl(op int, fd int, events Events) error {
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, op, fd, &ev)
}

func (p *epollPoller) Add(fd int, events Events) error {
	if err := p.ctl(unix.EPOLL_CTL_ADD, fd, events); err != nil {
		return fmt.Errorf("epoll ctl add %d: %w", fd, err)
	}
	return nil
}

func (p *epollPoller) Modify(fd int, events Events) error {
	if err := p.ctl(unix.EPOLL_CTL_MOD, fd, events); err != nil {
		return fmt.Errorf("epoll ctl mod %d: %w", fd, err)
	}
	return nil
}

func (p *epollPoller) Remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del %d: %w", fd, err)
	}
	return nil
}

func (p *epollPoller) Wait(events []Event, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	if cap(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}
	raw := p.raw[:len(events)]

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
		if ms == 0 && timeout > 0 {
			ms = 1
		}
	}

	n, err := unix.EpollWait(p.epfd, raw, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}

	out := 0
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		if fd == p.wakefd {
			var buf [8]byte
			_, _ = unix.Read(p.wakefd, buf[:])
			continue
		}

		events[out] = Event{Fd: fd, Events: fromEpoll(raw[i].Events)}
		out++
	}

	return out, nil
}

func (p *epollPoller) Wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wakefd, buf[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func (p *epollPoller) Close() error {
	return errors.Join(unix.Close(p.wakefd), unix.Close(p.epfd))
}
