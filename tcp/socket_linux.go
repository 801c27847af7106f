//go:build linux

package tcp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

type sysSocket struct {
	fd int
}

func newSysSocket(addr *net.TCPAddr) (*sysSocket, error) {
	family := unix.AF_INET6
	if addr.IP.To4() != nil {
		family = unix.AF_INET
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	return &sysSocket{fd: fd}, nil
}

func bindSocket(addr *net.TCPAddr) (Socket, error) {
	s, err := newSysSocket(addr)
	if err != nil {
		return nil, err
	}

	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	if err := unix.Bind(s.fd, toSockaddr(addr)); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}

	return s, nil
}

func dialSocket(addr *net.TCPAddr) (Socket, error) {
	s, err := newSysSocket(addr)
	if err != nil {
		return nil, err
	}

	if err := unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("setsockopt TCP_NODELAY: %w", err)
	}

	return s, nil
}

func toSockaddr(addr *net.TCPAddr) unix.Sockaddr {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa
	}

	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa
}

func fromSockaddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	}
	return nil
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

func (s *sysSocket) Fd() int {
	return s.fd
}

func (s *sysSocket) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, p)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case isWouldBlock(err):
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		case n == 0 && len(p) > 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (s *sysSocket) Write(p []byte) (int, error) {
	for {
		n, err := unix.SendmsgN(s.fd, p, nil, nil, unix.MSG_NOSIGNAL)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case isWouldBlock(err):
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		case n < len(p):
			return n, ErrWouldBlock
		}
		return n, nil
	}
}

func (s *sysSocket) Listen(backlog int) error {
	return unix.Listen(s.fd, backlog)
}

func (s *sysSocket) Accept() (Socket, error) {
	for {
		nfd, _, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			continue
		case isWouldBlock(err):
			return nil, ErrWouldBlock
		case err != nil:
			return nil, err
		}
		return &sysSocket{fd: nfd}, nil
	}
}

func (s *sysSocket) Connect(addr *net.TCPAddr) error {
	err := unix.Connect(s.fd, toSockaddr(addr))
	if errors.Is(err, unix.EINPROGRESS) || errors.Is(err, unix.EINTR) {
		return ErrInProgress
	}
	return err
}

func (s *sysSocket) SocketError() error {
	v, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return syscall.Errno(v)
	}
	return nil
}

func (s *sysSocket) LocalAddr() net.Addr {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return nil
	}
	return fromSockaddr(sa)
}

func (s *sysSocket) RemoteAddr() net.Addr {
	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return nil
	}
	return fromSockaddr(sa)
}

func (s *sysSocket) Close() error {
	return unix.Close(s.fd)
}
