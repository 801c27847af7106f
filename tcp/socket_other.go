//go:build !linux

package tcp

import (
	"errors"
	"net"
)

var errNoSockets = errors.New("tcp: native sockets are only implemented on linux")

func bindSocket(*net.TCPAddr) (Socket, error) {
	return nil, errNoSockets
}

func dialSocket(*net.TCPAddr) (Socket, error) {
	return nil, errNoSockets
}
