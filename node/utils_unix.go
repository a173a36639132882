//go:build linux
// +build linux

package node

import (
	"errors"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

func isFDValid(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

// IsTemporaryError checks if the error only means "try again later",
// e.g., EAGAIN, EWOULDBLOCK or EINTR.
func IsTemporaryError(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

// CloseFd closes fd if it is still open.
func CloseFd(fd int) error {
	if fd < 0 || !isFDValid(fd) {
		return nil
	}
	return unix.Close(fd)
}

// sockaddrString renders an accepted peer address as host:port.
func sockaddrString(sa unix.Sockaddr) string {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IPv4(addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3])
		return net.JoinHostPort(ip.String(), strconv.Itoa(addr.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(addr.Addr[:]).String(), strconv.Itoa(addr.Port))
	}
	return ""
}
