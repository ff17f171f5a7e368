//go:build linux

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

func setReusePort(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

func applyKeepAlive(c *net.TCPConn, ka KeepAlive) error {
	raw, err := c.SyscallConn()
	if err != nil {
		return err
	}

	var opErr error
	err = raw.Control(func(fd uintptr) {
		opErr = setKeepAlive(int(fd), ka)
	})
	if err != nil {
		return err
	}
	return opErr
}

func setKeepAlive(fd int, ka KeepAlive) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return err
	}
	if idle := seconds(ka.Idle); idle > 0 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, idle); err != nil {
			return err
		}
	}
	if interval := seconds(ka.Interval); interval > 0 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, interval); err != nil {
			return err
		}
	}
	if ka.Count > 0 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, ka.Count); err != nil {
			return err
		}
	}
	return nil
}
