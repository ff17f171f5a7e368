//go:build !linux

package transport

import "net"

func setReusePort(uintptr) error {
	return ErrReusePortNotSupported
}

func applyKeepAlive(c *net.TCPConn, ka KeepAlive) error {
	return c.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     ka.Idle,
		Interval: ka.Interval,
		Count:    ka.Count,
	})
}
