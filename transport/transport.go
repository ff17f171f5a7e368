// Package transport provides the byte-stream layer under the WebSocket
// server: a TCP listener with keep-alive tuning and a connection limit,
// optionally wrapped in TLS.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/net/netutil"
)

// Conn is a connected, bidirectional byte stream.
type Conn = net.Conn

// Listener accepts Conns.
type Listener = net.Listener

// Handshaker is implemented by connections that run a handshake before
// application data flows, such as *tls.Conn.
type Handshaker interface {
	HandshakeContext(ctx context.Context) error
}

var (
	ErrNoAddress             = errors.New("transport: listen address is empty")
	ErrReusePortNotSupported = errors.New("transport: SO_REUSEPORT is not supported on this platform")
)

// KeepAlive configures TCP keep-alive probes on accepted connections.
// Zero durations and counts keep the operating system defaults.
type KeepAlive struct {
	Enabled  bool          `yaml:"enabled"`
	Idle     time.Duration `yaml:"idle"`
	Interval time.Duration `yaml:"interval"`
	Count    int           `yaml:"count"`
}

// Config describes a listening endpoint.
type Config struct {
	Address        string    `yaml:"address"`
	MaxConnections int       `yaml:"max_connections"`
	KeepAlive      KeepAlive `yaml:"keep_alive"`
	ReusePort      bool      `yaml:"reuse_port"`
}

// Listen opens a TCP listener for cfg. When tlsConfig is not nil accepted
// connections are *tls.Conn values whose handshake has not run yet.
func Listen(ctx context.Context, cfg Config, tlsConfig *tls.Config) (Listener, error) {
	if cfg.Address == "" {
		return nil, ErrNoAddress
	}

	lc := net.ListenConfig{}
	if cfg.ReusePort {
		lc.Control = func(_, _ string, c syscall.RawConn) error {
			var opErr error
			if err := c.Control(func(fd uintptr) {
				opErr = setReusePort(fd)
			}); err != nil {
				return err
			}
			return opErr
		}
	}
	if cfg.KeepAlive.Enabled {
		// Probes are configured per accepted socket below.
		lc.KeepAlive = -1
	}

	ln, err := lc.Listen(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", cfg.Address, err)
	}

	if cfg.KeepAlive.Enabled {
		ln = &keepAliveListener{Listener: ln, keepAlive: cfg.KeepAlive}
	}
	if cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConnections)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	return ln, nil
}

type keepAliveListener struct {
	net.Listener
	keepAlive KeepAlive
}

func (l *keepAliveListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	if tc, ok := c.(*net.TCPConn); ok {
		if err := applyKeepAlive(tc, l.keepAlive); err != nil {
			c.Close()
			return nil, fmt.Errorf("transport: keep-alive: %w", err)
		}
	}

	return c, nil
}

func seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return max(int(d/time.Second), 1)
}
