package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/vitalvas/wss/transport"
)

const (
	DefaultMaxMessageSize   = 1 << 20
	DefaultMaxHandshakeSize = 16 << 10
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultLingerTimeout    = 5 * time.Second
	DefaultReadBufferSize   = 8 << 10
	DefaultMaxPendingBytes  = 16 << 20
)

// Config holds the server tunables. Zero values select the defaults.
type Config struct {
	transport.Config `yaml:",inline"`

	// MaxMessageSize bounds a reassembled message in bytes. Negative
	// disables the limit.
	MaxMessageSize int64 `yaml:"max_message_size"`

	// MaxHandshakeSize bounds the upgrade request header block in bytes.
	MaxHandshakeSize int `yaml:"max_handshake_size"`

	// HandshakeTimeout bounds the TLS handshake and the arrival of the
	// upgrade request.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// LingerTimeout bounds how long a disconnect waits for queued frames
	// to reach the socket.
	LingerTimeout time.Duration `yaml:"linger_timeout"`

	ReadBufferSize int `yaml:"read_buffer_size"`

	// MaxPendingBytes bounds the outbound bytes queued or in flight for one
	// session. A send that would exceed it fails and the session is
	// disconnected. Negative disables the limit.
	MaxPendingBytes int64 `yaml:"max_pending_bytes"`

	Subprotocols []string `yaml:"subprotocols"`

	// AllowedOrigins lists accepted Origin header values; "*" accepts any.
	// When empty only same-origin requests are accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.MaxHandshakeSize <= 0 {
		c.MaxHandshakeSize = DefaultMaxHandshakeSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.LingerTimeout <= 0 {
		c.LingerTimeout = DefaultLingerTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.MaxPendingBytes == 0 {
		c.MaxPendingBytes = DefaultMaxPendingBytes
	}
	return c
}

// Validate reports configuration values that cannot work.
func (c Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidConfig)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("%w: max_connections must not be negative", ErrInvalidConfig)
	}
	if c.KeepAlive.Count < 0 {
		return fmt.Errorf("%w: keep_alive.count must not be negative", ErrInvalidConfig)
	}
	if c.MaxHandshakeSize < 0 {
		return fmt.Errorf("%w: max_handshake_size must not be negative", ErrInvalidConfig)
	}
	if c.ReadBufferSize < 0 {
		return fmt.Errorf("%w: read_buffer_size must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTLSConfig enables TLS on accepted connections.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *Server) {
		s.tlsConfig = cfg
	}
}

// WithMetrics registers the server metrics with reg. Without it the
// metrics are kept in a private registry.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Server) {
		s.registerer = reg
	}
}

// WithTracerProvider sets the provider for handshake and close-all spans.
// Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) {
		s.tracerProvider = tp
	}
}
