package server

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vitalvas/wss/transport"
)

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	assert.Equal(t, int64(DefaultMaxMessageSize), cfg.MaxMessageSize)
	assert.Equal(t, DefaultMaxHandshakeSize, cfg.MaxHandshakeSize)
	assert.Equal(t, DefaultHandshakeTimeout, cfg.HandshakeTimeout)
	assert.Equal(t, DefaultLingerTimeout, cfg.LingerTimeout)
	assert.Equal(t, DefaultReadBufferSize, cfg.ReadBufferSize)
	assert.Equal(t, int64(DefaultMaxPendingBytes), cfg.MaxPendingBytes)

	custom := Config{
		MaxMessageSize:   -1,
		HandshakeTimeout: time.Second,
		ReadBufferSize:   512,
		MaxPendingBytes:  -1,
	}.withDefaults()

	assert.Equal(t, int64(-1), custom.MaxMessageSize)
	assert.Equal(t, time.Second, custom.HandshakeTimeout)
	assert.Equal(t, 512, custom.ReadBufferSize)
	assert.Equal(t, int64(-1), custom.MaxPendingBytes)
}

func TestConfigValidate(t *testing.T) {
	valid := Config{Config: transport.Config{Address: ":8443"}}

	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"Valid", func(*Config) {}, true},
		{"Missing address", func(c *Config) { c.Address = "" }, false},
		{"Negative connections", func(c *Config) { c.MaxConnections = -1 }, false},
		{"Negative keep-alive count", func(c *Config) { c.KeepAlive.Count = -1 }, false},
		{"Negative handshake size", func(c *Config) { c.MaxHandshakeSize = -1 }, false},
		{"Negative read buffer", func(c *Config) { c.ReadBufferSize = -1 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestOptions(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	srv := New(testConfig(), nil,
		WithLogger(logger),
		WithLogger(nil),
		WithTracerProvider(noop.NewTracerProvider()),
	)

	assert.IsType(t, BaseHandler{}, srv.handler)
	assert.Nil(t, srv.tlsConfig)
	assert.NotNil(t, srv.metrics)
	assert.Nil(t, srv.upgrader.CheckOrigin)

	require.NoError(t, srv.Start())
	require.NoError(t, srv.Stop())

	assert.Contains(t, logs.String(), "server started")
	assert.Contains(t, logs.String(), "server stopped")
	assert.Contains(t, logs.String(), "server_id="+srv.ID().String())
}

func TestAllowedOriginsInstallCheck(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"*"}
	cfg.Subprotocols = []string{"chat"}

	srv := New(cfg, nil)
	assert.NotNil(t, srv.upgrader.CheckOrigin)
	assert.Equal(t, []string{"chat"}, srv.upgrader.Subprotocols)
	assert.Equal(t, DefaultMaxHandshakeSize, srv.upgrader.MaxHandshakeSize)
	assert.Equal(t, DefaultMaxHandshakeSize, srv.Config().MaxHandshakeSize)
}
