// Package config loads the wssd YAML configuration file.
package config

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vitalvas/wss/server"
	"github.com/vitalvas/wss/transport"
)

const (
	DefaultAddress        = ":8443"
	DefaultAdminAddress   = "127.0.0.1:9090"
	DefaultAdminBodyLimit = 1 << 20
)

// ErrInvalid is returned for configuration values that cannot work.
var ErrInvalid = errors.New("config: invalid")

// File is the top-level layout of the configuration file.
type File struct {
	Server server.Config `yaml:"server"`
	TLS    TLS           `yaml:"tls"`
	Admin  Admin         `yaml:"admin"`
	Log    Log           `yaml:"log"`
}

// TLS points at a PEM certificate and key. Leaving both empty serves
// plain TCP.
type TLS struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	MinVersion string `yaml:"min_version"`
}

// Admin configures the HTTP endpoint for health, metrics and broadcast
// control. An empty address disables it.
type Admin struct {
	Address string `yaml:"address"`

	// Token, when set, is required as a bearer token on every admin
	// request except /healthz.
	Token string `yaml:"token"`

	MaxBodySize int64 `yaml:"max_body_size"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for keys the file leaves out.
func Default() File {
	return File{
		Server: server.Config{
			Config: transport.Config{Address: DefaultAddress},
		},
		TLS: TLS{MinVersion: "1.2"},
		Admin: Admin{
			Address:     DefaultAdminAddress,
			MaxBodySize: DefaultAdminBodyLimit,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load reads and validates the file at path.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// Parse decodes data over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (File, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("config: decode: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return File{}, err
	}

	return cfg, nil
}

// Validate checks every section.
func (f File) Validate() error {
	if err := f.Server.Validate(); err != nil {
		return fmt.Errorf("%w: server: %w", ErrInvalid, err)
	}

	if (f.TLS.CertFile == "") != (f.TLS.KeyFile == "") {
		return fmt.Errorf("%w: tls: cert_file and key_file must be set together", ErrInvalid)
	}
	if _, err := f.TLS.minVersion(); err != nil {
		return err
	}

	if f.Admin.MaxBodySize < 0 {
		return fmt.Errorf("%w: admin: max_body_size must not be negative", ErrInvalid)
	}

	if _, err := f.Log.level(); err != nil {
		return err
	}
	switch f.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: log: unknown format %q", ErrInvalid, f.Log.Format)
	}

	return nil
}

// Enabled reports whether a certificate is configured.
func (t TLS) Enabled() bool {
	return t.CertFile != ""
}

// Config loads the key pair. It returns nil when TLS is disabled.
func (t TLS) Config() (*tls.Config, error) {
	if !t.Enabled() {
		return nil, nil
	}

	minVersion, err := t.minVersion()
	if err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("config: tls: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}, nil
}

func (t TLS) minVersion() (uint16, error) {
	switch t.MinVersion {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("%w: tls: unsupported min_version %q", ErrInvalid, t.MinVersion)
	}
}

func (l Log) level() (slog.Level, error) {
	var level slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: log: %w", ErrInvalid, err)
	}
	return level, nil
}

// Logger builds a structured logger writing to w.
func (l Log) Logger(w io.Writer) *slog.Logger {
	level, err := l.level()
	if err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
