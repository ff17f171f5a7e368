package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/vitalvas/wss/config"
	"github.com/vitalvas/wss/internal/admin"
	"github.com/vitalvas/wss/server"
	"github.com/vitalvas/wss/websocket"
)

const shutdownReason = "server shutdown"

func serveCmd() *cobra.Command {
	var (
		configPath      string
		address         string
		shutdownTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broadcast server",
		Long: `Run the broadcast server until SIGINT or SIGTERM.

On shutdown every client receives a close frame with status 1001
before the listener stops.

Examples:
  wssd serve --config /etc/wssd/wssd.yaml
  wssd serve --address :9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if address != "" {
				cfg.Server.Address = address
			}

			logger := cfg.Log.Logger(os.Stderr)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := newDaemon(cfg, logger)
			if err != nil {
				return err
			}

			return d.run(ctx, shutdownTimeout)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	cmd.Flags().StringVarP(&address, "address", "a", "", "WebSocket listen address (overrides the config file)")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "Time allowed for the admin endpoint to drain")

	return cmd
}

// chatHandler relays every data message to all sessions.
type chatHandler struct {
	server.BaseHandler
	logger *slog.Logger
}

func (h chatHandler) OnConnected(s *server.Session, r *http.Request) {
	h.logger.Info("client connected",
		"session_id", s.ID().String(),
		"remote_addr", s.RemoteAddr(),
		"path", r.URL.Path,
		"subprotocol", s.Subprotocol(),
	)
}

func (h chatHandler) OnDisconnected(s *server.Session) {
	h.logger.Info("client disconnected", "session_id", s.ID().String())
}

func (h chatHandler) OnReceived(s *server.Session, op websocket.Opcode, data []byte) {
	switch op {
	case websocket.OpText:
		s.Server().MulticastText(data)
	case websocket.OpBinary:
		s.Server().MulticastBinary(data)
	}
}

func (h chatHandler) OnError(s *server.Session, err error) {
	h.logger.Warn("session error", "session_id", s.ID().String(), "error", err)
}

type daemon struct {
	cfg    config.File
	logger *slog.Logger
	srv    *server.Server

	admin   *http.Server
	adminLn net.Listener
	adminCh chan error
}

func newDaemon(cfg config.File, logger *slog.Logger) (*daemon, error) {
	tlsConfig, err := cfg.TLS.Config()
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := server.New(cfg.Server, chatHandler{logger: logger},
		server.WithLogger(logger),
		server.WithTLSConfig(tlsConfig),
		server.WithMetrics(reg),
	)

	d := &daemon{
		cfg:     cfg,
		logger:  logger,
		srv:     srv,
		adminCh: make(chan error, 1),
	}

	if cfg.Admin.Address != "" {
		d.admin = &http.Server{
			Handler: admin.NewRouter(srv, admin.Config{
				Token:       cfg.Admin.Token,
				MaxBodySize: cfg.Admin.MaxBodySize,
				Gatherer:    reg,
				Logger:      logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return d, nil
}

func (d *daemon) start() error {
	if err := d.srv.Start(); err != nil {
		return err
	}

	if d.admin == nil {
		return nil
	}

	ln, err := net.Listen("tcp", d.cfg.Admin.Address)
	if err != nil {
		return errors.Join(fmt.Errorf("admin: listen %s: %w", d.cfg.Admin.Address, err), d.srv.Stop())
	}
	d.adminLn = ln

	go func() {
		if err := d.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.adminCh <- err
		}
	}()

	d.logger.Info("admin endpoint listening", "address", ln.Addr().String())
	return nil
}

// shutdown closes every session with 1001, stops the server and drains
// the admin endpoint.
func (d *daemon) shutdown(ctx context.Context) error {
	d.srv.CloseAll(websocket.CloseGoingAway, shutdownReason)

	var errs []error
	if err := d.srv.Stop(); err != nil {
		errs = append(errs, err)
	}

	if d.adminLn != nil {
		if err := d.admin.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin: shutdown: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (d *daemon) run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := d.start(); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		d.logger.Info("shutting down")
	case err := <-d.adminCh:
		runErr = fmt.Errorf("admin: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return errors.Join(runErr, d.shutdown(shutdownCtx))
}
