package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vitalvas/wss/transport"
	"github.com/vitalvas/wss/websocket"
)

const tracerName = "github.com/vitalvas/wss/server"

// Server accepts connections, upgrades them to WebSocket sessions and
// broadcasts to every upgraded session.
type Server struct {
	id       uuid.UUID
	cfg      Config
	handler  Handler
	logger   *slog.Logger
	upgrader *websocket.Upgrader

	tlsConfig      *tls.Config
	registerer     prometheus.Registerer
	metrics        *metrics
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer

	// lifecycleMu serializes Start and Stop.
	lifecycleMu sync.Mutex
	started     atomic.Bool
	listener    net.Listener
	addr        atomic.Pointer[net.Addr]
	acceptDone  chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc

	sessionsMu sync.RWMutex
	sessions   map[uuid.UUID]*Session

	// multicastMu orders multicasts against CloseAll. It is taken before
	// any session lock and never held while hooks run.
	multicastMu sync.Mutex

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
}

// New returns a stopped server. A nil handler is replaced by BaseHandler.
func New(cfg Config, h Handler, opts ...Option) *Server {
	if h == nil {
		h = BaseHandler{}
	}

	s := &Server{
		id:       uuid.New(),
		cfg:      cfg.withDefaults(),
		handler:  h,
		logger:   slog.Default(),
		sessions: make(map[uuid.UUID]*Session),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.With("component", "wss", "server_id", s.id.String())
	s.metrics = newMetrics(s.registerer)

	if s.tracerProvider == nil {
		s.tracerProvider = otel.GetTracerProvider()
	}
	s.tracer = s.tracerProvider.Tracer(tracerName)

	s.upgrader = &websocket.Upgrader{
		Subprotocols:     s.cfg.Subprotocols,
		MaxHandshakeSize: s.cfg.MaxHandshakeSize,
	}
	if len(s.cfg.AllowedOrigins) > 0 {
		s.upgrader.CheckOrigin = websocket.CheckOriginList(s.cfg.AllowedOrigins)
	}

	return s
}

func (s *Server) ID() uuid.UUID { return s.id }

// Config returns the effective configuration, defaults applied.
func (s *Server) Config() Config { return s.cfg }

// Addr returns the bound listener address, or nil if the server never started.
func (s *Server) Addr() net.Addr {
	if p := s.addr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Server) IsStarted() bool { return s.started.Load() }

// BytesSent returns the bytes written to all sessions since the last start.
func (s *Server) BytesSent() int64 { return s.bytesSent.Load() }

// BytesReceived returns the bytes read from all sessions since the last start.
func (s *Server) BytesReceived() int64 { return s.bytesReceived.Load() }

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	s.lifecycleMu.Lock()

	if s.started.Load() {
		s.lifecycleMu.Unlock()
		return ErrServerStarted
	}

	ctx, cancel := context.WithCancel(context.Background())

	ln, err := transport.Listen(ctx, s.cfg.Config, s.tlsConfig)
	if err != nil {
		cancel()
		s.lifecycleMu.Unlock()
		return fmt.Errorf("server: start: %w", err)
	}

	addr := ln.Addr()
	s.addr.Store(&addr)
	s.listener = ln
	s.ctx, s.cancel = ctx, cancel
	s.acceptDone = make(chan struct{})
	s.bytesSent.Store(0)
	s.bytesReceived.Store(0)
	s.started.Store(true)

	go s.acceptLoop(ln, s.acceptDone)

	s.lifecycleMu.Unlock()

	s.logger.Info("server started", "address", addr.String(), "tls", s.tlsConfig != nil)

	if lh, ok := s.handler.(LifecycleHandler); ok {
		lh.OnStarted(s)
	}

	return nil
}

// Stop closes the listener and force-disconnects every session.
func (s *Server) Stop() error {
	s.lifecycleMu.Lock()

	if !s.started.Load() {
		s.lifecycleMu.Unlock()
		return ErrServerStopped
	}

	s.started.Store(false)
	ln, done, cancel := s.listener, s.acceptDone, s.cancel
	s.listener = nil

	s.lifecycleMu.Unlock()

	cancel()
	closeErr := ln.Close()
	<-done

	disconnectErr := s.disconnectAll()

	s.sessionsMu.Lock()
	clear(s.sessions)
	s.sessionsMu.Unlock()
	s.metrics.activeSessions.Set(0)

	s.logger.Info("server stopped", "bytes_sent", s.BytesSent(), "bytes_received", s.BytesReceived())

	if lh, ok := s.handler.(LifecycleHandler); ok {
		lh.OnStopped(s)
	}

	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		closeErr = fmt.Errorf("server: stop: %w", closeErr)
	} else {
		closeErr = nil
	}
	return errors.Join(closeErr, disconnectErr)
}

// Restart stops and starts the server.
func (s *Server) Restart() error {
	if err := s.Stop(); err != nil {
		return err
	}
	return s.Start()
}

func (s *Server) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(backoff*2, time.Second)
			}
			s.logger.Warn("accept failed", "error", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if _, err := s.Accept(conn); err != nil {
			conn.Close()
		}
	}
}

// Accept registers conn as a new session and starts its handshake. It
// returns ErrServerStopped when the server is not started.
func (s *Server) Accept(conn transport.Conn) (*Session, error) {
	if !s.IsStarted() {
		return nil, ErrServerStopped
	}

	sess := newSession(s, conn)

	s.lifecycleMu.Lock()
	ctx := s.ctx
	s.lifecycleMu.Unlock()

	_, sess.span = s.tracer.Start(ctx, "wss.handshake",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("wss.session_id", sess.id.String()),
			attribute.String("net.peer.addr", addrString(conn.RemoteAddr())),
		),
	)

	s.register(sess)
	s.metrics.connectionsTotal.Inc()

	if !s.IsStarted() {
		// Lost a race with Stop.
		sess.Disconnect()
		return nil, ErrServerStopped
	}

	go sess.connect(ctx)

	return sess, nil
}

func (s *Server) register(sess *Session) {
	s.sessionsMu.Lock()
	s.sessions[sess.id] = sess
	n := len(s.sessions)
	s.sessionsMu.Unlock()

	s.metrics.activeSessions.Set(float64(n))
}

func (s *Server) unregister(id uuid.UUID) {
	s.sessionsMu.Lock()
	delete(s.sessions, id)
	n := len(s.sessions)
	s.sessionsMu.Unlock()

	s.metrics.activeSessions.Set(float64(n))
}

// FindSession returns the registered session with id, or nil.
func (s *Server) FindSession(id uuid.UUID) *Session {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return s.sessions[id]
}

// Sessions returns a snapshot of the registered sessions.
func (s *Server) Sessions() []*Session {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()

	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// ConnectedSessions returns the number of registered sessions.
func (s *Server) ConnectedSessions() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

// DisconnectAll force-disconnects every session. It returns false when the
// server is not started.
func (s *Server) DisconnectAll() bool {
	if !s.IsStarted() {
		return false
	}
	if err := s.disconnectAll(); err != nil {
		s.logger.Warn("disconnect all failed", "error", err)
	}
	return true
}

func (s *Server) disconnectAll() error {
	return disconnectSessions(s.Sessions())
}

// disconnectSessions disconnects every session concurrently and joins the
// errors of those that failed to close.
func disconnectSessions(sessions []*Session) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, sess := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := sess.disconnect(); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
