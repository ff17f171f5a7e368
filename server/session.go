package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vitalvas/wss/transport"
	"github.com/vitalvas/wss/websocket"
)

// State is the lifecycle state of a Session. A session stays Connecting
// through the TLS handshake and the HTTP upgrade and becomes Connected once
// the 101 response has been written.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Session is one accepted connection. Its outbound bytes go through a FIFO
// queue drained by at most one flush goroutine, so every frame queued by a
// single call reaches the socket contiguously and in order.
type Session struct {
	id      uuid.UUID
	server  *Server
	conn    transport.Conn
	engine  *websocket.Engine
	handler Handler
	logger  *slog.Logger

	state      atomic.Int32
	receiving  atomic.Bool
	overflowed atomic.Bool

	// mu guards the queue, flushing and flushDone.
	mu        sync.Mutex
	queue     *queue.Queue
	flushing  bool
	flushDone chan struct{}

	bytesPending  atomic.Int64
	bytesSending  atomic.Int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64

	span      trace.Span
	spanEnded atomic.Bool

	done chan struct{}
}

func newSession(srv *Server, conn transport.Conn) *Session {
	s := &Session{
		id:      uuid.New(),
		server:  srv,
		conn:    conn,
		handler: srv.handler,
		queue:   queue.New(),
		done:    make(chan struct{}),
	}
	s.logger = srv.logger.With("session_id", s.id.String(), "remote_addr", addrString(conn.RemoteAddr()))
	s.engine = websocket.NewEngine(sessionStream{s}, sessionEvents{s}, srv.upgrader, srv.cfg.MaxMessageSize)
	return s
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Server returns the server that accepted the session.
func (s *Session) Server() *Server { return s.server }

// Conn returns the underlying connection.
func (s *Session) Conn() transport.Conn { return s.conn }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// BytesPending returns the number of queued bytes not yet handed to the socket.
func (s *Session) BytesPending() int64 { return s.bytesPending.Load() }

// BytesSending returns the number of bytes in the write in progress.
func (s *Session) BytesSending() int64 { return s.bytesSending.Load() }

func (s *Session) BytesSent() int64     { return s.bytesSent.Load() }
func (s *Session) BytesReceived() int64 { return s.bytesReceived.Load() }

// State returns the transport state.
func (s *Session) State() State { return State(s.state.Load()) }

// IsConnected reports whether the upgrade completed and the session is open.
func (s *Session) IsConnected() bool { return s.State() == StateConnected }

// IsHandshaked reports whether the WebSocket upgrade completed and the
// session accepts frames.
func (s *Session) IsHandshaked() bool {
	return s.IsConnected() && s.engine.IsHandshaked()
}

// Request returns the upgrade request, or nil before the handshake.
func (s *Session) Request() *http.Request {
	if hs := s.engine.Handshake(); hs != nil {
		return hs.Request
	}
	return nil
}

// Subprotocol returns the negotiated subprotocol.
func (s *Session) Subprotocol() string {
	if hs := s.engine.Handshake(); hs != nil {
		return hs.Subprotocol
	}
	return ""
}

// Done is closed once the session is disconnected.
func (s *Session) Done() <-chan struct{} { return s.done }

// SendAsync queues a copy of b for delivery. It returns false unless the
// session is connected. An empty b is accepted and nothing is sent.
func (s *Session) SendAsync(b []byte) bool {
	if len(b) == 0 {
		return s.IsConnected()
	}
	return s.enqueue(append([]byte(nil), b...))
}

// enqueue queues b without copying it; b must not be modified afterwards.
func (s *Session) enqueue(b []byte) bool {
	s.mu.Lock()
	if s.State() != StateConnected {
		s.mu.Unlock()
		return false
	}

	if limit := s.server.cfg.MaxPendingBytes; limit > 0 && s.bytesPending.Load()+s.bytesSending.Load()+int64(len(b)) > limit {
		s.mu.Unlock()
		// enqueue may run under engine and multicast locks.
		if s.overflowed.CompareAndSwap(false, true) {
			go s.overflow()
		}
		return false
	}

	s.queue.Add(b)
	s.bytesPending.Add(int64(len(b)))

	start := !s.flushing
	if start {
		s.flushing = true
		s.flushDone = make(chan struct{})
	}
	s.mu.Unlock()

	if start {
		go s.flush()
	}
	return true
}

func (s *Session) flush() {
	for {
		s.mu.Lock()
		n := s.queue.Length()
		if n == 0 {
			s.stopFlushing()
			s.mu.Unlock()
			return
		}

		batch := make(net.Buffers, 0, n)
		var size int64
		for s.queue.Length() > 0 {
			b := s.queue.Remove().([]byte)
			batch = append(batch, b)
			size += int64(len(b))
		}
		s.bytesPending.Add(-size)
		s.bytesSending.Store(size)
		s.mu.Unlock()

		written, err := batch.WriteTo(s.conn)
		s.bytesSending.Store(0)
		s.addSent(written)

		if err != nil {
			s.mu.Lock()
			s.dropQueue()
			s.stopFlushing()
			s.mu.Unlock()

			if s.IsConnected() {
				s.reportError(fmt.Errorf("server: write: %w", err))
			}
			s.Disconnect()
			return
		}
	}
}

func (s *Session) overflow() {
	s.reportError(fmt.Errorf("%w: %d bytes pending", ErrSendBufferFull, s.BytesPending()+s.BytesSending()))
	s.Disconnect()
}

// stopFlushing must be called with mu held.
func (s *Session) stopFlushing() {
	s.flushing = false
	close(s.flushDone)
}

// dropQueue must be called with mu held.
func (s *Session) dropQueue() {
	for s.queue.Length() > 0 {
		s.queue.Remove()
	}
	s.bytesPending.Store(0)
}

func (s *Session) addSent(n int64) {
	if n <= 0 {
		return
	}
	s.bytesSent.Add(n)
	s.server.bytesSent.Add(n)
	s.server.metrics.bytesSent.Add(float64(n))
}

func (s *Session) addReceived(n int) {
	s.bytesReceived.Add(int64(n))
	s.server.bytesReceived.Add(int64(n))
	s.server.metrics.bytesReceived.Add(float64(n))
}

// connect runs the TLS handshake when the connection has one, then reads
// until the session is disconnected.
func (s *Session) connect(ctx context.Context) {
	deadline := time.Now().Add(s.server.cfg.HandshakeTimeout)

	if hs, ok := s.conn.(transport.Handshaker); ok {
		hctx, cancel := context.WithDeadline(ctx, deadline)
		err := hs.HandshakeContext(hctx)
		cancel()
		if err != nil {
			err = fmt.Errorf("server: tls handshake: %w", err)
			s.server.metrics.handshakesTotal.WithLabelValues("tls_failed").Inc()
			s.endSpan(err)
			if s.State() == StateConnecting {
				s.reportError(err)
			}
			s.Disconnect()
			return
		}
	}

	if s.State() != StateConnecting {
		return
	}

	// Cleared once the upgrade completes.
	_ = s.conn.SetReadDeadline(deadline)

	if s.receiving.CompareAndSwap(false, true) {
		s.receive()
	}
}

// upgraded moves the session to Connected once the 101 response has been
// written. Sends are refused until then.
func (s *Session) upgraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected))
}

// active reports whether the session has not started disconnecting.
func (s *Session) active() bool {
	st := s.State()
	return st == StateConnecting || st == StateConnected
}

// ReceiveAsync starts the read loop of a session. It returns false if the
// session is disconnecting or is already receiving.
func (s *Session) ReceiveAsync() bool {
	if !s.active() || !s.receiving.CompareAndSwap(false, true) {
		return false
	}
	go s.receive()
	return true
}

func (s *Session) receive() {
	buf := make([]byte, s.server.cfg.ReadBufferSize)

	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.addReceived(n)
			s.engine.Receive(buf[:n])
		}

		if err != nil {
			if s.active() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.reportError(fmt.Errorf("server: read: %w", err))
			}
			s.Disconnect()
			return
		}

		if !s.active() {
			return
		}
	}
}

// Disconnect shuts the session down: queued frames get up to the linger
// timeout to reach the socket, then the connection is closed and the
// session leaves the registry. It returns false if the session was already
// disconnecting.
func (s *Session) Disconnect() bool {
	ok, _ := s.disconnect()
	return ok
}

// disconnect is Disconnect that also returns the error from closing the
// connection.
func (s *Session) disconnect() (bool, error) {
	s.mu.Lock()
	st := s.State()
	if st != StateConnecting && st != StateConnected {
		s.mu.Unlock()
		return false, nil
	}
	s.state.Store(int32(StateDisconnecting))
	flushing, flushDone := s.flushing, s.flushDone
	s.mu.Unlock()

	s.handler.OnDisconnecting(s)

	if flushing {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.cfg.LingerTimeout))
		<-flushDone
	}

	closeErr := s.conn.Close()
	if errors.Is(closeErr, net.ErrClosed) {
		closeErr = nil
	}
	if closeErr != nil {
		s.logger.Debug("close failed", "error", closeErr)
		closeErr = fmt.Errorf("server: close session %s: %w", s.id, closeErr)
	}
	s.engine.Terminate()

	s.mu.Lock()
	s.dropQueue()
	s.state.Store(int32(StateDisconnected))
	s.mu.Unlock()

	s.server.unregister(s.id)
	s.endSpan(errors.New("disconnected before upgrade"))
	s.logger.Debug("session disconnected", "bytes_sent", s.BytesSent(), "bytes_received", s.BytesReceived())

	s.handler.OnDisconnected(s)
	close(s.done)
	return true, closeErr
}

func (s *Session) reportError(err error) {
	s.server.metrics.errorsTotal.Inc()
	s.logger.Debug("session error", "error", err)
	s.handler.OnError(s, err)
}

func (s *Session) endSpan(err error) {
	if s.span == nil || !s.spanEnded.CompareAndSwap(false, true) {
		return
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}

// SendText queues a text message. Invalid UTF-8 is rejected.
func (s *Session) SendText(data []byte) bool { return s.engine.SendText(data) }

// SendBinary queues a binary message.
func (s *Session) SendBinary(data []byte) bool { return s.engine.SendBinary(data) }

// SendPing queues a ping carrying at most 125 bytes.
func (s *Session) SendPing(data []byte) bool { return s.engine.SendPing(data) }

// SendPong queues an unsolicited pong.
func (s *Session) SendPong(data []byte) bool { return s.engine.SendPong(data) }

// SendJSON queues the JSON encoding of v as a text message.
func (s *Session) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if !s.engine.SendText(data) {
		return ErrNotHandshaked
	}
	return nil
}

// Close sends a close frame with status and reason when the session is
// handshaked, then disconnects. A zero status sends a close frame without
// a body.
func (s *Session) Close(status int, reason string) bool {
	s.engine.Close(status, []byte(reason))
	return s.Disconnect()
}

// sessionStream is the transport side the engine drives.
type sessionStream struct{ s *Session }

func (w sessionStream) Write(b []byte) (int, error) {
	n, err := w.s.conn.Write(b)
	w.s.addSent(int64(n))
	return n, err
}

func (w sessionStream) Enqueue(b []byte) bool { return w.s.enqueue(b) }

func (w sessionStream) Upgraded(h *websocket.Handshake) {
	if !w.s.upgraded() {
		return
	}
	_ = w.s.conn.SetReadDeadline(time.Time{})
	w.s.server.metrics.handshakesTotal.WithLabelValues("upgraded").Inc()
	w.s.logger.Debug("session upgraded", "path", h.Request.URL.Path, "subprotocol", h.Subprotocol)
}

func (w sessionStream) Disconnect() bool { return w.s.Disconnect() }

// sessionEvents forwards engine events to the Handler.
type sessionEvents struct{ s *Session }

func (e sessionEvents) OnWsConnecting(r *http.Request) { e.s.handler.OnConnecting(e.s, r) }

func (e sessionEvents) OnWsConnectingAccept(r *http.Request) bool {
	return e.s.handler.OnConnectingAccept(e.s, r)
}

func (e sessionEvents) OnWsConnected(r *http.Request) {
	e.s.endSpan(nil)
	e.s.handler.OnConnected(e.s, r)
}

func (e sessionEvents) OnWsReceived(op websocket.Opcode, data []byte) {
	e.s.server.metrics.messagesReceived.WithLabelValues(op.String()).Inc()
	e.s.handler.OnReceived(e.s, op, data)
}

func (e sessionEvents) OnWsClose(data []byte, status int) { e.s.handler.OnClose(e.s, data, status) }
func (e sessionEvents) OnWsPing(data []byte)              { e.s.handler.OnPing(e.s, data) }
func (e sessionEvents) OnWsPong(data []byte)              { e.s.handler.OnPong(e.s, data) }

func (e sessionEvents) OnWsError(err error) {
	if !e.s.engine.IsHandshaked() {
		e.s.server.metrics.handshakesTotal.WithLabelValues("rejected").Inc()
		e.s.endSpan(err)
	}
	e.s.reportError(err)
}
