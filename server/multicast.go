package server

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vitalvas/wss/websocket"
)

// Multicast queues b on every handshaked session. b is copied once and
// the copy is shared. Delivery failures are reported through each
// session's own hooks. It returns false when the server is not started.
func (s *Server) Multicast(b []byte) bool {
	if !s.IsStarted() {
		return false
	}
	if len(b) == 0 {
		return true
	}
	return s.multicastFrame(append([]byte(nil), b...))
}

// MulticastText sends a text message to every handshaked session. Invalid
// UTF-8 is rejected and nothing is sent.
func (s *Server) MulticastText(data []byte) bool {
	if !s.IsStarted() {
		return false
	}
	frame, err := websocket.EncodeText(data)
	if err != nil {
		return false
	}
	return s.multicastFrame(frame)
}

// MulticastBinary sends a binary message to every handshaked session.
func (s *Server) MulticastBinary(data []byte) bool {
	return s.multicastEncoded(websocket.OpBinary, data)
}

// MulticastPing sends a ping to every handshaked session.
func (s *Server) MulticastPing(data []byte) bool {
	return s.multicastEncoded(websocket.OpPing, data)
}

// MulticastJSON sends the JSON encoding of v as a text message to every
// handshaked session.
func (s *Server) MulticastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if !s.MulticastText(data) {
		return ErrServerStopped
	}
	return nil
}

// MulticastPrepared sends a prepared message to every handshaked session.
func (s *Server) MulticastPrepared(pm *websocket.PreparedMessage) bool {
	if !s.IsStarted() {
		return false
	}
	frame, err := pm.Frame()
	if err != nil {
		return false
	}
	return s.multicastFrame(frame)
}

func (s *Server) multicastEncoded(op websocket.Opcode, data []byte) bool {
	if !s.IsStarted() {
		return false
	}
	frame, err := websocket.EncodeFrame(op, true, data)
	if err != nil {
		return false
	}
	return s.multicastFrame(frame)
}

// multicastFrame queues a shared, encoded frame on every handshaked session.
func (s *Server) multicastFrame(frame []byte) bool {
	s.multicastMu.Lock()
	defer s.multicastMu.Unlock()

	for _, sess := range s.Sessions() {
		sess.engine.SendFrame(frame)
	}
	s.metrics.multicastsTotal.Inc()

	return s.IsStarted()
}

// CloseAll sends one close frame with status and reason to every handshaked
// session, then force-disconnects all sessions. No multicast frame can be
// queued between the close frame and the disconnect. A zero status sends a
// close frame without a body.
func (s *Server) CloseAll(status int, reason string) bool {
	if !s.IsStarted() {
		return false
	}

	_, span := s.tracer.Start(context.Background(), "wss.close_all",
		trace.WithAttributes(
			attribute.Int("wss.close.status", status),
			attribute.String("wss.close.reason", reason),
		),
	)
	defer span.End()

	frame, err := websocket.EncodeClose(status, []byte(reason))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false
	}

	s.multicastMu.Lock()
	sessions := s.Sessions()
	for _, sess := range sessions {
		sess.engine.CloseWith(frame)
	}
	s.multicastMu.Unlock()

	if err := disconnectSessions(sessions); err != nil {
		span.RecordError(err)
		s.logger.Warn("close all: disconnect failed", "error", err)
	}

	span.SetAttributes(attribute.Int("wss.sessions", len(sessions)))
	span.SetStatus(codes.Ok, "")
	s.logger.Info("closed all sessions", "status", status, "sessions", len(sessions))

	return true
}
