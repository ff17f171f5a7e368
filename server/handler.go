package server

import (
	"net/http"

	"github.com/vitalvas/wss/websocket"
)

// Handler receives session events. Hooks for one session are called from
// that session's goroutines and never while a server or session lock is
// held, so they may call back into the Session or Server. Byte slices are
// only valid until the hook returns.
type Handler interface {
	// OnConnecting is called when the upgrade request has been parsed.
	OnConnecting(s *Session, r *http.Request)

	// OnConnectingAccept decides whether a valid upgrade request is
	// accepted. Returning false answers 403 and disconnects.
	OnConnectingAccept(s *Session, r *http.Request) bool

	// OnConnected is called after the 101 response has been written.
	OnConnected(s *Session, r *http.Request)

	OnDisconnecting(s *Session)

	// OnDisconnected is called exactly once per session.
	OnDisconnected(s *Session)

	// OnReceived is called once per complete text or binary message.
	OnReceived(s *Session, op websocket.Opcode, data []byte)

	// OnClose is called when the peer sends a close frame. status is 1000
	// when the frame carried no status code.
	OnClose(s *Session, data []byte, status int)

	OnPing(s *Session, data []byte)
	OnPong(s *Session, data []byte)
	OnError(s *Session, err error)
}

// LifecycleHandler is optionally implemented by a Handler to observe
// server start and stop.
type LifecycleHandler interface {
	OnStarted(srv *Server)
	OnStopped(srv *Server)
}

// BaseHandler implements Handler with no-ops and accepts every upgrade.
// Embed it to override only the hooks you need.
type BaseHandler struct{}

func (BaseHandler) OnConnecting(*Session, *http.Request)            {}
func (BaseHandler) OnConnectingAccept(*Session, *http.Request) bool { return true }
func (BaseHandler) OnConnected(*Session, *http.Request)             {}
func (BaseHandler) OnDisconnecting(*Session)                        {}
func (BaseHandler) OnDisconnected(*Session)                         {}
func (BaseHandler) OnReceived(*Session, websocket.Opcode, []byte)   {}
func (BaseHandler) OnClose(*Session, []byte, int)                   {}
func (BaseHandler) OnPing(*Session, []byte)                         {}
func (BaseHandler) OnPong(*Session, []byte)                         {}
func (BaseHandler) OnError(*Session, error)                         {}
