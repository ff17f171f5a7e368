package server

import "errors"

var (
	ErrServerStarted = errors.New("server: already started")
	ErrServerStopped = errors.New("server: not started")
	ErrNotHandshaked = errors.New("server: session is not handshaked")
	ErrInvalidConfig = errors.New("server: invalid config")

	// ErrSendBufferFull is reported through OnError when a session's
	// outbound bytes exceed Config.MaxPendingBytes.
	ErrSendBufferFull = errors.New("server: send buffer full")
)
