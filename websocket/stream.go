package websocket

import "net/http"

// Stream is the connection capability an Engine drives. Implementations
// must make Enqueue and Disconnect safe for concurrent use.
type Stream interface {
	// Write writes b synchronously. The engine only calls it while the
	// opening handshake is in progress, before any frame is queued.
	Write(b []byte) (int, error)

	// Enqueue queues b for asynchronous delivery in FIFO order and reports
	// whether it was accepted. b is retained and must not be modified.
	Enqueue(b []byte) bool

	// Upgraded is called once the 101 response has been written.
	Upgraded(h *Handshake)

	// Disconnect shuts the stream down. It is idempotent.
	Disconnect() bool
}

// Events receives protocol events decoded by an Engine. Byte slices are
// borrowed: they are valid only until the method returns.
type Events interface {
	OnWsConnecting(r *http.Request)
	OnWsConnectingAccept(r *http.Request) bool
	OnWsConnected(r *http.Request)
	OnWsReceived(op Opcode, data []byte)
	OnWsClose(data []byte, status int)
	OnWsPing(data []byte)
	OnWsPong(data []byte)
	OnWsError(err error)
}
