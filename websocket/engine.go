package websocket

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"unicode/utf8"
)

// State is the protocol state of an Engine.
type State int32

const (
	StateAwaitingHandshake State = iota
	StateHandshaked
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingHandshake:
		return "awaiting-handshake"
	case StateHandshaked:
		return "handshaked"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Engine errors.
var (
	ErrMessageTooBig          = errors.New("websocket: message exceeds maximum size")
	ErrUnexpectedContinuation = errors.New("websocket: unexpected continuation frame")
	ErrExpectedContinuation   = errors.New("websocket: expected continuation frame")
)

// shrinkThreshold caps the capacity kept by the fragment buffer between messages.
const shrinkThreshold = 64 << 10

// Engine is the per-connection WebSocket state machine. It turns received
// bytes into Events and outgoing calls into frames queued on its Stream.
//
// Receive must be called from a single goroutine. The send methods may be
// called concurrently with each other and with Receive.
type Engine struct {
	stream         Stream
	events         Events
	upgrader       *Upgrader
	maxMessageSize int64

	state     atomic.Int32
	handshake atomic.Pointer[Handshake]

	// Receive side; owned by the goroutine calling Receive.
	recv       []byte
	message    []byte
	messageOp  Opcode
	fragmented bool

	// sendMu orders frame submission against state transitions so that no
	// frame is queued after the close frame.
	sendMu    sync.Mutex
	closeSent bool
}

// NewEngine returns an Engine awaiting the opening handshake. A
// maxMessageSize of zero disables the message size limit.
func NewEngine(stream Stream, events Events, upgrader *Upgrader, maxMessageSize int64) *Engine {
	if upgrader == nil {
		upgrader = &Upgrader{}
	}
	return &Engine{
		stream:         stream,
		events:         events,
		upgrader:       upgrader,
		maxMessageSize: maxMessageSize,
	}
}

// State returns the current protocol state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// IsHandshaked reports whether the engine accepts data frames.
func (e *Engine) IsHandshaked() bool {
	return e.State() == StateHandshaked
}

// Handshake returns the negotiated handshake, or nil before it completes.
func (e *Engine) Handshake() *Handshake {
	return e.handshake.Load()
}

// Receive feeds bytes read from the transport into the engine.
func (e *Engine) Receive(data []byte) {
	switch e.State() {
	case StateAwaitingHandshake:
		e.recv = append(e.recv, data...)
		e.receiveHandshake()
	case StateHandshaked:
		e.recv = append(e.recv, data...)
		e.receiveFrames()
	}
}

func (e *Engine) receiveHandshake() {
	r, n, err := e.upgrader.ReadRequest(e.recv)
	if errors.Is(err, ErrIncomplete) {
		return
	}
	if err != nil {
		e.reject(err)
		return
	}

	e.events.OnWsConnecting(r)

	hs, err := e.upgrader.Negotiate(r)
	if err != nil {
		e.reject(err)
		return
	}

	if !e.events.OnWsConnectingAccept(r) {
		e.reject(&HandshakeError{Status: http.StatusForbidden, Err: ErrHandshakeRejected})
		return
	}

	if _, err := e.stream.Write(hs.Response); err != nil {
		e.state.Store(int32(StateClosed))
		e.events.OnWsError(err)
		e.stream.Disconnect()
		return
	}

	e.handshake.Store(hs)
	e.state.Store(int32(StateHandshaked))
	e.stream.Upgraded(hs)
	e.events.OnWsConnected(r)

	e.recv = e.recv[:copy(e.recv, e.recv[n:])]
	if len(e.recv) > 0 {
		e.receiveFrames()
	}
}

func (e *Engine) reject(err error) {
	status := http.StatusBadRequest
	var hsErr *HandshakeError
	if errors.As(err, &hsErr) {
		status = hsErr.Status
	}

	e.state.Store(int32(StateClosed))
	_, _ = e.stream.Write(RejectResponse(status, err))
	e.events.OnWsError(err)
	e.stream.Disconnect()
}

func (e *Engine) receiveFrames() {
	off := 0
	defer func() {
		e.recv = e.recv[:copy(e.recv, e.recv[off:])]
	}()

	for e.State() == StateHandshaked {
		buf := e.recv[off:]

		h, err := ParseHeader(buf, true)
		if errors.Is(err, ErrIncomplete) {
			return
		}
		if err != nil {
			e.fail(CloseProtocolError, err)
			return
		}

		if !h.Opcode.IsControl() && e.maxMessageSize > 0 && h.Length > e.maxMessageSize-int64(len(e.message)) {
			e.fail(CloseMessageTooBig, ErrMessageTooBig)
			return
		}

		f, n, err := DecodeFrame(buf, true)
		if errors.Is(err, ErrIncomplete) {
			return
		}
		if err != nil {
			e.fail(CloseProtocolError, err)
			return
		}
		off += n

		e.dispatch(f)
	}
}

func (e *Engine) dispatch(f *Frame) {
	switch f.Opcode {
	case OpPing:
		e.sendFrame(OpPong, f.Payload)
		e.events.OnWsPing(f.Payload)

	case OpPong:
		e.events.OnWsPong(f.Payload)

	case OpClose:
		e.receiveClose(f.Payload)

	case OpText, OpBinary:
		if e.fragmented {
			e.fail(CloseProtocolError, ErrExpectedContinuation)
			return
		}
		if f.Fin {
			e.deliver(f.Opcode, f.Payload)
			return
		}
		e.fragmented = true
		e.messageOp = f.Opcode
		e.message = append(e.message[:0], f.Payload...)

	case OpContinuation:
		if !e.fragmented {
			e.fail(CloseProtocolError, ErrUnexpectedContinuation)
			return
		}
		e.message = append(e.message, f.Payload...)
		if !f.Fin {
			return
		}

		e.fragmented = false
		e.deliver(e.messageOp, e.message)
		if cap(e.message) > shrinkThreshold {
			e.message = nil
		} else {
			e.message = e.message[:0]
		}
	}
}

func (e *Engine) deliver(op Opcode, payload []byte) {
	if op == OpText && !utf8.Valid(payload) {
		e.fail(CloseInvalidFramePayloadData, ErrInvalidUTF8)
		return
	}
	e.events.OnWsReceived(op, payload)
}

func (e *Engine) receiveClose(body []byte) {
	status, reason, err := ParseCloseMessage(body)
	if err != nil {
		e.fail(CloseProtocolError, err)
		return
	}

	hookStatus := status
	if status == CloseNoStatusReceived {
		hookStatus = CloseNormalClosure
	}
	e.events.OnWsClose(reason, hookStatus)

	echo := status
	if status == CloseNoStatusReceived {
		echo = 0
	}
	e.Close(echo, nil)
	e.stream.Disconnect()
}

// fail reports a protocol violation, sends a best-effort close frame with
// code and disconnects.
func (e *Engine) fail(code int, err error) {
	e.events.OnWsError(err)
	e.Close(code, nil)
	e.stream.Disconnect()
}

func (e *Engine) sendFrame(op Opcode, payload []byte) bool {
	frame, err := EncodeFrame(op, true, payload)
	if err != nil {
		return false
	}
	return e.SendFrame(frame)
}

// SendFrame queues an already encoded frame. The frame is retained and may
// be shared between engines; it must not be modified afterwards. It returns
// false unless the engine is handshaked.
func (e *Engine) SendFrame(frame []byte) bool {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	if e.State() != StateHandshaked {
		return false
	}
	return e.stream.Enqueue(frame)
}

// SendText queues a text message. Invalid UTF-8 is rejected.
func (e *Engine) SendText(payload []byte) bool {
	frame, err := EncodeText(payload)
	if err != nil {
		return false
	}
	return e.SendFrame(frame)
}

// SendBinary queues a binary message.
func (e *Engine) SendBinary(payload []byte) bool {
	return e.sendFrame(OpBinary, payload)
}

// SendPing queues a ping with up to 125 bytes of application data.
func (e *Engine) SendPing(payload []byte) bool {
	return e.sendFrame(OpPing, payload)
}

// SendPong queues an unsolicited pong.
func (e *Engine) SendPong(payload []byte) bool {
	return e.sendFrame(OpPong, payload)
}

// Close starts the closing handshake by queueing a close frame with status
// and reason. A zero status sends an empty close body. It returns false if
// a close frame was already sent or the engine is not handshaked; the
// engine is in the closing state afterwards in every case but the latter.
func (e *Engine) Close(status int, reason []byte) bool {
	frame, err := EncodeClose(status, reason)
	if err != nil {
		frame, _ = EncodeClose(0, nil)
	}
	return e.CloseWith(frame)
}

// CloseWith is Close with a pre-encoded close frame, used when one frame is
// shared by many connections.
func (e *Engine) CloseWith(frame []byte) bool {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	if !e.state.CompareAndSwap(int32(StateHandshaked), int32(StateClosing)) || e.closeSent {
		return false
	}
	e.closeSent = true
	return e.stream.Enqueue(frame)
}

// Terminate moves the engine to the closed state once the transport is
// gone. Subsequent input is ignored and sends are rejected.
func (e *Engine) Terminate() {
	e.sendMu.Lock()
	e.state.Store(int32(StateClosed))
	e.sendMu.Unlock()
}
