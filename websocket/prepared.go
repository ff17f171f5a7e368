package websocket

import (
	"sync"
)

// PreparedMessage caches the on-the-wire representation of a message so it
// can be queued on many connections without re-encoding. Server frames are
// never masked, so a single encoding serves every connection.
type PreparedMessage struct {
	op   Opcode
	data []byte

	once  sync.Once
	frame []byte
	err   error
}

// NewPreparedMessage returns a PreparedMessage for a final frame of type op.
// Text payloads must be valid UTF-8 and control payloads must fit in 125 bytes.
func NewPreparedMessage(op Opcode, data []byte) (*PreparedMessage, error) {
	pm := &PreparedMessage{
		op:   op,
		data: data,
	}

	if _, err := pm.Frame(); err != nil {
		return nil, err
	}

	return pm, nil
}

// NewPreparedClose returns a PreparedMessage holding a close frame.
func NewPreparedClose(status int, reason []byte) (*PreparedMessage, error) {
	frame, err := EncodeClose(status, reason)
	if err != nil {
		return nil, err
	}

	pm := &PreparedMessage{op: OpClose, frame: frame}
	pm.once.Do(func() {})

	return pm, nil
}

// Opcode returns the frame type of the message.
func (pm *PreparedMessage) Opcode() Opcode {
	return pm.op
}

// Frame returns the encoded frame. The returned slice is shared and must
// not be modified.
func (pm *PreparedMessage) Frame() ([]byte, error) {
	pm.once.Do(func() {
		if pm.op == OpText {
			pm.frame, pm.err = EncodeText(pm.data)
			return
		}
		pm.frame, pm.err = EncodeFrame(pm.op, true, pm.data)
	})
	return pm.frame, pm.err
}
